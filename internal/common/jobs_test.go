package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadJobs(t *testing.T) {
	path := writeFile(t, "jobs.yaml", `
jobs:
  - name: payment_check
    interval: 1m
  - name: integrity_verify
    disabled: true
`)

	jobs, err := LoadJobs(path)
	if err != nil {
		t.Fatalf("LoadJobs failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].Name != "payment_check" || jobs[0].Interval != time.Minute {
		t.Errorf("Unexpected first job: %+v", jobs[0])
	}
	if !jobs[1].Disabled || jobs[1].Interval != 0 {
		t.Errorf("Unexpected second job: %+v", jobs[1])
	}
}

func TestLoadJobs_MissingFile(t *testing.T) {
	jobs, err := LoadJobs(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Expected no error for missing file, got %v", err)
	}
	if jobs != nil {
		t.Errorf("Expected no overrides, got %+v", jobs)
	}
}

func TestLoadJobs_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing name", "jobs:\n  - interval: 1m\n"},
		{"duplicate", "jobs:\n  - name: completion\n  - name: completion\n"},
		{"negative interval", "jobs:\n  - name: completion\n    interval: -1m\n"},
		{"bad duration", "jobs:\n  - name: completion\n    interval: soon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "jobs.yaml", tt.content)
			if _, err := LoadJobs(path); err == nil {
				t.Error("Expected error")
			}
		})
	}
}
