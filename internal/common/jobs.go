package common

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"deal-escrow-go/internal/models"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

type JobsConfig struct {
	Jobs []models.JobConfig `yaml:"jobs"`
}

// LoadJobs reads the scheduler job file. A missing file yields no overrides so every job runs
// on its default interval.
func LoadJobs(jobsFile string) ([]models.JobConfig, error) {
	jobsPath := jobsFile
	if !filepath.IsAbs(jobsFile) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		jobsPath = filepath.Join(wd, jobsFile)
	}

	data, err := os.ReadFile(jobsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			zap.L().Info("No jobs file, using default schedule", zap.String("file", jobsFile))
			return nil, nil
		}
		return nil, fmt.Errorf("unable to read %s: %w", jobsFile, err)
	}

	var config JobsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", jobsFile, err)
	}

	seen := make(map[string]bool)
	for i, job := range config.Jobs {
		if job.Name == "" {
			return nil, fmt.Errorf("job at index %d missing name", i)
		}
		if seen[job.Name] {
			return nil, fmt.Errorf("job %q listed twice", job.Name)
		}
		if job.Interval < 0 {
			return nil, fmt.Errorf("job %q has negative interval", job.Name)
		}
		seen[job.Name] = true
	}

	return config.Jobs, nil
}
