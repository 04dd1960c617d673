/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deal-escrow-go/internal/clock"
	"deal-escrow-go/internal/models"
	"deal-escrow-go/internal/store"

	"go.uber.org/zap"
)

const (
	JobPaymentCheck     = "payment_check"
	JobScheduledPublish = "scheduled_publish"
	JobIntegrityVerify  = "integrity_verify"
	JobCompletion       = "completion"
	JobDraftTimeout     = "draft_timeout"
	JobFundingTimeout   = "funding_timeout"
	JobSettlementRetry  = "settlement_retry"
)

// DefaultJobs is the schedule used when no jobs file is present
func DefaultJobs() []models.JobConfig {
	return []models.JobConfig{
		{Name: JobPaymentCheck, Interval: 5 * time.Minute},
		{Name: JobScheduledPublish, Interval: 5 * time.Minute},
		{Name: JobIntegrityVerify, Interval: 30 * time.Minute},
		{Name: JobCompletion, Interval: 10 * time.Minute},
		{Name: JobDraftTimeout, Interval: 15 * time.Minute},
		{Name: JobFundingTimeout, Interval: 30 * time.Minute},
		{Name: JobSettlementRetry, Interval: 5 * time.Minute},
	}
}

// DealEngine is the part of the deal engine the jobs drive. *deals.Engine implements it.
type DealEngine interface {
	ConfirmFunding(ctx context.Context, deal *models.Deal) (bool, error)
	ExpireUnfunded(ctx context.Context, deal *models.Deal) (bool, error)
	TimeoutDraft(ctx context.Context, deal *models.Deal) (bool, error)
	Publish(ctx context.Context, deal *models.Deal) (bool, error)
	Complete(ctx context.Context, deal *models.Deal) (bool, error)
	VerifyIntegrity(ctx context.Context, deal *models.Deal) (bool, error)
	ExecuteSettlement(ctx context.Context, dealId int64) error
}

// Summary reports one job run
type Summary struct {
	Job       string
	Scanned   int
	Processed int
	Skipped   int
	Failed    int
	Duration  time.Duration
}

// SchedulerConfig contains configuration for Scheduler
type SchedulerConfig struct {
	Engine DealEngine
	Store  store.DealStore
	Clock  clock.Clock
	Jobs   []models.JobConfig
	// DealTimeout bounds the work done on a single deal within a run
	DealTimeout time.Duration
}

// Scheduler runs the time-driven deal jobs, each in its own ticker loop.
// Runs of the same job never overlap; different jobs may touch the same deal
// and rely on the engine's compare-and-set writes.
type Scheduler struct {
	engine      DealEngine
	store       store.DealStore
	clock       clock.Clock
	dealTimeout time.Duration

	jobs  map[string]*job
	order []string

	stopChan chan struct{}
	wg       sync.WaitGroup
}

type job struct {
	name     string
	interval time.Duration
	disabled bool
	mu       sync.Mutex
	run      func(ctx context.Context) Summary
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.DealTimeout <= 0 {
		cfg.DealTimeout = time.Minute
	}

	s := &Scheduler{
		engine:      cfg.Engine,
		store:       cfg.Store,
		clock:       cfg.Clock,
		dealTimeout: cfg.DealTimeout,
		jobs:        make(map[string]*job),
		stopChan:    make(chan struct{}),
	}

	runners := s.runners()
	configured := make(map[string]models.JobConfig)
	for _, jc := range cfg.Jobs {
		if _, ok := runners[jc.Name]; !ok {
			return nil, fmt.Errorf("unknown job %q", jc.Name)
		}
		configured[jc.Name] = jc
	}

	for _, def := range DefaultJobs() {
		jc := def
		if c, ok := configured[def.Name]; ok {
			jc.Disabled = c.Disabled
			if c.Interval > 0 {
				jc.Interval = c.Interval
			}
		}
		s.jobs[jc.Name] = &job{
			name:     jc.Name,
			interval: jc.Interval,
			disabled: jc.Disabled,
			run:      runners[jc.Name],
		}
		s.order = append(s.order, jc.Name)
	}
	return s, nil
}

// Jobs lists the job names in run order
func (s *Scheduler) Jobs() []string {
	return append([]string(nil), s.order...)
}

// Start launches a loop for every enabled job
func (s *Scheduler) Start(ctx context.Context) {
	zap.L().Info("Starting scheduler")

	for _, name := range s.order {
		j := s.jobs[name]
		if j.disabled {
			zap.L().Info("Job disabled", zap.String("job", name))
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, j)
		zap.L().Info("Job scheduled", zap.String("job", name), zap.Duration("interval", j.interval))
	}
}

// Stop signals every loop and waits for in-flight runs to finish
func (s *Scheduler) Stop() {
	zap.L().Info("Stopping scheduler")
	close(s.stopChan)
	s.wg.Wait()
	zap.L().Info("Scheduler stopped")
}

// RunOnce runs a single job immediately, waiting for any in-flight run of the same job
func (s *Scheduler) RunOnce(ctx context.Context, name string) (Summary, error) {
	j, ok := s.jobs[name]
	if !ok {
		return Summary{}, fmt.Errorf("unknown job %q", name)
	}
	return s.execute(ctx, j), nil
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	s.execute(ctx, j)

	for {
		select {
		case <-ticker.C:
			s.execute(ctx, j)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job) Summary {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := time.Now()
	summary := j.run(ctx)
	summary.Job = j.name
	summary.Duration = time.Since(start)

	fields := []zap.Field{
		zap.String("job", j.name),
		zap.Int("scanned", summary.Scanned),
		zap.Int("processed", summary.Processed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration),
	}
	if summary.Failed > 0 {
		zap.L().Warn("Job finished with failures", fields...)
	} else {
		zap.L().Info("Job finished", fields...)
	}
	return summary
}
