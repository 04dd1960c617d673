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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deal-escrow-go/internal/common"
	"deal-escrow-go/internal/config"
	"deal-escrow-go/internal/scheduler"

	"go.uber.org/zap"
)

func main() {
	onceFlag := flag.String("once", "", "Run a single job once and exit (e.g. payment_check)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting deal scheduler")

	jobs, err := common.LoadJobs(cfg.JobsFile)
	if err != nil {
		zap.L().Fatal("Failed to load jobs", zap.Error(err))
	}

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	s, err := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Engine: services.Engine,
		Store:  services.DbService,
		Clock:  services.Clock,
		Jobs:   jobs,
	})
	if err != nil {
		zap.L().Fatal("Failed to create scheduler", zap.Error(err))
	}

	if *onceFlag != "" {
		summary, err := s.RunOnce(ctx, *onceFlag)
		if err != nil {
			zap.L().Fatal("Failed to run job", zap.String("job", *onceFlag), zap.Error(err))
		}
		if summary.Failed > 0 {
			zap.L().Warn("Job finished with failures",
				zap.String("job", summary.Job),
				zap.Int("failed", summary.Failed))
		}
		return
	}

	s.Start(ctx)
	zap.L().Info("Scheduler running", zap.Strings("jobs", s.Jobs()))
	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zap.L().Info("Shutdown signal received, stopping scheduler...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("Scheduler stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Forced shutdown after timeout")
	}
}
