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
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deal-escrow-go/internal/api"
	"deal-escrow-go/internal/common"
	"deal-escrow-go/internal/config"
	"deal-escrow-go/internal/httpx"
	"deal-escrow-go/internal/identity"
	"deal-escrow-go/internal/rates"

	"go.uber.org/zap"
)

const requestTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting action gateway", zap.String("addr", cfg.Gateway.ListenAddr))

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	serviceConfig := api.ActionServiceConfig{
		Engine:     services.Engine,
		Verifier:   identity.NewVerifier(cfg.Delivery.BotToken, cfg.Gateway.InitDataTTL, services.Clock),
		Identities: services.DbService,
		Health:     services.DbService,
	}
	if cfg.Rates.Url != "" {
		httpClient, err := httpx.NewClient(cfg.Delivery.CallTimeout)
		if err != nil {
			zap.L().Fatal("Failed to create rates client", zap.Error(err))
		}
		serviceConfig.Rates = rates.NewCache(cfg.Rates.TTL, services.Clock, rates.HttpFetcher(httpClient, cfg.Rates.Url, "TON", "USD"))
	} else {
		zap.L().Info("No RATES_URL set, deal views will not include USD prices")
	}

	server := &http.Server{
		Addr:              cfg.Gateway.ListenAddr,
		Handler:           api.NewRouter(api.NewActionService(serviceConfig), requestTimeout),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("Gateway stopped unexpectedly", zap.Error(err))
		}
	}()
	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zap.L().Info("Shutdown signal received, draining requests...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("Forced shutdown after timeout", zap.Error(err))
		return
	}
	zap.L().Info("Gateway stopped gracefully")
}
