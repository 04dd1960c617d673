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

	"deal-escrow-go/internal/common"
	"deal-escrow-go/internal/config"

	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	catalogFlag := flag.String("catalog", "", "Optional path to catalog.yaml with channels, campaigns and memberships to seed")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	// Opening the database creates the schema
	zap.L().Info("Setting up SQLite database", zap.String("path", cfg.Database.Path))
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	if *catalogFlag == "" {
		zap.L().Info("Initialization complete, no catalog to seed")
		return
	}

	zap.L().Info("Loading catalog", zap.String("file", *catalogFlag))
	catalog, err := common.LoadCatalog(*catalogFlag)
	if err != nil {
		zap.L().Fatal("Failed to load catalog", zap.Error(err))
	}

	if err := common.SeedCatalog(ctx, dbService, catalog); err != nil {
		zap.L().Fatal("Failed to seed catalog", zap.Error(err))
	}

	zap.L().Info("Initialization complete")
}
