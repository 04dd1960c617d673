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
	"fmt"

	"deal-escrow-go/internal/common"
	"deal-escrow-go/internal/config"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	dealFlag := flag.Int64("deal", 0, "Flagged deal id (required)")
	fractionFlag := flag.String("fraction", "1", "Advertiser share of the distributable balance; an in-progress deal pays the rest to the channel, an ended deal with 0 just clears the flag")
	destinationFlag := flag.String("destination", "", "Advertiser refund address override (default: advertiser refund address)")
	flag.Parse()

	if *dealFlag == 0 {
		logger.Fatal("Flag --deal is required")
	}
	fraction, err := decimal.NewFromString(*fractionFlag)
	if err != nil {
		logger.Fatal("Invalid fraction", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	logger.Info("Resolving flagged deal",
		zap.Int64("deal_id", *dealFlag),
		zap.String("fraction", fraction.String()),
		zap.String("destination", *destinationFlag))

	res, err := services.Engine.ResolveManually(ctx, *dealFlag, fraction, *destinationFlag)
	if err != nil {
		logger.Fatal("Failed to resolve deal", zap.Int64("deal_id", *dealFlag), zap.Error(err))
	}

	switch {
	case len(res.Legs) > 0:
		for _, leg := range res.Legs {
			amount := "-"
			if leg.Amount != nil {
				amount = leg.Amount.String()
			}
			fmt.Printf("  %-10s %-12s %s TON -> %s %s\n", leg.Leg, leg.Status, amount, leg.Destination, leg.TxHash)
		}
		common.PrintFooter(fmt.Sprintf("Deal #%d closed out as %s", *dealFlag, res.Deal.Status), common.DefaultWidth)
	case res.Refund != nil:
		common.PrintFooter(fmt.Sprintf("Deal #%d resolved: sent %s TON (tx %s)", *dealFlag, res.Refund.Amount.String(), res.Refund.TxHash), common.DefaultWidth)
	default:
		common.PrintFooter(fmt.Sprintf("Deal #%d cleared without a transfer", *dealFlag), common.DefaultWidth)
	}
}
