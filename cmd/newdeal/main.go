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
	"time"

	"deal-escrow-go/internal/common"
	"deal-escrow-go/internal/config"
	"deal-escrow-go/internal/deals"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func parseFlags() (*deals.OpenParams, error) {
	advertiserFlag := flag.Int64("advertiser", 0, "Advertiser Telegram user id (required)")
	channelFlag := flag.Int64("channel", 0, "Channel id (required)")
	campaignFlag := flag.Int64("campaign", 0, "Campaign id (required)")
	priceFlag := flag.String("price", "", "Deal price in TON (required)")
	postsFlag := flag.Int("posts", 1, "Number of posts")
	durationFlag := flag.Int("duration", 24, "Hours the posts must stay up")
	refundFlag := flag.String("refund-address", "", "Advertiser address for refunds (required)")
	scheduleFlag := flag.String("schedule", "", "Publication time, RFC3339 (optional)")
	flag.Parse()

	if *advertiserFlag == 0 || *channelFlag == 0 || *campaignFlag == 0 || *priceFlag == "" || *refundFlag == "" {
		return nil, fmt.Errorf("flags --advertiser, --channel, --campaign, --price and --refund-address are required")
	}

	price, err := decimal.NewFromString(*priceFlag)
	if err != nil {
		return nil, fmt.Errorf("invalid price format: %w", err)
	}

	params := &deals.OpenParams{
		AdvertiserId:      *advertiserFlag,
		ChannelId:         *channelFlag,
		CampaignId:        *campaignFlag,
		Price:             price,
		PostCount:         *postsFlag,
		DurationHours:     *durationFlag,
		AdvertiserAddress: *refundFlag,
	}

	if *scheduleFlag != "" {
		scheduledAt, err := time.Parse(time.RFC3339, *scheduleFlag)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule: %w", err)
		}
		params.ScheduledAt = &scheduledAt
	}
	return params, nil
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	params, err := parseFlags()
	if err != nil {
		logger.Fatal("Invalid arguments", zap.Error(err))
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

	deal, err := services.Engine.Open(ctx, *params)
	if err != nil {
		logger.Fatal("Failed to open deal", zap.Error(err))
	}

	common.PrintHeader("DEAL OPENED", common.DefaultWidth)
	fmt.Printf("Deal:     #%d\n", deal.Id)
	fmt.Printf("Status:   %s\n", deal.Status)
	fmt.Printf("Price:    %s TON\n", deal.Price.String())
	fmt.Printf("Pay to:   %s\n", deal.EscrowAddress)
	fmt.Printf("Deadline: %s\n", deal.CreatedAt.Add(cfg.Deals.FundingDeadline).UTC().Format(time.RFC3339))
	common.PrintFooter("Fund the escrow address with the exact price to start the deal", common.DefaultWidth)
}
