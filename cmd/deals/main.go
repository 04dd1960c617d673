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
	"deal-escrow-go/internal/database"
	"deal-escrow-go/internal/formance"
	"deal-escrow-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// journalReader is satisfied by both journal backends
type journalReader interface {
	GetJournalEntries(ctx context.Context, dealId int64) ([]models.JournalEntry, error)
}

type reportStats struct {
	total   int
	flagged int
	open    int
}

func printStatusCounts(counts map[models.DealStatus]int) reportStats {
	stats := reportStats{}
	statuses := []models.DealStatus{
		models.StatusPending, models.StatusEscrow, models.StatusAwaitingDraft, models.StatusDraftReview,
		models.StatusScheduled, models.StatusInProgress, models.StatusCompleted, models.StatusRejected,
		models.StatusTimeoutCompleted, models.StatusExpired,
	}

	for i, status := range statuses {
		count := counts[status]
		stats.total += count
		if !status.IsTerminal() {
			stats.open += count
		}
		fmt.Printf("%s %-18s: %6d\n", common.BoxPrefix(i == len(statuses)-1), status, count)
	}
	return stats
}

func printLegs(legs []models.Settlement) {
	for i, leg := range legs {
		amount := "-"
		if leg.Amount != nil {
			amount = leg.Amount.String()
		}
		fmt.Printf("│  %s %-10s %-9s %-13s %12s  %s\n",
			common.BoxPrefix(i == len(legs)-1), leg.Kind, leg.Leg, leg.Status, amount, common.Truncate(leg.TxHash, 16))
	}
}

func printJournal(entries []models.JournalEntry) {
	for i, entry := range entries {
		fmt.Printf("│  %s %-12s %-16s -> %-20s %12s\n",
			common.BoxPrefix(i == len(entries)-1), entry.EventType, entry.Source, entry.Destination, entry.Amount.String())
	}
}

func printDeal(ctx context.Context, deal models.Deal, dbService *database.Service, journal journalReader, logger *zap.Logger) {
	fmt.Printf("\n┌─ Deal #%d [%s] %s TON\n", deal.Id, deal.Status, deal.Price.String())
	fmt.Printf("│  Advertiser: %d  Channel: %d  Campaign: %d\n", deal.AdvertiserId, deal.ChannelId, deal.CampaignId)
	fmt.Printf("│  Escrow: %s\n", deal.EscrowAddress)
	fmt.Printf("│  Funded: %s  Posted: %s  Expires: %s\n",
		common.FormatTime(deal.PaymentVerifiedAt), common.FormatTime(deal.PostedAt), common.FormatTime(deal.ExpiresAt))
	if deal.Flag != models.FlagNone {
		fmt.Printf("│  Flag: %s (%s)\n", deal.Flag, common.Truncate(deal.FlagReason, 60))
	}
	common.PrintBoxSeparator(78)

	legs, err := dbService.GetSettlements(ctx, deal.Id)
	if err != nil {
		logger.Error("Failed to read settlement legs", zap.Int64("deal_id", deal.Id), zap.Error(err))
	} else if len(legs) > 0 {
		fmt.Println("│  Settlement:")
		printLegs(legs)
	}

	entries, err := journal.GetJournalEntries(ctx, deal.Id)
	if err != nil {
		logger.Error("Failed to read journal", zap.Int64("deal_id", deal.Id), zap.Error(err))
	} else if len(entries) > 0 {
		fmt.Println("│  Journal:")
		printJournal(entries)
	}
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	dealFlag := flag.Int64("deal", 0, "Show a single deal (optional)")
	flag.Parse()

	logger.Info("Starting deal report")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Read-only: no custody or Bot API access needed
	logger.Info("Connecting to database", zap.String("path", cfg.Database.Path))
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	var journal journalReader = dbService
	var ledger *formance.Service
	if cfg.Journal.Backend == "formance" {
		ledger, err = formance.NewService(ctx, cfg.Journal)
		if err != nil {
			logger.Fatal("Failed to connect to journal ledger", zap.Error(err))
		}
		journal = ledger
	}

	if *dealFlag != 0 {
		deal, err := dbService.GetDeal(ctx, *dealFlag)
		if err != nil {
			logger.Fatal("Failed to read deal", zap.Int64("deal_id", *dealFlag), zap.Error(err))
		}
		common.PrintHeader(fmt.Sprintf("DEAL #%d", deal.Id), common.WideWidth)
		printDeal(ctx, *deal, dbService, journal, logger)
		if ledger != nil {
			balance, err := ledger.EscrowBalance(ctx, deal.Id)
			if err != nil {
				logger.Warn("Failed to read ledger balance", zap.Error(err))
			} else {
				fmt.Printf("└─ Ledger escrow balance: %s TON\n", balance.String())
			}
		}
		common.PrintFooter("END OF DEAL", common.WideWidth)
		return
	}

	counts, err := dbService.CountDealsByStatus(ctx)
	if err != nil {
		logger.Fatal("Failed to count deals", zap.Error(err))
	}

	common.PrintHeader("DEAL STATUS REPORT", common.WideWidth)
	stats := printStatusCounts(counts)

	flagged, err := dbService.ListFlaggedDeals(ctx)
	if err != nil {
		logger.Fatal("Failed to list flagged deals", zap.Error(err))
	}
	stats.flagged = len(flagged)

	if len(flagged) > 0 {
		common.PrintHeader("FLAGGED FOR MANUAL REVIEW", common.WideWidth)
		held := decimal.Zero
		for _, deal := range flagged {
			printDeal(ctx, deal, dbService, journal, logger)
			held = held.Add(deal.Price)
		}
		fmt.Printf("\nFlagged deal value: %s TON\n", held.String())
	}

	summary := fmt.Sprintf("SUMMARY: %d deals (%d open, %d flagged)", stats.total, stats.open, stats.flagged)
	common.PrintFooter(summary, common.WideWidth)

	logger.Info("Deal report completed",
		zap.Int("total", stats.total),
		zap.Int("open", stats.open),
		zap.Int("flagged", stats.flagged))
}
