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

package database

import (
	"context"
	"fmt"
	"time"

	"deal-escrow-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Record appends a journal entry. A repeated reference is ignored so callers may retry freely.
func (s *Service) Record(ctx context.Context, entry models.JournalEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, queryInsertJournalEntry,
		entry.Reference, entry.DealId, entry.EventType, entry.Source, entry.Destination,
		entry.Amount.String(), entry.TxHash, ts)
	if err != nil {
		return fmt.Errorf("failed to record journal entry: %w", err)
	}

	zap.L().Info("Journal entry recorded",
		zap.String("reference", entry.Reference),
		zap.Int64("deal_id", entry.DealId),
		zap.String("event_type", entry.EventType),
		zap.String("amount", entry.Amount.String()))
	return nil
}

// GetJournalEntries returns the journal of a deal in insertion order
func (s *Service) GetJournalEntries(ctx context.Context, dealId int64) ([]models.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, queryGetJournalEntries, dealId)
	if err != nil {
		return nil, fmt.Errorf("failed to get journal entries: %w", err)
	}
	defer rows.Close()

	var entries []models.JournalEntry
	for rows.Next() {
		var (
			entry  models.JournalEntry
			amount string
		)
		if err := rows.Scan(&entry.Reference, &entry.DealId, &entry.EventType, &entry.Source,
			&entry.Destination, &amount, &entry.TxHash, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entry.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("failed to parse amount '%s': %w", amount, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
