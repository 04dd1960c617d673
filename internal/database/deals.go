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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"deal-escrow-go/internal/models"
	"deal-escrow-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Service) CreateDeal(ctx context.Context, params store.CreateDealParams) (*models.Deal, error) {
	if params.EscrowAddress == "" || params.EncryptedKey == "" {
		return nil, fmt.Errorf("deal requires a provisioned escrow wallet")
	}
	if params.Price.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("deal price must be positive, got %s", params.Price)
	}

	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, queryInsertDeal,
		params.AdvertiserId, params.ChannelId, params.CampaignId, params.Price.String(),
		params.PostCount, params.DurationHours, params.EscrowAddress, params.EncryptedKey,
		params.AdvertiserAddress, nullTime(params.ScheduledAt), string(models.StatusPending),
		createdAt, createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: escrow address %s already belongs to a deal", store.ErrDuplicateEntry, params.EscrowAddress)
		}
		return nil, fmt.Errorf("failed to insert deal: %w", err)
	}

	dealId, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read deal id: %w", err)
	}

	zap.L().Info("Deal created",
		zap.Int64("deal_id", dealId),
		zap.Int64("advertiser_id", params.AdvertiserId),
		zap.Int64("channel_id", params.ChannelId),
		zap.String("escrow_address", params.EscrowAddress),
		zap.String("price", params.Price.String()))

	return s.GetDeal(ctx, dealId)
}

func (s *Service) GetDeal(ctx context.Context, dealId int64) (*models.Deal, error) {
	deal, err := scanDeal(s.db.QueryRowContext(ctx, queryGetDeal, dealId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", store.ErrDealNotFound, dealId)
		}
		return nil, fmt.Errorf("failed to get deal %d: %w", dealId, err)
	}
	return deal, nil
}

func (s *Service) ListDealsByStatus(ctx context.Context, statuses ...models.DealStatus) ([]models.Deal, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(queryListDealsByStatus, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deals: %w", err)
	}
	defer rows.Close()

	return collectDeals(rows)
}

// ListFlaggedDeals returns deals waiting for operator attention
func (s *Service) ListFlaggedDeals(ctx context.Context) ([]models.Deal, error) {
	rows, err := s.db.QueryContext(ctx, queryListFlaggedDeals)
	if err != nil {
		return nil, fmt.Errorf("failed to list flagged deals: %w", err)
	}
	defer rows.Close()

	return collectDeals(rows)
}

// CountDealsByStatus returns the number of deals in each status
func (s *Service) CountDealsByStatus(ctx context.Context) (map[models.DealStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, queryCountDealsByStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to count deals: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.DealStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan deal count: %w", err)
		}
		counts[models.DealStatus(status)] = count
	}
	return counts, rows.Err()
}

// UpdateDeal writes the deal's mutable fields if it is still in the expected status at the
// version the caller read. On success deal.Version is advanced.
func (s *Service) UpdateDeal(ctx context.Context, expected models.DealStatus, deal *models.Deal) error {
	if err := checkTransition(expected, deal.Status); err != nil {
		return err
	}
	return updateDeal(ctx, s.db, expected, deal)
}

// TransitionWithSettlement applies a status change and records its settlement legs atomically.
// The legs are the durable intent that precedes any transfer.
func (s *Service) TransitionWithSettlement(ctx context.Context, expected models.DealStatus, deal *models.Deal, legs []models.Settlement) error {
	if err := checkTransition(expected, deal.Status); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateDeal(ctx, tx, expected, deal); err != nil {
		return err
	}

	for i := range legs {
		if err := insertSettlement(ctx, tx, &legs[i]); err != nil {
			deal.Version--
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		deal.Version--
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Deal transitioned with settlement intent",
		zap.Int64("deal_id", deal.Id),
		zap.String("from", string(expected)),
		zap.String("to", string(deal.Status)),
		zap.Int("legs", len(legs)))
	return nil
}

func (s *Service) FlagDeal(ctx context.Context, dealId int64, flag models.DealFlag, reason string) error {
	result, err := s.db.ExecContext(ctx, queryFlagDeal, string(flag), reason, time.Now().UTC(), dealId)
	if err != nil {
		return fmt.Errorf("failed to flag deal %d: %w", dealId, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %d", store.ErrDealNotFound, dealId)
	}

	zap.L().Warn("Deal flagged",
		zap.Int64("deal_id", dealId),
		zap.String("flag", string(flag)),
		zap.String("reason", reason))
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateDeal(ctx context.Context, db execer, expected models.DealStatus, deal *models.Deal) error {
	messageIds, err := json.Marshal(nonNilInt64s(deal.MessageIds))
	if err != nil {
		return fmt.Errorf("failed to encode message ids: %w", err)
	}
	draftMedia, err := json.Marshal(nonNilStrings(deal.DraftMedia))
	if err != nil {
		return fmt.Errorf("failed to encode draft media: %w", err)
	}
	history := deal.DraftHistory
	if history == nil {
		history = []models.DraftRevision{}
	}
	draftHistory, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to encode draft history: %w", err)
	}

	var approved any
	if deal.DraftApproved != nil {
		approved = *deal.DraftApproved
	}

	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, queryUpdateDeal,
		nullTime(deal.PaymentVerifiedAt), nullTime(deal.ScheduledAt), nullTime(deal.PostedAt),
		nullTime(deal.ExpiresAt), string(messageIds),
		deal.DraftText, string(draftMedia), approved, deal.RevisionCount,
		nullTime(deal.DraftSubmittedAt), string(draftHistory), deal.ChangesRequested,
		string(deal.Status), now,
		deal.Id, string(expected), deal.Version)
	if err != nil {
		return fmt.Errorf("failed to update deal %d: %w", deal.Id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("deal %d no longer %s at version %d - %w", deal.Id, expected, deal.Version, store.ErrConcurrentModification)
	}

	deal.Version++
	deal.UpdatedAt = now
	return nil
}

func checkTransition(from, to models.DealStatus) error {
	if from == to {
		if from.IsTerminal() {
			return fmt.Errorf("deal in terminal status %s cannot be modified", from)
		}
		return nil
	}
	if !models.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	return nil
}

func collectDeals(rows *sql.Rows) ([]models.Deal, error) {
	var deals []models.Deal
	for rows.Next() {
		deal, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, *deal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deals: %w", err)
	}
	return deals, nil
}

func scanDeal(row rowScanner) (*models.Deal, error) {
	var (
		deal                                              models.Deal
		price, status, flag, messageIds, media, history   string
		paymentVerifiedAt, scheduledAt, postedAt, expires sql.NullTime
		draftSubmittedAt                                  sql.NullTime
		draftApproved                                     sql.NullBool
	)

	err := row.Scan(
		&deal.Id, &deal.AdvertiserId, &deal.ChannelId, &deal.CampaignId, &price, &deal.PostCount, &deal.DurationHours,
		&deal.EscrowAddress, &deal.EncryptedKey, &deal.AdvertiserAddress, &paymentVerifiedAt,
		&scheduledAt, &postedAt, &expires, &messageIds,
		&deal.DraftText, &media, &draftApproved, &deal.RevisionCount, &draftSubmittedAt, &history, &deal.ChangesRequested,
		&status, &flag, &deal.FlagReason, &deal.Version, &deal.CreatedAt, &deal.UpdatedAt)
	if err != nil {
		return nil, err
	}

	deal.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("failed to parse price '%s': %w", price, err)
	}
	if err := json.Unmarshal([]byte(messageIds), &deal.MessageIds); err != nil {
		return nil, fmt.Errorf("failed to decode message ids: %w", err)
	}
	if err := json.Unmarshal([]byte(media), &deal.DraftMedia); err != nil {
		return nil, fmt.Errorf("failed to decode draft media: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &deal.DraftHistory); err != nil {
		return nil, fmt.Errorf("failed to decode draft history: %w", err)
	}

	deal.Status = models.DealStatus(status)
	deal.Flag = models.DealFlag(flag)
	deal.PaymentVerifiedAt = timePtr(paymentVerifiedAt)
	deal.ScheduledAt = timePtr(scheduledAt)
	deal.PostedAt = timePtr(postedAt)
	deal.ExpiresAt = timePtr(expires)
	deal.DraftSubmittedAt = timePtr(draftSubmittedAt)
	if draftApproved.Valid {
		v := draftApproved.Bool
		deal.DraftApproved = &v
	}

	return &deal, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nonNilInt64s(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
