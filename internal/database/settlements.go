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
	"fmt"
	"time"

	"deal-escrow-go/internal/models"
	"deal-escrow-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func insertSettlement(ctx context.Context, db execer, leg *models.Settlement) error {
	if leg.Id == "" {
		leg.Id = uuid.New().String()
	}
	if leg.CreatedAt.IsZero() {
		leg.CreatedAt = time.Now().UTC()
	}
	if leg.UpdatedAt.IsZero() {
		leg.UpdatedAt = leg.CreatedAt
	}
	leg.Version = 1

	_, err := db.ExecContext(ctx, queryInsertSettlement,
		leg.Id, leg.DealId, string(leg.Kind), string(leg.Leg), leg.Destination,
		leg.Fraction.String(), nullDecimal(leg.Amount), leg.IdempotencyKey, string(leg.Status),
		leg.CreatedAt, leg.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: settlement leg %s for deal %d", store.ErrDuplicateEntry, leg.Leg, leg.DealId)
		}
		return fmt.Errorf("failed to insert settlement: %w", err)
	}
	return nil
}

func (s *Service) GetSettlements(ctx context.Context, dealId int64) ([]models.Settlement, error) {
	rows, err := s.db.QueryContext(ctx, queryGetSettlements, dealId)
	if err != nil {
		return nil, fmt.Errorf("failed to get settlements for deal %d: %w", dealId, err)
	}
	defer rows.Close()

	var settlements []models.Settlement
	for rows.Next() {
		var (
			st                          models.Settlement
			kind, leg, fraction, status string
			amount                      sql.NullString
		)
		if err := rows.Scan(&st.Id, &st.DealId, &kind, &leg, &st.Destination, &fraction, &amount,
			&st.IdempotencyKey, &status, &st.TxHash, &st.Error, &st.CreatedAt, &st.UpdatedAt, &st.Version); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}

		st.Kind = models.SettlementKind(kind)
		st.Leg = models.SettlementLeg(leg)
		st.Status = models.SettlementStatus(status)
		st.Fraction, err = decimal.NewFromString(fraction)
		if err != nil {
			return nil, fmt.Errorf("failed to parse fraction '%s': %w", fraction, err)
		}
		if amount.Valid {
			amt, err := decimal.NewFromString(amount.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse amount '%s': %w", amount.String, err)
			}
			st.Amount = &amt
		}
		settlements = append(settlements, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settlements: %w", err)
	}
	return settlements, nil
}

// UpdateSettlement writes the leg if it is still in the expected status at the version the
// caller read. UpdatedAt is stored as given, or as now when zero. The version is bumped on success.
func (s *Service) UpdateSettlement(ctx context.Context, expected models.SettlementStatus, settlement *models.Settlement) error {
	updatedAt := settlement.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, queryUpdateSettlement,
		nullDecimal(settlement.Amount), string(settlement.Status), settlement.TxHash, settlement.Error, updatedAt,
		settlement.Id, string(expected), settlement.Version)
	if err != nil {
		return fmt.Errorf("failed to update settlement %s: %w", settlement.Id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("settlement %s no longer %s at version %d - %w", settlement.Id, expected, settlement.Version, store.ErrConcurrentModification)
	}

	settlement.UpdatedAt = updatedAt
	settlement.Version++
	zap.L().Debug("Settlement updated",
		zap.String("settlement_id", settlement.Id),
		zap.Int64("deal_id", settlement.DealId),
		zap.String("leg", string(settlement.Leg)),
		zap.String("from", string(expected)),
		zap.String("to", string(settlement.Status)))
	return nil
}

func (s *Service) ListDealsWithOpenSettlements(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, queryListOpenSettlementDeals)
	if err != nil {
		return nil, fmt.Errorf("failed to list open settlements: %w", err)
	}
	defer rows.Close()

	var dealIds []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan deal id: %w", err)
		}
		dealIds = append(dealIds, id)
	}
	return dealIds, rows.Err()
}

func nullDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}
