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
	"errors"
	"fmt"

	"deal-escrow-go/internal/models"
	"deal-escrow-go/internal/store"

	"go.uber.org/zap"
)

// UpsertIdentity records the latest verified profile of a Telegram user
func (s *Service) UpsertIdentity(ctx context.Context, identity *models.Identity) error {
	_, err := s.db.ExecContext(ctx, queryUpsertIdentity,
		identity.Id, identity.FirstName, identity.LastName, identity.Username,
		identity.LanguageCode, identity.IsPremium)
	if err != nil {
		return fmt.Errorf("failed to upsert identity %d: %w", identity.Id, err)
	}

	zap.L().Debug("Identity upserted",
		zap.Int64("user_id", identity.Id),
		zap.String("username", identity.Username))
	return nil
}

func (s *Service) GetIdentity(ctx context.Context, id int64) (*models.Identity, error) {
	var identity models.Identity
	err := s.db.QueryRowContext(ctx, queryGetIdentity, id).Scan(
		&identity.Id, &identity.FirstName, &identity.LastName, &identity.Username,
		&identity.LanguageCode, &identity.IsPremium)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: identity %d", store.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get identity %d: %w", id, err)
	}
	return &identity, nil
}
