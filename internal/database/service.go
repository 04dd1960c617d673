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

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time checks: *Service must satisfy the store contracts.
var (
	_ store.DealStore = (*Service)(nil)
	_ store.Journal   = (*Service)(nil)
)

type Service struct {
	db *sql.DB
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection with timeout
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, closeErr
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service, err := newServiceFromDB(db)
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, closeErr
		}
		return nil, err
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

func newServiceFromDB(db *sql.DB) (*Service, error) {
	service := &Service{db: db}
	if err := service.initSchema(); err != nil {
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}
	return service, nil
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

// Ping checks the database is reachable
func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Service) initSchema() error {
	schema := `
	-- Identities verified through Telegram init data
	CREATE TABLE IF NOT EXISTS identities (
		id INTEGER PRIMARY KEY,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		language_code TEXT NOT NULL DEFAULT '',
		is_premium BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- Collaborator-owned catalog, read-only to the engine
	CREATE TABLE IF NOT EXISTS channels (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		payout_address TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS campaigns (
		id INTEGER PRIMARY KEY,
		advertiser_id INTEGER NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('direct', 'prompt')),
		text TEXT NOT NULL DEFAULT '',
		media_urls TEXT NOT NULL DEFAULT '[]',
		button_text TEXT NOT NULL DEFAULT '',
		button_url TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS channel_memberships (
		channel_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('owner', 'manager')),
		permissions TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (channel_id, user_id)
	);

	-- Deals
	CREATE TABLE IF NOT EXISTS deals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		advertiser_id INTEGER NOT NULL,
		channel_id INTEGER NOT NULL,
		campaign_id INTEGER NOT NULL,
		price TEXT NOT NULL,
		post_count INTEGER NOT NULL DEFAULT 1,
		duration_hours INTEGER NOT NULL DEFAULT 24,
		escrow_address TEXT NOT NULL UNIQUE,
		encrypted_key TEXT NOT NULL,
		advertiser_address TEXT NOT NULL DEFAULT '',
		payment_verified_at TIMESTAMP,
		scheduled_at TIMESTAMP,
		posted_at TIMESTAMP,
		expires_at TIMESTAMP,
		message_ids TEXT NOT NULL DEFAULT '[]',
		draft_text TEXT NOT NULL DEFAULT '',
		draft_media TEXT NOT NULL DEFAULT '[]',
		draft_approved BOOLEAN,
		revision_count INTEGER NOT NULL DEFAULT 0,
		draft_submitted_at TIMESTAMP,
		draft_history TEXT NOT NULL DEFAULT '[]',
		changes_requested BOOLEAN NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		flag TEXT NOT NULL DEFAULT '',
		flag_reason TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deals_status ON deals(status);
	CREATE INDEX IF NOT EXISTS idx_deals_advertiser ON deals(advertiser_id);
	CREATE INDEX IF NOT EXISTS idx_deals_channel ON deals(channel_id);

	-- Settlement legs: one row per transfer out of an escrow wallet
	CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		deal_id INTEGER NOT NULL REFERENCES deals(id),
		kind TEXT NOT NULL,
		leg TEXT NOT NULL,
		destination TEXT NOT NULL,
		fraction TEXT NOT NULL,
		amount TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		tx_hash TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		UNIQUE(deal_id, leg)
	);

	CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements(status);

	-- Double-entry journal of escrow movements
	CREATE TABLE IF NOT EXISTS journal_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reference TEXT NOT NULL UNIQUE,
		deal_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		source TEXT NOT NULL,
		destination TEXT NOT NULL,
		amount TEXT NOT NULL,
		tx_hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_journal_deal ON journal_entries(deal_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
