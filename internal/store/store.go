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

package store

import (
	"context"
	"errors"
	"time"

	"deal-escrow-go/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrDealNotFound           = errors.New("deal not found")
	ErrNotFound               = errors.New("record not found")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrDuplicateEntry         = errors.New("duplicate entry")
)

// CreateDealParams contains the parameters for recording a new deal in PENDING.
type CreateDealParams struct {
	AdvertiserId      int64
	ChannelId         int64
	CampaignId        int64
	Price             decimal.Decimal
	PostCount         int
	DurationHours     int
	EscrowAddress     string
	EncryptedKey      string
	AdvertiserAddress string
	ScheduledAt       *time.Time
	CreatedAt         time.Time
}

// DealStore is the durable record of deals and their settlement legs.
// Every status change is a compare-and-set on (status, version).
type DealStore interface {
	// --- Deals ---
	CreateDeal(ctx context.Context, params CreateDealParams) (*models.Deal, error)
	GetDeal(ctx context.Context, dealId int64) (*models.Deal, error)
	ListDealsByStatus(ctx context.Context, statuses ...models.DealStatus) ([]models.Deal, error)
	ListDealsWithOpenSettlements(ctx context.Context) ([]int64, error)
	UpdateDeal(ctx context.Context, expected models.DealStatus, deal *models.Deal) error
	TransitionWithSettlement(ctx context.Context, expected models.DealStatus, deal *models.Deal, legs []models.Settlement) error
	FlagDeal(ctx context.Context, dealId int64, flag models.DealFlag, reason string) error

	// --- Settlements ---
	GetSettlements(ctx context.Context, dealId int64) ([]models.Settlement, error)
	UpdateSettlement(ctx context.Context, expected models.SettlementStatus, settlement *models.Settlement) error

	// --- Collaborator records (read-only to the engine) ---
	GetChannel(ctx context.Context, channelId int64) (*models.Channel, error)
	GetCampaign(ctx context.Context, campaignId int64) (*models.Campaign, error)
	GetMembership(ctx context.Context, channelId, userId int64) (*models.ChannelMembership, error)

	// --- Identities ---
	UpsertIdentity(ctx context.Context, identity *models.Identity) error
	GetIdentity(ctx context.Context, id int64) (*models.Identity, error)

	// --- Lifecycle ---
	Close()
}

// Journal receives a double-entry record of every escrow money movement.
type Journal interface {
	Record(ctx context.Context, entry models.JournalEntry) error
}
