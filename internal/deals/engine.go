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

package deals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deal-escrow-go/internal/clock"
	"deal-escrow-go/internal/delivery"
	"deal-escrow-go/internal/escrow"
	"deal-escrow-go/internal/models"
	"deal-escrow-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Escrow is the wallet side of the engine. *escrow.Service implements it.
type Escrow interface {
	Provision(ctx context.Context) (*escrow.Wallet, error)
	CheckBalance(ctx context.Context, address string) (decimal.Decimal, error)
	Distributable(ctx context.Context, address string) (decimal.Decimal, error)
	Signer(encryptedKey string) (escrow.Signer, error)
	FindTransfer(ctx context.Context, from, idempotencyKey string) (string, error)
	Refund(ctx context.Context, encryptedKey, destination string, fraction decimal.Decimal, memo, idempotencyKey string) (*escrow.RefundResult, error)
}

// Publisher posts and re-checks channel content. *delivery.Client implements it.
type Publisher interface {
	Publish(ctx context.Context, chatId int64, content delivery.Content) ([]int64, error)
	Verify(ctx context.Context, chatId, messageId int64) error
}

// Engine owns every deal state transition. It holds no deal state of its own:
// each operation reads the persisted deal and writes back with a compare-and-set.
type Engine struct {
	store     store.DealStore
	escrow    Escrow
	publisher Publisher
	journal   store.Journal
	clock     clock.Clock
	cfg       models.DealsConfig
}

func NewEngine(dealStore store.DealStore, esc Escrow, publisher Publisher, journal store.Journal, clk clock.Clock, cfg models.DealsConfig) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.FundingDeadline <= 0 {
		cfg.FundingDeadline = 24 * time.Hour
	}
	if cfg.DraftReviewTimeout <= 0 {
		cfg.DraftReviewTimeout = 24 * time.Hour
	}
	if cfg.SubmitGrace <= 0 {
		cfg.SubmitGrace = 5 * time.Minute
	}
	return &Engine{
		store:     dealStore,
		escrow:    esc,
		publisher: publisher,
		journal:   journal,
		clock:     clk,
		cfg:       cfg,
	}
}

// OpenParams describes a deal agreed between an advertiser and a channel
type OpenParams struct {
	AdvertiserId      int64
	ChannelId         int64
	CampaignId        int64
	Price             decimal.Decimal
	PostCount         int
	DurationHours     int
	AdvertiserAddress string
	ScheduledAt       *time.Time
}

// Open records a new PENDING deal with its own freshly provisioned escrow wallet
func (e *Engine) Open(ctx context.Context, params OpenParams) (*models.Deal, error) {
	if params.Price.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}
	if params.AdvertiserAddress == "" {
		return nil, fmt.Errorf("%w: advertiser refund address is required", ErrInvalidInput)
	}
	if params.PostCount <= 0 {
		params.PostCount = 1
	}
	if params.DurationHours <= 0 {
		params.DurationHours = 24
	}

	campaign, err := e.store.GetCampaign(ctx, params.CampaignId)
	if err != nil {
		return nil, err
	}
	if campaign.AdvertiserId != params.AdvertiserId {
		return nil, fmt.Errorf("%w: campaign %d belongs to another advertiser", ErrAuthorization, campaign.Id)
	}
	if _, err := e.store.GetChannel(ctx, params.ChannelId); err != nil {
		return nil, err
	}

	wallet, err := e.escrow.Provision(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExternalService, err)
	}

	return e.store.CreateDeal(ctx, store.CreateDealParams{
		AdvertiserId:      params.AdvertiserId,
		ChannelId:         params.ChannelId,
		CampaignId:        params.CampaignId,
		Price:             params.Price,
		PostCount:         params.PostCount,
		DurationHours:     params.DurationHours,
		EscrowAddress:     wallet.Address,
		EncryptedKey:      wallet.EncryptedKey,
		AdvertiserAddress: params.AdvertiserAddress,
		ScheduledAt:       params.ScheduledAt,
		CreatedAt:         e.clock.Now(),
	})
}

// GetDeal is the read-only query surface for the UI layer
func (e *Engine) GetDeal(ctx context.Context, actorId, dealId int64) (*models.Deal, error) {
	deal, err := e.store.GetDeal(ctx, dealId)
	if err != nil {
		return nil, err
	}
	if deal.AdvertiserId == actorId {
		return deal, nil
	}
	if _, err := e.store.GetMembership(ctx, deal.ChannelId, actorId); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %d is not a party to deal %d", ErrAuthorization, actorId, dealId)
		}
		return nil, err
	}
	return deal, nil
}

// update writes next if the deal is still in expected at the version it was read
func (e *Engine) update(ctx context.Context, expected models.DealStatus, next *models.Deal) error {
	if err := e.store.UpdateDeal(ctx, expected, next); err != nil {
		return err
	}
	zap.L().Info("Deal transitioned",
		zap.Int64("deal_id", next.Id),
		zap.String("from", string(expected)),
		zap.String("to", string(next.Status)),
		zap.Int64("version", next.Version))
	return nil
}

// lostRace reports whether err means another writer changed the deal first
func lostRace(err error) bool {
	return errors.Is(err, store.ErrConcurrentModification)
}

// forHuman maps a lost race to ErrInvalidTransition for synchronous callers
func forHuman(err error) error {
	if lostRace(err) {
		return fmt.Errorf("%w: deal changed concurrently", ErrInvalidTransition)
	}
	return err
}

// forScheduler turns a lost race into a silent no-op
func forScheduler(dealId int64, err error) (bool, error) {
	if lostRace(err) {
		zap.L().Debug("Lost race on deal, skipping", zap.Int64("deal_id", dealId))
		return false, nil
	}
	return false, err
}

func (e *Engine) record(ctx context.Context, entry models.JournalEntry) {
	if e.journal == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = e.clock.Now()
	}
	if err := e.journal.Record(ctx, entry); err != nil {
		zap.L().Error("Failed to record journal entry",
			zap.String("reference", entry.Reference),
			zap.Int64("deal_id", entry.DealId),
			zap.Error(err))
	}
}

func (e *Engine) requireAdvertiser(deal *models.Deal, actorId int64) error {
	if deal.AdvertiserId != actorId {
		return fmt.Errorf("%w: only the advertiser may review drafts of deal %d", ErrAuthorization, deal.Id)
	}
	return nil
}

func requireStatus(deal *models.Deal, want models.DealStatus) error {
	if deal.Status != want {
		return fmt.Errorf("%w: deal %d is %s, expected %s", ErrInvalidTransition, deal.Id, deal.Status, want)
	}
	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func boolPtr(b bool) *bool {
	return &b
}
