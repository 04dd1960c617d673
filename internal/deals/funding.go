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
	"fmt"

	"deal-escrow-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ConfirmFunding moves a PENDING deal to ESCROW once its wallet holds the price, then straight on
// to AWAITING_DRAFT for prompt campaigns or SCHEDULED for direct ones. A deal left in ESCROW by an
// interrupted run is advanced without another balance check.
func (e *Engine) ConfirmFunding(ctx context.Context, deal *models.Deal) (bool, error) {
	switch deal.Status {
	case models.StatusPending:
	case models.StatusEscrow:
		return e.advanceFunded(ctx, deal)
	default:
		return false, fmt.Errorf("%w: deal %d is %s", ErrInvalidTransition, deal.Id, deal.Status)
	}

	balance, err := e.escrow.CheckBalance(ctx, deal.EscrowAddress)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrExternalService, err)
	}
	if balance.LessThan(deal.Price) {
		zap.L().Debug("Deal not yet funded",
			zap.Int64("deal_id", deal.Id),
			zap.String("balance", balance.String()),
			zap.String("price", deal.Price.String()))
		return false, nil
	}

	next := deal.Clone()
	next.Status = models.StatusEscrow
	next.PaymentVerifiedAt = timePtr(e.clock.Now())
	if err := e.update(ctx, models.StatusPending, next); err != nil {
		return forScheduler(deal.Id, err)
	}

	e.record(ctx, models.JournalEntry{
		Reference:   fmt.Sprintf("deal-%d-funding", deal.Id),
		DealId:      deal.Id,
		EventType:   "funding",
		Source:      fmt.Sprintf("advertiser:%d", deal.AdvertiserId),
		Destination: fmt.Sprintf("escrow:%d", deal.Id),
		Amount:      deal.Price,
		Timestamp:   *next.PaymentVerifiedAt,
	})

	if _, err := e.advanceFunded(ctx, next); err != nil {
		// Funding is committed; the next payment_check tick picks the deal up from ESCROW
		zap.L().Warn("Funded deal not advanced yet",
			zap.Int64("deal_id", deal.Id),
			zap.Error(err))
	}
	return true, nil
}

func (e *Engine) advanceFunded(ctx context.Context, deal *models.Deal) (bool, error) {
	campaign, err := e.store.GetCampaign(ctx, deal.CampaignId)
	if err != nil {
		return false, err
	}

	next := deal.Clone()
	switch campaign.Type {
	case models.CampaignPrompt:
		next.Status = models.StatusAwaitingDraft
	case models.CampaignDirect:
		// Direct content needs no review and counts as approved
		next.Status = models.StatusScheduled
		next.DraftApproved = boolPtr(true)
		if next.ScheduledAt == nil {
			next.ScheduledAt = timePtr(e.clock.Now())
		}
	default:
		return false, fmt.Errorf("campaign %d has unknown type %q", campaign.Id, campaign.Type)
	}

	if err := e.update(ctx, models.StatusEscrow, next); err != nil {
		return forScheduler(deal.Id, err)
	}
	*deal = *next
	return true, nil
}

// ExpireUnfunded moves a PENDING deal past its funding deadline to EXPIRED. The balance is checked
// first so a payment that arrived late still wins. Nothing is transferred.
func (e *Engine) ExpireUnfunded(ctx context.Context, deal *models.Deal) (bool, error) {
	if err := requireStatus(deal, models.StatusPending); err != nil {
		return false, err
	}
	if e.clock.Now().Sub(deal.CreatedAt) <= e.cfg.FundingDeadline {
		return false, nil
	}

	balance, err := e.escrow.CheckBalance(ctx, deal.EscrowAddress)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrExternalService, err)
	}
	if balance.GreaterThanOrEqual(deal.Price) {
		return e.ConfirmFunding(ctx, deal)
	}

	next := deal.Clone()
	next.Status = models.StatusExpired
	if err := e.update(ctx, models.StatusPending, next); err != nil {
		return forScheduler(deal.Id, err)
	}

	if balance.GreaterThan(decimal.Zero) {
		reason := fmt.Sprintf("expired with partial funding %s of %s", balance, deal.Price)
		if err := e.store.FlagDeal(ctx, deal.Id, models.FlagFundsManualReview, reason); err != nil {
			zap.L().Error("Failed to flag partially funded deal", zap.Int64("deal_id", deal.Id), zap.Error(err))
		}
	}
	return true, nil
}
