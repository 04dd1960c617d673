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
	"strings"

	"deal-escrow-go/internal/escrow"
	"deal-escrow-go/internal/models"
	"deal-escrow-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxDraftMedia = 10

// SubmitDraft records channel-authored content for advertiser review.
// The previous draft, if any, is appended to the history.
func (e *Engine) SubmitDraft(ctx context.Context, actorId, dealId int64, text string, media []string) (*models.Deal, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(media) == 0 {
		return nil, fmt.Errorf("%w: draft needs text or media", ErrInvalidInput)
	}
	if len(media) > maxDraftMedia {
		return nil, fmt.Errorf("%w: at most %d media items, got %d", ErrInvalidInput, maxDraftMedia, len(media))
	}

	deal, err := e.store.GetDeal(ctx, dealId)
	if err != nil {
		return nil, err
	}

	membership, err := e.store.GetMembership(ctx, deal.ChannelId, actorId)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %d is not a member of channel %d", ErrAuthorization, actorId, deal.ChannelId)
		}
		return nil, err
	}
	if !membership.CanAuthorDrafts() {
		return nil, fmt.Errorf("%w: user %d may not edit posts in channel %d", ErrAuthorization, actorId, deal.ChannelId)
	}

	if err := requireStatus(deal, models.StatusAwaitingDraft); err != nil {
		return nil, err
	}

	next := deal.Clone()
	if deal.HasDraft() {
		next.DraftHistory = append(next.DraftHistory, models.DraftRevision{
			Text:        deal.DraftText,
			Media:       append([]string(nil), deal.DraftMedia...),
			Revision:    deal.RevisionCount,
			SubmittedAt: *deal.DraftSubmittedAt,
		})
	}
	if deal.ChangesRequested {
		next.RevisionCount++
	}
	next.DraftText = text
	next.DraftMedia = append([]string(nil), media...)
	next.DraftSubmittedAt = timePtr(e.clock.Now())
	next.DraftApproved = nil
	next.ChangesRequested = false
	next.Status = models.StatusDraftReview

	if err := e.update(ctx, models.StatusAwaitingDraft, next); err != nil {
		return nil, forHuman(err)
	}
	return next, nil
}

// RequestChanges sends the draft back to the channel. Funds are untouched.
func (e *Engine) RequestChanges(ctx context.Context, actorId, dealId int64) (*models.Deal, error) {
	return e.review(ctx, actorId, dealId, func(next *models.Deal) {
		next.Status = models.StatusAwaitingDraft
		next.DraftApproved = nil
		next.ChangesRequested = true
	})
}

// Approve accepts the draft and schedules the placement
func (e *Engine) Approve(ctx context.Context, actorId, dealId int64) (*models.Deal, error) {
	return e.review(ctx, actorId, dealId, func(next *models.Deal) {
		next.Status = models.StatusScheduled
		next.DraftApproved = boolPtr(true)
		if next.ScheduledAt == nil {
			next.ScheduledAt = timePtr(e.clock.Now())
		}
	})
}

func (e *Engine) review(ctx context.Context, actorId, dealId int64, apply func(next *models.Deal)) (*models.Deal, error) {
	deal, err := e.store.GetDeal(ctx, dealId)
	if err != nil {
		return nil, err
	}
	if err := e.requireAdvertiser(deal, actorId); err != nil {
		return nil, err
	}
	if err := requireStatus(deal, models.StatusDraftReview); err != nil {
		return nil, err
	}

	next := deal.Clone()
	apply(next)
	if err := e.update(ctx, models.StatusDraftReview, next); err != nil {
		return nil, forHuman(err)
	}
	return next, nil
}

// Reject ends the deal and refunds the advertiser in full. The refund intent is committed
// with the status change; the transfer follows. A retryable transfer failure is left to the
// settlement retry job and does not fail the call.
func (e *Engine) Reject(ctx context.Context, actorId, dealId int64) (*models.Deal, error) {
	deal, err := e.store.GetDeal(ctx, dealId)
	if err != nil {
		return nil, err
	}
	if err := e.requireAdvertiser(deal, actorId); err != nil {
		return nil, err
	}
	if err := requireStatus(deal, models.StatusDraftReview); err != nil {
		return nil, err
	}

	next := deal.Clone()
	next.Status = models.StatusRejected
	next.DraftApproved = boolPtr(false)

	legs := []models.Settlement{
		e.newLeg(deal, models.SettlementRefund, models.LegAdvertiser, deal.AdvertiserAddress, decimal.NewFromInt(1)),
	}
	if err := e.store.TransitionWithSettlement(ctx, models.StatusDraftReview, next, legs); err != nil {
		return nil, forHuman(err)
	}

	if err := e.ExecuteSettlement(ctx, deal.Id); err != nil {
		if errors.Is(err, ErrIrrecoverableFunds) {
			return next, err
		}
		zap.L().Warn("Refund deferred to settlement retry", zap.Int64("deal_id", deal.Id), zap.Error(err))
	}
	return next, nil
}

// TimeoutDraft closes a draft the advertiser left unreviewed past the review timeout and splits
// the escrow between the advertiser and the channel.
func (e *Engine) TimeoutDraft(ctx context.Context, deal *models.Deal) (bool, error) {
	if err := requireStatus(deal, models.StatusDraftReview); err != nil {
		return false, err
	}
	if deal.DraftApproved != nil || deal.DraftSubmittedAt == nil {
		return false, nil
	}
	if e.clock.Now().Sub(*deal.DraftSubmittedAt) <= e.cfg.DraftReviewTimeout {
		return false, nil
	}

	channel, err := e.store.GetChannel(ctx, deal.ChannelId)
	if err != nil {
		return false, err
	}

	next := deal.Clone()
	next.Status = models.StatusTimeoutCompleted

	advertiserShare := e.cfg.AdvertiserShare
	channelShare := decimal.NewFromInt(1).Sub(advertiserShare)
	var legs []models.Settlement
	if advertiserShare.IsPositive() {
		legs = append(legs, e.newLeg(deal, models.SettlementSplit, models.LegAdvertiser, deal.AdvertiserAddress, advertiserShare))
	}
	if channelShare.IsPositive() {
		legs = append(legs, e.newLeg(deal, models.SettlementSplit, models.LegChannel, channel.PayoutAddress, channelShare))
	}

	if err := e.store.TransitionWithSettlement(ctx, models.StatusDraftReview, next, legs); err != nil {
		return forScheduler(deal.Id, err)
	}

	if err := e.ExecuteSettlement(ctx, deal.Id); err != nil {
		return true, err
	}
	return true, nil
}

func (e *Engine) newLeg(deal *models.Deal, kind models.SettlementKind, leg models.SettlementLeg, destination string, fraction decimal.Decimal) models.Settlement {
	return models.Settlement{
		DealId:         deal.Id,
		Kind:           kind,
		Leg:            leg,
		Destination:    destination,
		Fraction:       fraction,
		IdempotencyKey: escrow.TransferKey(deal.EscrowAddress, string(leg)),
		Status:         models.SettlementIntent,
		CreatedAt:      e.clock.Now(),
	}
}
