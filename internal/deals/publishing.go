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

	"deal-escrow-go/internal/delivery"
	"deal-escrow-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Publish delivers a SCHEDULED deal's content once its time has come. A delivery failure
// leaves the deal SCHEDULED for the next tick, unless some messages already went live: those
// are kept and the deal moves on, so the next tick cannot post the content a second time.
func (e *Engine) Publish(ctx context.Context, deal *models.Deal) (bool, error) {
	if err := requireStatus(deal, models.StatusScheduled); err != nil {
		return false, err
	}
	if deal.PostedAt != nil {
		return false, fmt.Errorf("%w: deal %d was already posted", ErrInvalidTransition, deal.Id)
	}
	now := e.clock.Now()
	if deal.ScheduledAt != nil && now.Before(*deal.ScheduledAt) {
		return false, nil
	}

	content, err := e.content(ctx, deal)
	if err != nil {
		return false, err
	}

	messageIds, err := e.publisher.Publish(ctx, deal.ChannelId, content)
	if err != nil {
		if len(messageIds) == 0 {
			return false, fmt.Errorf("%w: %v", ErrExternalService, err)
		}
		zap.L().Warn("Content partially published, keeping the live messages",
			zap.Int64("deal_id", deal.Id),
			zap.Int64s("message_ids", messageIds),
			zap.Error(err))
	}

	next := deal.Clone()
	next.Status = models.StatusInProgress
	next.PostedAt = timePtr(now)
	next.ExpiresAt = timePtr(now.Add(time.Duration(deal.DurationHours) * time.Hour))
	next.MessageIds = messageIds
	if err := e.update(ctx, models.StatusScheduled, next); err != nil {
		zap.L().Error("Content published but deal not updated",
			zap.Int64("deal_id", deal.Id),
			zap.Int64s("message_ids", messageIds),
			zap.Error(err))
		return forScheduler(deal.Id, err)
	}
	return true, nil
}

func (e *Engine) content(ctx context.Context, deal *models.Deal) (delivery.Content, error) {
	campaign, err := e.store.GetCampaign(ctx, deal.CampaignId)
	if err != nil {
		return delivery.Content{}, err
	}

	content := delivery.Content{
		Text:       campaign.Text,
		MediaUrls:  campaign.MediaUrls,
		ButtonText: campaign.ButtonText,
		ButtonUrl:  campaign.ButtonUrl,
	}
	if campaign.Type == models.CampaignPrompt {
		content.Text = deal.DraftText
		content.MediaUrls = deal.DraftMedia
	}
	return content, nil
}

// Complete releases the escrow to the channel once the content has stayed live for the
// agreed duration. Missing content flags the deal instead.
func (e *Engine) Complete(ctx context.Context, deal *models.Deal) (bool, error) {
	if err := requireStatus(deal, models.StatusInProgress); err != nil {
		return false, err
	}
	if deal.Flag != models.FlagNone {
		return false, nil
	}
	if deal.PostedAt == nil {
		return false, fmt.Errorf("deal %d is in progress without a posted time", deal.Id)
	}
	if e.clock.Now().Before(deal.PostedAt.Add(time.Duration(deal.DurationHours) * time.Hour)) {
		return false, nil
	}

	if err := e.verifyMessages(ctx, deal); err != nil {
		return false, err
	}

	channel, err := e.store.GetChannel(ctx, deal.ChannelId)
	if err != nil {
		return false, err
	}

	next := deal.Clone()
	next.Status = models.StatusCompleted
	legs := []models.Settlement{
		e.newLeg(deal, models.SettlementPayout, models.LegChannel, channel.PayoutAddress, decimal.NewFromInt(1)),
	}
	if err := e.store.TransitionWithSettlement(ctx, models.StatusInProgress, next, legs); err != nil {
		return forScheduler(deal.Id, err)
	}

	if err := e.ExecuteSettlement(ctx, deal.Id); err != nil {
		return true, err
	}
	return true, nil
}

// VerifyIntegrity re-checks that every posted message still exists. Removed content flags the
// deal for an operator; nothing is refunded automatically.
func (e *Engine) VerifyIntegrity(ctx context.Context, deal *models.Deal) (bool, error) {
	switch deal.Status {
	case models.StatusInProgress, models.StatusScheduled:
	default:
		return false, fmt.Errorf("%w: deal %d is %s", ErrInvalidTransition, deal.Id, deal.Status)
	}
	if len(deal.MessageIds) == 0 || deal.Flag == models.FlagIntegrityViolation {
		return false, nil
	}

	if err := e.verifyMessages(ctx, deal); err != nil {
		return true, err
	}
	return true, nil
}

func (e *Engine) verifyMessages(ctx context.Context, deal *models.Deal) error {
	for _, messageId := range deal.MessageIds {
		err := e.publisher.Verify(ctx, deal.ChannelId, messageId)
		if err == nil {
			continue
		}
		if errors.Is(err, delivery.ErrMessageMissing) {
			reason := fmt.Sprintf("message %d missing from channel %d", messageId, deal.ChannelId)
			if flagErr := e.store.FlagDeal(ctx, deal.Id, models.FlagIntegrityViolation, reason); flagErr != nil {
				return fmt.Errorf("unable to flag deal %d: %w", deal.Id, flagErr)
			}
			deal.Flag = models.FlagIntegrityViolation
			deal.FlagReason = reason
			return fmt.Errorf("%w: %s", ErrIntegrityViolation, reason)
		}
		return fmt.Errorf("%w: %v", ErrExternalService, err)
	}
	return nil
}
