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

package scheduler

import (
	"context"
	"time"

	"deal-escrow-go/internal/models"

	"go.uber.org/zap"
)

type dealOp func(ctx context.Context, deal *models.Deal) (bool, error)

func (s *Scheduler) runners() map[string]func(ctx context.Context) Summary {
	return map[string]func(ctx context.Context) Summary{
		JobPaymentCheck: func(ctx context.Context) Summary {
			return s.sweep(ctx, JobPaymentCheck, s.engine.ConfirmFunding, nil,
				models.StatusPending, models.StatusEscrow)
		},
		JobScheduledPublish: func(ctx context.Context) Summary {
			return s.sweep(ctx, JobScheduledPublish, s.engine.Publish, s.publishDue,
				models.StatusScheduled)
		},
		JobIntegrityVerify: func(ctx context.Context) Summary {
			return s.sweep(ctx, JobIntegrityVerify, s.engine.VerifyIntegrity, hasPosts,
				models.StatusInProgress, models.StatusScheduled)
		},
		JobCompletion: func(ctx context.Context) Summary {
			return s.sweep(ctx, JobCompletion, s.engine.Complete, s.durationElapsed,
				models.StatusInProgress)
		},
		JobDraftTimeout: func(ctx context.Context) Summary {
			return s.sweep(ctx, JobDraftTimeout, s.engine.TimeoutDraft, unreviewed,
				models.StatusDraftReview)
		},
		JobFundingTimeout: func(ctx context.Context) Summary {
			return s.sweep(ctx, JobFundingTimeout, s.engine.ExpireUnfunded, nil,
				models.StatusPending)
		},
		JobSettlementRetry: s.retrySettlements,
	}
}

// sweep applies op to every deal in the given statuses that passes eligible.
// One deal failing never stops the batch.
func (s *Scheduler) sweep(ctx context.Context, name string, op dealOp, eligible func(*models.Deal) bool, statuses ...models.DealStatus) Summary {
	summary := Summary{Job: name}

	deals, err := s.store.ListDealsByStatus(ctx, statuses...)
	if err != nil {
		zap.L().Error("Failed to list deals", zap.String("job", name), zap.Error(err))
		summary.Failed++
		return summary
	}

	for i := range deals {
		if ctx.Err() != nil {
			break
		}
		deal := &deals[i]
		summary.Scanned++

		if eligible != nil && !eligible(deal) {
			summary.Skipped++
			continue
		}

		done, err := s.apply(ctx, op, deal)
		switch {
		case err != nil:
			summary.Failed++
			zap.L().Error("Job failed on deal",
				zap.String("job", name),
				zap.Int64("deal_id", deal.Id),
				zap.String("status", string(deal.Status)),
				zap.Error(err))
		case done:
			summary.Processed++
		default:
			summary.Skipped++
		}
	}
	return summary
}

func (s *Scheduler) apply(ctx context.Context, op dealOp, deal *models.Deal) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.dealTimeout)
	defer cancel()
	return op(ctx, deal)
}

func (s *Scheduler) retrySettlements(ctx context.Context) Summary {
	summary := Summary{Job: JobSettlementRetry}

	dealIds, err := s.store.ListDealsWithOpenSettlements(ctx)
	if err != nil {
		zap.L().Error("Failed to list open settlements", zap.Error(err))
		summary.Failed++
		return summary
	}

	for _, dealId := range dealIds {
		if ctx.Err() != nil {
			break
		}
		summary.Scanned++

		dealCtx, cancel := context.WithTimeout(ctx, s.dealTimeout)
		err := s.engine.ExecuteSettlement(dealCtx, dealId)
		cancel()
		if err != nil {
			summary.Failed++
			zap.L().Error("Settlement retry failed",
				zap.Int64("deal_id", dealId),
				zap.Error(err))
			continue
		}
		summary.Processed++
	}
	return summary
}

func (s *Scheduler) publishDue(deal *models.Deal) bool {
	return deal.PostedAt == nil && (deal.ScheduledAt == nil || !deal.ScheduledAt.After(s.clock.Now()))
}

func (s *Scheduler) durationElapsed(deal *models.Deal) bool {
	if deal.PostedAt == nil || deal.Flag != models.FlagNone {
		return false
	}
	end := deal.PostedAt.Add(time.Duration(deal.DurationHours) * time.Hour)
	return !s.clock.Now().Before(end)
}

func hasPosts(deal *models.Deal) bool {
	return len(deal.MessageIds) > 0 && deal.Flag != models.FlagIntegrityViolation
}

func unreviewed(deal *models.Deal) bool {
	return deal.DraftApproved == nil && deal.DraftSubmittedAt != nil
}
