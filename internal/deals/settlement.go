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

	"deal-escrow-go/internal/escrow"
	"deal-escrow-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExecuteSettlement drives a deal's open settlement legs to completion:
//
//	intent    -> prepared   amount fixed from one balance read
//	prepared  -> submitted  durable marker written before the transfer
//	submitted -> confirmed  transfer found in history, or resubmitted
//
// Safe to call repeatedly and concurrently. A leg whose status moved underneath is skipped.
// A submitted leg younger than the submit grace is treated as in flight and left alone.
func (e *Engine) ExecuteSettlement(ctx context.Context, dealId int64) error {
	deal, err := e.store.GetDeal(ctx, dealId)
	if err != nil {
		return err
	}
	legs, err := e.store.GetSettlements(ctx, dealId)
	if err != nil {
		return err
	}

	prepared, err := e.prepareLegs(ctx, deal, legs)
	if err != nil || !prepared {
		return err
	}

	var signer escrow.Signer
	var firstErr error
	for i := range legs {
		leg := &legs[i]
		if leg.Status != models.SettlementPrepared && leg.Status != models.SettlementSubmitted {
			continue
		}

		if signer == nil {
			signer, err = e.escrow.Signer(deal.EncryptedKey)
			if err != nil {
				return e.escalate(ctx, deal, legs, fmt.Sprintf("signing material unusable: %v", err))
			}
		}

		if err := e.settleLeg(ctx, deal, leg, signer); err != nil {
			zap.L().Warn("Settlement leg not completed",
				zap.Int64("deal_id", deal.Id),
				zap.String("leg", string(leg.Leg)),
				zap.String("status", string(leg.Status)),
				zap.Error(err))
			if firstErr == nil || errors.Is(err, ErrIrrecoverableFunds) {
				firstErr = err
			}
		}
	}
	return firstErr
}

// prepareLegs fixes the amount of every intent leg from a single balance read. No transfer
// happens before all legs are prepared, so a resumed run sees the same balance.
// It reports false when another run prepared the legs first.
func (e *Engine) prepareLegs(ctx context.Context, deal *models.Deal, legs []models.Settlement) (bool, error) {
	pending := false
	for _, leg := range legs {
		if leg.Status == models.SettlementIntent {
			pending = true
			break
		}
	}
	if !pending {
		return true, nil
	}

	distributable, err := e.escrow.Distributable(ctx, deal.EscrowAddress)
	if err != nil {
		if errors.Is(err, escrow.ErrInsufficientBalance) {
			return false, e.escalate(ctx, deal, legs, err.Error())
		}
		return false, fmt.Errorf("%w: %v", ErrExternalService, err)
	}

	fractions := make([]decimal.Decimal, len(legs))
	for i, leg := range legs {
		fractions[i] = leg.Fraction
	}
	amounts := escrow.Split(distributable, fractions)

	for i := range legs {
		leg := &legs[i]
		if leg.Status != models.SettlementIntent {
			continue
		}
		amount := amounts[i]
		leg.Amount = &amount
		leg.Status = models.SettlementPrepared
		if err := e.saveLeg(ctx, models.SettlementIntent, leg); err != nil {
			if lostRace(err) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

func (e *Engine) settleLeg(ctx context.Context, deal *models.Deal, leg *models.Settlement, signer escrow.Signer) error {
	if leg.Destination == "" {
		return e.holdLeg(ctx, deal, leg, "no destination address")
	}
	if leg.Amount == nil || !leg.Amount.IsPositive() {
		// A share that rounds to zero has nothing to send
		return e.closeEmptyLeg(ctx, deal, leg)
	}

	if leg.Status == models.SettlementSubmitted {
		if age := e.clock.Now().Sub(leg.UpdatedAt); age < e.cfg.SubmitGrace {
			zap.L().Debug("Settlement leg still in flight",
				zap.Int64("deal_id", deal.Id),
				zap.String("leg", string(leg.Leg)),
				zap.Duration("age", age))
			return nil
		}

		// The earlier attempt may have landed; never resubmit without asking the ledger first
		txHash, err := e.escrow.FindTransfer(ctx, deal.EscrowAddress, leg.IdempotencyKey)
		switch {
		case err == nil:
			return e.confirmLeg(ctx, deal, leg, txHash)
		case !errors.Is(err, escrow.ErrTransferNotFound):
			return fmt.Errorf("%w: %v", ErrExternalService, err)
		}

		balance, err := e.escrow.CheckBalance(ctx, deal.EscrowAddress)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrExternalService, err)
		}
		if balance.LessThan(*leg.Amount) {
			return e.holdLeg(ctx, deal, leg, fmt.Sprintf("balance %s below unconfirmed transfer of %s", balance, leg.Amount))
		}
	}

	// Claim the attempt. Only one run gets past this for a given leg version.
	expected := leg.Status
	leg.Status = models.SettlementSubmitted
	if err := e.saveLeg(ctx, expected, leg); err != nil {
		if lostRace(err) {
			return nil
		}
		return err
	}

	txHash, err := signer.Transfer(ctx, leg.Destination, *leg.Amount, leg.Memo(), leg.IdempotencyKey)
	if err != nil {
		if errors.Is(err, escrow.ErrInsufficientBalance) {
			return e.holdLeg(ctx, deal, leg, err.Error())
		}
		return fmt.Errorf("%w: %v", ErrExternalService, err)
	}
	return e.confirmLeg(ctx, deal, leg, txHash)
}

// saveLeg stamps the leg with the engine clock and writes it if nobody else has since
func (e *Engine) saveLeg(ctx context.Context, expected models.SettlementStatus, leg *models.Settlement) error {
	leg.UpdatedAt = e.clock.Now()
	return e.store.UpdateSettlement(ctx, expected, leg)
}

func (e *Engine) confirmLeg(ctx context.Context, deal *models.Deal, leg *models.Settlement, txHash string) error {
	leg.Status = models.SettlementConfirmed
	leg.TxHash = txHash
	leg.Error = ""
	if err := e.saveLeg(ctx, models.SettlementSubmitted, leg); err != nil {
		if lostRace(err) {
			return nil
		}
		return err
	}

	zap.L().Info("Settlement leg confirmed",
		zap.Int64("deal_id", deal.Id),
		zap.String("leg", string(leg.Leg)),
		zap.String("amount", leg.Amount.String()),
		zap.String("destination", leg.Destination),
		zap.String("tx_hash", txHash))

	e.record(ctx, models.JournalEntry{
		Reference:   leg.IdempotencyKey,
		DealId:      deal.Id,
		EventType:   journalEvent(leg),
		Source:      fmt.Sprintf("escrow:%d", deal.Id),
		Destination: journalDestination(deal, leg),
		Amount:      *leg.Amount,
		TxHash:      txHash,
	})
	return nil
}

func (e *Engine) closeEmptyLeg(ctx context.Context, deal *models.Deal, leg *models.Settlement) error {
	expected := leg.Status
	leg.Status = models.SettlementConfirmed
	if err := e.saveLeg(ctx, expected, leg); err != nil && !lostRace(err) {
		return err
	}
	zap.L().Info("Settlement leg has nothing to transfer",
		zap.Int64("deal_id", deal.Id),
		zap.String("leg", string(leg.Leg)))
	return nil
}

// holdLeg parks one leg for an operator and flags the deal
func (e *Engine) holdLeg(ctx context.Context, deal *models.Deal, leg *models.Settlement, reason string) error {
	expected := leg.Status
	leg.Status = models.SettlementManualReview
	leg.Error = reason
	if err := e.saveLeg(ctx, expected, leg); err != nil && !lostRace(err) {
		return err
	}
	if err := e.store.FlagDeal(ctx, deal.Id, models.FlagFundsManualReview, fmt.Sprintf("%s leg: %s", leg.Leg, reason)); err != nil {
		return err
	}
	return fmt.Errorf("%w: deal %d %s leg: %s", ErrIrrecoverableFunds, deal.Id, leg.Leg, reason)
}

// escalate parks every open leg for an operator and flags the deal
func (e *Engine) escalate(ctx context.Context, deal *models.Deal, legs []models.Settlement, reason string) error {
	for i := range legs {
		leg := &legs[i]
		if leg.Done() {
			continue
		}
		expected := leg.Status
		leg.Status = models.SettlementManualReview
		leg.Error = reason
		if err := e.saveLeg(ctx, expected, leg); err != nil && !lostRace(err) {
			return err
		}
	}
	if err := e.store.FlagDeal(ctx, deal.Id, models.FlagFundsManualReview, reason); err != nil {
		return err
	}
	zap.L().Error("Settlement escalated to manual review",
		zap.Int64("deal_id", deal.Id),
		zap.String("reason", reason))
	return fmt.Errorf("%w: deal %d: %s", ErrIrrecoverableFunds, deal.Id, reason)
}

// Resolution reports what an operator resolution did to a flagged deal
type Resolution struct {
	Deal *models.Deal
	// Legs close out a deal that was still in progress
	Legs []models.Settlement
	// Refund is the direct refund from a deal that had already ended
	Refund *escrow.RefundResult
}

// ResolveManually is the operator's remedy for a flagged deal. advertiserShare is the part of the
// remaining distributable balance returned to the advertiser, at destination when one is given.
//
// A deal still in progress, typically flagged for removed content, is closed out as COMPLETED:
// the advertiser share is refunded and the rest paid to the channel through settlement legs.
// A deal that already ended is refunded directly, and a zero share only clears the flag.
func (e *Engine) ResolveManually(ctx context.Context, dealId int64, advertiserShare decimal.Decimal, destination string) (*Resolution, error) {
	if advertiserShare.IsNegative() || advertiserShare.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: advertiser share %s outside [0,1]", ErrInvalidInput, advertiserShare)
	}
	deal, err := e.store.GetDeal(ctx, dealId)
	if err != nil {
		return nil, err
	}
	if deal.Flag == models.FlagNone {
		return nil, fmt.Errorf("%w: deal %d is not flagged", ErrInvalidTransition, dealId)
	}
	if destination == "" {
		destination = deal.AdvertiserAddress
	}

	switch {
	case deal.Status == models.StatusInProgress:
		return e.closeOut(ctx, deal, advertiserShare, destination)
	case deal.Status.IsTerminal():
		return e.refundEnded(ctx, deal, advertiserShare, destination)
	default:
		return nil, fmt.Errorf("%w: deal %d is %s, resolve it once it has ended", ErrInvalidTransition, dealId, deal.Status)
	}
}

func (e *Engine) closeOut(ctx context.Context, deal *models.Deal, advertiserShare decimal.Decimal, destination string) (*Resolution, error) {
	channel, err := e.store.GetChannel(ctx, deal.ChannelId)
	if err != nil {
		return nil, err
	}

	next := deal.Clone()
	next.Status = models.StatusCompleted

	channelShare := decimal.NewFromInt(1).Sub(advertiserShare)
	var legs []models.Settlement
	if advertiserShare.IsPositive() {
		legs = append(legs, e.newLeg(deal, models.SettlementResolution, models.LegAdvertiser, destination, advertiserShare))
	}
	if channelShare.IsPositive() {
		legs = append(legs, e.newLeg(deal, models.SettlementResolution, models.LegChannel, channel.PayoutAddress, channelShare))
	}
	if err := e.store.TransitionWithSettlement(ctx, models.StatusInProgress, next, legs); err != nil {
		return nil, forHuman(err)
	}
	if err := e.clearFlag(ctx, deal, advertiserShare, destination); err != nil {
		return nil, err
	}

	res := &Resolution{Deal: next, Legs: legs}
	if err := e.ExecuteSettlement(ctx, deal.Id); err != nil {
		if errors.Is(err, ErrIrrecoverableFunds) {
			return res, err
		}
		zap.L().Warn("Resolution transfers deferred to settlement retry", zap.Int64("deal_id", deal.Id), zap.Error(err))
	}
	if legs, err := e.store.GetSettlements(ctx, deal.Id); err == nil {
		res.Legs = legs
	}
	return res, nil
}

func (e *Engine) refundEnded(ctx context.Context, deal *models.Deal, fraction decimal.Decimal, destination string) (*Resolution, error) {
	legs, err := e.store.GetSettlements(ctx, deal.Id)
	if err != nil {
		return nil, err
	}
	for _, leg := range legs {
		if !leg.Done() {
			return nil, fmt.Errorf("%w: deal %d %s leg is still %s", ErrInvalidTransition, deal.Id, leg.Leg, leg.Status)
		}
	}

	res := &Resolution{Deal: deal}
	if fraction.IsPositive() {
		key := escrow.TransferKey(deal.EscrowAddress, escrow.OperatorRefund)
		txHash, err := e.escrow.FindTransfer(ctx, deal.EscrowAddress, key)
		switch {
		case err == nil:
			zap.L().Info("Operator refund already on ledger", zap.Int64("deal_id", deal.Id), zap.String("tx_hash", txHash))
			res.Refund = &escrow.RefundResult{TxHash: txHash}
		case errors.Is(err, escrow.ErrTransferNotFound):
			memo := fmt.Sprintf("Refund: operator resolution [%s]", key)
			res.Refund, err = e.escrow.Refund(ctx, deal.EncryptedKey, destination, fraction, memo, key)
			if err != nil {
				return nil, classifyEscrowError(err)
			}
			e.record(ctx, models.JournalEntry{
				Reference:   key,
				DealId:      deal.Id,
				EventType:   "refund",
				Source:      fmt.Sprintf("escrow:%d", deal.Id),
				Destination: destination,
				Amount:      res.Refund.Amount,
				TxHash:      res.Refund.TxHash,
			})
		default:
			return nil, fmt.Errorf("%w: %v", ErrExternalService, err)
		}
	}

	if err := e.clearFlag(ctx, deal, fraction, destination); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) clearFlag(ctx context.Context, deal *models.Deal, advertiserShare decimal.Decimal, destination string) error {
	reason := fmt.Sprintf("resolved by operator (was %s: %s)", deal.Flag, deal.FlagReason)
	if err := e.store.FlagDeal(ctx, deal.Id, models.FlagNone, reason); err != nil {
		return err
	}
	zap.L().Info("Flagged deal resolved",
		zap.Int64("deal_id", deal.Id),
		zap.String("status", string(deal.Status)),
		zap.String("advertiser_share", advertiserShare.String()),
		zap.String("destination", destination))
	return nil
}

func classifyEscrowError(err error) error {
	switch {
	case errors.Is(err, escrow.ErrDecrypt), errors.Is(err, escrow.ErrInsufficientBalance):
		return fmt.Errorf("%w: %v", ErrIrrecoverableFunds, err)
	case errors.Is(err, escrow.ErrSubmission), errors.Is(err, escrow.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrExternalService, err)
	default:
		return err
	}
}

func journalEvent(leg *models.Settlement) string {
	switch {
	case leg.Kind == models.SettlementPayout:
		return "payout"
	case leg.Kind == models.SettlementResolution && leg.Leg == models.LegChannel:
		return "payout"
	case leg.Leg == models.LegChannel:
		return "compensation"
	default:
		return "refund"
	}
}

func journalDestination(deal *models.Deal, leg *models.Settlement) string {
	if leg.Leg == models.LegAdvertiser {
		return fmt.Sprintf("advertiser:%d", deal.AdvertiserId)
	}
	return fmt.Sprintf("channel:%d", deal.ChannelId)
}
