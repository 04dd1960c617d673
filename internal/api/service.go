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

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"deal-escrow-go/internal/deals"
	"deal-escrow-go/internal/models"
	"deal-escrow-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	ActionApprove        = "approve"
	ActionReject         = "reject"
	ActionRequestChanges = "request_changes"
)

// DealActions is the human-facing half of the deal engine. *deals.Engine implements it.
type DealActions interface {
	SubmitDraft(ctx context.Context, actorId, dealId int64, text string, media []string) (*models.Deal, error)
	Approve(ctx context.Context, actorId, dealId int64) (*models.Deal, error)
	Reject(ctx context.Context, actorId, dealId int64) (*models.Deal, error)
	RequestChanges(ctx context.Context, actorId, dealId int64) (*models.Deal, error)
	GetDeal(ctx context.Context, actorId, dealId int64) (*models.Deal, error)
}

// Authenticator turns a signed init-data string into a trusted identity
type Authenticator interface {
	Verify(initData string) (*models.Identity, error)
}

// IdentityStore remembers the users seen at the gateway
type IdentityStore interface {
	UpsertIdentity(ctx context.Context, identity *models.Identity) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// RateSource quotes the escrow asset in USD
type RateSource interface {
	Get(ctx context.Context) (decimal.Decimal, error)
}

// ActionServiceConfig contains configuration for ActionService
type ActionServiceConfig struct {
	Engine     DealActions
	Verifier   Authenticator
	Identities IdentityStore
	Health     Pinger
	Rates      RateSource
}

// ActionService is the single entry point for human deal actions. Every call authenticates
// the caller from its init data before touching a deal.
type ActionService struct {
	engine     DealActions
	verifier   Authenticator
	identities IdentityStore
	health     Pinger
	rates      RateSource
}

func NewActionService(cfg ActionServiceConfig) *ActionService {
	return &ActionService{
		engine:     cfg.Engine,
		verifier:   cfg.Verifier,
		identities: cfg.Identities,
		health:     cfg.Health,
		rates:      cfg.Rates,
	}
}

func (s *ActionService) authenticate(ctx context.Context, initData string) (*models.Identity, error) {
	identity, err := s.verifier.Verify(initData)
	if err != nil {
		return nil, err
	}
	if s.identities != nil {
		if err := s.identities.UpsertIdentity(ctx, identity); err != nil {
			zap.L().Warn("Failed to store identity", zap.Int64("user_id", identity.Id), zap.Error(err))
		}
	}
	return identity, nil
}

// SubmitDraft records a channel member's draft for the deal
func (s *ActionService) SubmitDraft(ctx context.Context, initData string, dealId int64, text string, media []string) (models.ActionResult, error) {
	identity, err := s.authenticate(ctx, initData)
	if err != nil {
		return failure(err), err
	}

	deal, err := s.engine.SubmitDraft(ctx, identity.Id, dealId, text, media)
	return result(deal, err), err
}

// DealAction applies an advertiser review decision
func (s *ActionService) DealAction(ctx context.Context, initData string, dealId int64, action string) (models.ActionResult, error) {
	identity, err := s.authenticate(ctx, initData)
	if err != nil {
		return failure(err), err
	}

	var deal *models.Deal
	switch action {
	case ActionApprove:
		deal, err = s.engine.Approve(ctx, identity.Id, dealId)
	case ActionReject:
		deal, err = s.engine.Reject(ctx, identity.Id, dealId)
	case ActionRequestChanges:
		deal, err = s.engine.RequestChanges(ctx, identity.Id, dealId)
	default:
		err = fmt.Errorf("%w: unknown action %q", deals.ErrInvalidInput, action)
	}

	if err == nil {
		zap.L().Info("Deal action applied",
			zap.Int64("deal_id", dealId),
			zap.Int64("user_id", identity.Id),
			zap.String("action", action),
			zap.String("status", string(deal.Status)))
	}
	return result(deal, err), err
}

// GetDeal returns the caller's view of a deal, priced in USD when a rate is available
func (s *ActionService) GetDeal(ctx context.Context, initData string, dealId int64) (*models.DealView, error) {
	identity, err := s.authenticate(ctx, initData)
	if err != nil {
		return nil, err
	}

	deal, err := s.engine.GetDeal(ctx, identity.Id, dealId)
	if err != nil {
		return nil, err
	}

	view := models.NewDealView(deal)
	if s.rates != nil {
		rate, err := s.rates.Get(ctx)
		if err != nil {
			zap.L().Debug("Rate unavailable", zap.Error(err))
		} else {
			view.PriceUsd = deal.Price.Mul(rate).StringFixed(2)
		}
	}
	return &view, nil
}

func (s *ActionService) HealthCheck(ctx context.Context) error {
	if s.health == nil {
		return nil
	}
	if err := s.health.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func result(deal *models.Deal, err error) models.ActionResult {
	if err != nil {
		r := failure(err)
		if deal != nil {
			r.Status = deal.Status
		}
		return r
	}
	return models.ActionResult{Success: true, Status: deal.Status}
}

func failure(err error) models.ActionResult {
	return models.ActionResult{Success: false, Error: publicMessage(err)}
}

// StatusCode maps an engine error to its HTTP status
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, deals.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, deals.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, deals.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, store.ErrDealNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, deals.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, deals.ErrExternalService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func publicMessage(err error) string {
	switch {
	case errors.Is(err, deals.ErrAuthentication):
		// Never say which check failed
		return "authentication failed"
	case errors.Is(err, deals.ErrIrrecoverableFunds):
		return "funds require manual review"
	case StatusCode(err) == http.StatusInternalServerError:
		return "internal error"
	default:
		return err.Error()
	}
}
