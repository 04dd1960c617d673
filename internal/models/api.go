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

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionResult is the response of every Action Gateway entry point
type ActionResult struct {
	Success bool       `json:"success"`
	Status  DealStatus `json:"status,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// DealView is the read-only projection of a deal exposed to the UI layer
type DealView struct {
	Id               int64           `json:"id"`
	Status           DealStatus      `json:"status"`
	Flag             DealFlag        `json:"flag,omitempty"`
	Price            decimal.Decimal `json:"price"`
	PriceUsd         string          `json:"price_usd,omitempty"`
	EscrowAddress    string          `json:"escrow_address"`
	ScheduledAt      *time.Time      `json:"scheduled_at,omitempty"`
	PostedAt         *time.Time      `json:"posted_at,omitempty"`
	DraftText        string          `json:"draft_text,omitempty"`
	DraftMedia       []string        `json:"draft_media,omitempty"`
	DraftApproved    *bool           `json:"draft_approved,omitempty"`
	RevisionCount    int             `json:"revision_count"`
	DraftHistory     []DraftRevision `json:"draft_history,omitempty"`
	PaymentConfirmed bool            `json:"payment_confirmed"`
}

// NewDealView projects a deal for display
func NewDealView(d *Deal) DealView {
	return DealView{
		Id:               d.Id,
		Status:           d.Status,
		Flag:             d.Flag,
		Price:            d.Price,
		EscrowAddress:    d.EscrowAddress,
		ScheduledAt:      d.ScheduledAt,
		PostedAt:         d.PostedAt,
		DraftText:        d.DraftText,
		DraftMedia:       d.DraftMedia,
		DraftApproved:    d.DraftApproved,
		RevisionCount:    d.RevisionCount,
		DraftHistory:     d.DraftHistory,
		PaymentConfirmed: d.PaymentVerifiedAt != nil,
	}
}
