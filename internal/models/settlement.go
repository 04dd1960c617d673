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

type SettlementKind string

const (
	SettlementRefund SettlementKind = "refund"
	SettlementPayout SettlementKind = "payout"
	SettlementSplit  SettlementKind = "split"
	// SettlementResolution closes out a flagged deal on an operator's decision
	SettlementResolution SettlementKind = "resolution"
)

type SettlementLeg string

const (
	LegAdvertiser SettlementLeg = "advertiser"
	LegChannel    SettlementLeg = "channel"
)

type SettlementStatus string

const (
	// SettlementIntent is committed together with the deal status change, before any amount is known
	SettlementIntent SettlementStatus = "intent"
	// SettlementPrepared has a fixed amount and has never been handed to the chain
	SettlementPrepared SettlementStatus = "prepared"
	// SettlementSubmitted may or may not have reached the chain; retries must look it up first
	SettlementSubmitted    SettlementStatus = "submitted"
	SettlementConfirmed    SettlementStatus = "confirmed"
	SettlementManualReview SettlementStatus = "manual_review"
)

// Settlement is one transfer leg out of a deal's escrow wallet
type Settlement struct {
	Id             string           `db:"id"`
	DealId         int64            `db:"deal_id"`
	Kind           SettlementKind   `db:"kind"`
	Leg            SettlementLeg    `db:"leg"`
	Destination    string           `db:"destination"`
	Fraction       decimal.Decimal  `db:"fraction"`
	Amount         *decimal.Decimal `db:"amount"`
	IdempotencyKey string           `db:"idempotency_key"`
	Status         SettlementStatus `db:"status"`
	TxHash         string           `db:"tx_hash"`
	Error          string           `db:"error"`
	CreatedAt      time.Time        `db:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at"`
	Version        int64            `db:"version"`
}

// Done reports whether the leg needs no further automatic processing
func (s *Settlement) Done() bool {
	return s.Status == SettlementConfirmed || s.Status == SettlementManualReview
}

// Memo is the human-readable reason attached to the on-chain transfer.
// The idempotency key is embedded so the transfer can be found in history.
func (s *Settlement) Memo() string {
	var reason string
	switch s.Kind {
	case SettlementRefund:
		reason = "Refund: draft rejected"
	case SettlementPayout:
		reason = "Payout: placement completed"
	case SettlementSplit:
		if s.Leg == LegAdvertiser {
			reason = "Refund: draft review timed out"
		} else {
			reason = "Compensation: draft review timed out"
		}
	case SettlementResolution:
		if s.Leg == LegAdvertiser {
			reason = "Refund: operator resolution"
		} else {
			reason = "Payout: operator resolution"
		}
	default:
		reason = string(s.Kind)
	}
	return reason + " [" + s.IdempotencyKey + "]"
}

// JournalEntry is a double-entry record of money moving through a deal's escrow
type JournalEntry struct {
	Reference   string
	DealId      int64
	EventType   string // funding, refund, payout, compensation
	Source      string
	Destination string
	Amount      decimal.Decimal
	TxHash      string
	Timestamp   time.Time
}
