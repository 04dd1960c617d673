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

// DealStatus is a state of the deal state machine
type DealStatus string

const (
	StatusPending          DealStatus = "PENDING"
	StatusEscrow           DealStatus = "ESCROW"
	StatusAwaitingDraft    DealStatus = "AWAITING_DRAFT"
	StatusDraftReview      DealStatus = "DRAFT_REVIEW"
	StatusScheduled        DealStatus = "SCHEDULED"
	StatusInProgress       DealStatus = "IN_PROGRESS"
	StatusCompleted        DealStatus = "COMPLETED"
	StatusRejected         DealStatus = "REJECTED"
	StatusExpired          DealStatus = "EXPIRED"
	StatusTimeoutCompleted DealStatus = "TIMEOUT_COMPLETED"
)

// transitions lists every allowed edge of the deal state machine.
var transitions = map[DealStatus][]DealStatus{
	StatusPending:       {StatusEscrow, StatusExpired},
	StatusEscrow:        {StatusAwaitingDraft, StatusScheduled},
	StatusAwaitingDraft: {StatusDraftReview},
	StatusDraftReview:   {StatusAwaitingDraft, StatusScheduled, StatusRejected, StatusTimeoutCompleted},
	StatusScheduled:     {StatusInProgress},
	StatusInProgress:    {StatusCompleted},
}

// CanTransition reports whether from -> to is an edge of the state machine
func CanTransition(from, to DealStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves the status
func (s DealStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// DealFlag marks a deal for operator attention. Flags never change the status.
type DealFlag string

const (
	FlagNone               DealFlag = ""
	FlagIntegrityViolation DealFlag = "integrity_violation"
	FlagFundsManualReview  DealFlag = "funds_manual_review"
)

// DraftRevision is a superseded draft kept in the deal's history
type DraftRevision struct {
	Text        string    `json:"text"`
	Media       []string  `json:"media,omitempty"`
	Revision    int       `json:"revision"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Deal is a single advertising transaction between an advertiser and a channel
type Deal struct {
	Id           int64 `db:"id"`
	AdvertiserId int64 `db:"advertiser_id"`
	ChannelId    int64 `db:"channel_id"`
	CampaignId   int64 `db:"campaign_id"`

	Price         decimal.Decimal `db:"price"`
	PostCount     int             `db:"post_count"`
	DurationHours int             `db:"duration_hours"`

	// Escrow
	EscrowAddress     string     `db:"escrow_address"`
	EncryptedKey      string     `db:"encrypted_key"`
	AdvertiserAddress string     `db:"advertiser_address"`
	PaymentVerifiedAt *time.Time `db:"payment_verified_at"`

	// Scheduling
	ScheduledAt *time.Time `db:"scheduled_at"`
	PostedAt    *time.Time `db:"posted_at"`
	ExpiresAt   *time.Time `db:"expires_at"`
	MessageIds  []int64    `db:"message_ids"`

	// Draft sub-record, used by prompt campaigns only
	DraftText        string          `db:"draft_text"`
	DraftMedia       []string        `db:"draft_media"`
	DraftApproved    *bool           `db:"draft_approved"`
	RevisionCount    int             `db:"revision_count"`
	DraftSubmittedAt *time.Time      `db:"draft_submitted_at"`
	DraftHistory     []DraftRevision `db:"draft_history"`
	ChangesRequested bool            `db:"changes_requested"`

	Status     DealStatus `db:"status"`
	Flag       DealFlag   `db:"flag"`
	FlagReason string     `db:"flag_reason"`
	Version    int64      `db:"version"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

// HasDraft reports whether a draft has ever been submitted
func (d *Deal) HasDraft() bool {
	return d.DraftSubmittedAt != nil
}

// Clone returns a deep copy so callers can mutate the copy before a compare-and-set write
func (d *Deal) Clone() *Deal {
	c := *d
	c.MessageIds = append([]int64(nil), d.MessageIds...)
	c.DraftMedia = append([]string(nil), d.DraftMedia...)
	c.DraftHistory = append([]DraftRevision(nil), d.DraftHistory...)
	if d.DraftApproved != nil {
		v := *d.DraftApproved
		c.DraftApproved = &v
	}
	return &c
}
