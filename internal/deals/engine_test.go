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
	"sync"
	"testing"
	"time"

	"deal-escrow-go/internal/clock"
	"deal-escrow-go/internal/database"
	"deal-escrow-go/internal/delivery"
	"deal-escrow-go/internal/escrow"
	"deal-escrow-go/internal/models"

	"github.com/shopspring/decimal"
)

const (
	testCipherKey  = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	otherCipherKey = "ffeeddccbbaa99887766554433221100ffeeddccbbaa99887766554433221100"

	testAdvertiser   int64 = 100
	testOwner        int64 = 200
	testManager      int64 = 201
	testChannel      int64 = -1001
	promptCampaign   int64 = 7
	directCampaign   int64 = 8
	advertiserWallet       = "advertiser-wallet"
	channelWallet          = "channel-wallet"
)

const testSubmitGrace = 5 * time.Minute

var (
	testStart  = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	feeReserve = decimal.RequireFromString("0.05")
)

// fakeChain is an in-memory ledger
type fakeChain struct {
	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	transfers []escrow.Transfer
	submitErr error
	wallets   int
	submits   int

	// gate holds every Submit until closed; entered is signalled as each one arrives
	gate    chan struct{}
	entered chan struct{}
}

func newFakeChain() *fakeChain {
	return &fakeChain{balances: make(map[string]decimal.Decimal)}
}

func (c *fakeChain) NewWallet(ctx context.Context) (string, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wallets++
	return fmt.Sprintf("escrow-%d", c.wallets), []byte(fmt.Sprintf("seed-%d", c.wallets)), nil
}

func (c *fakeChain) AddressOf(material []byte) (string, error) {
	s := string(material)
	if !strings.HasPrefix(s, "seed-") {
		return "", fmt.Errorf("bad material")
	}
	return "escrow-" + strings.TrimPrefix(s, "seed-"), nil
}

func (c *fakeChain) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[address], nil
}

func (c *fakeChain) Submit(ctx context.Context, material []byte, t escrow.Transfer) (string, error) {
	c.mu.Lock()
	c.submits++
	gate, entered := c.gate, c.entered
	c.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return "", c.submitErr
	}
	c.transfers = append(c.transfers, t)
	c.balances[t.From] = c.balances[t.From].Sub(t.Amount)
	return fmt.Sprintf("tx-%d", len(c.transfers)), nil
}

func (c *fakeChain) FindTransfer(ctx context.Context, from, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.transfers {
		if t.From == from && t.IdempotencyKey == key {
			return fmt.Sprintf("tx-%d", i+1), nil
		}
	}
	return "", escrow.ErrTransferNotFound
}

func (c *fakeChain) fund(address string, amount string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[address] = decimal.RequireFromString(amount)
}

// holdSubmits makes every later Submit wait until the returned gate is closed
func (c *fakeChain) holdSubmits() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = make(chan struct{})
	c.entered = make(chan struct{}, 8)
	return c.gate
}

func (c *fakeChain) submitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submits
}

func (c *fakeChain) sent() []escrow.Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]escrow.Transfer(nil), c.transfers...)
}

// fakePublisher records published content and reports deleted messages as missing
type fakePublisher struct {
	mu         sync.Mutex
	published  []delivery.Content
	nextId     int64
	missing    map[int64]bool
	publishErr error
	// partialErr fails a two-message publish after both messages went out
	partialErr error
}

func (p *fakePublisher) Publish(ctx context.Context, chatId int64, content delivery.Content) ([]int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return nil, p.publishErr
	}
	p.published = append(p.published, content)
	if p.partialErr != nil {
		p.nextId += 2
		return []int64{p.nextId - 1, p.nextId}, p.partialErr
	}
	p.nextId++
	return []int64{p.nextId}, nil
}

func (p *fakePublisher) Verify(ctx context.Context, chatId, messageId int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.missing[messageId] {
		return delivery.ErrMessageMissing
	}
	return nil
}

type testEnv struct {
	engine    *Engine
	db        *database.Service
	chain     *fakeChain
	publisher *fakePublisher
	clock     *clock.Fake
}

func setupEngine(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.NewService(ctx, models.DatabaseConfig{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		PingTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(db.Close)

	seedCatalog(t, db)

	chain := newFakeChain()
	publisher := &fakePublisher{missing: make(map[int64]bool)}
	clk := clock.NewFake(testStart)

	return &testEnv{
		engine:    newTestEngine(t, db, chain, publisher, clk, testCipherKey),
		db:        db,
		chain:     chain,
		publisher: publisher,
		clock:     clk,
	}
}

func newTestEngine(t *testing.T, db *database.Service, chain escrow.Chain, publisher Publisher, clk clock.Clock, key string) *Engine {
	t.Helper()
	cipher, err := escrow.NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}
	return NewEngine(db, escrow.NewService(chain, cipher, feeReserve, time.Second), publisher, db, clk, models.DealsConfig{
		FundingDeadline:    24 * time.Hour,
		DraftReviewTimeout: 24 * time.Hour,
		AdvertiserShare:    decimal.RequireFromString("0.7"),
		SubmitGrace:        testSubmitGrace,
	})
}

func seedCatalog(t *testing.T, db *database.Service) {
	t.Helper()
	ctx := context.Background()

	if err := db.SaveChannel(ctx, models.Channel{Id: testChannel, Title: "Daily Go", PayoutAddress: channelWallet}); err != nil {
		t.Fatalf("SaveChannel failed: %v", err)
	}
	campaigns := []models.Campaign{
		{Id: promptCampaign, AdvertiserId: testAdvertiser, Type: models.CampaignPrompt, ButtonText: "Try it", ButtonUrl: "https://example.com"},
		{Id: directCampaign, AdvertiserId: testAdvertiser, Type: models.CampaignDirect, Text: "Buy now", MediaUrls: []string{"https://example.com/a.jpg"}},
	}
	for _, c := range campaigns {
		if err := db.SaveCampaign(ctx, c); err != nil {
			t.Fatalf("SaveCampaign failed: %v", err)
		}
	}
	members := []models.ChannelMembership{
		{ChannelId: testChannel, UserId: testOwner, Role: models.RoleOwner},
		{ChannelId: testChannel, UserId: testManager, Role: models.RoleManager, Permissions: models.Permissions{CanViewStats: true}},
	}
	for _, m := range members {
		if err := db.SaveMembership(ctx, m); err != nil {
			t.Fatalf("SaveMembership failed: %v", err)
		}
	}
}

func (env *testEnv) openDeal(t *testing.T, campaignId int64) *models.Deal {
	t.Helper()
	deal, err := env.engine.Open(context.Background(), OpenParams{
		AdvertiserId:      testAdvertiser,
		ChannelId:         testChannel,
		CampaignId:        campaignId,
		Price:             decimal.NewFromInt(10),
		DurationHours:     24,
		AdvertiserAddress: advertiserWallet,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return deal
}

func (env *testEnv) fundedDeal(t *testing.T, campaignId int64) *models.Deal {
	t.Helper()
	deal := env.openDeal(t, campaignId)
	env.chain.fund(deal.EscrowAddress, "10")
	if ok, err := env.engine.ConfirmFunding(context.Background(), deal); err != nil || !ok {
		t.Fatalf("ConfirmFunding = %v, %v", ok, err)
	}
	return env.reload(t, deal.Id)
}

// draftInReview returns a prompt deal holding a submitted draft
func (env *testEnv) draftInReview(t *testing.T) *models.Deal {
	t.Helper()
	deal := env.fundedDeal(t, promptCampaign)
	if _, err := env.engine.SubmitDraft(context.Background(), testOwner, deal.Id, "Check out our product", nil); err != nil {
		t.Fatalf("SubmitDraft failed: %v", err)
	}
	return env.reload(t, deal.Id)
}

func (env *testEnv) reload(t *testing.T, dealId int64) *models.Deal {
	t.Helper()
	deal, err := env.db.GetDeal(context.Background(), dealId)
	if err != nil {
		t.Fatalf("GetDeal failed: %v", err)
	}
	return deal
}

func (env *testEnv) legs(t *testing.T, dealId int64) []models.Settlement {
	t.Helper()
	legs, err := env.db.GetSettlements(context.Background(), dealId)
	if err != nil {
		t.Fatalf("GetSettlements failed: %v", err)
	}
	return legs
}

func TestOpen_ProvisionsOwnWallet(t *testing.T) {
	env := setupEngine(t)

	first := env.openDeal(t, promptCampaign)
	second := env.openDeal(t, promptCampaign)

	if first.Status != models.StatusPending {
		t.Errorf("Expected PENDING, got %s", first.Status)
	}
	if first.EscrowAddress == second.EscrowAddress {
		t.Error("Expected a distinct escrow wallet per deal")
	}
	if strings.Contains(first.EncryptedKey, "seed") {
		t.Error("Signing material stored in the clear")
	}
}

func TestOpen_RejectsForeignCampaign(t *testing.T) {
	env := setupEngine(t)

	_, err := env.engine.Open(context.Background(), OpenParams{
		AdvertiserId:      999,
		ChannelId:         testChannel,
		CampaignId:        promptCampaign,
		Price:             decimal.NewFromInt(10),
		AdvertiserAddress: advertiserWallet,
	})
	if !errors.Is(err, ErrAuthorization) {
		t.Errorf("Expected ErrAuthorization, got %v", err)
	}
}

func TestConfirmFunding(t *testing.T) {
	tests := []struct {
		name     string
		campaign int64
		want     models.DealStatus
	}{
		{"prompt campaign awaits draft", promptCampaign, models.StatusAwaitingDraft},
		{"direct campaign is scheduled", directCampaign, models.StatusScheduled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupEngine(t)
			deal := env.fundedDeal(t, tt.campaign)

			if deal.Status != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, deal.Status)
			}
			if deal.PaymentVerifiedAt == nil {
				t.Error("Expected payment_verified_at to be set")
			}

			entries, err := env.db.GetJournalEntries(context.Background(), deal.Id)
			if err != nil {
				t.Fatalf("GetJournalEntries failed: %v", err)
			}
			if len(entries) != 1 || entries[0].EventType != "funding" {
				t.Errorf("Expected one funding entry, got %+v", entries)
			}
		})
	}
}

func TestConfirmFunding_Underfunded(t *testing.T) {
	env := setupEngine(t)
	deal := env.openDeal(t, promptCampaign)
	env.chain.fund(deal.EscrowAddress, "9.99")

	ok, err := env.engine.ConfirmFunding(context.Background(), deal)
	if err != nil || ok {
		t.Fatalf("Expected no-op, got %v, %v", ok, err)
	}
	if got := env.reload(t, deal.Id); got.Status != models.StatusPending {
		t.Errorf("Expected PENDING, got %s", got.Status)
	}
}

func TestExpireUnfunded(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deal := env.openDeal(t, promptCampaign)

	env.clock.Advance(23 * time.Hour)
	if ok, err := env.engine.ExpireUnfunded(ctx, deal); err != nil || ok {
		t.Fatalf("Expected no expiry before the deadline, got %v, %v", ok, err)
	}

	env.clock.Advance(2 * time.Hour)
	if ok, err := env.engine.ExpireUnfunded(ctx, deal); err != nil || !ok {
		t.Fatalf("ExpireUnfunded = %v, %v", ok, err)
	}

	got := env.reload(t, deal.Id)
	if got.Status != models.StatusExpired {
		t.Errorf("Expected EXPIRED, got %s", got.Status)
	}
	if got.Flag != models.FlagNone {
		t.Errorf("Expected no flag on an empty wallet, got %s", got.Flag)
	}
	if len(env.chain.sent()) != 0 {
		t.Error("Expiry must not transfer funds")
	}
	if len(env.legs(t, deal.Id)) != 0 {
		t.Error("Expiry must not create settlement legs")
	}
}

func TestExpireUnfunded_PartialFundingFlagged(t *testing.T) {
	env := setupEngine(t)
	deal := env.openDeal(t, promptCampaign)
	env.chain.fund(deal.EscrowAddress, "4")
	env.clock.Advance(25 * time.Hour)

	if ok, err := env.engine.ExpireUnfunded(context.Background(), deal); err != nil || !ok {
		t.Fatalf("ExpireUnfunded = %v, %v", ok, err)
	}

	got := env.reload(t, deal.Id)
	if got.Status != models.StatusExpired || got.Flag != models.FlagFundsManualReview {
		t.Errorf("Expected EXPIRED with funds flag, got %s / %q", got.Status, got.Flag)
	}
}

func TestExpireUnfunded_LatePaymentWins(t *testing.T) {
	env := setupEngine(t)
	deal := env.openDeal(t, promptCampaign)
	env.chain.fund(deal.EscrowAddress, "10")
	env.clock.Advance(25 * time.Hour)

	if ok, err := env.engine.ExpireUnfunded(context.Background(), deal); err != nil || !ok {
		t.Fatalf("ExpireUnfunded = %v, %v", ok, err)
	}
	if got := env.reload(t, deal.Id); got.Status != models.StatusAwaitingDraft {
		t.Errorf("Expected the funded deal to advance, got %s", got.Status)
	}
}

func TestSubmitDraft_Authorization(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deal := env.fundedDeal(t, promptCampaign)

	if _, err := env.engine.SubmitDraft(ctx, 999, deal.Id, "text", nil); !errors.Is(err, ErrAuthorization) {
		t.Errorf("Expected ErrAuthorization for a stranger, got %v", err)
	}
	if _, err := env.engine.SubmitDraft(ctx, testManager, deal.Id, "text", nil); !errors.Is(err, ErrAuthorization) {
		t.Errorf("Expected ErrAuthorization for a manager without edit rights, got %v", err)
	}
	if _, err := env.engine.SubmitDraft(ctx, testOwner, deal.Id, "  ", nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for an empty draft, got %v", err)
	}
}

func TestDraftRevisionHistory(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deal := env.draftInReview(t)

	if _, err := env.engine.RequestChanges(ctx, testOwner, deal.Id); !errors.Is(err, ErrAuthorization) {
		t.Errorf("Expected only the advertiser to review, got %v", err)
	}

	takes := []string{"Check out our product", "Second take", "Third take", "Final take"}
	for i := 1; i < len(takes); i++ {
		if _, err := env.engine.RequestChanges(ctx, testAdvertiser, deal.Id); err != nil {
			t.Fatalf("RequestChanges %d failed: %v", i, err)
		}
		if got := env.reload(t, deal.Id); got.Status != models.StatusAwaitingDraft || !got.ChangesRequested {
			t.Fatalf("Expected AWAITING_DRAFT with changes requested, got %s / %v", got.Status, got.ChangesRequested)
		}

		env.clock.Advance(time.Hour)
		media := []string{fmt.Sprintf("https://example.com/%d.png", i)}
		if _, err := env.engine.SubmitDraft(ctx, testOwner, deal.Id, takes[i], media); err != nil {
			t.Fatalf("SubmitDraft %d failed: %v", i, err)
		}

		got := env.reload(t, deal.Id)
		if got.Status != models.StatusDraftReview {
			t.Errorf("Expected DRAFT_REVIEW, got %s", got.Status)
		}
		if got.RevisionCount != i {
			t.Errorf("Expected revision count %d, got %d", i, got.RevisionCount)
		}
		if got.DraftText != takes[i] || len(got.DraftMedia) != 1 || got.DraftMedia[0] != media[0] {
			t.Errorf("Unexpected current draft %q %v", got.DraftText, got.DraftMedia)
		}
		if got.ChangesRequested {
			t.Error("Expected changes_requested cleared on resubmission")
		}
		if len(got.DraftHistory) != i {
			t.Fatalf("Expected %d history entries, got %d", i, len(got.DraftHistory))
		}
	}

	got := env.reload(t, deal.Id)
	for i, rev := range got.DraftHistory {
		if rev.Text != takes[i] || rev.Revision != i {
			t.Errorf("History entry %d: expected %q at revision %d, got %q at %d", i, takes[i], i, rev.Text, rev.Revision)
		}
		if i > 0 && !rev.SubmittedAt.After(got.DraftHistory[i-1].SubmittedAt) {
			t.Errorf("History entry %d is out of order", i)
		}
	}
}

func TestReject_RefundsInFull(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deal := env.draftInReview(t)

	got, err := env.engine.Reject(ctx, testAdvertiser, deal.Id)
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if got.Status != models.StatusRejected {
		t.Errorf("Expected REJECTED, got %s", got.Status)
	}

	sent := env.chain.sent()
	if len(sent) != 1 {
		t.Fatalf("Expected exactly one transfer, got %d", len(sent))
	}
	if sent[0].To != advertiserWallet || !sent[0].Amount.Equal(decimal.RequireFromString("9.95")) {
		t.Errorf("Unexpected refund %+v", sent[0])
	}
	if !strings.Contains(sent[0].Memo, "Refund") {
		t.Errorf("Expected a refund memo, got %q", sent[0].Memo)
	}

	legs := env.legs(t, deal.Id)
	if len(legs) != 1 || legs[0].Status != models.SettlementConfirmed || legs[0].TxHash != "tx-1" {
		t.Errorf("Unexpected legs %+v", legs)
	}

	// A second run finds nothing left to do
	if err := env.engine.ExecuteSettlement(ctx, deal.Id); err != nil {
		t.Fatalf("ExecuteSettlement failed: %v", err)
	}
	if len(env.chain.sent()) != 1 {
		t.Error("Expected no second transfer")
	}

	if _, err := env.engine.Reject(ctx, testAdvertiser, deal.Id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition on a rejected deal, got %v", err)
	}
}

func TestReject_RetryableFailureResumes(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deal := env.draftInReview(t)

	env.chain.submitErr = errors.New("connection reset")
	if _, err := env.engine.Reject(ctx, testAdvertiser, deal.Id); err != nil {
		t.Fatalf("Expected a retryable failure to be deferred, got %v", err)
	}
	legs := env.legs(t, deal.Id)
	if len(legs) != 1 || legs[0].Status != models.SettlementSubmitted {
		t.Fatalf("Expected a submitted leg, got %+v", legs)
	}

	env.chain.submitErr = nil

	// Too early to tell a failed attempt from one still in flight
	env.clock.Advance(time.Minute)
	if err := env.engine.ExecuteSettlement(ctx, deal.Id); err != nil {
		t.Fatalf("ExecuteSettlement failed: %v", err)
	}
	if n := env.chain.submitCount(); n != 1 {
		t.Fatalf("Expected no resubmission inside the grace window, got %d submits", n)
	}

	env.clock.Advance(testSubmitGrace)
	if err := env.engine.ExecuteSettlement(ctx, deal.Id); err != nil {
		t.Fatalf("ExecuteSettlement failed: %v", err)
	}
	if len(env.chain.sent()) != 1 {
		t.Errorf("Expected one transfer, got %d", len(env.chain.sent()))
	}
	if legs := env.legs(t, deal.Id); legs[0].Status != models.SettlementConfirmed {
		t.Errorf("Expected confirmed leg, got %s", legs[0].Status)
	}
}

func TestExecuteSettlement_SubmittedLegFoundOnLedger(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deal := env.draftInReview(t)

	// The transfer landed but the process died before confirming it
	env.chain.submitErr = errors.New("timeout")
	if _, err := env.engine.Reject(ctx, testAdvertiser, deal.Id); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	leg := env.legs(t, deal.Id)[0]
	env.chain.submitErr = nil
	env.chain.mu.Lock()
	env.chain.transfers = append(env.chain.transfers, escrow.Transfer{
		From: deal.EscrowAddress, To: advertiserWallet, Amount: *leg.Amount, IdempotencyKey: leg.IdempotencyKey,
	})
	env.chain.balances[deal.EscrowAddress] = feeReserve
	env.chain.mu.Unlock()

	env.clock.Advance(testSubmitGrace + time.Second)
	if err := env.engine.ExecuteSettlement(ctx, deal.Id); err != nil {
		t.Fatalf("ExecuteSettlement failed: %v", err)
	}
	if len(env.chain.sent()) != 1 {
		t.Errorf("Expected no resubmission, got %d transfers", len(env.chain.sent()))
	}
	if got := env.legs(t, deal.Id)[0]; got.Status != models.SettlementConfirmed || got.TxHash != "tx-1" {
		t.Errorf("Unexpected leg %+v", got)
	}
}

func TestExecuteSettlement_InFlightTransferNotResubmitted(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deal := env.draftInReview(t)

	gate := env.chain.holdSubmits()
	done := make(chan error, 1)
	go func() {
		_, err := env.engine.Reject(ctx, testAdvertiser, deal.Id)
		done <- err
	}()
	<-env.chain.entered

	// A retry tick while the refund transfer call is still open
	if err := env.engine.ExecuteSettlement(ctx, deal.Id); err != nil {
		t.Fatalf("ExecuteSettlement failed: %v", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	if n := env.chain.submitCount(); n != 1 {
		t.Errorf("Expected one submit, got %d", n)
	}
	if sent := env.chain.sent(); len(sent) != 1 {
		t.Errorf("Expected one transfer, got %d", len(sent))
	}
	if got := env.legs(t, deal.Id)[0]; got.Status != models.SettlementConfirmed {
		t.Errorf("Expected confirmed leg, got %s", got.Status)
	}
}

func TestExecuteSettlement_ConcurrentRetriesSubmitOnce(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deal := env.draftInReview(t)

	env.chain.submitErr = errors.New("connection reset")
	if _, err := env.engine.Reject(ctx, testAdvertiser, deal.Id); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	env.chain.submitErr = nil
	env.clock.Advance(testSubmitGrace + time.Second)

	// Two retries race for the same stale submitted leg
	gate := env.chain.holdSubmits()
	done := make(chan error, 1)
	go func() {
		done <- env.engine.ExecuteSettlement(ctx, deal.Id)
	}()
	<-env.chain.entered

	if err := env.engine.ExecuteSettlement(ctx, deal.Id); err != nil {
		t.Fatalf("ExecuteSettlement failed: %v", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("ExecuteSettlement failed: %v", err)
	}

	// one failed attempt plus one retry
	if n := env.chain.submitCount(); n != 2 {
		t.Errorf("Expected two submits, got %d", n)
	}
	if sent := env.chain.sent(); len(sent) != 1 {
		t.Errorf("Expected one transfer, got %d", len(sent))
	}
	if got := env.legs(t, deal.Id)[0]; got.Status != models.SettlementConfirmed || got.TxHash != "tx-1" {
		t.Errorf("Unexpected leg %+v", got)
	}
}

func TestTimeoutDraft_SplitsEscrow(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deal := env.draftInReview(t)

	env.clock.Advance(23 * time.Hour)
	if ok, err := env.engine.TimeoutDraft(ctx, deal); err != nil || ok {
		t.Fatalf("Expected no timeout yet, got %v, %v", ok, err)
	}

	env.clock.Advance(2 * time.Hour)
	if ok, err := env.engine.TimeoutDraft(ctx, deal); err != nil || !ok {
		t.Fatalf("TimeoutDraft = %v, %v", ok, err)
	}

	if got := env.reload(t, deal.Id); got.Status != models.StatusTimeoutCompleted {
		t.Errorf("Expected TIMEOUT_COMPLETED, got %s", got.Status)
	}

	sent := env.chain.sent()
	if len(sent) != 2 {
		t.Fatalf("Expected two transfers, got %d", len(sent))
	}
	want := map[string]string{advertiserWallet: "6.965", channelWallet: "2.985"}
	total := decimal.Zero
	for _, tr := range sent {
		if !tr.Amount.Equal(decimal.RequireFromString(want[tr.To])) {
			t.Errorf("Expected %s to %s, got %s", want[tr.To], tr.To, tr.Amount)
		}
		total = total.Add(tr.Amount)
	}
	if !total.Equal(decimal.RequireFromString("9.95")) {
		t.Errorf("Expected the split to total balance minus fee reserve, got %s", total)
	}

	// The scheduler firing again on a stale read settles nothing twice
	if ok, err := env.engine.TimeoutDraft(ctx, deal); err != nil || ok {
		t.Errorf("Expected a stale second run to lose silently, got %v, %v", ok, err)
	}
	if len(env.chain.sent()) != 2 {
		t.Error("Expected no additional transfers")
	}
}

func TestReview_ConcurrentDecisionsOneWins(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deal := env.draftInReview(t)

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, results[0] = env.engine.Approve(ctx, testAdvertiser, deal.Id)
	}()
	go func() {
		defer wg.Done()
		_, results[1] = env.engine.Reject(ctx, testAdvertiser, deal.Id)
	}()
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case !errors.Is(err, ErrInvalidTransition):
			t.Errorf("Expected the loser to see ErrInvalidTransition, got %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("Expected exactly one decision to win, got %d", succeeded)
	}

	got := env.reload(t, deal.Id)
	switch got.Status {
	case models.StatusScheduled:
		if len(env.chain.sent()) != 0 {
			t.Error("Approved deal must keep its escrow")
		}
	case models.StatusRejected:
		if len(env.chain.sent()) != 1 {
			t.Error("Rejected deal must be refunded once")
		}
	default:
		t.Errorf("Unexpected status %s", got.Status)
	}
}

func TestPublishAndComplete(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deal := env.fundedDeal(t, directCampaign)

	if ok, err := env.engine.Publish(ctx, deal); err != nil || !ok {
		t.Fatalf("Publish = %v, %v", ok, err)
	}
	if len(env.publisher.published) != 1 || env.publisher.published[0].Text != "Buy now" {
		t.Errorf("Unexpected published content %+v", env.publisher.published)
	}

	deal = env.reload(t, deal.Id)
	if deal.Status != models.StatusInProgress || len(deal.MessageIds) != 1 {
		t.Fatalf("Expected IN_PROGRESS with a message id, got %s %v", deal.Status, deal.MessageIds)
	}
	if !deal.ExpiresAt.Equal(testStart.Add(24 * time.Hour)) {
		t.Errorf("Unexpected expiry %v", deal.ExpiresAt)
	}

	env.clock.Advance(12 * time.Hour)
	if ok, err := env.engine.Complete(ctx, deal); err != nil || ok {
		t.Fatalf("Expected no completion before the duration, got %v, %v", ok, err)
	}

	env.clock.Advance(12 * time.Hour)
	if ok, err := env.engine.Complete(ctx, deal); err != nil || !ok {
		t.Fatalf("Complete = %v, %v", ok, err)
	}

	if got := env.reload(t, deal.Id); got.Status != models.StatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", got.Status)
	}
	sent := env.chain.sent()
	if len(sent) != 1 || sent[0].To != channelWallet || !sent[0].Amount.Equal(decimal.RequireFromString("9.95")) {
		t.Errorf("Unexpected payout %+v", sent)
	}

	entries, _ := env.db.GetJournalEntries(ctx, deal.Id)
	if len(entries) != 2 || entries[1].EventType != "payout" {
		t.Errorf("Expected funding and payout entries, got %+v", entries)
	}
}

func TestPublish_PromptUsesApprovedDraft(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deal := env.draftInReview(t)

	if _, err := env.engine.Approve(ctx, testAdvertiser, deal.Id); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if ok, err := env.engine.Publish(ctx, env.reload(t, deal.Id)); err != nil || !ok {
		t.Fatalf("Publish = %v, %v", ok, err)
	}

	content := env.publisher.published[0]
	if content.Text != "Check out our product" || content.ButtonText != "Try it" {
		t.Errorf("Expected the draft with the campaign button, got %+v", content)
	}
}

func TestPublish_DeliveryFailureKeepsScheduled(t *testing.T) {
	env := setupEngine(t)
	deal := env.fundedDeal(t, directCampaign)
	env.publisher.publishErr = delivery.ErrUnavailable

	if _, err := env.engine.Publish(context.Background(), deal); !errors.Is(err, ErrExternalService) {
		t.Errorf("Expected ErrExternalService, got %v", err)
	}
	if got := env.reload(t, deal.Id); got.Status != models.StatusScheduled {
		t.Errorf("Expected SCHEDULED, got %s", got.Status)
	}
}

func TestPublish_PartialDeliveryKeepsLiveMessages(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deal := env.fundedDeal(t, directCampaign)
	env.publisher.partialErr = delivery.ErrUnavailable

	if ok, err := env.engine.Publish(ctx, deal); err != nil || !ok {
		t.Fatalf("Publish = %v, %v", ok, err)
	}
	got := env.reload(t, deal.Id)
	if got.Status != models.StatusInProgress || len(got.MessageIds) != 2 {
		t.Fatalf("Expected IN_PROGRESS holding both live messages, got %s %v", got.Status, got.MessageIds)
	}

	// The next publishing tick must not post the content again
	if _, err := env.engine.Publish(ctx, got); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
	if len(env.publisher.published) != 1 {
		t.Errorf("Expected one publish, got %d", len(env.publisher.published))
	}
}

func TestComplete_MissingContentFlagsDeal(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deal := env.fundedDeal(t, directCampaign)
	if _, err := env.engine.Publish(ctx, deal); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	deal = env.reload(t, deal.Id)
	env.publisher.missing[deal.MessageIds[0]] = true

	env.clock.Advance(25 * time.Hour)
	if _, err := env.engine.Complete(ctx, deal); !errors.Is(err, ErrIntegrityViolation) {
		t.Fatalf("Expected ErrIntegrityViolation, got %v", err)
	}

	got := env.reload(t, deal.Id)
	if got.Status != models.StatusInProgress || got.Flag != models.FlagIntegrityViolation {
		t.Errorf("Expected IN_PROGRESS flagged for integrity, got %s / %q", got.Status, got.Flag)
	}
	if len(env.chain.sent()) != 0 {
		t.Error("Flagged deal must not be paid out")
	}

	// Flagged deals are skipped by later completion runs
	if ok, err := env.engine.Complete(ctx, got); err != nil || ok {
		t.Errorf("Expected flagged deal to be skipped, got %v, %v", ok, err)
	}
}

func TestExecuteSettlement_DecryptFailureNeedsOperator(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deal := env.draftInReview(t)

	// Same records, wrong master key
	engine := newTestEngine(t, env.db, env.chain, env.publisher, env.clock, otherCipherKey)
	if _, err := engine.Reject(ctx, testAdvertiser, deal.Id); !errors.Is(err, ErrIrrecoverableFunds) {
		t.Fatalf("Expected ErrIrrecoverableFunds, got %v", err)
	}

	got := env.reload(t, deal.Id)
	if got.Status != models.StatusRejected || got.Flag != models.FlagFundsManualReview {
		t.Errorf("Expected REJECTED flagged for funds review, got %s / %q", got.Status, got.Flag)
	}
	if legs := env.legs(t, deal.Id); legs[0].Status != models.SettlementManualReview {
		t.Errorf("Expected leg in manual review, got %s", legs[0].Status)
	}
	if len(env.chain.sent()) != 0 {
		t.Error("Expected no transfer")
	}
}

func TestResolveManually(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deal := env.openDeal(t, promptCampaign)
	env.chain.fund(deal.EscrowAddress, "4.05")
	env.clock.Advance(25 * time.Hour)
	if _, err := env.engine.ExpireUnfunded(ctx, deal); err != nil {
		t.Fatalf("ExpireUnfunded failed: %v", err)
	}

	res, err := env.engine.ResolveManually(ctx, deal.Id, decimal.NewFromInt(1), "")
	if err != nil {
		t.Fatalf("ResolveManually failed: %v", err)
	}
	if res.Refund == nil || !res.Refund.Amount.Equal(decimal.NewFromInt(4)) {
		t.Errorf("Expected 4 refunded, got %+v", res.Refund)
	}
	sent := env.chain.sent()
	if len(sent) != 1 || sent[0].To != advertiserWallet {
		t.Errorf("Unexpected transfers %+v", sent)
	}
	if got := env.reload(t, deal.Id); got.Flag != models.FlagNone || got.Status != models.StatusExpired {
		t.Errorf("Expected unflagged EXPIRED deal, got %s / %q", got.Status, got.Flag)
	}

	if _, err := env.engine.ResolveManually(ctx, deal.Id, decimal.NewFromInt(1), ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for an unflagged deal, got %v", err)
	}
}

func TestResolveManually_ClosesOutIntegrityViolation(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deal := env.fundedDeal(t, directCampaign)
	if _, err := env.engine.Publish(ctx, deal); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	deal = env.reload(t, deal.Id)
	env.publisher.missing[deal.MessageIds[0]] = true
	env.clock.Advance(25 * time.Hour)
	if _, err := env.engine.Complete(ctx, deal); !errors.Is(err, ErrIntegrityViolation) {
		t.Fatalf("Expected ErrIntegrityViolation, got %v", err)
	}

	if _, err := env.engine.ResolveManually(ctx, deal.Id, decimal.RequireFromString("1.5"), ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for a share above 1, got %v", err)
	}

	res, err := env.engine.ResolveManually(ctx, deal.Id, decimal.RequireFromString("0.5"), "")
	if err != nil {
		t.Fatalf("ResolveManually failed: %v", err)
	}
	if res.Deal.Status != models.StatusCompleted || len(res.Legs) != 2 {
		t.Fatalf("Expected COMPLETED with two legs, got %s %+v", res.Deal.Status, res.Legs)
	}

	half := decimal.RequireFromString("4.975")
	sent := env.chain.sent()
	if len(sent) != 2 {
		t.Fatalf("Expected two transfers, got %+v", sent)
	}
	if sent[0].To != advertiserWallet || !sent[0].Amount.Equal(half) {
		t.Errorf("Unexpected advertiser refund %+v", sent[0])
	}
	if sent[1].To != channelWallet || !sent[1].Amount.Equal(half) {
		t.Errorf("Unexpected channel payout %+v", sent[1])
	}
	for _, leg := range env.legs(t, deal.Id) {
		if leg.Status != models.SettlementConfirmed || leg.Kind != models.SettlementResolution {
			t.Errorf("Unexpected leg %+v", leg)
		}
	}

	got := env.reload(t, deal.Id)
	if got.Status != models.StatusCompleted || got.Flag != models.FlagNone {
		t.Errorf("Expected unflagged COMPLETED deal, got %s / %q", got.Status, got.Flag)
	}

	// Integrity checks no longer apply to the ended deal
	if _, err := env.engine.VerifyIntegrity(ctx, got); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
	if got := env.reload(t, deal.Id); got.Flag != models.FlagNone {
		t.Errorf("Expected the deal to stay unflagged, got %q", got.Flag)
	}

	entries, _ := env.db.GetJournalEntries(ctx, deal.Id)
	if len(entries) != 3 || entries[1].EventType != "refund" || entries[2].EventType != "payout" {
		t.Errorf("Expected funding, refund and payout entries, got %+v", entries)
	}
}

func TestGetDeal_PartiesOnly(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deal := env.openDeal(t, promptCampaign)

	for _, actor := range []int64{testAdvertiser, testOwner, testManager} {
		if _, err := env.engine.GetDeal(ctx, actor, deal.Id); err != nil {
			t.Errorf("Expected user %d to read the deal, got %v", actor, err)
		}
	}
	if _, err := env.engine.GetDeal(ctx, 999, deal.Id); !errors.Is(err, ErrAuthorization) {
		t.Errorf("Expected ErrAuthorization, got %v", err)
	}
}
