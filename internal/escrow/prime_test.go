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

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"deal-escrow-go/internal/models"
	"deal-escrow-go/internal/prime"

	"github.com/shopspring/decimal"
)

type fakePrime struct {
	txs         []models.PrimeTransaction
	withdrawals []prime.CreateWithdrawalParams
}

func (f *fakePrime) CreateDepositAddress(ctx context.Context, portfolioId, walletId, asset, network string) (*models.DepositAddress, error) {
	return &models.DepositAddress{Id: "acct-1", Address: "EQdeposit1", Network: network, Asset: asset}, nil
}

func (f *fakePrime) CreateWithdrawal(ctx context.Context, params prime.CreateWithdrawalParams) (*models.Withdrawal, error) {
	f.withdrawals = append(f.withdrawals, params)
	return &models.Withdrawal{ActivityId: "activity-1", IdempotencyKey: params.IdempotencyKey}, nil
}

func (f *fakePrime) ListWalletTransactions(ctx context.Context, portfolioId, walletId string, start time.Time) ([]models.PrimeTransaction, error) {
	return f.txs, nil
}

func TestPrimeChain_WalletReference(t *testing.T) {
	chain := NewPrimeChain(&fakePrime{}, "portfolio-1", "wallet-1", "TON", "ton-mainnet")

	address, material, err := chain.NewWallet(context.Background())
	if err != nil {
		t.Fatalf("NewWallet failed: %v", err)
	}
	if address != "EQdeposit1" {
		t.Errorf("Expected EQdeposit1, got %s", address)
	}
	got, err := chain.AddressOf(material)
	if err != nil || got != address {
		t.Fatalf("Expected AddressOf %s, got %s (%v)", address, got, err)
	}
	if _, err := chain.AddressOf([]byte(`{}`)); err == nil {
		t.Error("Expected error for incomplete reference")
	}
}

func TestPrimeChain_Balance(t *testing.T) {
	address := "EQdeposit1"
	fake := &fakePrime{txs: []models.PrimeTransaction{
		{Id: "d1", Type: "DEPOSIT", Status: "TRANSACTION_IMPORTED", Symbol: "TON", Amount: "10", Address: address},
		{Id: "d2", Type: "DEPOSIT", Status: "TRANSACTION_IMPORT_PENDING", Symbol: "TON", Amount: "5", Address: address},
		{Id: "d3", Type: "DEPOSIT", Status: "TRANSACTION_IMPORTED", Symbol: "TON", Amount: "7", Address: "EQother"},
		{Id: "w1", Type: "WITHDRAWAL", Status: "TRANSACTION_DONE", Symbol: "TON", Amount: "-3",
			IdempotencyKey: TransferKey(address, string(models.LegChannel))},
		{Id: "w2", Type: "WITHDRAWAL", Status: "TRANSACTION_FAILED", Symbol: "TON", Amount: "2",
			IdempotencyKey: TransferKey(address, string(models.LegAdvertiser))},
		{Id: "w3", Type: "WITHDRAWAL", Status: "TRANSACTION_DONE", Symbol: "TON", Amount: "1",
			IdempotencyKey: TransferKey("EQother", string(models.LegAdvertiser))},
	}}
	chain := NewPrimeChain(fake, "portfolio-1", "wallet-1", "TON", "ton-mainnet")

	balance, err := chain.Balance(context.Background(), address)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(7)) {
		t.Errorf("Expected 7, got %s", balance)
	}
}

func TestPrimeChain_SubmitAndFind(t *testing.T) {
	fake := &fakePrime{}
	chain := NewPrimeChain(fake, "portfolio-1", "wallet-1", "TON", "ton-mainnet")
	_, material, _ := chain.NewWallet(context.Background())

	key := TransferKey("EQdeposit1", string(models.LegAdvertiser))
	activity, err := chain.Submit(context.Background(), material, Transfer{
		From: "EQdeposit1", To: "EQadvertiser", Amount: decimal.RequireFromString("9.95"), IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if activity != "activity-1" {
		t.Errorf("Expected activity-1, got %s", activity)
	}
	if len(fake.withdrawals) != 1 {
		t.Fatalf("Expected one withdrawal, got %d", len(fake.withdrawals))
	}
	w := fake.withdrawals[0]
	if w.Asset != "TON-ton-mainnet" || w.IdempotencyKey != key || w.Amount != "9.95" {
		t.Errorf("Unexpected withdrawal params: %+v", w)
	}

	if _, err := chain.FindTransfer(context.Background(), "EQdeposit1", key); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("Expected ErrTransferNotFound before history shows it, got %v", err)
	}
	fake.txs = append(fake.txs, models.PrimeTransaction{Id: "tx-9", Type: "WITHDRAWAL", Status: "TRANSACTION_CREATED", IdempotencyKey: key, Amount: "9.95"})
	id, err := chain.FindTransfer(context.Background(), "EQdeposit1", key)
	if err != nil || id != "tx-9" {
		t.Fatalf("Expected tx-9, got %q (%v)", id, err)
	}

	if _, err := chain.Submit(context.Background(), material, Transfer{To: "x", Amount: decimal.NewFromInt(1)}); err == nil {
		t.Error("Expected error for missing idempotency key")
	}
}
