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
	"encoding/json"
	"fmt"
	"time"

	"deal-escrow-go/internal/models"
	"deal-escrow-go/internal/prime"

	"github.com/shopspring/decimal"
)

// primeClient is the subset of the Prime service the custodial backend needs
type primeClient interface {
	CreateDepositAddress(ctx context.Context, portfolioId, walletId, asset, network string) (*models.DepositAddress, error)
	CreateWithdrawal(ctx context.Context, params prime.CreateWithdrawalParams) (*models.Withdrawal, error)
	ListWalletTransactions(ctx context.Context, portfolioId, walletId string, startTime time.Time) ([]models.PrimeTransaction, error)
}

var failedWithdrawalStatuses = map[string]bool{
	"TRANSACTION_CANCELLED": true,
	"TRANSACTION_REJECTED":  true,
	"TRANSACTION_FAILED":    true,
	"TRANSACTION_EXPIRED":   true,
}

var creditedDepositStatuses = map[string]bool{
	"TRANSACTION_IMPORTED": true,
	"TRANSACTION_DONE":     true,
}

// transferPurposes lists every purpose a transfer out of an escrow address can carry
var transferPurposes = []string{string(models.LegAdvertiser), string(models.LegChannel), OperatorRefund}

// primeWallet is the material sealed for a custodial escrow wallet. It holds no key,
// only the reference Prime needs to move funds.
type primeWallet struct {
	PortfolioId       string `json:"portfolio_id"`
	WalletId          string `json:"wallet_id"`
	Address           string `json:"address"`
	AccountIdentifier string `json:"account_identifier"`
}

// PrimeChain is the custodial backend. Each deal gets its own deposit address on a shared
// Prime wallet; the address balance is derived from the wallet's transaction history.
type PrimeChain struct {
	client      primeClient
	portfolioId string
	walletId    string
	symbol      string
	network     string
	history     time.Duration
	now         func() time.Time
}

func NewPrimeChain(client primeClient, portfolioId, walletId, symbol, network string) *PrimeChain {
	return &PrimeChain{
		client:      client,
		portfolioId: portfolioId,
		walletId:    walletId,
		symbol:      symbol,
		network:     network,
		history:     90 * 24 * time.Hour,
		now:         time.Now,
	}
}

func (c *PrimeChain) NewWallet(ctx context.Context) (string, []byte, error) {
	deposit, err := c.client.CreateDepositAddress(ctx, c.portfolioId, c.walletId, c.symbol, c.network)
	if err != nil {
		return "", nil, err
	}

	material, err := json.Marshal(primeWallet{
		PortfolioId:       c.portfolioId,
		WalletId:          c.walletId,
		Address:           deposit.Address,
		AccountIdentifier: deposit.Id,
	})
	if err != nil {
		return "", nil, fmt.Errorf("unable to encode wallet reference: %w", err)
	}
	return deposit.Address, material, nil
}

func (c *PrimeChain) AddressOf(material []byte) (string, error) {
	wallet, err := parsePrimeWallet(material)
	if err != nil {
		return "", err
	}
	return wallet.Address, nil
}

// Balance is credited deposits to the address minus live withdrawals keyed to it
func (c *PrimeChain) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	txs, err := c.client.ListWalletTransactions(ctx, c.portfolioId, c.walletId, c.now().Add(-c.history))
	if err != nil {
		return decimal.Zero, err
	}

	keys := make(map[string]bool, len(transferPurposes))
	for _, purpose := range transferPurposes {
		keys[TransferKey(address, purpose)] = true
	}

	balance := decimal.Zero
	for _, tx := range txs {
		if tx.Symbol != "" && tx.Symbol != c.symbol {
			continue
		}
		amount, err := decimal.NewFromString(tx.Amount)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid amount %q on transaction %s: %w", tx.Amount, tx.Id, err)
		}
		amount = amount.Abs()

		switch tx.Type {
		case "DEPOSIT":
			if tx.Address == address && creditedDepositStatuses[tx.Status] {
				balance = balance.Add(amount)
			}
		case "WITHDRAWAL":
			if keys[tx.IdempotencyKey] && !failedWithdrawalStatuses[tx.Status] {
				balance = balance.Sub(amount)
			}
		}
	}
	return balance, nil
}

func (c *PrimeChain) Submit(ctx context.Context, material []byte, transfer Transfer) (string, error) {
	wallet, err := parsePrimeWallet(material)
	if err != nil {
		return "", err
	}
	if transfer.IdempotencyKey == "" {
		return "", fmt.Errorf("custodial withdrawals require an idempotency key")
	}

	withdrawal, err := c.client.CreateWithdrawal(ctx, prime.CreateWithdrawalParams{
		PortfolioId:        wallet.PortfolioId,
		WalletId:           wallet.WalletId,
		DestinationAddress: transfer.To,
		Amount:             transfer.Amount.String(),
		Asset:              c.symbol + "-" + c.network,
		IdempotencyKey:     transfer.IdempotencyKey,
	})
	if err != nil {
		return "", err
	}
	return withdrawal.ActivityId, nil
}

func (c *PrimeChain) FindTransfer(ctx context.Context, from, idempotencyKey string) (string, error) {
	txs, err := c.client.ListWalletTransactions(ctx, c.portfolioId, c.walletId, c.now().Add(-c.history))
	if err != nil {
		return "", err
	}
	for _, tx := range txs {
		if tx.Type == "WITHDRAWAL" && tx.IdempotencyKey == idempotencyKey && !failedWithdrawalStatuses[tx.Status] {
			return tx.Id, nil
		}
	}
	return "", ErrTransferNotFound
}

func parsePrimeWallet(material []byte) (*primeWallet, error) {
	var wallet primeWallet
	if err := json.Unmarshal(material, &wallet); err != nil {
		return nil, fmt.Errorf("invalid wallet reference: %w", err)
	}
	if wallet.Address == "" || wallet.WalletId == "" {
		return nil, fmt.Errorf("wallet reference is incomplete")
	}
	return &wallet, nil
}
