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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrDecrypt means the signing material cannot be opened. Fatal, needs an operator.
	ErrDecrypt = errors.New("unable to decrypt signing material")
	// ErrInsufficientBalance means nothing is left to move once the fee reserve is set aside. Fatal.
	ErrInsufficientBalance = errors.New("insufficient balance after fee reserve")
	// ErrSubmission means the ledger did not accept or answer a transfer. Retryable.
	ErrSubmission = errors.New("ledger submission failed")
	// ErrUnavailable means a ledger query failed or timed out. Retryable.
	ErrUnavailable = errors.New("ledger unavailable")
	// ErrTransferNotFound is returned by FindTransfer when history holds no transfer for the key
	ErrTransferNotFound = errors.New("transfer not found")
)

// AmountPrecision is the number of decimal places the ledger settles in
const AmountPrecision = 9

// OperatorRefund is the transfer purpose used for operator-decided refunds
const OperatorRefund = "operator"

var transferNamespace = uuid.MustParse("6f1c2a5e-8d3b-4f7a-9e21-0b5c7d4a3e19")

// TransferKey derives the idempotency key of a transfer out of an escrow address.
// Each address pays out at most once per purpose, so the key is stable across retries.
func TransferKey(address, purpose string) string {
	return uuid.NewSHA1(transferNamespace, []byte(address+"/"+purpose)).String()
}

// Transfer is a single movement out of an escrow wallet
type Transfer struct {
	From           string
	To             string
	Amount         decimal.Decimal
	Memo           string
	IdempotencyKey string
}

// Chain is the ledger an escrow wallet lives on
type Chain interface {
	// NewWallet creates a fresh wallet and returns its address with the raw signing material
	NewWallet(ctx context.Context) (address string, material []byte, err error)
	AddressOf(material []byte) (string, error)
	Balance(ctx context.Context, address string) (decimal.Decimal, error)
	Submit(ctx context.Context, material []byte, transfer Transfer) (txHash string, err error)
	// FindTransfer searches outgoing history of from for a transfer carrying the idempotency key
	FindTransfer(ctx context.Context, from, idempotencyKey string) (txHash string, err error)
}

// Wallet is a provisioned escrow wallet. EncryptedKey is the only form the signing material takes outside this package.
type Wallet struct {
	Address      string
	EncryptedKey string
}

// Signer moves funds out of one escrow wallet without exposing its key
type Signer interface {
	Address() string
	Transfer(ctx context.Context, to string, amount decimal.Decimal, memo, idempotencyKey string) (txHash string, err error)
}

type Service struct {
	chain       Chain
	cipher      *Cipher
	feeReserve  decimal.Decimal
	callTimeout time.Duration
}

func NewService(chain Chain, cipher *Cipher, feeReserve decimal.Decimal, callTimeout time.Duration) *Service {
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	return &Service{
		chain:       chain,
		cipher:      cipher,
		feeReserve:  feeReserve,
		callTimeout: callTimeout,
	}
}

func (s *Service) FeeReserve() decimal.Decimal {
	return s.feeReserve
}

// Provision creates the escrow wallet for a new deal
func (s *Service) Provision(ctx context.Context) (*Wallet, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	address, material, err := s.chain.NewWallet(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to create wallet: %v", ErrUnavailable, err)
	}
	defer wipe(material)

	sealed, err := s.cipher.Encrypt(material)
	if err != nil {
		return nil, fmt.Errorf("unable to seal signing material: %w", err)
	}

	zap.L().Info("Escrow wallet provisioned", zap.String("address", address))
	return &Wallet{Address: address, EncryptedKey: sealed}, nil
}

func (s *Service) CheckBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	balance, err := s.chain.Balance(ctx, address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: balance of %s: %v", ErrUnavailable, address, err)
	}
	return balance, nil
}

// Distributable is the balance that can leave the wallet once the network fee reserve is set aside
func (s *Service) Distributable(ctx context.Context, address string) (decimal.Decimal, error) {
	balance, err := s.CheckBalance(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}

	distributable := balance.Sub(s.feeReserve)
	if distributable.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: balance %s, fee reserve %s", ErrInsufficientBalance, balance, s.feeReserve)
	}
	return distributable, nil
}

// Signer opens the sealed material and returns a capability bound to its wallet
func (s *Service) Signer(encryptedKey string) (Signer, error) {
	material, err := s.cipher.Decrypt(encryptedKey)
	if err != nil {
		return nil, err
	}

	address, err := s.chain.AddressOf(material)
	if err != nil {
		wipe(material)
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	return &walletSigner{
		chain:   s.chain,
		address: address,
		timeout: s.callTimeout,
		secret:  material,
	}, nil
}

// FindTransfer reports the hash of an earlier transfer carrying the key, or ErrTransferNotFound
func (s *Service) FindTransfer(ctx context.Context, from, idempotencyKey string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	txHash, err := s.chain.FindTransfer(ctx, from, idempotencyKey)
	if err != nil {
		if errors.Is(err, ErrTransferNotFound) {
			return "", err
		}
		return "", fmt.Errorf("%w: history of %s: %v", ErrUnavailable, from, err)
	}
	return txHash, nil
}

// RefundResult describes a completed refund transfer
type RefundResult struct {
	TxHash string
	Amount decimal.Decimal
}

// Refund sends (balance - fee reserve) * fraction to destination in one signed transfer
func (s *Service) Refund(ctx context.Context, encryptedKey, destination string, fraction decimal.Decimal, memo, idempotencyKey string) (*RefundResult, error) {
	if fraction.LessThanOrEqual(decimal.Zero) || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("refund fraction must be within (0,1], got %s", fraction)
	}

	signer, err := s.Signer(encryptedKey)
	if err != nil {
		return nil, err
	}

	distributable, err := s.Distributable(ctx, signer.Address())
	if err != nil {
		return nil, err
	}

	amount := distributable.Mul(fraction).Truncate(AmountPrecision)
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: refund amount rounds to zero", ErrInsufficientBalance)
	}

	txHash, err := signer.Transfer(ctx, destination, amount, memo, idempotencyKey)
	if err != nil {
		return nil, err
	}
	return &RefundResult{TxHash: txHash, Amount: amount}, nil
}

// Split divides total by the given fractions, rounding each share down to the ledger precision.
// The last share takes the remainder so the shares always sum to total.
func Split(total decimal.Decimal, fractions []decimal.Decimal) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(fractions))
	allocated := decimal.Zero
	for i, f := range fractions {
		if i == len(fractions)-1 {
			shares[i] = total.Sub(allocated)
			break
		}
		shares[i] = total.Mul(f).Truncate(AmountPrecision)
		allocated = allocated.Add(shares[i])
	}
	return shares
}

type walletSigner struct {
	chain   Chain
	address string
	timeout time.Duration
	secret  []byte
}

func (w *walletSigner) Address() string {
	return w.address
}

func (w *walletSigner) Transfer(ctx context.Context, to string, amount decimal.Decimal, memo, idempotencyKey string) (string, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("%w: transfer amount must be positive, got %s", ErrInsufficientBalance, amount)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	txHash, err := w.chain.Submit(ctx, w.secret, Transfer{
		From:           w.address,
		To:             to,
		Amount:         amount.Truncate(AmountPrecision),
		Memo:           memo,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	zap.L().Info("Escrow transfer submitted",
		zap.String("from", w.address),
		zap.String("to", to),
		zap.String("amount", amount.String()),
		zap.String("idempotency_key", idempotencyKey),
		zap.String("tx_hash", txHash))
	return txHash, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
