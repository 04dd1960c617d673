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
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// historyLimit bounds how far back FindTransfer looks in an escrow wallet's history
const historyLimit = 100

// RpcChain is a self-custody backend: ed25519 keypairs held by this service,
// transfers signed locally and submitted to a public ledger node over JSON-RPC.
type RpcChain struct {
	url    string
	apiKey string
	client *http.Client
	nextId atomic.Int64
}

func NewRpcChain(url, apiKey string, client *http.Client) *RpcChain {
	return &RpcChain{
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		client: client,
	}
}

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	Id      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// signedPayload is the exact byte sequence covered by the wallet signature
type signedPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Memo   string `json:"memo"`
}

type ledgerTransaction struct {
	Hash   string `json:"hash"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Memo   string `json:"memo"`
}

func (c *RpcChain) NewWallet(ctx context.Context) (string, []byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("unable to generate keypair: %w", err)
	}
	seed := priv.Seed()
	address, err := c.AddressOf(seed)
	if err != nil {
		return "", nil, err
	}
	return address, seed, nil
}

func (c *RpcChain) AddressOf(material []byte) (string, error) {
	if len(material) != ed25519.SeedSize {
		return "", fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(material))
	}
	pub := ed25519.NewKeyFromSeed(material).Public().(ed25519.PublicKey)
	return hex.EncodeToString(pub), nil
}

func (c *RpcChain) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	var result struct {
		Balance string `json:"balance"`
	}
	if err := c.call(ctx, "getBalance", map[string]any{"address": address}, &result); err != nil {
		return decimal.Zero, err
	}
	return fromNano(result.Balance)
}

func (c *RpcChain) Submit(ctx context.Context, material []byte, transfer Transfer) (string, error) {
	if len(material) != ed25519.SeedSize {
		return "", fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(material))
	}
	priv := ed25519.NewKeyFromSeed(material)

	payload := signedPayload{
		From:   transfer.From,
		To:     transfer.To,
		Amount: toNano(transfer.Amount),
		Memo:   transfer.Memo,
	}
	message, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("unable to encode transfer: %w", err)
	}
	signature := ed25519.Sign(priv, message)

	var result struct {
		Hash string `json:"hash"`
	}
	params := map[string]any{
		"transfer":   payload,
		"public_key": hex.EncodeToString(priv.Public().(ed25519.PublicKey)),
		"signature":  hex.EncodeToString(signature),
	}
	if err := c.call(ctx, "sendTransfer", params, &result); err != nil {
		return "", err
	}
	if result.Hash == "" {
		return "", fmt.Errorf("ledger returned no transaction hash")
	}
	return result.Hash, nil
}

func (c *RpcChain) FindTransfer(ctx context.Context, from, idempotencyKey string) (string, error) {
	var result struct {
		Transactions []ledgerTransaction `json:"transactions"`
	}
	params := map[string]any{"address": from, "limit": historyLimit}
	if err := c.call(ctx, "getTransactions", params, &result); err != nil {
		return "", err
	}

	for _, tx := range result.Transactions {
		if tx.From == from && strings.Contains(tx.Memo, idempotencyKey) {
			zap.L().Debug("Found prior transfer in ledger history",
				zap.String("from", from),
				zap.String("idempotency_key", idempotencyKey),
				zap.String("tx_hash", tx.Hash))
			return tx.Hash, nil
		}
	}
	return "", ErrTransferNotFound
}

func (c *RpcChain) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{
		Jsonrpc: "2.0",
		Id:      c.nextId.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("unable to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("unable to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("unable to read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned HTTP %d: %s", method, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var envelope rpcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("unable to decode %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%s: %w", method, envelope.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("unable to decode %s result: %w", method, err)
	}
	return nil
}

func toNano(amount decimal.Decimal) string {
	return amount.Shift(AmountPrecision).Truncate(0).String()
}

func fromNano(nano string) (decimal.Decimal, error) {
	if nano == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(nano)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid nano amount %q: %w", nano, err)
	}
	return d.Shift(-AmountPrecision), nil
}
