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

package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"deal-escrow-go/internal/clock"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// FetchFunc loads the current rate from its source
type FetchFunc func(ctx context.Context) (decimal.Decimal, error)

// Cache holds a single exchange rate for a fixed TTL
type Cache struct {
	mu        sync.Mutex
	ttl       time.Duration
	clock     clock.Clock
	fetch     FetchFunc
	value     decimal.Decimal
	fetchedAt time.Time
	valid     bool
}

func NewCache(ttl time.Duration, clk clock.Clock, fetch FetchFunc) *Cache {
	return &Cache{
		ttl:   ttl,
		clock: clk,
		fetch: fetch,
	}
}

// Get returns the cached rate while fresh and refetches once it expires.
// A failed refetch falls back to the stale value when one exists.
func (c *Cache) Get(ctx context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.valid && now.Sub(c.fetchedAt) < c.ttl {
		return c.value, nil
	}

	value, err := c.fetch(ctx)
	if err != nil {
		if c.valid {
			zap.L().Warn("Rate refresh failed, serving stale value",
				zap.Time("fetched_at", c.fetchedAt),
				zap.Error(err))
			return c.value, nil
		}
		return decimal.Zero, err
	}

	c.value = value
	c.fetchedAt = now
	c.valid = true
	return value, nil
}

// HttpFetcher reads a TON price from a tonapi-style rates endpoint:
// {"rates":{"TON":{"prices":{"USD":5.12}}}}
func HttpFetcher(client *http.Client, url, token, currency string) FetchFunc {
	return func(ctx context.Context) (decimal.Decimal, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return decimal.Zero, fmt.Errorf("unable to build rate request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return decimal.Zero, fmt.Errorf("rate request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return decimal.Zero, fmt.Errorf("rate request returned HTTP %d", resp.StatusCode)
		}

		var body struct {
			Rates map[string]struct {
				Prices map[string]decimal.Decimal `json:"prices"`
			} `json:"rates"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return decimal.Zero, fmt.Errorf("unable to decode rates: %w", err)
		}

		for symbol, rate := range body.Rates {
			if !strings.EqualFold(symbol, token) {
				continue
			}
			for cur, price := range rate.Prices {
				if strings.EqualFold(cur, currency) {
					return price, nil
				}
			}
		}
		return decimal.Zero, fmt.Errorf("no %s/%s rate in response", token, currency)
	}
}
