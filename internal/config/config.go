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

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"deal-escrow-go/internal/models"

	"github.com/shopspring/decimal"
)

// PrimeWalletIdEnv names the escrow wallet once Prime has activated it
const PrimeWalletIdEnv = "PRIME_ESCROW_WALLET_ID"

func Load() (*models.Config, error) {
	connMaxLifetime, err := getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	connMaxIdleTime, err := getEnvDuration("DB_CONN_MAX_IDLE_TIME", 30*time.Second)
	if err != nil {
		return nil, err
	}

	pingTimeout, err := getEnvDuration("DB_PING_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	callTimeout, err := getEnvDuration("EXTERNAL_CALL_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}

	submitGrace, err := getEnvDuration("SETTLEMENT_SUBMIT_GRACE", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	if submitGrace <= callTimeout {
		return nil, fmt.Errorf("SETTLEMENT_SUBMIT_GRACE (%s) must exceed EXTERNAL_CALL_TIMEOUT (%s)", submitGrace, callTimeout)
	}

	fundingDeadline, err := getEnvDuration("FUNDING_DEADLINE", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	draftReviewTimeout, err := getEnvDuration("DRAFT_REVIEW_TIMEOUT", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	initDataTTL, err := getEnvDuration("INIT_DATA_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	ratesTTL, err := getEnvDuration("RATES_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	feeReserve, err := getEnvDecimal("ESCROW_FEE_RESERVE", decimal.RequireFromString("0.05"))
	if err != nil {
		return nil, err
	}

	advertiserShare, err := getEnvDecimal("TIMEOUT_ADVERTISER_SHARE", decimal.RequireFromString("0.7"))
	if err != nil {
		return nil, err
	}
	if advertiserShare.LessThan(decimal.Zero) || advertiserShare.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("TIMEOUT_ADVERTISER_SHARE must be within [0,1], got %s", advertiserShare)
	}

	verifyChatId, err := getEnvInt64("DELIVERY_VERIFY_CHAT_ID", 0)
	if err != nil {
		return nil, err
	}

	return &models.Config{
		Database: models.DatabaseConfig{
			Path:            getEnvString("DATABASE_PATH", "deals.db"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: connMaxLifetime,
			ConnMaxIdleTime: connMaxIdleTime,
			PingTimeout:     pingTimeout,
		},
		Escrow: models.EscrowConfig{
			Backend:          getEnvString("ESCROW_BACKEND", "rpc"),
			RpcUrl:           getEnvString("ESCROW_RPC_URL", ""),
			RpcApiKey:        getEnvString("ESCROW_RPC_API_KEY", ""),
			EncryptionKey:    getEnvString("ESCROW_ENCRYPTION_KEY", ""),
			FeeReserve:       feeReserve,
			CallTimeout:      callTimeout,
			PrimePortfolioId: getEnvString("PRIME_PORTFOLIO_ID", ""),
			PrimeWalletId:    getEnvString(PrimeWalletIdEnv, ""),
			PrimeSymbol:      getEnvString("PRIME_ESCROW_SYMBOL", "TON"),
			PrimeNetwork:     getEnvString("PRIME_ESCROW_NETWORK", "ton-mainnet"),
		},
		Delivery: models.DeliveryConfig{
			BotToken:     getEnvString("TELEGRAM_BOT_TOKEN", ""),
			ApiUrl:       getEnvString("TELEGRAM_API_URL", "https://api.telegram.org"),
			VerifyChatId: verifyChatId,
			CallTimeout:  callTimeout,
		},
		Deals: models.DealsConfig{
			FundingDeadline:    fundingDeadline,
			DraftReviewTimeout: draftReviewTimeout,
			AdvertiserShare:    advertiserShare,
			SubmitGrace:        submitGrace,
		},
		Gateway: models.GatewayConfig{
			ListenAddr:  getEnvString("GATEWAY_LISTEN_ADDR", ":8080"),
			InitDataTTL: initDataTTL,
		},
		Journal: models.JournalConfig{
			Backend:      getEnvString("JOURNAL_BACKEND", "sqlite"),
			StackUrl:     getEnvString("FORMANCE_STACK_URL", ""),
			ClientId:     getEnvString("FORMANCE_CLIENT_ID", ""),
			ClientSecret: getEnvString("FORMANCE_CLIENT_SECRET", ""),
			LedgerName:   getEnvString("FORMANCE_LEDGER", "deal-escrow"),
			Asset:        getEnvString("FORMANCE_ASSET", "TON"),
		},
		Rates: models.RatesConfig{
			Url: getEnvString("RATES_URL", ""),
			TTL: ratesTTL,
		},
		JobsFile: getEnvString("JOBS_FILE", "jobs.yaml"),
	}, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	if value := os.Getenv(key); value != "" {
		d, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid decimal for %s: %q (%w)", key, value, err)
		}
		return d, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	if value := os.Getenv(key); value != "" {
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer for %s: %q (%w)", key, value, err)
		}
		return v, nil
	}
	return defaultValue, nil
}
