package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config represents the application configuration
type Config struct {
	Database DatabaseConfig
	Escrow   EscrowConfig
	Delivery DeliveryConfig
	Deals    DealsConfig
	Gateway  GatewayConfig
	Journal  JournalConfig
	Rates    RatesConfig
	JobsFile string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// EscrowConfig holds custody backend settings
type EscrowConfig struct {
	Backend       string // "rpc" or "prime"
	RpcUrl        string
	RpcApiKey     string
	EncryptionKey string // 64 hex chars, AES-256
	FeeReserve    decimal.Decimal
	CallTimeout   time.Duration

	PrimePortfolioId string
	PrimeWalletId    string
	PrimeSymbol      string
	PrimeNetwork     string
}

// DeliveryConfig holds Telegram Bot API settings
type DeliveryConfig struct {
	BotToken     string
	ApiUrl       string
	VerifyChatId int64
	CallTimeout  time.Duration
}

// DealsConfig holds state machine timing
type DealsConfig struct {
	FundingDeadline    time.Duration
	DraftReviewTimeout time.Duration
	AdvertiserShare    decimal.Decimal
	SubmitGrace        time.Duration // a submitted leg is left alone this long before the ledger is re-checked
}

// GatewayConfig holds Action Gateway HTTP settings
type GatewayConfig struct {
	ListenAddr  string
	InitDataTTL time.Duration
}

// JournalConfig selects where settlement journal entries are written
type JournalConfig struct {
	Backend      string // "sqlite" or "formance"
	StackUrl     string
	ClientId     string
	ClientSecret string
	LedgerName   string
	Asset        string // ledger asset symbol, e.g. "TON"
}

// RatesConfig holds the exchange-rate lookup settings
type RatesConfig struct {
	Url string
	TTL time.Duration
}

// JobConfig is one scheduler job entry from the jobs file
type JobConfig struct {
	Name     string        `yaml:"name"`
	Interval time.Duration `yaml:"interval"`
	Disabled bool          `yaml:"disabled"`
}
