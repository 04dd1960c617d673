package common

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"deal-escrow-go/internal/clock"
	"deal-escrow-go/internal/config"
	"deal-escrow-go/internal/database"
	"deal-escrow-go/internal/deals"
	"deal-escrow-go/internal/delivery"
	"deal-escrow-go/internal/escrow"
	"deal-escrow-go/internal/formance"
	"deal-escrow-go/internal/httpx"
	"deal-escrow-go/internal/models"
	"deal-escrow-go/internal/prime"
	"deal-escrow-go/internal/store"

	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Try to load .env file - if it doesn't exist, that's okay
	// Environment variables can be set via other means (shell export, docker, etc.)
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

type Services struct {
	DbService *database.Service
	Escrow    *escrow.Service
	Journal   store.Journal
	Publisher *delivery.Client
	Engine    *deals.Engine
	Clock     clock.Clock
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// InitializeServices wires the deal engine to its store, custody backend, journal and Bot API client
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	escrowService, err := InitializeEscrow(ctx, cfg)
	if err != nil {
		dbService.Close()
		return nil, err
	}

	journal, err := initializeJournal(ctx, cfg, dbService)
	if err != nil {
		dbService.Close()
		return nil, err
	}

	httpClient, err := httpx.NewClient(cfg.Delivery.CallTimeout)
	if err != nil {
		dbService.Close()
		return nil, err
	}
	if cfg.Delivery.BotToken == "" {
		dbService.Close()
		return nil, fmt.Errorf("missing required TELEGRAM_BOT_TOKEN")
	}
	publisher := delivery.NewClient(cfg.Delivery.ApiUrl, cfg.Delivery.BotToken, cfg.Delivery.VerifyChatId, cfg.Delivery.CallTimeout, httpClient)

	clk := clock.Real()
	engine := deals.NewEngine(dbService, escrowService, publisher, journal, clk, cfg.Deals)

	return &Services{
		DbService: dbService,
		Escrow:    escrowService,
		Journal:   journal,
		Publisher: publisher,
		Engine:    engine,
		Clock:     clk,
	}, nil
}

// InitializeEscrow builds the escrow service on the configured custody backend
func InitializeEscrow(ctx context.Context, cfg *models.Config) (*escrow.Service, error) {
	cipher, err := escrow.NewCipher(cfg.Escrow.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid ESCROW_ENCRYPTION_KEY: %w", err)
	}

	var chain escrow.Chain
	switch cfg.Escrow.Backend {
	case "rpc":
		if cfg.Escrow.RpcUrl == "" {
			return nil, fmt.Errorf("missing required ESCROW_RPC_URL")
		}
		httpClient, err := httpx.NewClient(cfg.Escrow.CallTimeout)
		if err != nil {
			return nil, err
		}
		chain = escrow.NewRpcChain(cfg.Escrow.RpcUrl, cfg.Escrow.RpcApiKey, httpClient)
		zap.L().Info("Using ledger RPC escrow backend", zap.String("url", cfg.Escrow.RpcUrl))
	case "prime":
		chain, err = initializePrimeChain(ctx, cfg.Escrow)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown escrow backend %q", cfg.Escrow.Backend)
	}

	return escrow.NewService(chain, cipher, cfg.Escrow.FeeReserve, cfg.Escrow.CallTimeout), nil
}

func initializePrimeChain(ctx context.Context, cfg models.EscrowConfig) (*escrow.PrimeChain, error) {
	zap.L().Info("Loading Prime API credentials")
	creds, err := loadPrimeCredentials()
	if err != nil {
		return nil, err
	}

	primeService, err := prime.NewService(creds, cfg.CallTimeout)
	if err != nil {
		return nil, err
	}

	portfolioId := cfg.PrimePortfolioId
	if portfolioId == "" {
		zap.L().Info("Finding default portfolio")
		defaultPortfolio, err := primeService.FindDefaultPortfolio(ctx)
		if err != nil {
			return nil, err
		}
		portfolioId = defaultPortfolio.Id
		zap.L().Info("Using default portfolio",
			zap.String("name", defaultPortfolio.Name),
			zap.String("id", defaultPortfolio.Id))
	}

	walletId := cfg.PrimeWalletId
	if walletId == "" {
		wallet, err := primeService.EnsureEscrowWallet(ctx, portfolioId, cfg.PrimeSymbol)
		if err != nil {
			return nil, walletSetupError(err)
		}
		walletId = wallet.Id
	}

	zap.L().Info("Using Prime custodial escrow backend",
		zap.String("portfolio_id", portfolioId),
		zap.String("wallet_id", walletId),
		zap.String("asset", cfg.PrimeSymbol+"-"+cfg.PrimeNetwork))
	return escrow.NewPrimeChain(primeService, portfolioId, walletId, cfg.PrimeSymbol, cfg.PrimeNetwork), nil
}

func walletSetupError(err error) error {
	if errors.Is(err, prime.ErrWalletPending) {
		return fmt.Errorf("%w, set %s once the wallet is active", err, config.PrimeWalletIdEnv)
	}
	return err
}

func initializeJournal(ctx context.Context, cfg *models.Config, dbService *database.Service) (store.Journal, error) {
	switch cfg.Journal.Backend {
	case "", "sqlite":
		return dbService, nil
	case "formance":
		ledger, err := formance.NewService(ctx, cfg.Journal)
		if err != nil {
			return nil, err
		}
		return ledger, nil
	default:
		return nil, fmt.Errorf("unknown journal backend %q", cfg.Journal.Backend)
	}
}

// InitializeDatabaseOnly initializes just the database service without external APIs.
// Useful for read-only operations like status reports.
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return dbService, nil
}

func (cs *Services) Close() {
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

func loadPrimeCredentials() (*credentials.Credentials, error) {
	accessKey := os.Getenv("PRIME_ACCESS_KEY")
	passphrase := os.Getenv("PRIME_PASSPHRASE")
	signingKey := os.Getenv("PRIME_SIGNING_KEY")

	if accessKey == "" || passphrase == "" || signingKey == "" {
		return nil, fmt.Errorf("missing required Prime API credentials: PRIME_ACCESS_KEY, PRIME_PASSPHRASE, PRIME_SIGNING_KEY")
	}

	return &credentials.Credentials{
		AccessKey:  accessKey,
		Passphrase: passphrase,
		SigningKey: signingKey,
	}, nil
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
