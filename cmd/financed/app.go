package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"invoicefi/cmd/internal/passphrase"
	"invoicefi/config"
	"invoicefi/core/events"
	"invoicefi/crypto"
	"invoicefi/gateway/middleware"
	"invoicefi/gateway/routes"
	"invoicefi/native/financing"
	"invoicefi/observability/logging"
	"invoicefi/observability/metrics"
	"invoicefi/services/mirror"
	"invoicefi/services/transfer"
	"invoicefi/storage"
)

// app bundles the assembled daemon components.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       storage.Database
	engine   *financing.Engine
	mirror   *mirror.Mirror
	mirrorDB *gorm.DB
	handler  http.Handler
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, db: db}
	if err := a.assemble(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) assemble(ctx context.Context) error {
	cfg := a.cfg
	domain, err := verifierDomain(cfg.Domain)
	if err != nil {
		return err
	}
	verifier, err := financing.NewVerifier(domain)
	if err != nil {
		return fmt.Errorf("verifier: %w", err)
	}
	gateway, err := buildGateway(cfg.Transfer, a.logger)
	if err != nil {
		return err
	}
	engine, err := financing.NewEngine(a.db, verifier, gateway)
	if err != nil {
		return err
	}
	engine.SetLogger(a.logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engine.SetMetrics(metrics.NewFinancing(registry))

	if cfg.Mirror.Driver != config.MirrorDriverNone {
		gdb, err := openMirrorDB(cfg.Mirror)
		if err != nil {
			return err
		}
		a.mirrorDB = gdb
		m, err := mirror.New(gdb, a.logger)
		if err != nil {
			return err
		}
		a.mirror = m
		engine.SetEmitter(events.Multi{m})
	}
	a.engine = engine

	if err := a.initializeLedger(ctx); err != nil {
		return err
	}

	rateLimits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for key, limit := range cfg.RateLimits {
		rateLimits[key] = middleware.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	a.logger.Info("api authentication",
		"enabled", cfg.Auth.Enabled,
		logging.MaskField("hmac_secret", cfg.Auth.HMACSecret),
		"issuer", cfg.Auth.Issuer,
	)
	handler, err := routes.New(routes.Config{
		Ledger: engine,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		}, a.logger),
		RateLimiter: middleware.NewRateLimiter(rateLimits),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: serviceName,
			LogRequests: true,
		}, registry, a.logger),
		CORS:           middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins},
		RequestTimeout: cfg.RequestTimeout(),
	})
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}
	a.handler = handler
	return nil
}

// initializeLedger creates the pool on first start. Later starts keep the
// persisted roles and fee settings.
func (a *app) initializeLedger(ctx context.Context) error {
	_, err := a.engine.PoolStatus()
	if err == nil {
		return nil
	}
	if !errors.Is(err, financing.ErrNotInitialized) {
		return fmt.Errorf("read pool: %w", err)
	}
	l := a.cfg.Ledger
	admin, err := crypto.ParseAccount(l.Admin)
	if err != nil {
		return fmt.Errorf("ledger admin: %w", err)
	}
	authorizer, err := crypto.ParseAccount(l.Authorizer)
	if err != nil {
		return fmt.Errorf("ledger authorizer: %w", err)
	}
	var receiver [20]byte
	if l.FeeReceiver != "" {
		if receiver, err = crypto.ParseAccount(l.FeeReceiver); err != nil {
			return fmt.Errorf("ledger fee receiver: %w", err)
		}
	}
	liquidity, err := l.InitialLiquidityAmount()
	if err != nil {
		return err
	}
	if err := a.engine.Initialize(ctx, financing.InitParams{
		Admin:               admin,
		Authorizer:          authorizer,
		ProtocolFeeReceiver: receiver,
		ProtocolFeeRateBps:  l.ProtocolFeeRateBps,
		InitialLiquidity:    liquidity,
	}); err != nil {
		return fmt.Errorf("initialize ledger: %w", err)
	}
	a.logger.Info("ledger initialised",
		"admin", crypto.AccountAddress(admin).String(),
		"authorizer", crypto.AccountAddress(authorizer).String(),
		"protocol_fee_bps", l.ProtocolFeeRateBps,
	)
	return nil
}

// exportMirror writes a Parquet snapshot of the projection when an export
// directory is configured.
func (a *app) exportMirror(ctx context.Context) {
	if a.mirror == nil || a.cfg.Mirror.ExportDir == "" {
		return
	}
	if err := os.MkdirAll(a.cfg.Mirror.ExportDir, 0o755); err != nil {
		a.logger.Error("mirror export dir", "error", err)
		return
	}
	name := fmt.Sprintf("invoices-%s.parquet", time.Now().UTC().Format("20060102T150405Z"))
	if _, err := a.mirror.ExportParquet(ctx, filepath.Join(a.cfg.Mirror.ExportDir, name)); err != nil {
		a.logger.Error("mirror export failed", "error", err)
	}
}

func (a *app) Close() {
	if a.mirrorDB != nil {
		if sqlDB, err := a.mirrorDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

func verifierDomain(d config.Domain) (financing.Domain, error) {
	ledgerID, err := crypto.ParseAccount(d.LedgerID)
	if err != nil {
		return financing.Domain{}, fmt.Errorf("domain ledger id: %w", err)
	}
	return financing.Domain{
		Name:     d.Name,
		Version:  d.Version,
		ChainID:  new(big.Int).SetUint64(d.ChainID),
		LedgerID: ledgerID,
	}, nil
}

func buildGateway(cfg config.Transfer, logger *slog.Logger) (financing.TransferGateway, error) {
	switch cfg.Mode {
	case config.TransferModeERC20:
		pass, err := passphrase.NewSource(cfg.PassphraseEnv, "treasury").Get()
		if err != nil {
			return nil, err
		}
		key, err := crypto.LoadFromKeystore(cfg.KeystorePath, pass)
		if err != nil {
			return nil, fmt.Errorf("load treasury keystore: %w", err)
		}
		client, err := transfer.DialEVMClient(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial evm: %w", err)
		}
		gw, err := transfer.NewERC20Gateway(client, key.PrivateKey, transfer.ERC20Config{
			Token:          common.HexToAddress(cfg.Token),
			ChainID:        new(big.Int).SetUint64(cfg.ChainID),
			Confirmations:  cfg.Confirmations,
			GasLimit:       cfg.GasLimit,
			PollInterval:   time.Duration(cfg.PollIntervalSeconds) * time.Second,
			ConfirmTimeout: cfg.ConfirmTimeout(),
		})
		if err != nil {
			return nil, err
		}
		gw.SetLogger(logger)
		logger.Info("erc20 transfer gateway ready", "treasury", gw.From().Hex(), "token", cfg.Token)
		return gw, nil
	default:
		logger.Warn("using in-memory transfer book; payouts are not settled externally")
		balances, err := cfg.BookBalanceAmounts()
		if err != nil {
			return nil, fmt.Errorf("book balances: %w", err)
		}
		book := transfer.NewBook()
		for addr, amount := range balances {
			if err := book.Fund(addr, amount); err != nil {
				return nil, fmt.Errorf("fund %s: %w", crypto.AccountAddress(addr).String(), err)
			}
		}
		return book, nil
	}
}

func openMirrorDB(cfg config.Mirror) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.MirrorDriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case config.MirrorDriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported mirror driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open mirror database: %w", err)
	}
	return db, nil
}
