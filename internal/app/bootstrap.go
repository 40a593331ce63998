package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/m-ligtenberg/stocks-sub000/internal/api"
	"github.com/m-ligtenberg/stocks-sub000/internal/feed"
	"github.com/m-ligtenberg/stocks-sub000/internal/infra"
	"github.com/m-ligtenberg/stocks-sub000/internal/ledger"
	"github.com/m-ligtenberg/stocks-sub000/internal/market"
	"github.com/m-ligtenberg/stocks-sub000/internal/storage"
)

// Bootstrap orchestrates the application startup sequence and owns the
// constructed services.
type Bootstrap struct {
	Config *infra.Config
	Store  *storage.PortfolioStore
	Ledger *ledger.Service
	Engine *market.Engine
	Server *http.Server
}

// NewBootstrap creates a new Bootstrap instance.
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization: config, logger,
// store, and the service graph.
func (b *Bootstrap) Initialize() error {
	// 1. Load Config (Dynamic Path Resolution)
	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	// 3. Initialize PortfolioStore (WAL DB under the workspace)
	dataDir := filepath.Join(infra.GetWorkspaceDir(), "data")
	if err := infra.EnsureDir(dataDir); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "portfolios.db")
	store, err := storage.NewPortfolioStore(dbPath)
	if err != nil {
		return err
	}
	b.Store = store
	slog.Info("Portfolio store initialized (WAL-mode)", "path", dbPath)

	// 4. Market data engine: calendar, optional quote source, optional
	// live feed dialer. No feed URL means simulation from the start.
	calendar := market.NewCalendar(cfg.Calendar.OpenHour, cfg.Calendar.CloseHour, cfg.Calendar.Timezone)

	var quotes market.QuoteSource
	if cfg.Quotes.URL != "" {
		quotes = market.NewQuoteClient(market.QuoteClientConfig{
			BaseURL:        cfg.Quotes.URL,
			Timeout:        time.Duration(cfg.Quotes.TimeoutSec) * time.Second,
			RequestsPerSec: cfg.Quotes.RequestsPerSec,
			Burst:          cfg.Quotes.Burst,
		})
	}

	var dialer market.FeedDialer
	if cfg.Feed.URL != "" {
		dialer = feed.NewDialer(feed.Config{
			URL:               cfg.Feed.URL,
			HeartbeatInterval: time.Duration(cfg.Feed.HeartbeatIntervalSec) * time.Second,
		})
	}

	b.Engine = market.New(market.Config{
		ReconnectBase:        time.Duration(cfg.Feed.ReconnectBaseMS) * time.Millisecond,
		ReconnectMaxAttempts: cfg.Feed.ReconnectMaxAttempts,
		SubscriberBuffer:     cfg.Simulation.SubscriberBuffer,
		Sim: market.SimConfig{
			MinInterval:     time.Duration(cfg.Simulation.MinIntervalMS) * time.Millisecond,
			MaxInterval:     time.Duration(cfg.Simulation.MaxIntervalMS) * time.Millisecond,
			MaxChangePct:    cfg.Simulation.MaxChangePct,
			ClosedVolFactor: cfg.Simulation.ClosedVolFactor,
		},
	}, calendar, quotes, dialer)

	// 5. Ledger over the store, priced off the engine's tick cache.
	initialCash, err := decimal.NewFromString(cfg.Ledger.InitialCash)
	if err != nil || !initialCash.IsPositive() {
		return fmt.Errorf("invalid initial_cash %q", cfg.Ledger.InitialCash)
	}
	b.Ledger = ledger.New(store, b.Engine, ledger.Config{
		InitialCash:    initialCash,
		MaxOrderShares: cfg.Ledger.MaxOrderShares,
		MaxTickAge:     time.Duration(cfg.Ledger.MaxTickAgeSec) * time.Second,
	})

	// 6. HTTP surface
	b.Server = &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewServer(b.Ledger, b.Engine).Handler(),
	}

	return nil
}

// Run starts the engine and the HTTP server, blocks until ctx is
// cancelled or the server fails, then shuts everything down in order.
func (b *Bootstrap) Run(ctx context.Context) error {
	b.Engine.Start(ctx)
	slog.Info("Market data engine started", "state", b.Engine.ConnectionState().String())

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", b.Server.Addr)
		if err := b.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	b.shutdown()
	return runErr
}

// shutdown tears down in reverse construction order: HTTP first so no
// new work arrives, then the engine, then the store.
func (b *Bootstrap) shutdown() {
	slog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown error", slog.Any("error", err))
	}

	b.Engine.Stop()

	if err := b.Store.Close(); err != nil {
		slog.Warn("Store close error", slog.Any("error", err))
	}

	slog.Info("Shutdown complete")
}
