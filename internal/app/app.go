// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the Zen gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"zengateway/config"
	"zengateway/internal/account"
	"zengateway/internal/auth"
	"zengateway/internal/billing"
	"zengateway/internal/catalog"
	"zengateway/internal/format"
	"zengateway/internal/format/anthropic"
	"zengateway/internal/format/oacompat"
	"zengateway/internal/format/openai"
	"zengateway/internal/gateway"
	"zengateway/internal/httpclient"
	"zengateway/internal/requestlog"
	"zengateway/internal/routing"
	"zengateway/internal/server"
	"zengateway/internal/storage"
)

// App represents the main application with all its dependencies.
type App struct {
	config     *config.Config
	storage    storage.Storage
	ledger     account.Ledger
	catalog    *catalogResult
	reloader   billing.Reloader
	requestLog *requestlog.Result
	server     *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// Formats returns the registry of every wire format the gateway speaks.
func Formats() *format.Registry {
	return format.NewRegistry(anthropic.New(), openai.New(), oacompat.New())
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app config is required")
	}
	a := &App{config: cfg}

	// closeOnError releases what was built so far.
	closeOnError := func(err error) (*App, error) {
		if closeErr := a.closeAll(context.Background()); closeErr != nil {
			return nil, fmt.Errorf("%w (also: close error: %v)", err, closeErr)
		}
		return nil, err
	}

	store, err := storage.New(ctx, storage.Config{
		Type:   cfg.Storage.Type,
		SQLite: storage.SQLiteConfig{Path: cfg.Storage.SQLite.Path},
		PostgreSQL: storage.PostgreSQLConfig{
			URL:      cfg.Storage.PostgreSQL.URL,
			MaxConns: cfg.Storage.PostgreSQL.MaxConns,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	a.storage = store

	ledger, err := account.NewFromStorage(ctx, store)
	if err != nil {
		return closeOnError(fmt.Errorf("failed to initialize ledger: %w", err))
	}
	a.ledger = ledger

	formats := Formats()
	catResult, err := initCatalog(ctx, cfg, formats)
	if err != nil {
		return closeOnError(fmt.Errorf("failed to initialize catalog: %w", err))
	}
	a.catalog = catResult

	reloader, err := newReloader(cfg.Billing.Reload)
	if err != nil {
		return closeOnError(fmt.Errorf("failed to initialize reload queue: %w", err))
	}
	a.reloader = reloader

	// Validate has already parsed both amounts.
	threshold, _ := cfg.Billing.Reload.Threshold()
	amount, _ := cfg.Billing.Reload.Amount()

	client := httpclient.WithTimeouts(cfg.HTTP.OutboundTimeout(), cfg.HTTP.HeaderTimeout())
	gw := gateway.New(gateway.Options{
		Catalog:  catResult.Catalog,
		Selector: routing.NewSelector(catResult.Catalog, formats),
		Auth:     auth.New(ledger, cfg.Billing.FreeWorkspaces),
		Settler:  billing.NewSettler(ledger),
		Reload: billing.NewReloadTrigger(ledger, reloader, billing.ReloadOptions{
			Threshold:    threshold,
			Amount:       amount,
			LockDuration: time.Duration(cfg.Billing.Reload.LockDuration) * time.Second,
		}),
		Formats:    formats,
		Dispatcher: gateway.NewDispatcher(httpclient.NewHTTPClient(&client)),
	})

	reqLog, err := requestlog.New(ctx, cfg, store)
	if err != nil {
		return closeOnError(fmt.Errorf("failed to initialize request log: %w", err))
	}
	a.requestLog = reqLog

	a.logStartupInfo()

	a.server = server.New(gw, catResult.Catalog, &server.Config{
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		BodySizeLimit:   cfg.Server.BodySizeLimit,
		RequestLog:      reqLog.Logger,
	})

	return a, nil
}

// newReloader returns the configured reload sink.
func newReloader(cfg config.ReloadConfig) (billing.Reloader, error) {
	if cfg.Queue != "redis" {
		return billing.LogReloader{}, nil
	}
	r, err := billing.NewRedisQueueReloader(cfg.RedisURL, cfg.RedisKey)
	if err != nil {
		return nil, err
	}
	slog.Info("reload jobs queued to redis", "key", cfg.RedisKey)
	return r, nil
}

// Catalog returns the live catalog.
func (a *App) Catalog() *catalog.Catalog {
	if a.catalog == nil {
		return nil
	}
	return a.catalog.Catalog
}

// Ledger returns the account ledger.
func (a *App) Ledger() account.Ledger {
	return a.ledger
}

// Handler returns the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order:
// the HTTP server, catalog refresh and cache, the reload queue, the request
// log (drains pending entries), then the shared storage.
//
// Shutdown is idempotent. It attempts every step and joins the failures.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")
	if err := a.closeAll(ctx); err != nil {
		return fmt.Errorf("shutdown errors: %w", err)
	}
	slog.Info("application shutdown complete")
	return nil
}

func (a *App) closeAll(ctx context.Context) error {
	var errs []error
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			slog.Error(name+" error", "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if a.server != nil {
		step("server shutdown", func() error { return a.server.Shutdown(ctx) })
	}
	if a.catalog != nil {
		step("catalog close", a.catalog.Close)
	}
	if c, ok := a.reloader.(interface{ Close() error }); ok {
		step("reload queue close", c.Close)
	}
	if a.requestLog != nil {
		step("request log close", a.requestLog.Close)
	}
	// The ledger shares the storage connection; closing storage covers both.
	if a.storage != nil {
		step("storage close", a.storage.Close)
	}
	return errors.Join(errs...)
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	slog.Info("storage configured", "type", cfg.Storage.Type)

	if len(cfg.Billing.FreeWorkspaces) > 0 {
		slog.Info("free workspaces configured", "count", len(cfg.Billing.FreeWorkspaces))
	}
	slog.Info("auto-reload configured",
		"threshold_usd", cfg.Billing.Reload.ThresholdUSD,
		"amount_usd", cfg.Billing.Reload.AmountUSD,
		"queue", cfg.Billing.Reload.Queue,
	)

	if cfg.RequestLog.Enabled {
		storageType := cfg.RequestLog.StorageType
		if storageType == "" {
			storageType = cfg.Storage.Type
		}
		slog.Info("request log enabled",
			"storage_type", storageType,
			"buffer_size", cfg.RequestLog.BufferSize,
			"flush_interval", cfg.RequestLog.FlushInterval,
			"retention_days", cfg.RequestLog.RetentionDays,
		)
	} else {
		slog.Info("request log disabled")
	}
}
