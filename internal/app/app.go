// Package app initializes and holds long-lived application services, acting
// as the dependency injection point for the CLI commands.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/daiy-de/catalog-crawler/internal/config"
	"github.com/daiy-de/catalog-crawler/internal/fetcher"
	"github.com/daiy-de/catalog-crawler/internal/logging"
	"github.com/daiy-de/catalog-crawler/internal/metrics"
	"github.com/daiy-de/catalog-crawler/internal/parser"
	"github.com/daiy-de/catalog-crawler/internal/store"
	"github.com/daiy-de/catalog-crawler/internal/urlcheck"
)

// App holds the shared, long-lived services built once at startup: the
// logger, metrics registry, URL validator, parser, and the SQLite store.
// Fetchers are built per run because the politeness delay window depends on
// the overnight flag.
type App struct {
	Cfg       config.Config
	Logger    *zap.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Validator *urlcheck.Validator
	Parser    *parser.Parser
	Store     *store.SQLiteStore
}

// New loads configuration from cfgPath (or defaults when empty) and builds
// every service, failing fast if any cannot be initialized.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	validator := urlcheck.New(cfg.Site.AllowedDomains, cfg.Site.ImageDomains)
	p := parser.New(cfg.Site.BaseURL, validator)

	st, err := store.Open(ctx, cfg.DB.Path, cfg.DB.BusyTimeoutMs, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("base_url", cfg.Site.BaseURL),
		zap.String("db_path", cfg.DB.Path),
	)

	return &App{
		Cfg:       cfg,
		Logger:    logger,
		Registry:  registry,
		Metrics:   m,
		Validator: validator,
		Parser:    p,
		Store:     st,
	}, nil
}

// NewFetcher builds a fetcher with the delay window for the requested mode.
func (a *App) NewFetcher(overnight bool) *fetcher.Fetcher {
	delayMin, delayMax := a.Cfg.DelayWindow(overnight)
	return fetcher.New(fetcher.Config{
		UserAgent:   a.Cfg.Site.UserAgent,
		Timeout:     a.Cfg.RequestTimeout(),
		DelayMin:    delayMin,
		DelayMax:    delayMax,
		MaxRetries:  a.Cfg.HTTP.MaxRetries,
		BackoffBase: a.Cfg.HTTP.BackoffBase,
		BackoffMax:  a.Cfg.BackoffMax(),
	}, a.Validator, a.Metrics, a.Logger)
}

// Close releases held resources. Safe to call once at process exit.
func (a *App) Close() {
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("failed to close store", zap.Error(err))
	}
	// Flush buffered log entries; stderr sync errors are expected and
	// ignorable.
	_ = a.Logger.Sync()
}
