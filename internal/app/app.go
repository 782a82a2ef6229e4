// Package app wires the trading engine together and runs the configured
// operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/oddsflow/oddsflow/internal/config"
	"github.com/oddsflow/oddsflow/internal/domain"
)

// App is the root application object. It owns the configuration, logger, and
// cleanup functions run in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies, starts the configured mode, and blocks until the
// context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "trade":
		return a.TradeMode(ctx, deps, false)
	case "full":
		return a.TradeMode(ctx, deps, true)
	case "monitor":
		return a.MonitorMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. Safe to call
// more than once.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// cacheOnlyFeed serves prices straight from the cache, for modes without
// exchange credentials.
type cacheOnlyFeed struct {
	cache domain.PriceCache
}

func (f cacheOnlyFeed) CurrentPrice(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	price, _, err := f.cache.GetPrice(ctx, tokenID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("app: cached price: %w", err)
	}
	return price, nil
}

var _ domain.PriceFeed = cacheOnlyFeed{}
