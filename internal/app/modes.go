package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/oddsflow/oddsflow/internal/domain"
	"github.com/oddsflow/oddsflow/internal/engine"
)

// entrySignalChannel is the Redis Pub/Sub channel upstream signal producers
// publish entry signals on.
const entrySignalChannel = "signals.entries"

// TradeMode runs the full trading loop: position recovery, the market-data
// feed, the breaker supervisor, and the entry-signal consumer. withArchiver
// additionally runs the cold-archival cycle.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies, withArchiver bool) error {
	eng := a.assembleEngine(deps)
	eng.monitors.Start(ctx)

	if err := a.recoverPositions(ctx, deps, eng.book, eng.monitors); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Feed.Run(ctx) })
	g.Go(func() error { return eng.breakers.Run(ctx) })
	g.Go(func() error { return a.consumeSignals(ctx, deps, eng.entry) })
	if withArchiver && deps.Archiver != nil {
		g.Go(func() error { return deps.Archiver.Run(ctx) })
	}

	err := g.Wait()

	// Drain monitors before cleanup closes the store and broker.
	eng.monitors.StopAll()
	eng.monitors.Wait()
	return err
}

// MonitorMode recovers open positions and follows the market-data feed
// read-only: prices are marked and P&L is published, but nothing trades.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	book := engine.NewBook(deps.PositionStore, a.logger)

	positions, err := deps.PositionStore.ListOpen(ctx)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if err := book.Recover(pos); err != nil {
			a.logger.Warn("recover position failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := deps.Feed.Watch(pos.TokenID); err != nil {
			a.logger.Warn("watch token failed", slog.String("token_id", pos.TokenID))
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Feed.Run(ctx) })
	g.Go(func() error { return a.observe(ctx, deps, book) })
	return g.Wait()
}

// runtime bundles the assembled engine components.
type runtime struct {
	book     *engine.Book
	entry    *engine.EntryController
	monitors *engine.MonitorSupervisor
	breakers *engine.BreakerSupervisor
}

// assembleEngine builds the engine object graph and connects the breaker
// hooks and gates.
func (a *App) assembleEngine(deps *Dependencies) *runtime {
	cfg := a.cfg
	logger := a.logger

	book := engine.NewBook(deps.PositionStore, logger)
	alerts := engine.NewAlerts(deps.Bus, deps.Notifier, logger)
	eval := engine.NewEvaluator(decimal.NewFromFloat(cfg.Trading.MinRetainedEdge), cfg.Exit)
	exec := engine.NewOrderExecutor(
		deps.Broker, deps.Prices,
		cfg.Exit.SubmitRetries,
		cfg.Exit.SubmitBackoff.Duration,
		cfg.Exit.FillPollInterval.Duration,
		logger,
	)
	exits := engine.NewExitController(book, exec, deps.AuditStore, alerts, cfg.Trading.FeeRateBps, logger)
	monitors := engine.NewMonitorSupervisor(book, deps.Prices, eval, exits, cfg.Trading, cfg.Exit.LowEscalateAfter, logger)
	breakers := engine.NewBreakerSupervisor(cfg.Breakers, book, monitors, exits, eval, alerts, logger)
	risk := engine.NewRiskManager(book, cfg.Risk, cfg.Trading, logger)
	entry := engine.NewEntryController(cfg.Trading, book, risk, exec, breakers, monitors, deps.AuditStore, alerts, logger)

	monitors.SetExitGate(breakers)
	book.SetPersistenceHook(breakers.RecordPersistResult)
	exec.SetAPIResultHook(breakers.RecordAPIResult)

	return &runtime{book: book, entry: entry, monitors: monitors, breakers: breakers}
}

// recoverPositions reloads the working set from the store and re-attaches a
// monitor per position. Positions persisted mid-exit resume as open so their
// triggers re-fire against live prices.
func (a *App) recoverPositions(ctx context.Context, deps *Dependencies, book *engine.Book, monitors *engine.MonitorSupervisor) error {
	positions, err := deps.PositionStore.ListOpen(ctx)
	if err != nil {
		return err
	}

	recovered := 0
	for _, pos := range positions {
		if pos.Status == domain.PositionStatusPending {
			// An entry order was in flight at shutdown; its fill state is
			// unknown and needs operator reconciliation.
			a.logger.Warn("skipping pending position on recovery",
				slog.String("position_id", pos.ID),
			)
			continue
		}
		if pos.Status == domain.PositionStatusExiting {
			pos.Status = domain.PositionStatusOpen
		}

		if err := book.Recover(pos); err != nil {
			a.logger.Warn("recover position failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := monitors.Attach(pos.ID); err != nil {
			a.logger.Warn("attach monitor failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := deps.Feed.Watch(pos.TokenID); err != nil {
			a.logger.Warn("watch token failed", slog.String("token_id", pos.TokenID))
		}
		recovered++
	}

	a.logger.Info("position recovery complete",
		slog.Int("persisted", len(positions)),
		slog.Int("recovered", recovered),
	)
	return nil
}

// consumeSignals subscribes to the entry-signal channel and feeds each signal
// through the entry controller. Rejections are expected outcomes, not
// errors.
func (a *App) consumeSignals(ctx context.Context, deps *Dependencies, entry *engine.EntryController) error {
	signals, err := deps.Bus.Subscribe(ctx, entrySignalChannel)
	if err != nil {
		return err
	}
	a.logger.Info("listening for entry signals", slog.String("channel", entrySignalChannel))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-signals:
			if !ok {
				return ctx.Err()
			}

			var sig domain.EntrySignal
			if err := json.Unmarshal(payload, &sig); err != nil {
				a.logger.Warn("drop malformed entry signal", slog.String("error", err.Error()))
				continue
			}

			// Watch the token before entry so a fill has live quotes waiting.
			if err := deps.Feed.Watch(sig.TokenID); err != nil {
				a.logger.Warn("watch token failed", slog.String("token_id", sig.TokenID))
			}

			if _, err := entry.Open(ctx, sig); err != nil {
				a.logger.Info("signal not opened",
					slog.String("signal_id", sig.ID),
					slog.String("reason", err.Error()),
				)
			}
		}
	}
}

// observe periodically marks cached prices onto recovered positions and
// publishes a book summary. Monitor mode's read-only loop.
func (a *App) observe(ctx context.Context, deps *Dependencies, book *engine.Book) error {
	ticker := time.NewTicker(a.cfg.Trading.PollIntervalNormal.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, pos := range book.OpenSnapshots() {
				price, ts, err := deps.PriceCache.GetPrice(ctx, pos.TokenID)
				if err != nil {
					continue
				}
				if _, err := book.MarkPrice(ctx, pos.ID, price, ts); err != nil {
					continue
				}
			}
			a.logger.Info("book summary",
				slog.Int("open_positions", book.Count()),
				slog.String("exposure", book.Exposure().String()),
				slog.String("daily_pnl", book.DailyPnL().String()),
			)
		}
	}
}
