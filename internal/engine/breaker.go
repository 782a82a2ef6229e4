package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsflow/oddsflow/internal/config"
	"github.com/oddsflow/oddsflow/internal/domain"
)

// BreakerSupervisor watches aggregate system health and can pause or halt
// trading. Three independent, additive breakers:
//
//   - daily-loss: realized+unrealized loss past the ceiling force-closes
//     everything through the Critical exit path and refuses new entries
//     until a manual reset.
//   - external-API errors: an elevated error rate over a rolling window
//     pauses new entries only, and clears itself when the rate recovers.
//   - persistence errors: repeated store failures pause all trading until
//     a human investigates; losing position state silently is worse than
//     not trading.
//
// Counters are fed by hooks on the book and order executor; the supervisor
// itself only needs atomic flags plus a small sample window.
type BreakerSupervisor struct {
	cfg      config.BreakerConfig
	book     *Book
	monitors *MonitorSupervisor
	exits    *ExitController
	eval     *Evaluator
	alerts   *Alerts
	logger   *slog.Logger

	dailyTripped   atomic.Bool
	apiTripped     atomic.Bool
	persistTripped atomic.Bool

	persistFails atomic.Int64 // consecutive store failures

	winMu   sync.Mutex
	samples []apiSample
}

type apiSample struct {
	at time.Time
	ok bool
}

// NewBreakerSupervisor creates the supervisor. The monitor supervisor and
// exit controller are needed for the daily-loss liquidation path.
func NewBreakerSupervisor(cfg config.BreakerConfig, book *Book, monitors *MonitorSupervisor, exits *ExitController, eval *Evaluator, alerts *Alerts, logger *slog.Logger) *BreakerSupervisor {
	return &BreakerSupervisor{
		cfg:      cfg,
		book:     book,
		monitors: monitors,
		exits:    exits,
		eval:     eval,
		alerts:   alerts,
		logger:   logger.With(slog.String("component", "breakers")),
	}
}

// EntriesAllowed reports whether new entries may proceed, with the blocking
// breaker in the error. Breakers are additive; the most severe wins.
func (s *BreakerSupervisor) EntriesAllowed() error {
	if s.persistTripped.Load() {
		return fmt.Errorf("persistence breaker tripped: %w", domain.ErrTradingHalted)
	}
	if s.dailyTripped.Load() {
		return fmt.Errorf("daily-loss breaker tripped: %w", domain.ErrEntriesPaused)
	}
	if s.apiTripped.Load() {
		return fmt.Errorf("api-error breaker tripped: %w", domain.ErrEntriesPaused)
	}
	return nil
}

// ExitsAllowed reports whether exit handoffs may proceed. Only the
// persistence breaker pauses exits; the others keep the exit path open.
func (s *BreakerSupervisor) ExitsAllowed() bool {
	return !s.persistTripped.Load()
}

// RecordAPIResult feeds one market-API call outcome into the rolling window
// and re-evaluates the API-error breaker. This breaker auto-clears.
func (s *BreakerSupervisor) RecordAPIResult(ok bool) {
	now := time.Now()

	s.winMu.Lock()
	s.samples = append(s.samples, apiSample{at: now, ok: ok})
	s.pruneLocked(now)
	total, failed := 0, 0
	for _, smp := range s.samples {
		total++
		if !smp.ok {
			failed++
		}
	}
	s.winMu.Unlock()

	if total < s.cfg.APIErrorMinSamples {
		return
	}
	rate := float64(failed) / float64(total)

	if rate >= s.cfg.APIErrorRate {
		if s.apiTripped.CompareAndSwap(false, true) {
			s.logger.Error("api-error breaker tripped",
				slog.Float64("error_rate", rate),
				slog.Int("samples", total),
			)
			s.alerts.Emit(context.Background(), EventBreakerTripped, "API-error breaker tripped", map[string]any{
				"breaker":    "api_error",
				"error_rate": rate,
				"samples":    total,
			})
		}
	} else if s.apiTripped.CompareAndSwap(true, false) {
		s.logger.Info("api-error breaker cleared", slog.Float64("error_rate", rate))
		s.alerts.Emit(context.Background(), EventBreakerCleared, "API-error breaker cleared", map[string]any{
			"breaker":    "api_error",
			"error_rate": rate,
		})
	}
}

// RecordPersistResult feeds one persistence outcome. Consecutive failures
// past the limit trip the persistence breaker; success resets the counter
// but never clears the breaker, which requires a manual reset.
func (s *BreakerSupervisor) RecordPersistResult(ok bool) {
	if ok {
		s.persistFails.Store(0)
		return
	}
	fails := s.persistFails.Add(1)
	if int(fails) < s.cfg.PersistenceFailures {
		return
	}
	if s.persistTripped.CompareAndSwap(false, true) {
		s.logger.Error("persistence breaker tripped, all trading paused",
			slog.Int64("consecutive_failures", fails),
		)
		s.alerts.Emit(context.Background(), EventBreakerTripped, "Persistence breaker tripped", map[string]any{
			"breaker":              "persistence",
			"consecutive_failures": fails,
		})
	}
}

// Run is the supervisor's periodic health check. It watches the aggregate
// daily P&L and owns the forced-liquidation path.
func (s *BreakerSupervisor) Run(ctx context.Context) error {
	s.logger.Info("breaker supervisor started")
	defer s.logger.Info("breaker supervisor stopped")

	ticker := time.NewTicker(s.cfg.HealthCheckInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.checkDailyLoss(ctx)
			s.winMu.Lock()
			s.pruneLocked(time.Now())
			s.winMu.Unlock()
		}
	}
}

// checkDailyLoss trips the daily-loss breaker and liquidates everything when
// the aggregate P&L breaches the configured ceiling.
func (s *BreakerSupervisor) checkDailyLoss(ctx context.Context) {
	if s.dailyTripped.Load() {
		return
	}
	pnl := s.book.DailyPnL()
	limit := decimal.NewFromFloat(s.cfg.DailyLossLimit).Neg()
	if pnl.GreaterThan(limit) {
		return
	}
	if !s.dailyTripped.CompareAndSwap(false, true) {
		return
	}

	s.logger.Error("daily-loss breaker tripped, liquidating all positions",
		slog.String("daily_pnl", pnl.String()),
		slog.Float64("limit", s.cfg.DailyLossLimit),
	)
	s.alerts.Emit(ctx, EventBreakerTripped, "Daily-loss breaker tripped", map[string]any{
		"breaker":   "daily_loss",
		"daily_pnl": pnl.String(),
		"limit":     s.cfg.DailyLossLimit,
	})

	s.ForceCloseAll(ctx)
}

// ForceCloseAll terminates every monitor, then closes every remaining
// position through the Critical exit path. Monitors stop first so the exit
// controller is the only mutator.
func (s *BreakerSupervisor) ForceCloseAll(ctx context.Context) {
	s.monitors.StopAll()
	s.monitors.Wait()

	trigger := domain.ExitTrigger{
		Reason:   domain.ExitReasonForced,
		Priority: domain.PriorityCritical,
		Params:   s.eval.Params(domain.PriorityCritical),
	}
	for _, pos := range s.book.OpenSnapshots() {
		if _, err := s.exits.Close(ctx, pos.ID, trigger); err != nil {
			s.logger.Error("forced close failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ResetDailyLoss manually clears the daily-loss breaker and starts a fresh
// daily accumulator.
func (s *BreakerSupervisor) ResetDailyLoss(ctx context.Context) {
	if !s.dailyTripped.CompareAndSwap(true, false) {
		return
	}
	s.book.ResetDaily()
	s.logger.Info("daily-loss breaker manually cleared")
	s.alerts.Emit(ctx, EventBreakerCleared, "Daily-loss breaker cleared", map[string]any{
		"breaker": "daily_loss",
	})
}

// ResetPersistence manually clears the persistence breaker after the store
// has been investigated.
func (s *BreakerSupervisor) ResetPersistence(ctx context.Context) {
	if !s.persistTripped.CompareAndSwap(true, false) {
		return
	}
	s.persistFails.Store(0)
	s.logger.Info("persistence breaker manually cleared")
	s.alerts.Emit(ctx, EventBreakerCleared, "Persistence breaker cleared", map[string]any{
		"breaker": "persistence",
	})
}

// Tripped reports the state of every breaker, for status surfaces.
func (s *BreakerSupervisor) Tripped() map[string]bool {
	return map[string]bool{
		"daily_loss":  s.dailyTripped.Load(),
		"api_error":   s.apiTripped.Load(),
		"persistence": s.persistTripped.Load(),
	}
}

func (s *BreakerSupervisor) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.cfg.APIErrorWindow.Duration)
	keep := s.samples[:0]
	for _, smp := range s.samples {
		if smp.at.After(cutoff) {
			keep = append(keep, smp)
		}
	}
	s.samples = keep
}
