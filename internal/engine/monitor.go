package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsflow/oddsflow/internal/config"
	"github.com/oddsflow/oddsflow/internal/domain"
)

// ExitGate is consulted before every exit handoff. Implemented by the
// circuit-breaker supervisor: a tripped persistence breaker pauses exits
// system-wide.
type ExitGate interface {
	ExitsAllowed() bool
}

// MonitorSupervisor runs one monitor goroutine per open position and
// enforces the one-monitor-per-position invariant through a registry keyed
// by position id. Monitors poll the price feed on an adaptive interval,
// maintain derived position state, and hand off to the exit controller when
// the evaluator fires.
type MonitorSupervisor struct {
	book  *Book
	feed  domain.PriceFeed
	eval  *Evaluator
	exits *ExitController
	gate  ExitGate

	normalInterval   time.Duration
	urgentInterval   time.Duration
	urgentBand       decimal.Decimal // fraction of price
	lowEscalateAfter int

	logger *slog.Logger

	mu       sync.Mutex
	baseCtx  context.Context
	monitors map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// NewMonitorSupervisor creates a supervisor. Start must be called before any
// Attach.
func NewMonitorSupervisor(book *Book, feed domain.PriceFeed, eval *Evaluator, exits *ExitController, trading config.TradingConfig, lowEscalateAfter int, logger *slog.Logger) *MonitorSupervisor {
	return &MonitorSupervisor{
		book:             book,
		feed:             feed,
		eval:             eval,
		exits:            exits,
		normalInterval:   trading.PollIntervalNormal.Duration,
		urgentInterval:   trading.PollIntervalUrgent.Duration,
		urgentBand:       decimal.NewFromFloat(trading.UrgentBandPct),
		lowEscalateAfter: lowEscalateAfter,
		logger:           logger.With(slog.String("component", "monitor")),
		monitors:         make(map[string]context.CancelFunc),
	}
}

// SetExitGate wires the breaker supervisor's exit gate. Must be called
// before Start.
func (s *MonitorSupervisor) SetExitGate(g ExitGate) { s.gate = g }

// Start records the base context all monitors derive from.
func (s *MonitorSupervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
}

// Attach spawns the monitor for a position. Exactly one monitor may exist
// per position id; a second attach is a programming error and returns
// ErrDuplicateMonitor without spawning.
func (s *MonitorSupervisor) Attach(positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.baseCtx == nil {
		return fmt.Errorf("monitor: supervisor not started")
	}
	if _, exists := s.monitors[positionID]; exists {
		return fmt.Errorf("monitor: attach %s: %w", positionID, domain.ErrDuplicateMonitor)
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	s.monitors[positionID] = cancel
	s.wg.Add(1)
	go s.run(ctx, positionID)

	s.logger.Info("monitor attached", slog.String("position_id", positionID))
	return nil
}

// Detach cancels the monitor for positionID out of its normal cadence.
func (s *MonitorSupervisor) Detach(positionID string) {
	s.mu.Lock()
	cancel, ok := s.monitors[positionID]
	delete(s.monitors, positionID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopAll cancels every monitor. Used by the breaker supervisor ahead of a
// forced liquidation and during shutdown.
func (s *MonitorSupervisor) StopAll() {
	s.mu.Lock()
	for id, cancel := range s.monitors {
		cancel()
		delete(s.monitors, id)
	}
	s.mu.Unlock()
}

// Wait blocks until every monitor goroutine has returned.
func (s *MonitorSupervisor) Wait() { s.wg.Wait() }

// Active returns the number of attached monitors.
func (s *MonitorSupervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

// run is the per-position monitor loop. It terminates when the position
// leaves the active set (exit handoff completed), or when cancelled.
func (s *MonitorSupervisor) run(ctx context.Context, positionID string) {
	defer s.wg.Done()
	defer s.remove(positionID)

	log := s.logger.With(slog.String("position_id", positionID))
	log.Debug("monitor loop started")
	defer log.Debug("monitor loop stopped")

	lowExhausted := 0
	for {
		done, wait := s.tick(ctx, positionID, &lowExhausted, log)
		if done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// tick performs one monitor iteration and returns whether the loop should
// terminate plus the next sleep interval.
func (s *MonitorSupervisor) tick(ctx context.Context, positionID string, lowExhausted *int, log *slog.Logger) (bool, time.Duration) {
	pos, err := s.book.Snapshot(positionID)
	if err != nil || pos.Terminal() {
		return true, 0
	}

	price, err := s.feed.CurrentPrice(ctx, pos.TokenID)
	if err != nil {
		if ctx.Err() != nil {
			return true, 0
		}
		log.Warn("price fetch failed", slog.String("error", err.Error()))
		return false, s.normalInterval
	}

	pos, err = s.book.MarkPrice(ctx, positionID, price, time.Now().UTC())
	if err != nil {
		if errors.Is(err, domain.ErrStalePrice) {
			return false, s.urgentInterval
		}
		// Position was closed underneath us (forced liquidation).
		return true, 0
	}

	trigger := s.eval.Evaluate(pos, price)
	if trigger == nil {
		return false, s.interval(pos, price)
	}

	if s.gate != nil && !s.gate.ExitsAllowed() {
		log.Warn("exit handoff blocked by breaker",
			slog.String("reason", string(trigger.Reason)),
		)
		return false, s.normalInterval
	}

	// Configurable promotion: repeated Low-tier exhaustion borrows the
	// Medium tier's execution parameters.
	if trigger.Priority == domain.PriorityLow && s.lowEscalateAfter > 0 && *lowExhausted >= s.lowEscalateAfter {
		log.Info("promoting exhausted low-tier trigger to medium execution params",
			slog.Int("exhausted_attempts", *lowExhausted),
		)
		trigger.Params = s.eval.Params(domain.PriorityMedium)
	}

	closed, err := s.exits.Close(ctx, positionID, *trigger)
	switch {
	case err == nil && closed.Terminal():
		return true, 0
	case err == nil:
		// Partial exit settled; keep monitoring the remainder closely.
		*lowExhausted = 0
		return false, s.urgentInterval
	default:
		var ef *domain.ExitFailed
		if errors.As(err, &ef) && ef.Recoverable {
			if trigger.Priority == domain.PriorityLow {
				*lowExhausted++
			}
			return false, s.urgentInterval
		}
		if ctx.Err() != nil {
			return true, 0
		}
		return false, s.normalInterval
	}
}

// interval picks the adaptive polling cadence: urgent when price sits within
// the configured band of any exit threshold, normal otherwise. The zone is
// recomputed from scratch every tick.
func (s *MonitorSupervisor) interval(pos domain.Position, price decimal.Decimal) time.Duration {
	band := price.Mul(s.urgentBand)

	thresholds := make([]decimal.Decimal, 0, 3)
	if pos.StopLoss != nil {
		thresholds = append(thresholds, *pos.StopLoss)
	}
	if pos.Target != nil {
		thresholds = append(thresholds, *pos.Target)
	}
	if pos.Trailing.Enabled && pos.Trailing.Activated {
		thresholds = append(thresholds, pos.Trailing.StopPrice)
	}

	for _, t := range thresholds {
		if price.Sub(t).Abs().LessThanOrEqual(band) {
			return s.urgentInterval
		}
	}
	return s.normalInterval
}

func (s *MonitorSupervisor) remove(positionID string) {
	s.mu.Lock()
	if cancel, ok := s.monitors[positionID]; ok {
		delete(s.monitors, positionID)
		cancel()
	}
	s.mu.Unlock()
}
