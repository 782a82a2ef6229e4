package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oddsflow/oddsflow/internal/config"
	"github.com/oddsflow/oddsflow/internal/domain"
)

// EntryGate is consulted before any new position is opened. Implemented by
// the circuit-breaker supervisor.
type EntryGate interface {
	EntriesAllowed() error
}

// EntryController turns a scored signal into an open, monitored position.
// Every step before the fill is a pure short-circuit: a rejection leaves no
// position, no order, no monitor behind.
type EntryController struct {
	trading  config.TradingConfig
	book     *Book
	risk     *RiskManager
	exec     *OrderExecutor
	gate     EntryGate
	monitors *MonitorSupervisor
	audit    domain.AuditStore
	alerts   *Alerts
	logger   *slog.Logger
}

// NewEntryController creates an EntryController.
func NewEntryController(
	trading config.TradingConfig,
	book *Book,
	risk *RiskManager,
	exec *OrderExecutor,
	gate EntryGate,
	monitors *MonitorSupervisor,
	audit domain.AuditStore,
	alerts *Alerts,
	logger *slog.Logger,
) *EntryController {
	return &EntryController{
		trading:  trading,
		book:     book,
		risk:     risk,
		exec:     exec,
		gate:     gate,
		monitors: monitors,
		audit:    audit,
		alerts:   alerts,
		logger:   logger.With(slog.String("component", "entry_controller")),
	}
}

// Open validates the signal, sizes the position, places a bounded-time entry
// order, and on fill registers the position and spawns its monitor. The
// monitor spawn is the final, in-process, non-failing step; the store insert
// is internally retried and its failures route to the persistence breaker,
// so a filled entry never ends up orphaned.
func (c *EntryController) Open(ctx context.Context, sig domain.EntrySignal) (domain.Position, error) {
	log := c.logger.With(
		slog.String("signal_id", sig.ID),
		slog.String("market_id", sig.MarketID),
		slog.String("side", string(sig.Side)),
	)

	// 1. Signal still valid.
	if sig.Expired(time.Now().UTC()) {
		return c.reject(ctx, sig, log, domain.RejectSignalExpired, "signal past expiry")
	}
	minEdge := decimal.NewFromFloat(c.trading.MinEntryEdge)
	if sig.Edge.LessThan(minEdge) {
		return c.reject(ctx, sig, log, domain.RejectEdgeBelowMinimum,
			fmt.Sprintf("edge %s below minimum %s", sig.Edge, minEdge))
	}

	// 2. Circuit breakers.
	if c.gate != nil {
		if err := c.gate.EntriesAllowed(); err != nil {
			return c.reject(ctx, sig, log, domain.RejectEntriesPaused, err.Error())
		}
	}

	// 3. Risk limits.
	if err := c.risk.Check(sig); err != nil {
		return c.reject(ctx, sig, log, domain.RejectRiskLimit, err.Error())
	}

	// 4. Sizing.
	qty := c.risk.Size(sig)
	if qty <= 0 {
		return c.reject(ctx, sig, log, domain.RejectSizeTooSmall, "kelly sizing produced no viable quantity")
	}

	// 5. Bounded-time entry order. No walking, no escalation: an entry we
	// have to chase is an entry without edge.
	req := domain.OrderRequest{
		ClientID: uuid.New().String(),
		MarketID: sig.MarketID,
		TokenID:  sig.TokenID,
		Side:     domain.OrderSideBuy,
		Quantity: qty,
		Price:    sig.LimitPrice,
	}
	status, err := c.exec.Execute(ctx, req, domain.ExecParams{
		OrderType:   domain.OrderTypeLimit,
		FillTimeout: c.trading.EntryFillTimeout.Duration,
	})
	if err != nil && status.FilledQuantity == 0 {
		return c.reject(ctx, sig, log, domain.RejectUnfilled, err.Error())
	}
	filledQty := status.FilledQuantity
	if status.Filled {
		filledQty = qty
	}
	if filledQty == 0 {
		return c.reject(ctx, sig, log, domain.RejectUnfilled, "entry order expired unfilled")
	}

	// 6. Construct and register the position at the actual fill.
	pos := c.buildPosition(sig, filledQty, status.FillPrice)
	if err := c.book.Register(ctx, pos); err != nil {
		// Filled but unregistrable: a programming error, not a market
		// condition. Abort loudly.
		c.alerts.EmitPosition(ctx, EventInvariant, "Entry registration failed", pos, map[string]any{
			"error": err.Error(),
		})
		return domain.Position{}, fmt.Errorf("entry: register %s: %w", pos.ID, err)
	}

	// 7. Spawn exactly one monitor, bound to the new position id.
	if err := c.monitors.Attach(pos.ID); err != nil {
		c.alerts.EmitPosition(ctx, EventInvariant, "Monitor attach failed", pos, map[string]any{
			"error": err.Error(),
		})
		return domain.Position{}, fmt.Errorf("entry: attach monitor for %s: %w", pos.ID, err)
	}

	if c.audit != nil {
		if auditErr := c.audit.Log(ctx, EventPositionOpened, map[string]any{
			"position_id": pos.ID,
			"market_id":   pos.MarketID,
			"side":        string(pos.Side),
			"quantity":    pos.Quantity,
			"entry_price": pos.EntryPrice.String(),
			"edge":        pos.EntryEdge.String(),
			"strategy":    pos.StrategyVersion,
		}); auditErr != nil {
			log.Warn("audit log failed", slog.String("error", auditErr.Error()))
		}
	}
	c.alerts.EmitPosition(ctx, EventPositionOpened, "Position opened", pos, map[string]any{
		"entry_price": pos.EntryPrice.String(),
		"signal_id":   sig.ID,
	})
	log.Info("position opened",
		slog.String("position_id", pos.ID),
		slog.Int64("quantity", pos.Quantity),
		slog.String("entry_price", pos.EntryPrice.String()),
	)

	return pos, nil
}

// buildPosition derives thresholds and trailing state from config at the
// actual fill price.
func (c *EntryController) buildPosition(sig domain.EntrySignal, qty int64, fillPrice decimal.Decimal) domain.Position {
	now := time.Now().UTC()
	one := decimal.NewFromInt(1)

	pos := domain.Position{
		ID:              uuid.New().String(),
		MarketID:        sig.MarketID,
		TokenID:         sig.TokenID,
		Side:            sig.Side,
		Quantity:        qty,
		EntryPrice:      fillPrice,
		CurrentPrice:    fillPrice,
		PriceAt:         now,
		EntryEdge:       sig.Edge,
		Status:          domain.PositionStatusOpen,
		StrategyVersion: sig.StrategyVersion,
		ModelVersion:    sig.ModelVersion,
		OpenedAt:        now,
	}

	if c.trading.StopLossPct > 0 {
		slFrac := decimal.NewFromFloat(c.trading.StopLossPct)
		var stop decimal.Decimal
		if sig.Side == domain.SideYes {
			stop = fillPrice.Mul(one.Sub(slFrac))
		} else {
			stop = fillPrice.Mul(one.Add(slFrac))
		}
		pos.StopLoss = &stop
	}
	if c.trading.ProfitTargetPct > 0 {
		tpFrac := decimal.NewFromFloat(c.trading.ProfitTargetPct)
		var target decimal.Decimal
		if sig.Side == domain.SideYes {
			target = fillPrice.Mul(one.Add(tpFrac))
		} else {
			target = fillPrice.Mul(one.Sub(tpFrac))
		}
		pos.Target = &target
	}
	if c.trading.Trailing.Enabled {
		pos.Trailing = domain.TrailingStop{
			Enabled:    true,
			Activation: decimal.NewFromFloat(c.trading.Trailing.ActivationThreshold),
			Distance:   decimal.NewFromFloat(c.trading.Trailing.Distance),
		}
	}

	return pos
}

// reject records the structured rejection and returns it. Rejections are
// recoverable outcomes, not errors worth a stack: no position or order
// exists afterwards.
func (c *EntryController) reject(ctx context.Context, sig domain.EntrySignal, log *slog.Logger, reason domain.RejectReason, detail string) (domain.Position, error) {
	log.Warn("entry rejected",
		slog.String("reason", string(reason)),
		slog.String("detail", detail),
	)
	c.alerts.Emit(ctx, EventEntryRejected, "Entry rejected: "+sig.MarketID, map[string]any{
		"signal_id": sig.ID,
		"market_id": sig.MarketID,
		"reason":    string(reason),
		"detail":    detail,
	})
	return domain.Position{}, &domain.EntryRejected{Reason: reason, Detail: detail}
}
