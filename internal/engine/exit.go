package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oddsflow/oddsflow/internal/domain"
)

// ExitController closes positions. It determines the exit quantity, delegates
// order placement to the OrderExecutor with the trigger's execution
// parameters, and settles the outcome in the book. A failed Low-tier exit is
// recoverable: the position stays open and the trigger may re-fire on the
// next monitor tick.
type ExitController struct {
	book    *Book
	exec    *OrderExecutor
	audit   domain.AuditStore
	alerts  *Alerts
	feeRate decimal.Decimal // fraction of notional
	logger  *slog.Logger
}

// NewExitController creates an ExitController. feeRateBps is the taker fee in
// basis points of exit notional.
func NewExitController(book *Book, exec *OrderExecutor, audit domain.AuditStore, alerts *Alerts, feeRateBps float64, logger *slog.Logger) *ExitController {
	return &ExitController{
		book:    book,
		exec:    exec,
		audit:   audit,
		alerts:  alerts,
		feeRate: decimal.NewFromFloat(feeRateBps).Div(decimal.NewFromInt(10_000)),
		logger:  logger.With(slog.String("component", "exit_controller")),
	}
}

// Close exits a position per the trigger. On a full fill the position ends up
// closed with exit price and realized P&L recorded; on a partial fill the
// filled slice is settled and the remainder stays open; on no fill the
// position is left open and untouched apart from the transient exiting
// status.
func (c *ExitController) Close(ctx context.Context, positionID string, trigger domain.ExitTrigger) (domain.Position, error) {
	log := c.logger.With(
		slog.String("position_id", positionID),
		slog.String("reason", string(trigger.Reason)),
		slog.String("priority", trigger.Priority.String()),
	)

	pos, err := c.book.Mutate(ctx, positionID, func(p *domain.Position) error {
		if p.Status != domain.PositionStatusOpen {
			return fmt.Errorf("exit: position %s is %s: %w", positionID, p.Status, domain.ErrPositionClosed)
		}
		p.Status = domain.PositionStatusExiting
		return nil
	})
	if err != nil {
		return domain.Position{}, err
	}

	qty := trigger.Quantity
	if qty <= 0 || qty > pos.Quantity {
		qty = pos.Quantity
	}

	c.alerts.EmitPosition(ctx, EventExitTriggered, "Exit triggered", pos, map[string]any{
		"reason":   string(trigger.Reason),
		"priority": trigger.Priority.String(),
		"exit_qty": qty,
	})
	log.Info("exit triggered", slog.Int64("exit_qty", qty))

	req := domain.OrderRequest{
		ClientID: uuid.New().String(),
		MarketID: pos.MarketID,
		TokenID:  pos.TokenID,
		Side:     domain.OrderSideSell,
		Quantity: qty,
	}

	status, execErr := c.exec.Execute(ctx, req, trigger.Params)

	switch {
	case execErr == nil && status.Filled:
		return c.settleFill(ctx, pos, trigger, qty, status, log)

	case execErr == nil || errors.Is(execErr, domain.ErrUnfilled):
		// Unfilled inside the execution window: a market order that timed
		// out returns no error, a walked limit returns ErrUnfilled. Either
		// way settle any partial slice, reopen, and let the next tick
		// re-evaluate.
		if status.FilledQuantity > 0 {
			if _, redErr := c.book.Reduce(ctx, positionID, status.FilledQuantity,
				c.slicePnL(pos, status.FillPrice, status.FilledQuantity),
				c.fee(status.FillPrice, status.FilledQuantity),
			); redErr != nil {
				log.Error("partial fill settlement failed", slog.String("error", redErr.Error()))
			}
		}
		cause := execErr
		if cause == nil {
			cause = domain.ErrUnfilled
		}
		reopened := c.reopen(ctx, positionID, log)
		c.alerts.EmitPosition(ctx, EventExitFillFailed, "Exit unfilled", reopened, map[string]any{
			"reason":     string(trigger.Reason),
			"priority":   trigger.Priority.String(),
			"filled_qty": status.FilledQuantity,
		})
		return reopened, &domain.ExitFailed{
			PositionID:  positionID,
			Reason:      "exit order unfilled",
			Recoverable: true,
			Err:         cause,
		}

	default:
		// Submission errors already went through bounded retry inside the
		// executor; surface loudly and leave the position open. A slice
		// filled before the failure is still settled.
		if status.FilledQuantity > 0 {
			if _, redErr := c.book.Reduce(ctx, positionID, status.FilledQuantity,
				c.slicePnL(pos, status.FillPrice, status.FilledQuantity),
				c.fee(status.FillPrice, status.FilledQuantity),
			); redErr != nil {
				log.Error("partial fill settlement failed", slog.String("error", redErr.Error()))
			}
		}
		reopened := c.reopen(ctx, positionID, log)
		c.alerts.EmitPosition(ctx, EventExitFillFailed, "Exit order error", reopened, map[string]any{
			"reason": string(trigger.Reason),
			"error":  execErr.Error(),
		})
		log.Error("exit order failed", slog.String("error", execErr.Error()))
		return reopened, &domain.ExitFailed{
			PositionID:  positionID,
			Reason:      "order submission failed",
			Recoverable: false,
			Err:         execErr,
		}
	}
}

// settleFill applies a fill to the book: full exits close the position,
// partial fills reduce it and keep it open.
func (c *ExitController) settleFill(ctx context.Context, pos domain.Position, trigger domain.ExitTrigger, qty int64, status domain.FillStatus, log *slog.Logger) (domain.Position, error) {
	fillQty := status.FilledQuantity
	if fillQty == 0 {
		fillQty = qty
	}
	realized := c.slicePnL(pos, status.FillPrice, fillQty).Sub(c.fee(status.FillPrice, fillQty))
	fees := c.fee(status.FillPrice, fillQty)

	if fillQty >= pos.Quantity {
		closed, err := c.book.CloseOut(ctx, pos.ID, status.FillPrice, realized, fees)
		if err != nil {
			return domain.Position{}, fmt.Errorf("exit: close out %s: %w", pos.ID, err)
		}
		c.auditLog(ctx, EventPositionClosed, closed, trigger, status)
		c.alerts.EmitPosition(ctx, EventPositionClosed, "Position closed", closed, map[string]any{
			"reason":       string(trigger.Reason),
			"exit_price":   status.FillPrice.String(),
			"realized_pnl": closed.RealizedPnL.String(),
		})
		log.Info("position closed",
			slog.String("exit_price", status.FillPrice.String()),
			slog.String("realized_pnl", closed.RealizedPnL.String()),
		)
		return closed, nil
	}

	reduced, err := c.book.Reduce(ctx, pos.ID, fillQty, realized, fees)
	if err != nil {
		return domain.Position{}, fmt.Errorf("exit: reduce %s: %w", pos.ID, err)
	}
	reduced = c.reopen(ctx, pos.ID, log)
	c.auditLog(ctx, "position_reduced", reduced, trigger, status)
	log.Info("position partially exited",
		slog.Int64("filled_qty", fillQty),
		slog.Int64("remaining", reduced.Quantity),
	)
	return reduced, nil
}

// reopen reverts a non-terminal position from exiting back to open.
func (c *ExitController) reopen(ctx context.Context, id string, log *slog.Logger) domain.Position {
	pos, err := c.book.Mutate(ctx, id, func(p *domain.Position) error {
		if p.Status == domain.PositionStatusExiting {
			p.Status = domain.PositionStatusOpen
		}
		return nil
	})
	if err != nil {
		log.Error("reopen after failed exit", slog.String("error", err.Error()))
	}
	return pos
}

func (c *ExitController) auditLog(ctx context.Context, event string, pos domain.Position, trigger domain.ExitTrigger, status domain.FillStatus) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Log(ctx, event, map[string]any{
		"position_id":  pos.ID,
		"market_id":    pos.MarketID,
		"reason":       string(trigger.Reason),
		"priority":     trigger.Priority.String(),
		"fill_price":   status.FillPrice.String(),
		"filled_qty":   status.FilledQuantity,
		"realized_pnl": pos.RealizedPnL.String(),
	}); err != nil {
		c.logger.Warn("audit log failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *ExitController) slicePnL(pos domain.Position, fillPrice decimal.Decimal, qty int64) decimal.Decimal {
	return pos.PnL(fillPrice, qty)
}

func (c *ExitController) fee(fillPrice decimal.Decimal, qty int64) decimal.Decimal {
	return fillPrice.Mul(decimal.NewFromInt(qty)).Mul(c.feeRate)
}
