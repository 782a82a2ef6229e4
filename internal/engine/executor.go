package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsflow/oddsflow/internal/domain"
)

// OrderExecutor places a single order against the broker and tracks it to a
// fill, applying the escalation behavior encoded in the trigger's execution
// parameters. It is stateless with respect to positions: it receives a
// request, returns a fill status, and holds no references.
type OrderExecutor struct {
	broker domain.Broker
	feed   domain.PriceFeed
	logger *slog.Logger

	submitRetries int
	submitBackoff time.Duration
	pollInterval  time.Duration

	// onAPIResult feeds the external-API breaker's rolling error window.
	// Nil-safe for tests.
	onAPIResult func(ok bool)
}

// NewOrderExecutor creates an OrderExecutor.
func NewOrderExecutor(broker domain.Broker, feed domain.PriceFeed, submitRetries int, submitBackoff, pollInterval time.Duration, logger *slog.Logger) *OrderExecutor {
	if submitRetries < 1 {
		submitRetries = 1
	}
	return &OrderExecutor{
		broker:        broker,
		feed:          feed,
		logger:        logger.With(slog.String("component", "order_executor")),
		submitRetries: submitRetries,
		submitBackoff: submitBackoff,
		pollInterval:  pollInterval,
	}
}

// SetAPIResultHook wires the API-outcome callback consumed by the breaker
// supervisor. Must be called before the engine starts.
func (x *OrderExecutor) SetAPIResultHook(fn func(ok bool)) { x.onAPIResult = fn }

// Execute places req according to params and waits for a fill.
//
// Escalation by parameter set:
//   - market order: submit, wait out the fill timeout.
//   - limit, EscalateToMarket, no walks: on timeout cancel and resubmit as
//     market (the High tier).
//   - limit with walks: on each timeout cancel and re-peg the limit one step
//     toward the market, up to WalkAttempts; then market if EscalateToMarket
//     (Medium) or give up with ErrUnfilled (Low).
//
// A partial fill at give-up is reported in the returned FillStatus alongside
// ErrUnfilled so the caller can settle the filled slice.
func (x *OrderExecutor) Execute(ctx context.Context, req domain.OrderRequest, params domain.ExecParams) (domain.FillStatus, error) {
	log := x.logger.With(
		slog.String("client_id", req.ClientID),
		slog.String("token", req.TokenID),
		slog.String("side", string(req.Side)),
		slog.Int64("quantity", req.Quantity),
	)

	if params.OrderType == domain.OrderTypeMarket {
		return x.placeAndWait(ctx, marketOrder(req), params.FillTimeout, log)
	}

	base := req.Price
	if !base.IsPositive() {
		live, err := x.feed.CurrentPrice(ctx, req.TokenID)
		if err != nil {
			return domain.FillStatus{}, fmt.Errorf("executor: price for %s: %w", req.TokenID, err)
		}
		base = live
	}

	limit := passiveLimit(base, params.LimitOffset, req.Side)
	step := base.Mul(params.WalkStep)

	attempts := params.WalkAttempts + 1
	var tally fillTally
	remaining := req.Quantity
	for i := 0; i < attempts; i++ {
		status, err := x.placeAndWait(ctx, limitOrder(withQuantity(req, remaining), limit), params.FillTimeout, log)
		tally.add(status, remaining)
		if err != nil {
			return tally.status(req.Quantity), err
		}
		remaining = req.Quantity - tally.qty
		if remaining <= 0 {
			return tally.status(req.Quantity), nil
		}
		// Walk the limit one step toward the market and retry the
		// unfilled remainder only.
		limit = walkToward(limit, step, req.Side)
		log.Debug("limit unfilled, walking",
			slog.Int("attempt", i+1),
			slog.Int64("remaining", remaining),
			slog.String("new_limit", limit.String()),
		)
	}

	if params.EscalateToMarket {
		log.Info("limit walking exhausted, escalating to market")
		status, err := x.placeAndWait(ctx, marketOrder(withQuantity(req, remaining)), params.FillTimeout, log)
		tally.add(status, remaining)
		return tally.status(req.Quantity), err
	}

	log.Warn("order unfilled after walking, giving up this attempt")
	return tally.status(req.Quantity), domain.ErrUnfilled
}

// fillTally folds the fills of successive orders for one logical placement
// into a single status with a quantity-weighted average fill price.
type fillTally struct {
	qty      int64
	notional decimal.Decimal
}

// add records one order's final fill. Brokers that report a full fill
// without a matched size are credited with the whole order quantity.
func (t *fillTally) add(s domain.FillStatus, orderQty int64) {
	qty := s.FilledQuantity
	if s.Filled && qty == 0 {
		qty = orderQty
	}
	if qty <= 0 {
		return
	}
	t.qty += qty
	t.notional = t.notional.Add(s.FillPrice.Mul(decimal.NewFromInt(qty)))
}

func (t *fillTally) status(target int64) domain.FillStatus {
	if t.qty == 0 {
		return domain.FillStatus{}
	}
	return domain.FillStatus{
		Filled:         t.qty >= target,
		FillPrice:      t.notional.Div(decimal.NewFromInt(t.qty)),
		FilledQuantity: t.qty,
	}
}

// placeAndWait submits one order (with bounded submission retries) and polls
// for its fill until the timeout. On timeout the order is cancelled and the
// last observed fill status is returned with Filled == false.
func (x *OrderExecutor) placeAndWait(ctx context.Context, req domain.OrderRequest, timeout time.Duration, log *slog.Logger) (domain.FillStatus, error) {
	handle, err := x.submitWithRetry(ctx, req)
	if err != nil {
		return domain.FillStatus{}, err
	}

	status, err := x.waitFill(ctx, handle, timeout)
	if err != nil {
		return status, err
	}
	if status.Filled {
		log.Info("order filled",
			slog.String("order_id", handle.OrderID),
			slog.String("fill_price", status.FillPrice.String()),
		)
		return status, nil
	}

	if cancelErr := x.broker.Cancel(ctx, handle); cancelErr != nil {
		x.recordAPI(false)
		log.Warn("cancel after timeout failed",
			slog.String("order_id", handle.OrderID),
			slog.String("error", cancelErr.Error()),
		)
	} else {
		x.recordAPI(true)
	}
	return status, nil
}

// submitWithRetry retries transient submission errors with linear backoff up
// to the configured bound. Exhaustion surfaces the last error upward; it is
// never silently dropped.
func (x *OrderExecutor) submitWithRetry(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	var lastErr error
	for attempt := 0; attempt < x.submitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.OrderHandle{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * x.submitBackoff):
			}
		}

		handle, err := x.broker.SubmitOrder(ctx, req)
		if err == nil {
			x.recordAPI(true)
			return handle, nil
		}
		x.recordAPI(false)
		lastErr = err
		x.logger.Warn("order submission failed",
			slog.String("client_id", req.ClientID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return domain.OrderHandle{}, fmt.Errorf("executor: submit %s: %w", req.ClientID, lastErr)
}

// waitFill polls the broker until the order fills, the timeout lapses, or
// the context is cancelled. The timer and every poll are suspension points.
func (x *OrderExecutor) waitFill(ctx context.Context, handle domain.OrderHandle, timeout time.Duration) (domain.FillStatus, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(x.pollInterval)
	defer ticker.Stop()

	var last domain.FillStatus
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, nil
		case <-ticker.C:
			status, err := x.broker.PollFill(ctx, handle)
			if err != nil {
				x.recordAPI(false)
				x.logger.Warn("fill poll failed",
					slog.String("order_id", handle.OrderID),
					slog.String("error", err.Error()),
				)
				continue
			}
			x.recordAPI(true)
			last = status
			if status.Filled {
				return status, nil
			}
		}
	}
}

func (x *OrderExecutor) recordAPI(ok bool) {
	if x.onAPIResult != nil {
		x.onAPIResult(ok)
	}
}

func marketOrder(req domain.OrderRequest) domain.OrderRequest {
	req.Type = domain.OrderTypeMarket
	req.Price = decimal.Zero
	return req
}

func limitOrder(req domain.OrderRequest, price decimal.Decimal) domain.OrderRequest {
	req.Type = domain.OrderTypeLimit
	req.Price = price
	return req
}

func withQuantity(req domain.OrderRequest, qty int64) domain.OrderRequest {
	req.Quantity = qty
	return req
}

// passiveLimit offsets the base price away from the market: above for sells,
// below for buys.
func passiveLimit(base, offset decimal.Decimal, side domain.OrderSide) decimal.Decimal {
	delta := base.Mul(offset)
	if side == domain.OrderSideSell {
		return base.Add(delta)
	}
	return base.Sub(delta)
}

// walkToward moves a limit price one step toward the market.
func walkToward(limit, step decimal.Decimal, side domain.OrderSide) decimal.Decimal {
	if side == domain.OrderSideSell {
		return limit.Sub(step)
	}
	return limit.Add(step)
}
