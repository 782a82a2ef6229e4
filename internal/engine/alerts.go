package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oddsflow/oddsflow/internal/domain"
)

// Event names emitted on the bus and forwarded to notification channels.
const (
	EventEntryRejected  = "entry_rejected"
	EventPositionOpened = "position_opened"
	EventExitTriggered  = "exit_triggered"
	EventPositionClosed = "position_closed"
	EventExitFillFailed = "exit_fill_failed"
	EventBreakerTripped = "breaker_tripped"
	EventBreakerCleared = "breaker_cleared"
	EventInvariant      = "invariant_violation"
)

// eventChannel is the bus channel and stream all engine events go to.
const eventChannel = "engine.events"

// Notifier is the push-notification surface the engine alerts through.
// Implemented by notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Alerts fans structured engine events out to the event bus and the
// notification channels. Delivery failures are logged, never propagated:
// alerting must not change trading control flow.
type Alerts struct {
	bus      domain.EventBus
	notifier Notifier
	logger   *slog.Logger
}

// NewAlerts creates an Alerts sink. Both bus and notifier may be nil in
// tests.
func NewAlerts(bus domain.EventBus, notifier Notifier, logger *slog.Logger) *Alerts {
	return &Alerts{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "alerts")),
	}
}

// Emit publishes one structured event. The detail map is augmented with the
// event name and timestamp before marshalling.
func (a *Alerts) Emit(ctx context.Context, event, title string, detail map[string]any) {
	if detail == nil {
		detail = make(map[string]any, 2)
	}
	detail["event"] = event
	detail["at"] = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(detail)
	if err != nil {
		a.logger.Error("event marshal failed", slog.String("event", event), slog.String("error", err.Error()))
		return
	}

	if a.bus != nil {
		if err := a.bus.Publish(ctx, eventChannel, payload); err != nil {
			a.logger.Warn("event publish failed", slog.String("event", event), slog.String("error", err.Error()))
		}
		if err := a.bus.StreamAppend(ctx, eventChannel, payload); err != nil {
			a.logger.Warn("event stream append failed", slog.String("event", event), slog.String("error", err.Error()))
		}
	}

	if a.notifier != nil {
		if err := a.notifier.Notify(ctx, event, title, string(payload)); err != nil {
			a.logger.Warn("notification failed", slog.String("event", event), slog.String("error", err.Error()))
		}
	}
}

// EmitPosition is a convenience wrapper that tags the event with the
// position's identity fields.
func (a *Alerts) EmitPosition(ctx context.Context, event, title string, pos domain.Position, extra map[string]any) {
	detail := map[string]any{
		"position_id": pos.ID,
		"market_id":   pos.MarketID,
		"side":        string(pos.Side),
		"quantity":    pos.Quantity,
		"status":      string(pos.Status),
	}
	for k, v := range extra {
		detail[k] = v
	}
	a.Emit(ctx, event, fmt.Sprintf("%s: %s", title, pos.MarketID), detail)
}
