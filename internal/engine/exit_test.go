package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddsflow/oddsflow/internal/domain"
)

type exitFixture struct {
	book   *Book
	store  *memPositionStore
	audit  *memAuditStore
	broker *fakeBroker
	exits  *ExitController
}

func newExitFixture(t *testing.T, feeRateBps float64, steps ...brokerStep) *exitFixture {
	t.Helper()
	store := newMemPositionStore()
	audit := &memAuditStore{}
	broker := newFakeBroker(steps...)
	feed := newFakeFeed()
	feed.set("tok-p1", dec("0.60"))

	book := NewBook(store, testLogger())
	alerts := NewAlerts(nil, nil, testLogger())
	exec := newTestExecutor(broker, feed)
	exits := NewExitController(book, exec, audit, alerts, feeRateBps, testLogger())
	return &exitFixture{book: book, store: store, audit: audit, broker: broker, exits: exits}
}

func criticalTrigger() domain.ExitTrigger {
	return domain.ExitTrigger{
		Reason:   domain.ExitReasonStopLoss,
		Priority: domain.PriorityCritical,
		Params:   execParams(domain.OrderTypeMarket, 0, false),
	}
}

func lowTrigger() domain.ExitTrigger {
	return domain.ExitTrigger{
		Reason:   domain.ExitReasonEdgeDecay,
		Priority: domain.PriorityLow,
		Params:   execParams(domain.OrderTypeLimit, 0, false),
	}
}

func TestExitFullFill(t *testing.T) {
	f := newExitFixture(t, 100, fillAt("0.69")) // 1% taker fee
	ctx := context.Background()

	pos := openPosition("p1", domain.SideYes, "0.52", 10)
	require.NoError(t, f.book.Register(ctx, pos))

	closed, err := f.exits.Close(ctx, "p1", criticalTrigger())
	require.NoError(t, err)

	assert.Equal(t, domain.PositionStatusClosed, closed.Status)
	require.NotNil(t, closed.ExitPrice)
	assert.True(t, closed.ExitPrice.Equal(dec("0.69")))
	// Gross 10 * 0.17 = 1.70, fee 10 * 0.69 * 0.01 = 0.069.
	assert.True(t, closed.RealizedPnL.Equal(dec("1.631")), "got %s", closed.RealizedPnL)
	assert.True(t, closed.FeesPaid.Equal(dec("0.069")))

	assert.Equal(t, 0, f.book.Count())
	assert.Contains(t, f.audit.events(), EventPositionClosed)

	orders := f.broker.orders()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderSideSell, orders[0].Side)
	assert.Equal(t, int64(10), orders[0].Quantity)
}

func TestExitPartialFillKeepsRemainderOpen(t *testing.T) {
	partial := brokerStep{fill: domain.FillStatus{
		Filled:         true,
		FillPrice:      dec("0.60"),
		FilledQuantity: 4,
	}}
	f := newExitFixture(t, 0, partial)
	ctx := context.Background()

	pos := openPosition("p1", domain.SideYes, "0.52", 10)
	require.NoError(t, f.book.Register(ctx, pos))

	remaining, err := f.exits.Close(ctx, "p1", criticalTrigger())
	require.NoError(t, err)

	assert.Equal(t, domain.PositionStatusOpen, remaining.Status)
	assert.Equal(t, int64(6), remaining.Quantity)
	// 4 * 0.08 realized on the filled slice.
	assert.True(t, remaining.RealizedPnL.Equal(dec("0.32")), "got %s", remaining.RealizedPnL)
	assert.Equal(t, 1, f.book.Count())
}

// An unfilled Low-tier exit is a recoverable outcome: the position reopens
// and the trigger may fire again on the next tick.
func TestExitUnfilledRecoverable(t *testing.T) {
	f := newExitFixture(t, 0)
	ctx := context.Background()

	pos := openPosition("p1", domain.SideYes, "0.52", 10)
	require.NoError(t, f.book.Register(ctx, pos))

	reopened, err := f.exits.Close(ctx, "p1", lowTrigger())
	require.Error(t, err)

	var ef *domain.ExitFailed
	require.ErrorAs(t, err, &ef)
	assert.True(t, ef.Recoverable)
	assert.ErrorIs(t, err, domain.ErrUnfilled)

	assert.Equal(t, domain.PositionStatusOpen, reopened.Status)
	assert.Equal(t, int64(10), reopened.Quantity)
	assert.Equal(t, 1, f.book.Count())
}

// A market order that times out unfilled comes back from the executor with
// no error; the controller must treat it as a recoverable unfilled exit,
// not a submission failure.
func TestExitUnfilledMarketOrderRecoverable(t *testing.T) {
	f := newExitFixture(t, 0) // broker never fills
	ctx := context.Background()

	pos := openPosition("p1", domain.SideYes, "0.52", 10)
	require.NoError(t, f.book.Register(ctx, pos))

	reopened, err := f.exits.Close(ctx, "p1", criticalTrigger())
	require.Error(t, err)

	var ef *domain.ExitFailed
	require.ErrorAs(t, err, &ef)
	assert.True(t, ef.Recoverable)
	assert.ErrorIs(t, err, domain.ErrUnfilled)

	assert.Equal(t, domain.PositionStatusOpen, reopened.Status)
	assert.Equal(t, int64(10), reopened.Quantity)
	assert.Equal(t, 1, f.book.Count())

	orders := f.broker.orders()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderTypeMarket, orders[0].Type)
}

func TestExitMarketTimeoutSettlesPartialSlice(t *testing.T) {
	partial := brokerStep{fill: domain.FillStatus{FillPrice: dec("0.55"), FilledQuantity: 4}}
	f := newExitFixture(t, 0, partial)
	ctx := context.Background()

	pos := openPosition("p1", domain.SideYes, "0.52", 10)
	require.NoError(t, f.book.Register(ctx, pos))

	reopened, err := f.exits.Close(ctx, "p1", criticalTrigger())
	require.Error(t, err)

	var ef *domain.ExitFailed
	require.ErrorAs(t, err, &ef)
	assert.True(t, ef.Recoverable)

	assert.Equal(t, domain.PositionStatusOpen, reopened.Status)
	assert.Equal(t, int64(6), reopened.Quantity)
	// 4 * 0.03 realized on the filled slice.
	assert.True(t, reopened.RealizedPnL.Equal(dec("0.12")), "got %s", reopened.RealizedPnL)
}

func TestExitSubmissionFailureNotRecoverable(t *testing.T) {
	f := newExitFixture(t, 0,
		brokerStep{submitErr: fmt.Errorf("broker down")},
		brokerStep{submitErr: fmt.Errorf("broker down")},
	)
	ctx := context.Background()

	pos := openPosition("p1", domain.SideYes, "0.52", 10)
	require.NoError(t, f.book.Register(ctx, pos))

	reopened, err := f.exits.Close(ctx, "p1", criticalTrigger())
	require.Error(t, err)

	var ef *domain.ExitFailed
	require.ErrorAs(t, err, &ef)
	assert.False(t, ef.Recoverable)

	assert.Equal(t, domain.PositionStatusOpen, reopened.Status)
}

func TestExitRejectsNonOpenPosition(t *testing.T) {
	f := newExitFixture(t, 0, fillAt("0.60"))
	ctx := context.Background()

	pos := openPosition("p1", domain.SideYes, "0.52", 10)
	require.NoError(t, f.book.Register(ctx, pos))

	_, err := f.exits.Close(ctx, "p1", criticalTrigger())
	require.NoError(t, err)

	_, err = f.exits.Close(ctx, "p1", criticalTrigger())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExitQuantityCappedAtPosition(t *testing.T) {
	f := newExitFixture(t, 0, fillAt("0.60"))
	ctx := context.Background()

	pos := openPosition("p1", domain.SideYes, "0.52", 10)
	require.NoError(t, f.book.Register(ctx, pos))

	trigger := criticalTrigger()
	trigger.Quantity = 50

	_, err := f.exits.Close(ctx, "p1", trigger)
	require.NoError(t, err)

	orders := f.broker.orders()
	require.Len(t, orders, 1)
	assert.Equal(t, int64(10), orders[0].Quantity)
}
