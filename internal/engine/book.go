// Package engine implements the position lifecycle loop: entry control,
// per-position monitoring, exit evaluation and execution, and the circuit
// breakers that supervise all of it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsflow/oddsflow/internal/domain"
)

// storeMirrorRetries bounds the brief retry loop around each persistence
// mirror before the failure is reported to the persistence breaker.
const storeMirrorRetries = 3

// Book owns the authoritative in-memory record of every active position.
// Mutations to a single position are serialized by a per-entry mutex; the
// persistence collaborator mirrors every mutation and its failures are
// reported so the persistence breaker can act.
type Book struct {
	store  domain.PositionStore
	logger *slog.Logger

	// onPersist receives the outcome of every store mirror attempt.
	// Wired to the breaker supervisor; nil-safe for tests.
	onPersist func(ok bool)

	mu      sync.RWMutex
	entries map[string]*bookEntry

	realizedMu    sync.Mutex
	realizedToday decimal.Decimal
}

type bookEntry struct {
	mu  sync.Mutex
	pos domain.Position
}

// NewBook creates a Book mirrored to the given store.
func NewBook(store domain.PositionStore, logger *slog.Logger) *Book {
	return &Book{
		store:   store,
		logger:  logger.With(slog.String("component", "book")),
		entries: make(map[string]*bookEntry),
	}
}

// SetPersistenceHook wires the persistence-outcome callback. Must be called
// before the engine starts.
func (b *Book) SetPersistenceHook(fn func(ok bool)) { b.onPersist = fn }

// Register adds a freshly opened position to the active set and mirrors the
// insert. Registration in memory always succeeds for a new id; a persistent
// store failure is reported (tripping the breaker) rather than orphaning the
// already-filled position.
func (b *Book) Register(ctx context.Context, pos domain.Position) error {
	if pos.Quantity < 0 {
		return fmt.Errorf("book: register %s: %w", pos.ID, domain.ErrInvalidQuantity)
	}

	b.mu.Lock()
	if _, exists := b.entries[pos.ID]; exists {
		b.mu.Unlock()
		return fmt.Errorf("book: register %s: %w", pos.ID, domain.ErrAlreadyExists)
	}
	b.entries[pos.ID] = &bookEntry{pos: pos}
	b.mu.Unlock()

	b.mirror(ctx, func(c context.Context) error { return b.store.Create(c, pos) })
	return nil
}

// Recover re-registers a position loaded from the store at process start
// without re-inserting it.
func (b *Book) Recover(pos domain.Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.entries[pos.ID]; exists {
		return fmt.Errorf("book: recover %s: %w", pos.ID, domain.ErrAlreadyExists)
	}
	b.entries[pos.ID] = &bookEntry{pos: pos}
	return nil
}

// Snapshot returns an immutable copy of the position.
func (b *Book) Snapshot(id string) (domain.Position, error) {
	e, err := b.entry(id)
	if err != nil {
		return domain.Position{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos, nil
}

// OpenSnapshots returns copies of every active position, ordered by id for
// deterministic iteration.
func (b *Book) OpenSnapshots() []domain.Position {
	b.mu.RLock()
	ids := make([]string, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)

	out := make([]domain.Position, 0, len(ids))
	for _, id := range ids {
		if pos, err := b.Snapshot(id); err == nil {
			out = append(out, pos)
		}
	}
	return out
}

// Mutate applies fn to the position under its entry lock and mirrors the
// result. Closed and failed positions are frozen: any mutation attempt is an
// invariant violation and is rejected. The updated snapshot is returned.
func (b *Book) Mutate(ctx context.Context, id string, fn func(p *domain.Position) error) (domain.Position, error) {
	e, err := b.entry(id)
	if err != nil {
		return domain.Position{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos.Terminal() {
		return domain.Position{}, fmt.Errorf("book: mutate %s: %w", id, domain.ErrPositionClosed)
	}

	updated := e.pos
	if err := fn(&updated); err != nil {
		return domain.Position{}, err
	}
	if updated.Quantity < 0 {
		return domain.Position{}, fmt.Errorf("book: mutate %s: %w", id, domain.ErrInvalidQuantity)
	}
	e.pos = updated

	b.mirror(ctx, func(c context.Context) error { return b.store.Update(c, updated) })
	return updated, nil
}

// MarkPrice records a fresh price observation plus derived unrealized P&L and
// trailing-stop state. Observations older than the last recorded one are
// dropped to keep current_price monotone in wall-clock time.
func (b *Book) MarkPrice(ctx context.Context, id string, price decimal.Decimal, ts time.Time) (domain.Position, error) {
	return b.Mutate(ctx, id, func(p *domain.Position) error {
		if ts.Before(p.PriceAt) {
			return fmt.Errorf("book: mark %s at %s: %w", id, ts, domain.ErrStalePrice)
		}
		p.CurrentPrice = price
		p.PriceAt = ts
		p.UnrealizedPnL = p.PnL(price, p.Quantity)
		p.Trailing.Ratchet(p.Side, p.EntryPrice, price)
		return nil
	})
}

// CloseOut transitions the position to closed, freezes its derived fields,
// accrues realized P&L into the daily total, and removes it from the active
// set. The closed snapshot is returned.
func (b *Book) CloseOut(ctx context.Context, id string, exitPrice, realized, fees decimal.Decimal) (domain.Position, error) {
	closed, err := b.Mutate(ctx, id, func(p *domain.Position) error {
		now := time.Now().UTC()
		p.Status = domain.PositionStatusClosed
		p.ExitPrice = &exitPrice
		p.RealizedPnL = p.RealizedPnL.Add(realized)
		p.FeesPaid = p.FeesPaid.Add(fees)
		p.UnrealizedPnL = decimal.Zero
		p.ClosedAt = &now
		return nil
	})
	if err != nil {
		return domain.Position{}, err
	}

	b.addRealized(realized)
	b.remove(id)

	b.mirror(ctx, func(c context.Context) error { return b.store.Close(c, closed) })
	return closed, nil
}

// Reduce applies a partial exit: quantity shrinks by qty and the realized
// slice is accrued, but the position stays open and monitored.
func (b *Book) Reduce(ctx context.Context, id string, qty int64, realized, fees decimal.Decimal) (domain.Position, error) {
	updated, err := b.Mutate(ctx, id, func(p *domain.Position) error {
		if qty <= 0 || qty > p.Quantity {
			return fmt.Errorf("book: reduce %s by %d: %w", id, qty, domain.ErrInvalidQuantity)
		}
		p.Quantity -= qty
		p.RealizedPnL = p.RealizedPnL.Add(realized)
		p.FeesPaid = p.FeesPaid.Add(fees)
		p.UnrealizedPnL = p.PnL(p.CurrentPrice, p.Quantity)
		return nil
	})
	if err != nil {
		return domain.Position{}, err
	}
	b.addRealized(realized)
	return updated, nil
}

// Count returns the number of active positions.
func (b *Book) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// CountByMarket returns the number of active positions in the given market.
func (b *Book) CountByMarket(marketID string) int {
	n := 0
	for _, pos := range b.OpenSnapshots() {
		if pos.MarketID == marketID {
			n++
		}
	}
	return n
}

// Exposure returns the total notional (current price times quantity) across
// active positions.
func (b *Book) Exposure() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range b.OpenSnapshots() {
		total = total.Add(pos.CurrentPrice.Mul(decimal.NewFromInt(pos.Quantity)))
	}
	return total
}

// DailyPnL returns today's realized P&L plus the unrealized P&L of every
// active position. The daily-loss breaker trips on this aggregate.
func (b *Book) DailyPnL() decimal.Decimal {
	b.realizedMu.Lock()
	total := b.realizedToday
	b.realizedMu.Unlock()

	for _, pos := range b.OpenSnapshots() {
		total = total.Add(pos.UnrealizedPnL)
	}
	return total
}

// RealizedToday returns the realized component of today's P&L.
func (b *Book) RealizedToday() decimal.Decimal {
	b.realizedMu.Lock()
	defer b.realizedMu.Unlock()
	return b.realizedToday
}

// ResetDaily zeroes the realized-today accumulator. Called on the daily
// rollover and on manual breaker reset.
func (b *Book) ResetDaily() {
	b.realizedMu.Lock()
	b.realizedToday = decimal.Zero
	b.realizedMu.Unlock()
}

func (b *Book) addRealized(d decimal.Decimal) {
	b.realizedMu.Lock()
	b.realizedToday = b.realizedToday.Add(d)
	b.realizedMu.Unlock()
}

func (b *Book) entry(id string) (*bookEntry, error) {
	b.mu.RLock()
	e, ok := b.entries[id]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("book: position %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

func (b *Book) remove(id string) {
	b.mu.Lock()
	delete(b.entries, id)
	b.mu.Unlock()
}

// mirror runs a store operation with a brief bounded retry and reports the
// final outcome to the persistence hook. The in-memory book stays
// authoritative either way; repeated failures are the breaker's business.
func (b *Book) mirror(ctx context.Context, op func(context.Context) error) {
	var err error
	for attempt := 0; attempt < storeMirrorRetries; attempt++ {
		if err = op(ctx); err == nil {
			b.report(true)
			return
		}
		if errors.Is(err, context.Canceled) {
			// Shutdown cancellation, not a store fault; the persistence
			// breaker must not count it.
			return
		}
		select {
		case <-ctx.Done():
			if !errors.Is(ctx.Err(), context.Canceled) {
				b.report(false)
			}
			return
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	b.logger.Error("store mirror failed", slog.String("error", err.Error()))
	b.report(false)
}

func (b *Book) report(ok bool) {
	if b.onPersist != nil {
		b.onPersist(ok)
	}
}
