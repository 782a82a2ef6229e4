package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsflow/oddsflow/internal/config"
	"github.com/oddsflow/oddsflow/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decp(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// openPosition builds a plain open position for book and evaluator tests.
func openPosition(id string, side domain.Side, entry string, qty int64) domain.Position {
	price := dec(entry)
	return domain.Position{
		ID:           id,
		MarketID:     "mkt-" + id,
		TokenID:      "tok-" + id,
		Side:         side,
		Quantity:     qty,
		EntryPrice:   price,
		CurrentPrice: price,
		PriceAt:      time.Now().UTC().Add(-time.Minute),
		Status:       domain.PositionStatusOpen,
		OpenedAt:     time.Now().UTC().Add(-time.Hour),
	}
}

// memPositionStore is an in-memory PositionStore with a failure switch for
// persistence-breaker tests.
type memPositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	fail      bool
	creates   int
	updates   int
	closes    int
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{positions: make(map[string]domain.Position)}
}

func (m *memPositionStore) setFail(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

func (m *memPositionStore) get(id string) (domain.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	return p, ok
}

func (m *memPositionStore) Create(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("store down")
	}
	m.creates++
	m.positions[pos.ID] = pos
	return nil
}

func (m *memPositionStore) Update(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("store down")
	}
	m.updates++
	m.positions[pos.ID] = pos
	return nil
}

func (m *memPositionStore) Close(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("store down")
	}
	m.closes++
	m.positions[pos.ID] = pos
	return nil
}

func (m *memPositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (m *memPositionStore) ListOpen(_ context.Context) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, pos := range m.positions {
		if !pos.Terminal() {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (m *memPositionStore) ListClosedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, pos := range m.positions {
		if pos.Status == domain.PositionStatusClosed && pos.ClosedAt != nil && pos.ClosedAt.Before(cutoff) {
			out = append(out, pos)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memPositionStore) ListHistory(_ context.Context, _ domain.ListOpts) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, pos)
	}
	return out, nil
}

// memAuditStore records audit events in memory.
type memAuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memAuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, domain.AuditEntry{
		ID:        int64(len(m.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (m *memAuditStore) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEntry(nil), m.entries...), nil
}

func (m *memAuditStore) ListBefore(_ context.Context, cutoff time.Time, _ int) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if e.CreatedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memAuditStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	var deleted int64
	for _, e := range m.entries {
		if e.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return deleted, nil
}

func (m *memAuditStore) events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Event)
	}
	return out
}

// fakeFeed is a settable price feed.
type fakeFeed struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	err    error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{prices: make(map[string]decimal.Decimal)}
}

func (f *fakeFeed) set(tokenID string, price decimal.Decimal) {
	f.mu.Lock()
	f.prices[tokenID] = price
	f.mu.Unlock()
}

func (f *fakeFeed) CurrentPrice(_ context.Context, tokenID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return decimal.Zero, f.err
	}
	price, ok := f.prices[tokenID]
	if !ok {
		return decimal.Zero, domain.ErrNotFound
	}
	return price, nil
}

// brokerStep scripts one order placement: the submission outcome and the
// fill status every subsequent poll reports.
type brokerStep struct {
	submitErr error
	fill      domain.FillStatus
}

// fillAt scripts a full fill at the given price.
func fillAt(price string) brokerStep {
	return brokerStep{fill: domain.FillStatus{Filled: true, FillPrice: dec(price)}}
}

// noFill scripts an order that never fills.
func noFill() brokerStep {
	return brokerStep{}
}

// fakeBroker consumes a script of steps, one per SubmitOrder call. Orders
// past the end of the script never fill.
type fakeBroker struct {
	mu        sync.Mutex
	steps     []brokerStep
	submitted []domain.OrderRequest
	fills     map[string]domain.FillStatus
	cancels   int
}

func newFakeBroker(steps ...brokerStep) *fakeBroker {
	return &fakeBroker{steps: steps, fills: make(map[string]domain.FillStatus)}
}

func (b *fakeBroker) SubmitOrder(_ context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	step := noFill()
	if len(b.steps) > 0 {
		step = b.steps[0]
		b.steps = b.steps[1:]
	}
	if step.submitErr != nil {
		return domain.OrderHandle{}, step.submitErr
	}

	b.submitted = append(b.submitted, req)
	id := fmt.Sprintf("ord-%d", len(b.submitted))
	b.fills[id] = step.fill
	return domain.OrderHandle{OrderID: id}, nil
}

func (b *fakeBroker) PollFill(_ context.Context, h domain.OrderHandle) (domain.FillStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fills[h.OrderID], nil
}

func (b *fakeBroker) Cancel(_ context.Context, _ domain.OrderHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels++
	return nil
}

func (b *fakeBroker) orders() []domain.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.OrderRequest(nil), b.submitted...)
}

// stubGate is a scripted EntryGate.
type stubGate struct {
	err error
}

func (g stubGate) EntriesAllowed() error { return g.err }

// fastExitConfig returns tier parameters with millisecond timeouts so
// walking and escalation settle quickly under the fake broker.
func fastExitConfig() config.ExitConfig {
	cfg := config.Defaults().Exit
	for _, tier := range []*config.TierConfig{&cfg.Critical, &cfg.High, &cfg.Medium, &cfg.Low} {
		tier.FillTimeout.Duration = 20 * time.Millisecond
	}
	cfg.High.WalkAttempts = 0
	cfg.Medium.WalkAttempts = 2
	cfg.Low.WalkAttempts = 1
	cfg.SubmitRetries = 2
	cfg.SubmitBackoff.Duration = time.Millisecond
	cfg.FillPollInterval.Duration = time.Millisecond
	return cfg
}

// fastTradingConfig returns trading parameters with tight poll intervals.
func fastTradingConfig() config.TradingConfig {
	cfg := config.Defaults().Trading
	cfg.EntryFillTimeout.Duration = 20 * time.Millisecond
	cfg.PollIntervalNormal.Duration = 5 * time.Millisecond
	cfg.PollIntervalUrgent.Duration = 2 * time.Millisecond
	return cfg
}

func defaultRiskConfig() config.RiskConfig {
	return config.Defaults().Risk
}

func newTestExecutor(broker domain.Broker, feed domain.PriceFeed) *OrderExecutor {
	return NewOrderExecutor(broker, feed, 2, time.Millisecond, time.Millisecond, testLogger())
}
