package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a binary-outcome position. Prices throughout the
// engine are quoted as the market's YES price, so a long-no position profits
// when the quoted price falls.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// PositionStatus tracks the position lifecycle.
type PositionStatus string

const (
	PositionStatusPending PositionStatus = "pending"
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusExiting PositionStatus = "exiting"
	PositionStatusClosed  PositionStatus = "closed"
	PositionStatusFailed  PositionStatus = "failed"
)

// TrailingStop holds the per-position trailing-stop state. It is mutated only
// by the position monitor, and only in the tightening direction: once
// activated the stop price ratchets with the high-water mark and never
// loosens.
type TrailingStop struct {
	Enabled    bool
	Activation decimal.Decimal // favorable move from entry required to activate
	Distance   decimal.Decimal // gap kept between high-water mark and stop
	Activated  bool
	HighWater  decimal.Decimal // most favorable price observed since activation
	StopPrice  decimal.Decimal
}

// Ratchet feeds a new price into the trailing-stop state. It activates the
// stop once the favorable move from entry reaches the activation threshold
// and afterwards only ever tightens the stop. It reports whether the state
// changed.
func (t *TrailingStop) Ratchet(side Side, entry, price decimal.Decimal) bool {
	if !t.Enabled {
		return false
	}

	if !t.Activated {
		move := FavorableMove(side, entry, price)
		if move.LessThan(t.Activation) {
			return false
		}
		t.Activated = true
		t.HighWater = price
		t.StopPrice = trailBehind(side, price, t.Distance)
		return true
	}

	if !moreFavorable(side, price, t.HighWater) {
		return false
	}
	t.HighWater = price
	candidate := trailBehind(side, price, t.Distance)
	if tighter(side, candidate, t.StopPrice) {
		t.StopPrice = candidate
		return true
	}
	return false
}

// Breached reports whether price has crossed the ratcheted stop.
func (t *TrailingStop) Breached(side Side, price decimal.Decimal) bool {
	if !t.Enabled || !t.Activated {
		return false
	}
	if side == SideYes {
		return price.LessThanOrEqual(t.StopPrice)
	}
	return price.GreaterThanOrEqual(t.StopPrice)
}

func trailBehind(side Side, price, distance decimal.Decimal) decimal.Decimal {
	if side == SideYes {
		return price.Sub(distance)
	}
	return price.Add(distance)
}

func moreFavorable(side Side, price, reference decimal.Decimal) bool {
	if side == SideYes {
		return price.GreaterThan(reference)
	}
	return price.LessThan(reference)
}

func tighter(side Side, candidate, current decimal.Decimal) bool {
	if side == SideYes {
		return candidate.GreaterThan(current)
	}
	return candidate.LessThan(current)
}

// FavorableMove returns how far price has moved in the position's favor since
// entry. Negative when the move is adverse.
func FavorableMove(side Side, entry, price decimal.Decimal) decimal.Decimal {
	if side == SideYes {
		return price.Sub(entry)
	}
	return entry.Sub(price)
}

// Position is the central mutable entity of the trading loop. One monitor
// goroutine owns price/P&L/trailing mutations; the exit controller owns the
// terminal transition. Once Status is closed every derived field is frozen.
type Position struct {
	ID       string
	MarketID string
	TokenID  string
	Side     Side
	Quantity int64

	EntryPrice   decimal.Decimal
	CurrentPrice decimal.Decimal
	PriceAt      time.Time // wall-clock of CurrentPrice, guards out-of-order writes
	ExitPrice    *decimal.Decimal

	Target   *decimal.Decimal
	StopLoss *decimal.Decimal
	Trailing TrailingStop

	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	FeesPaid      decimal.Decimal

	EntryEdge decimal.Decimal // edge estimate at entry, drives the decay check

	Status PositionStatus

	// Attribution, immutable once set.
	StrategyVersion string
	ModelVersion    string

	OpenedAt time.Time
	ClosedAt *time.Time
}

// PnL returns the sign-adjusted profit for qty contracts marked at price.
func (p Position) PnL(price decimal.Decimal, qty int64) decimal.Decimal {
	return FavorableMove(p.Side, p.EntryPrice, price).Mul(decimal.NewFromInt(qty))
}

// RetainedEdge estimates how much of the entry edge is still on the table at
// the given price. The model probability is pinned at entry (entry price plus
// edge in the favorable direction), so edge is consumed one-for-one as price
// moves toward it.
func (p Position) RetainedEdge(price decimal.Decimal) decimal.Decimal {
	return p.EntryEdge.Sub(FavorableMove(p.Side, p.EntryPrice, price))
}

// Terminal reports whether the position has left the active working set.
func (p Position) Terminal() bool {
	return p.Status == PositionStatusClosed || p.Status == PositionStatusFailed
}
