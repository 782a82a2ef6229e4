package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntrySignal is a scored trade opportunity produced by the edge-detection
// collaborator and consumed by the entry controller.
type EntrySignal struct {
	ID         string // UUID for dedup / audit correlation
	MarketID   string
	TokenID    string
	Side       Side
	LimitPrice decimal.Decimal // price the detector believes is obtainable
	Edge       decimal.Decimal // model probability minus market-implied probability
	Confidence decimal.Decimal // 0..1
	SizingHint int64           // suggested contract count, 0 when absent

	StrategyVersion string
	ModelVersion    string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the signal is past its expiry at the given time.
func (s EntrySignal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
