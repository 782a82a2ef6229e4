package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExitReason identifies which exit condition fired.
type ExitReason string

const (
	ExitReasonStopLoss     ExitReason = "stop_loss"
	ExitReasonTrailingStop ExitReason = "trailing_stop"
	ExitReasonProfitTarget ExitReason = "profit_target"
	ExitReasonEdgeDecay    ExitReason = "edge_decay"
	ExitReasonForced       ExitReason = "forced" // circuit-breaker liquidation
)

// Priority orders exit triggers when several conditions fire on the same
// tick. Higher wins.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ExecParams are the tier-keyed order-execution parameters attached to a
// trigger. They live in configuration, not code: the evaluator copies the
// tier's params onto each trigger it emits.
type ExecParams struct {
	OrderType        OrderType
	LimitOffset      decimal.Decimal // initial offset from the live price as a fraction of it, toward passivity
	FillTimeout      time.Duration
	WalkAttempts     int             // times to re-peg the limit toward the market
	WalkStep         decimal.Decimal // fraction of price per walk
	EscalateToMarket bool            // fall back to a market order when walking is exhausted
}

// ExitTrigger is the ephemeral decision produced by the exit evaluator and
// consumed immediately by the exit controller. It is never persisted.
type ExitTrigger struct {
	Reason   ExitReason
	Priority Priority
	Quantity int64 // contracts to exit; 0 means the full position
	Params   ExecParams
}
