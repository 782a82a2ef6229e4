package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrPositionClosed   = errors.New("position is closed")
	ErrDuplicateMonitor = errors.New("monitor already attached")
	ErrUnfilled         = errors.New("order unfilled")
	ErrEntriesPaused    = errors.New("entries paused by circuit breaker")
	ErrTradingHalted    = errors.New("all trading halted by circuit breaker")
	ErrInvalidQuantity  = errors.New("invalid quantity")
	ErrStalePrice       = errors.New("stale price update")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrRateLimited      = errors.New("rate limited")
)

// RejectReason classifies an entry rejection.
type RejectReason string

const (
	RejectEdgeBelowMinimum RejectReason = "edge_below_minimum"
	RejectSignalExpired    RejectReason = "signal_expired"
	RejectEntriesPaused    RejectReason = "entries_paused"
	RejectRiskLimit        RejectReason = "risk_limit"
	RejectSizeTooSmall     RejectReason = "size_too_small"
	RejectUnfilled         RejectReason = "entry_unfilled"
)

// EntryRejected is the structured outcome for any signal the entry controller
// declines before a fill. It is a no-op rejection: no position, no monitor.
type EntryRejected struct {
	Reason RejectReason
	Detail string
}

func (e *EntryRejected) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("entry rejected: %s", e.Reason)
	}
	return fmt.Sprintf("entry rejected: %s: %s", e.Reason, e.Detail)
}

// ExitFailed is the structured outcome when the exit controller could not
// close a position this attempt. Recoverable marks the Low-tier give-up path,
// where the position stays open and the trigger may re-fire next tick.
type ExitFailed struct {
	PositionID  string
	Reason      string
	Recoverable bool
	Err         error
}

func (e *ExitFailed) Error() string {
	return fmt.Sprintf("exit failed for %s: %s", e.PositionID, e.Reason)
}

func (e *ExitFailed) Unwrap() error { return e.Err }
