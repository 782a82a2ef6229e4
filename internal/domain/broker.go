package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Broker is the market/order collaborator. Every call is a suspending I/O
// operation and must honor context cancellation.
type Broker interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderHandle, error)
	PollFill(ctx context.Context, h OrderHandle) (FillStatus, error)
	Cancel(ctx context.Context, h OrderHandle) error
}

// PriceFeed is the market-data collaborator. Freshness and caching are its
// concern, not the engine's.
type PriceFeed interface {
	CurrentPrice(ctx context.Context, tokenID string) (decimal.Decimal, error)
}
