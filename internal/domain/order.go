package domain

import "github.com/shopspring/decimal"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType selects the price strategy for a single order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderRequest describes a single order to be placed with the broker
// collaborator.
type OrderRequest struct {
	ClientID string // idempotency key, one per logical placement
	MarketID string
	TokenID  string
	Side     OrderSide
	Quantity int64
	Type     OrderType
	Price    decimal.Decimal // ignored for market orders
}

// OrderHandle references an order accepted by the broker.
type OrderHandle struct {
	OrderID string
}

// FillStatus is the broker's answer to a fill poll.
type FillStatus struct {
	Filled         bool // fully filled
	FillPrice      decimal.Decimal
	FilledQuantity int64
}
