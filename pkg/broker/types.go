package broker

import (
	"context"
	"time"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
)

// Status normalizes broker order status into a small set.
type Status string

const (
	StatusNew             Status = "new"
	StatusPendingNew      Status = "pending_new"
	StatusAccepted        Status = "accepted"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCanceled        Status = "canceled"
	StatusRejected        Status = "rejected"
	StatusExpired         Status = "expired"
	StatusUnknown         Status = "unknown"
)

// OrderRequest captures an order intent to be sent to the broker.
type OrderRequest struct {
	Symbol        string
	Qty           float64
	Side          Side
	Type          OrderType
	TimeInForce   TimeInForce
	LimitPrice    float64 // required for limit orders
	ClientOrderID string  // idempotency key, echoed back by the broker
}

// Order is the broker's view of an order.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Qty            float64
	Side           Side
	Type           OrderType
	Status         Status
	FilledQty      float64
	FilledAvgPrice float64
	LimitPrice     float64
	SubmittedAt    time.Time
	Raw            string // original response payload, kept for the audit trail
}

// Position is the broker's view of a holding.
type Position struct {
	Symbol        string
	Qty           float64
	Side          string // long or short
	AvgEntryPrice float64
	CurrentPrice  float64
	MarketValue   float64
	UnrealizedPL  float64
}

// Gateway abstracts the brokerage REST API.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	ListOrders(ctx context.Context, status string, limit int) ([]Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	ListPositions(ctx context.Context) ([]Position, error)
	// LatestPrice returns the last trade price for a symbol.
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}
