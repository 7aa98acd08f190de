package db

import (
	"database/sql"
	"time"
)

// Order statuses as normalized from the broker. "unsubmitted" exists only
// before the first broker ack.
const (
	OrderStatusUnsubmitted     = "unsubmitted"
	OrderStatusNew             = "new"
	OrderStatusPendingNew      = "pending_new"
	OrderStatusAccepted        = "accepted"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCanceled        = "canceled"
	OrderStatusRejected        = "rejected"
	OrderStatusExpired         = "expired"
)

// IsTerminalOrderStatus reports whether an order can no longer change state.
func IsTerminalOrderStatus(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Transition sources for order_state_log rows.
const (
	SourceUserAction    = "user_action"
	SourceBrokerWebhook = "broker_webhook"
	SourceBrokerPoll    = "broker_poll"
	SourceSystemTimeout = "system_timeout"
	SourceScheduler     = "scheduler"
)

// Signal lifecycle states.
const (
	SignalGenerated   = "generated"
	SignalActive      = "active"
	SignalInCart      = "in_cart"
	SignalOrdered     = "ordered"
	SignalExecuted    = "executed"
	SignalFilled      = "filled"
	SignalExpired     = "expired"
	SignalCanceled    = "canceled"
	SignalInvalidated = "invalidated"
)

// IsTerminalSignalState reports whether a signal state admits no transitions.
func IsTerminalSignalState(state string) bool {
	switch state {
	case SignalFilled, SignalExpired, SignalCanceled, SignalInvalidated:
		return true
	}
	return false
}

// Exit reasons recorded on closing orders and positions.
const (
	ExitStopLoss     = "stop_loss"
	ExitTakeProfit   = "take_profit"
	ExitTrailingStop = "trailing_stop"
	ExitMaxHold      = "max_hold"
	ExitManual       = "manual"
)

// Signal is a trading recommendation produced by the external model pipeline.
type Signal struct {
	ID             string
	Ticker         string
	Classification string // strong_buy, buy, hold, sell, strong_sell
	Confidence     float64
	ModelRef       string
	AssetType      string
	ValidFrom      sql.NullTime
	ValidUntil     sql.NullTime
	Archived       bool
	CreatedAt      time.Time
}

// SignalLifecycleEntry is one append-only lifecycle transition for a signal.
type SignalLifecycleEntry struct {
	ID         int64
	SignalID   string
	PrevState  string
	NewState   string
	OrderID    string
	PositionID string
	Reason     string
	Actor      string
	CreatedAt  time.Time
}

// Order is a brokerage order; exactly one row exists per idempotency key.
type Order struct {
	ID             string
	AccountID      string
	Ticker         string
	Side           string // buy, sell
	Qty            float64
	OrderType      string // market, limit
	LimitPrice     float64
	IdempotencyKey string
	LookupKey      string
	BrokerOrderID  string
	Status         string
	FilledQty      float64
	FilledAvgPrice float64
	SignalID       string
	ExitReason     string
	SubmittedAt    sql.NullTime
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OrderStateLogEntry is one immutable audit row for an order status change.
type OrderStateLogEntry struct {
	ID             int64
	OrderID        string
	PrevStatus     string
	NewStatus      string
	Source         string
	FilledQty      float64
	FilledAvgPrice float64
	ErrorCode      string
	ErrorMessage   string
	RawEvent       string // original upstream payload, kept for forensic replay
	CreatedAt      time.Time
}

// Position tracks one holding from entry order fill to exit.
type Position struct {
	ID                string
	Ticker            string
	Side              string // long, short
	Qty               float64
	EntryPrice        float64
	EntryDate         time.Time
	EntrySignalID     string
	EntryOrderID      string
	CurrentPrice      float64
	MarketValue       float64
	UnrealizedPL      float64
	HighestPrice      float64
	StopLossPrice     float64
	TakeProfitPrice   float64
	TrailingStopPrice float64
	IsOpen            bool
	ExitPrice         sql.NullFloat64
	ExitDate          sql.NullTime
	ExitReason        string
	ExitOrderID       string
	ExitSignalID      string
	RealizedPL        sql.NullFloat64
	RealizedPLPct     sql.NullFloat64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PortfolioState is the singleton derived aggregate row. Only the reconciler
// writes it, always by full overwrite.
type PortfolioState struct {
	Cash               float64
	PortfolioValue     float64
	PositionsValue     float64
	OpenPositions      int
	TradesToday        int
	TradesTotal        int
	WinningTrades      int
	LosingTrades       int
	WinRate            float64
	AvgWinPct          float64
	AvgLossPct         float64
	ProfitFactor       float64
	PeakValue          float64
	CurrentDrawdownPct float64
	MaxDrawdownPct     float64
	LastTradeDay       string
	UpdatedAt          time.Time
}

// PortfolioConfig is the singleton operator-tunable risk configuration row.
type PortfolioConfig struct {
	CapitalBase             float64
	ConfidenceThreshold     float64
	MaxOpenPositions        int
	MaxPositionSizePct      float64
	MaxSingleTradePct       float64
	MaxDailyTrades          int
	StopLossPct             float64
	TakeProfitPct           float64
	TrailingStopPct         float64
	MaxHoldDays             int
	BasePositionSizePct     float64
	MaxConfidenceMultiplier float64
	UpdatedAt               time.Time
}

// PortfolioSnapshot is one end-of-day copy of the portfolio aggregates.
type PortfolioSnapshot struct {
	Day            string
	Cash           float64
	PortfolioValue float64
	PositionsValue float64
	OpenPositions  int
	TradesTotal    int
	WinRate        float64
	ProfitFactor   float64
	MaxDrawdownPct float64
	CreatedAt      time.Time
}
