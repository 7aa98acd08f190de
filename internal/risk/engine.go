// Package risk evaluates open positions against stop-loss, take-profit,
// trailing-stop, and max-hold-duration rules, in that fixed priority order,
// and routes exits through the idempotent order submission path.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"signal-trader/internal/events"
	"signal-trader/internal/monitor"
	"signal-trader/internal/submit"
	"signal-trader/pkg/db"
)

// PriceSource supplies last trade prices; the broker gateway satisfies it.
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}

// Decision is the outcome of evaluating one position at one price.
type Decision struct {
	Triggered         bool
	Reason            string
	HighestPrice      float64
	TrailingStopPrice float64
}

// Engine runs scheduled risk evaluation over all open positions.
type Engine struct {
	DB        *db.Database
	Prices    PriceSource
	Submitter *submit.Service
	Bus       *events.Bus
	AccountID string

	// Now is a clock hook for tests; nil means time.Now.
	Now func() time.Time
}

func NewEngine(database *db.Database, prices PriceSource, submitter *submit.Service, bus *events.Bus, accountID string) *Engine {
	return &Engine{DB: database, Prices: prices, Submitter: submitter, Bus: bus, AccountID: accountID}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Evaluate applies the exit rules to a position at the given price. It does
// not touch storage; EvaluateAll persists the updated high-water mark and
// trailing stop it returns.
func Evaluate(p db.Position, price float64, cfg db.PortfolioConfig, now time.Time) Decision {
	d := Decision{HighestPrice: p.HighestPrice}

	long := p.Side != "short"

	// High-water mark moves with price in the favorable direction only.
	if d.HighestPrice == 0 {
		d.HighestPrice = p.EntryPrice
	}
	if long && price > d.HighestPrice {
		d.HighestPrice = price
	}
	if !long && (price < d.HighestPrice) {
		d.HighestPrice = price
	}

	var stopLossPrice, takeProfitPrice float64
	if long {
		stopLossPrice = p.EntryPrice * (1 - cfg.StopLossPct)
		takeProfitPrice = p.EntryPrice * (1 + cfg.TakeProfitPct)
		d.TrailingStopPrice = d.HighestPrice * (1 - cfg.TrailingStopPct)
		// The trailing floor never undercuts the fixed stop.
		if d.TrailingStopPrice < stopLossPrice {
			d.TrailingStopPrice = stopLossPrice
		}
	} else {
		stopLossPrice = p.EntryPrice * (1 + cfg.StopLossPct)
		takeProfitPrice = p.EntryPrice * (1 - cfg.TakeProfitPct)
		d.TrailingStopPrice = d.HighestPrice * (1 + cfg.TrailingStopPct)
		if d.TrailingStopPrice > stopLossPrice {
			d.TrailingStopPrice = stopLossPrice
		}
	}

	// Fixed priority order; the first rule that fires wins so near-simultaneous
	// conditions never produce ambiguous double-triggers.
	switch {
	case cfg.StopLossPct > 0 && (long && price <= stopLossPrice || !long && price >= stopLossPrice):
		d.Triggered = true
		d.Reason = db.ExitStopLoss
	case cfg.TakeProfitPct > 0 && (long && price >= takeProfitPrice || !long && price <= takeProfitPrice):
		d.Triggered = true
		d.Reason = db.ExitTakeProfit
	case cfg.TrailingStopPct > 0 && (long && price <= d.TrailingStopPrice || !long && price >= d.TrailingStopPrice):
		d.Triggered = true
		d.Reason = db.ExitTrailingStop
	case cfg.MaxHoldDays > 0 && now.Sub(p.EntryDate) > time.Duration(cfg.MaxHoldDays)*24*time.Hour:
		// Bounds exposure to stale signal information, regardless of P&L.
		d.Triggered = true
		d.Reason = db.ExitMaxHold
	}
	return d
}

// EvaluateAll reloads config and open positions, refreshes price-derived
// fields, and submits an exit order for every triggered position. Safe to
// re-invoke: in-flight exit orders suppress re-submission, and the submission
// path itself is idempotent.
func (e *Engine) EvaluateAll(ctx context.Context) error {
	cfg, err := e.DB.GetPortfolioConfig(ctx)
	if err != nil {
		return fmt.Errorf("load portfolio config: %w", err)
	}
	positions, err := e.DB.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}

	now := e.now()
	for _, p := range positions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.evaluateOne(ctx, p, *cfg, now); err != nil {
			log.Printf("risk: evaluate %s: %v", p.Ticker, err)
		}
	}
	return nil
}

func (e *Engine) evaluateOne(ctx context.Context, p db.Position, cfg db.PortfolioConfig, now time.Time) error {
	if p.ExitOrderID != "" {
		return e.checkPendingExit(ctx, p)
	}

	price, err := e.Prices.LatestPrice(ctx, p.Ticker)
	if err != nil || price <= 0 {
		// Stale stored price is better than skipping the hold-duration rule.
		price = p.CurrentPrice
		if price <= 0 {
			return fmt.Errorf("no price available: %v", err)
		}
	}

	d := Evaluate(p, price, cfg, now)

	marketValue := p.Qty * price
	unrealized := (price - p.EntryPrice) * p.Qty
	if p.Side == "short" {
		unrealized = -unrealized
	}
	if err := e.DB.UpdatePositionMarket(ctx, p.ID, price, marketValue, unrealized, d.HighestPrice, d.TrailingStopPrice); err != nil {
		return err
	}

	if !d.Triggered {
		return nil
	}

	monitor.ExitTriggers.WithLabelValues(d.Reason).Inc()
	if e.Bus != nil {
		e.Bus.Publish(events.EventExitTriggered, map[string]any{
			"position_id": p.ID,
			"ticker":      p.Ticker,
			"reason":      d.Reason,
			"price":       price,
		})
	}
	log.Printf("risk: %s exit triggered for %s at %.2f (entry %.2f)", d.Reason, p.Ticker, price, p.EntryPrice)

	exitSide := "sell"
	if p.Side == "short" {
		exitSide = "buy"
	}
	res, err := e.Submitter.Submit(ctx, submit.Intent{
		AccountID:  e.AccountID,
		Ticker:     p.Ticker,
		Side:       exitSide,
		Qty:        p.Qty,
		OrderType:  "market",
		SignalID:   p.EntrySignalID,
		ExitReason: d.Reason,
		Actor:      "scheduler",
	})
	if err != nil {
		return fmt.Errorf("submit exit order: %w", err)
	}
	return e.DB.SetPositionExitOrder(ctx, p.ID, res.Order.ID, d.Reason)
}

// checkPendingExit unblocks positions whose exit order died at the broker.
func (e *Engine) checkPendingExit(ctx context.Context, p db.Position) error {
	order, err := e.DB.GetOrder(ctx, p.ExitOrderID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return e.DB.ClearPositionExitOrder(ctx, p.ID)
		}
		return err
	}
	switch order.Status {
	case db.OrderStatusCanceled, db.OrderStatusRejected, db.OrderStatusExpired:
		log.Printf("risk: exit order %s for %s is %s, re-arming", order.ID, p.Ticker, order.Status)
		return e.DB.ClearPositionExitOrder(ctx, p.ID)
	}
	return nil // still in flight; the sync job will close the position on fill
}
