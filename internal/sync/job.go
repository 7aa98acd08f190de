// Package sync reconciles local order and position rows against the broker.
// The broker is authoritative for order status; local rows are owned by the
// trader. The job only ever writes locally, never at the broker, so a
// credential scoped to this job cannot create positions on its own.
package sync

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/google/uuid"

	"signal-trader/internal/audit"
	"signal-trader/internal/events"
	"signal-trader/internal/lifecycle"
	"signal-trader/internal/portfolio"
	"signal-trader/pkg/broker"
	"signal-trader/pkg/db"
)

// Job polls the broker and folds what it learns into the local tables.
type Job struct {
	DB         *db.Database
	Gateway    broker.Gateway
	Recorder   *audit.Recorder
	Lifecycle  *lifecycle.Tracker
	Reconciler *portfolio.Reconciler
	Bus        *events.Bus
	AccountID  string

	// Now is a clock hook for tests; nil means time.Now.
	Now func() time.Time
}

func (j *Job) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

// SyncOrders pulls recent broker orders and applies every status it learns
// through the audit recorder, then rebuilds the portfolio aggregates. Safe to
// re-run at any frequency: unchanged statuses are no-ops in the recorder.
func (j *Job) SyncOrders(ctx context.Context) error {
	remote, err := j.Gateway.ListOrders(ctx, "all", 500)
	if err != nil {
		return err
	}

	for _, ro := range remote {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := j.syncOne(ctx, ro); err != nil {
			log.Printf("sync: order %s (%s): %v", ro.ID, ro.Symbol, err)
		}
	}

	// Open orders with a broker id that did not appear in the listing (page
	// window rolled past them) get fetched individually.
	open, err := j.DB.ListOpenOrders(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(remote))
	for _, ro := range remote {
		seen[ro.ID] = true
	}
	for _, lo := range open {
		if lo.BrokerOrderID == "" || seen[lo.BrokerOrderID] {
			continue
		}
		ro, err := j.Gateway.GetOrder(ctx, lo.BrokerOrderID)
		if err != nil {
			log.Printf("sync: fetch order %s: %v", lo.BrokerOrderID, err)
			continue
		}
		if err := j.syncOne(ctx, *ro); err != nil {
			log.Printf("sync: order %s (%s): %v", ro.ID, ro.Symbol, err)
		}
	}

	if _, err := j.Reconciler.Recompute(ctx); err != nil {
		return err
	}
	return nil
}

func (j *Job) syncOne(ctx context.Context, ro broker.Order) error {
	local, err := j.DB.GetOrderByBrokerID(ctx, ro.ID)
	if err == db.ErrNotFound {
		local, err = j.adoptOrder(ctx, ro)
	}
	if err != nil {
		return err
	}
	if ro.Status == broker.StatusUnknown {
		log.Printf("sync: order %s reported unmapped status, leaving %s as-is", ro.ID, local.Status)
		return nil
	}

	t, err := j.Recorder.Record(ctx, local.ID, string(ro.Status),
		audit.Fill{Qty: ro.FilledQty, AvgPrice: ro.FilledAvgPrice},
		"", "", audit.BrokerPoll{RawBody: ro.Raw})
	if err != nil {
		return err
	}
	if !t.Applied {
		return nil
	}

	switch t.NewStatus {
	case db.OrderStatusFilled:
		return j.onFilled(ctx, local, ro)
	case db.OrderStatusCanceled, db.OrderStatusRejected, db.OrderStatusExpired:
		return j.onDead(ctx, local, t.NewStatus)
	}
	return nil
}

// adoptOrder resolves a broker order that no local row claims. A timed-out
// submission left an unsubmitted row whose idempotency key became the broker
// client order id; matching on that recovers the "we don't know what
// happened" case. Anything else is a true orphan and gets a local row so the
// audit trail stays complete.
func (j *Job) adoptOrder(ctx context.Context, ro broker.Order) (*db.Order, error) {
	if ro.ClientOrderID != "" {
		local, err := j.DB.GetOrderByIdempotencyKey(ctx, ro.ClientOrderID)
		if err == nil {
			if err := j.DB.SetOrderBrokerID(ctx, local.ID, ro.ID); err != nil {
				return nil, err
			}
			local.BrokerOrderID = ro.ID
			log.Printf("sync: matched unsubmitted order %s to broker order %s by client order id", local.ID, ro.ID)
			return local, nil
		}
		if err != db.ErrNotFound {
			return nil, err
		}
	}

	o := db.Order{
		ID:             uuid.NewString(),
		AccountID:      j.AccountID,
		Ticker:         ro.Symbol,
		Side:           string(ro.Side),
		Qty:            ro.Qty,
		OrderType:      string(ro.Type),
		LimitPrice:     ro.LimitPrice,
		IdempotencyKey: orderKeyFor(ro),
		LookupKey:      "adopted",
		BrokerOrderID:  ro.ID,
		Status:         db.OrderStatusNew,
		SubmittedAt:    sql.NullTime{Time: ro.SubmittedAt, Valid: !ro.SubmittedAt.IsZero()},
	}
	err := j.DB.WithTx(ctx, func(tx *sql.Tx) error {
		if err := j.DB.CreateOrderTx(ctx, tx, o); err != nil {
			return err
		}
		return j.Recorder.RecordInitialTx(ctx, tx, o.ID, o.Status, audit.Fill{}, audit.BrokerPoll{RawBody: ro.Raw})
	})
	if err != nil {
		return nil, err
	}
	log.Printf("sync: adopted broker order %s (%s %s %.4f) with no local row", ro.ID, ro.Side, ro.Symbol, ro.Qty)
	return &o, nil
}

func orderKeyFor(ro broker.Order) string {
	if ro.ClientOrderID != "" {
		return ro.ClientOrderID
	}
	return "broker-" + ro.ID
}

// onFilled opens or closes a position depending on what the order was.
func (j *Job) onFilled(ctx context.Context, o *db.Order, ro broker.Order) error {
	// Exit orders are stamped on their position at submission time.
	if p, err := j.DB.GetOpenPositionByExitOrder(ctx, o.ID); err == nil {
		return j.closePosition(ctx, p, o, ro)
	} else if err != db.ErrNotFound {
		return err
	}

	if o.Side == string(broker.SideSell) {
		// A sell fill with no armed position still closes the matching
		// holding; a manual console sale must not leave the row open.
		p, err := j.DB.GetOpenPositionByTicker(ctx, o.Ticker)
		if err == db.ErrNotFound {
			log.Printf("sync: sell fill %s for %s with no open position", o.ID, o.Ticker)
			return nil
		}
		if err != nil {
			return err
		}
		return j.closePosition(ctx, p, o, ro)
	}

	return j.openPosition(ctx, o, ro)
}

func (j *Job) openPosition(ctx context.Context, o *db.Order, ro broker.Order) error {
	if _, err := j.DB.GetOpenPositionByTicker(ctx, o.Ticker); err == nil {
		// Re-poll of an already handled fill; the position exists.
		return nil
	} else if err != db.ErrNotFound {
		return err
	}

	cfg, err := j.DB.GetPortfolioConfig(ctx)
	if err != nil {
		return err
	}

	entry := ro.FilledAvgPrice
	if entry == 0 {
		entry = o.LimitPrice
	}
	qty := ro.FilledQty
	if qty == 0 {
		qty = o.Qty
	}

	p := db.Position{
		ID:                uuid.NewString(),
		Ticker:            o.Ticker,
		Side:              "long",
		Qty:               qty,
		EntryPrice:        entry,
		EntryDate:         j.now(),
		EntrySignalID:     o.SignalID,
		EntryOrderID:      o.ID,
		CurrentPrice:      entry,
		MarketValue:       qty * entry,
		HighestPrice:      entry,
		StopLossPrice:     entry * (1 - cfg.StopLossPct),
		TakeProfitPrice:   entry * (1 + cfg.TakeProfitPct),
		TrailingStopPrice: entry * (1 - cfg.TrailingStopPct),
	}
	// Trailing never sits below the fixed stop.
	if p.TrailingStopPrice < p.StopLossPrice {
		p.TrailingStopPrice = p.StopLossPrice
	}
	if err := j.DB.CreatePosition(ctx, p); err != nil {
		return err
	}

	if o.SignalID != "" {
		if _, err := j.Lifecycle.Transition(ctx, lifecycle.Change{
			SignalID:   o.SignalID,
			NewState:   db.SignalFilled,
			OrderID:    o.ID,
			PositionID: p.ID,
			Reason:     "entry order filled",
			Actor:      "broker_poll",
		}); err != nil {
			log.Printf("sync: lifecycle for signal %s: %v", o.SignalID, err)
		}
	}

	if j.Bus != nil {
		j.Bus.Publish(events.EventPositionOpened, p)
	}
	log.Printf("sync: opened position %s %s qty=%.4f entry=%.4f", p.ID, p.Ticker, p.Qty, p.EntryPrice)
	return nil
}

func (j *Job) closePosition(ctx context.Context, p *db.Position, o *db.Order, ro broker.Order) error {
	exitPrice := ro.FilledAvgPrice
	if exitPrice == 0 {
		exitPrice = p.CurrentPrice
	}

	pl := (exitPrice - p.EntryPrice) * p.Qty
	if p.Side == "short" {
		pl = (p.EntryPrice - exitPrice) * p.Qty
	}
	plPct := 0.0
	if basis := p.EntryPrice * p.Qty; basis > 0 {
		plPct = pl / basis * 100
	}

	reason := o.ExitReason
	if reason == "" {
		reason = p.ExitReason
	}
	if reason == "" {
		reason = db.ExitManual
	}

	if err := j.DB.ClosePosition(ctx, p.ID, exitPrice, j.now(), reason, o.ID, pl, plPct); err != nil {
		return err
	}
	if j.Bus != nil {
		j.Bus.Publish(events.EventPositionClosed, map[string]any{
			"position_id": p.ID,
			"ticker":      p.Ticker,
			"exit_price":  exitPrice,
			"exit_reason": reason,
			"realized_pl": pl,
		})
	}
	log.Printf("sync: closed position %s %s exit=%.4f reason=%s pl=%.2f", p.ID, p.Ticker, exitPrice, reason, pl)
	return nil
}

// onDead re-arms the position behind a canceled, rejected, or expired exit
// order so the next risk cycle can submit a fresh one.
func (j *Job) onDead(ctx context.Context, o *db.Order, status string) error {
	p, err := j.DB.GetOpenPositionByExitOrder(ctx, o.ID)
	if err == db.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("sync: exit order %s for position %s ended %s, re-arming", o.ID, p.ID, status)
	return j.DB.ClearPositionExitOrder(ctx, p.ID)
}

// SyncPositions refreshes open position marks from the broker's holdings and
// flags contradictions it cannot resolve on its own.
func (j *Job) SyncPositions(ctx context.Context) error {
	remote, err := j.Gateway.ListPositions(ctx)
	if err != nil {
		return err
	}

	held := make(map[string]broker.Position, len(remote))
	for _, rp := range remote {
		held[rp.Symbol] = rp
	}

	open, err := j.DB.ListOpenPositions(ctx)
	if err != nil {
		return err
	}
	for _, p := range open {
		rp, ok := held[p.Ticker]
		if !ok {
			// An open local row the broker does not hold usually means an
			// exit filled and order sync has not caught up yet. Log only;
			// order sync owns closing.
			log.Printf("sync: local position %s (%s) not held at broker", p.ID, p.Ticker)
			continue
		}
		delete(held, p.Ticker)

		price := rp.CurrentPrice
		if price <= 0 {
			continue
		}
		mv := rp.MarketValue
		if mv == 0 {
			mv = p.Qty * price
		}
		if err := j.DB.UpdatePositionMarket(ctx, p.ID, price, mv, rp.UnrealizedPL, p.HighestPrice, p.TrailingStopPrice); err != nil {
			log.Printf("sync: update position %s: %v", p.ID, err)
		}
	}

	for sym, rp := range held {
		// Broker holds something we show no open position for. Never opened
		// here, or closed locally while still held remotely; either way a
		// human has to look.
		log.Printf("sync: ANOMALY broker holds %s qty=%.4f with no open local position", sym, rp.Qty)
	}

	if _, err := j.Reconciler.Recompute(ctx); err != nil {
		return err
	}
	return nil
}
