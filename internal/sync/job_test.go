package sync

import (
	"context"
	"database/sql"
	"math"
	"testing"
	"time"

	"signal-trader/internal/audit"
	"signal-trader/internal/events"
	"signal-trader/internal/lifecycle"
	"signal-trader/internal/portfolio"
	"signal-trader/pkg/broker"
	"signal-trader/pkg/db"
)

func setup(t *testing.T) (*db.Database, *broker.Mock, *Job) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	_, err = database.DB.ExecContext(context.Background(), `
		INSERT INTO portfolio_config (id, capital_base, confidence_threshold,
			max_open_positions, max_position_size_pct, max_single_trade_pct,
			max_daily_trades, stop_loss_pct, take_profit_pct, trailing_stop_pct,
			max_hold_days, base_position_size_pct, max_confidence_multiplier)
		VALUES (1, 100000, 0.65, 10, 0.10, 0.05, 20, 0.05, 0.10, 0.08, 10, 0.02, 2.0)
	`)
	if err != nil {
		t.Fatalf("seed config: %v", err)
	}

	mock := broker.NewMock()
	bus := events.NewBus()
	job := &Job{
		DB:         database,
		Gateway:    mock,
		Recorder:   audit.NewRecorder(database, bus),
		Lifecycle:  lifecycle.NewTracker(database, bus),
		Reconciler: portfolio.NewReconciler(database, bus),
		Bus:        bus,
		AccountID:  "primary",
	}
	return database, mock, job
}

func insertLocalOrder(t *testing.T, database *db.Database, o db.Order) {
	t.Helper()
	ctx := context.Background()
	err := database.WithTx(ctx, func(tx *sql.Tx) error {
		return database.CreateOrderTx(ctx, tx, o)
	})
	if err != nil {
		t.Fatalf("insert order: %v", err)
	}
}

func TestSyncOrdersAppliesBrokerStatus(t *testing.T) {
	database, mock, job := setup(t)
	ctx := context.Background()

	insertLocalOrder(t, database, db.Order{
		ID: "order-1", AccountID: "primary", Ticker: "AAPL", Side: "sell",
		Qty: 10, OrderType: "market", IdempotencyKey: "idem-1",
		LookupKey: "lk-1", BrokerOrderID: "brk-1", Status: db.OrderStatusNew,
	})
	mock.AddOrder(broker.Order{
		ID: "brk-1", ClientOrderID: "idem-1", Symbol: "AAPL",
		Qty: 10, Side: broker.SideSell, Type: broker.OrderTypeMarket,
		Status: broker.StatusCanceled, Raw: `{"status":"canceled"}`,
	})

	if err := job.SyncOrders(ctx); err != nil {
		t.Fatalf("sync orders: %v", err)
	}

	o, err := database.GetOrder(ctx, "order-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != db.OrderStatusCanceled {
		t.Errorf("expected canceled, got %s", o.Status)
	}
	entries, _ := database.ListStateLog(ctx, "order-1")
	if len(entries) != 1 || entries[0].Source != db.SourceBrokerPoll {
		t.Fatalf("expected one broker_poll audit row, got %+v", entries)
	}

	// Re-poll with no broker-side change appends nothing.
	if err := job.SyncOrders(ctx); err != nil {
		t.Fatalf("re-sync: %v", err)
	}
	entries, _ = database.ListStateLog(ctx, "order-1")
	if len(entries) != 1 {
		t.Fatalf("re-poll appended audit rows: %d", len(entries))
	}
}

func TestSyncOrdersMatchesTimedOutSubmission(t *testing.T) {
	database, mock, job := setup(t)
	ctx := context.Background()

	// A broker timeout left an unsubmitted row; its idempotency key went out
	// as the broker client_order_id.
	insertLocalOrder(t, database, db.Order{
		ID: "order-1", AccountID: "primary", Ticker: "AAPL", Side: "buy",
		Qty: 10, OrderType: "market", IdempotencyKey: "idem-1",
		LookupKey: "lk-1", Status: db.OrderStatusUnsubmitted,
	})
	mock.AddOrder(broker.Order{
		ID: "brk-9", ClientOrderID: "idem-1", Symbol: "AAPL",
		Qty: 10, Side: broker.SideBuy, Type: broker.OrderTypeMarket,
		Status: broker.StatusAccepted, Raw: `{"status":"accepted"}`,
	})

	if err := job.SyncOrders(ctx); err != nil {
		t.Fatalf("sync orders: %v", err)
	}

	o, err := database.GetOrder(ctx, "order-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.BrokerOrderID != "brk-9" {
		t.Errorf("broker id not matched: %q", o.BrokerOrderID)
	}
	if o.Status != db.OrderStatusAccepted {
		t.Errorf("status not resolved: %s", o.Status)
	}
}

func TestSyncOrdersAdoptsOrphan(t *testing.T) {
	database, mock, job := setup(t)
	ctx := context.Background()

	mock.AddOrder(broker.Order{
		ID: "brk-5", Symbol: "TSLA", Qty: 3,
		Side: broker.SideBuy, Type: broker.OrderTypeMarket,
		Status: broker.StatusAccepted, SubmittedAt: time.Now(),
		Raw: `{"status":"accepted"}`,
	})

	if err := job.SyncOrders(ctx); err != nil {
		t.Fatalf("sync orders: %v", err)
	}

	o, err := database.GetOrderByBrokerID(ctx, "brk-5")
	if err != nil {
		t.Fatalf("orphan not adopted: %v", err)
	}
	if o.Ticker != "TSLA" || o.Qty != 3 {
		t.Errorf("adopted order wrong: %+v", o)
	}
	if o.Status != db.OrderStatusAccepted {
		t.Errorf("adopted order status: %s", o.Status)
	}
	// Initial row plus the new -> accepted transition.
	entries, _ := database.ListStateLog(ctx, o.ID)
	if len(entries) != 2 || entries[0].Source != db.SourceBrokerPoll {
		t.Fatalf("adopted order missing audit trail: %+v", entries)
	}
}

func TestSyncOrdersBuyFillOpensPosition(t *testing.T) {
	database, mock, job := setup(t)
	ctx := context.Background()

	if err := database.CreateSignal(ctx, db.Signal{
		ID: "sig-1", Ticker: "AAPL", Classification: "buy", Confidence: 0.9,
	}); err != nil {
		t.Fatalf("create signal: %v", err)
	}
	insertLocalOrder(t, database, db.Order{
		ID: "order-1", AccountID: "primary", Ticker: "AAPL", Side: "buy",
		Qty: 10, OrderType: "market", IdempotencyKey: "idem-1",
		LookupKey: "lk-1", BrokerOrderID: "brk-1", Status: db.OrderStatusNew,
		SignalID: "sig-1",
	})
	mock.AddOrder(broker.Order{
		ID: "brk-1", ClientOrderID: "idem-1", Symbol: "AAPL",
		Qty: 10, Side: broker.SideBuy, Type: broker.OrderTypeMarket,
		Status: broker.StatusFilled, FilledQty: 10, FilledAvgPrice: 151.5,
		Raw: `{"status":"filled"}`,
	})

	if err := job.SyncOrders(ctx); err != nil {
		t.Fatalf("sync orders: %v", err)
	}

	p, err := database.GetOpenPositionByTicker(ctx, "AAPL")
	if err != nil {
		t.Fatalf("position not opened: %v", err)
	}
	if p.Qty != 10 || p.EntryPrice != 151.5 || p.EntryOrderID != "order-1" {
		t.Errorf("position wrong: %+v", p)
	}
	// Stops derive from the configured percentages at entry.
	if math.Abs(p.StopLossPrice-151.5*0.95) > 1e-9 || math.Abs(p.TakeProfitPrice-151.5*1.10) > 1e-9 {
		t.Errorf("stops wrong: sl=%.4f tp=%.4f", p.StopLossPrice, p.TakeProfitPrice)
	}

	state, err := job.Lifecycle.Current(ctx, "sig-1")
	if err != nil {
		t.Fatalf("signal state: %v", err)
	}
	if state != db.SignalFilled {
		t.Errorf("expected signal filled, got %s", state)
	}

	// Re-polling the filled order does not open a second position.
	if err := job.SyncOrders(ctx); err != nil {
		t.Fatalf("re-sync: %v", err)
	}
	open, _ := database.ListOpenPositions(ctx)
	if len(open) != 1 {
		t.Fatalf("re-poll duplicated position: %d open", len(open))
	}
}

func TestSyncOrdersExitFillClosesPosition(t *testing.T) {
	database, mock, job := setup(t)
	ctx := context.Background()

	if err := database.CreatePosition(ctx, db.Position{
		ID: "pos-1", Ticker: "AAPL", Side: "long", Qty: 10,
		EntryPrice: 100, EntryDate: time.Now(), CurrentPrice: 100,
	}); err != nil {
		t.Fatalf("create position: %v", err)
	}
	insertLocalOrder(t, database, db.Order{
		ID: "order-2", AccountID: "primary", Ticker: "AAPL", Side: "sell",
		Qty: 10, OrderType: "market", IdempotencyKey: "idem-2",
		LookupKey: "lk-2", BrokerOrderID: "brk-2", Status: db.OrderStatusNew,
		ExitReason: db.ExitStopLoss,
	})
	if err := database.SetPositionExitOrder(ctx, "pos-1", "order-2", db.ExitStopLoss); err != nil {
		t.Fatalf("arm exit: %v", err)
	}
	mock.AddOrder(broker.Order{
		ID: "brk-2", ClientOrderID: "idem-2", Symbol: "AAPL",
		Qty: 10, Side: broker.SideSell, Type: broker.OrderTypeMarket,
		Status: broker.StatusFilled, FilledQty: 10, FilledAvgPrice: 94,
		Raw: `{"status":"filled"}`,
	})

	if err := job.SyncOrders(ctx); err != nil {
		t.Fatalf("sync orders: %v", err)
	}

	p, err := database.GetPosition(ctx, "pos-1")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if p.IsOpen {
		t.Fatal("position still open after exit fill")
	}
	if !p.RealizedPL.Valid || p.RealizedPL.Float64 != -60 {
		t.Errorf("realized pl: got %+v, want -60", p.RealizedPL)
	}
	if !p.RealizedPLPct.Valid || p.RealizedPLPct.Float64 != -6 {
		t.Errorf("realized pl pct: got %+v, want -6", p.RealizedPLPct)
	}
	if p.ExitReason != db.ExitStopLoss {
		t.Errorf("exit reason: got %s", p.ExitReason)
	}
}

func TestSyncOrdersDeadExitReArms(t *testing.T) {
	database, mock, job := setup(t)
	ctx := context.Background()

	if err := database.CreatePosition(ctx, db.Position{
		ID: "pos-1", Ticker: "AAPL", Side: "long", Qty: 10,
		EntryPrice: 100, EntryDate: time.Now(), CurrentPrice: 100,
	}); err != nil {
		t.Fatalf("create position: %v", err)
	}
	insertLocalOrder(t, database, db.Order{
		ID: "order-2", AccountID: "primary", Ticker: "AAPL", Side: "sell",
		Qty: 10, OrderType: "market", IdempotencyKey: "idem-2",
		LookupKey: "lk-2", BrokerOrderID: "brk-2", Status: db.OrderStatusNew,
		ExitReason: db.ExitStopLoss,
	})
	if err := database.SetPositionExitOrder(ctx, "pos-1", "order-2", db.ExitStopLoss); err != nil {
		t.Fatalf("arm exit: %v", err)
	}
	mock.AddOrder(broker.Order{
		ID: "brk-2", ClientOrderID: "idem-2", Symbol: "AAPL",
		Qty: 10, Side: broker.SideSell, Type: broker.OrderTypeMarket,
		Status: broker.StatusRejected, Raw: `{"status":"rejected"}`,
	})

	if err := job.SyncOrders(ctx); err != nil {
		t.Fatalf("sync orders: %v", err)
	}

	p, err := database.GetPosition(ctx, "pos-1")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !p.IsOpen {
		t.Fatal("position closed on rejected exit")
	}
	if p.ExitOrderID != "" {
		t.Errorf("dead exit order not cleared: %s", p.ExitOrderID)
	}
}

func TestSyncPositionsRefreshesMarks(t *testing.T) {
	database, mock, job := setup(t)
	ctx := context.Background()

	if err := database.CreatePosition(ctx, db.Position{
		ID: "pos-1", Ticker: "AAPL", Side: "long", Qty: 10,
		EntryPrice: 100, EntryDate: time.Now(), CurrentPrice: 100,
		MarketValue: 1000, HighestPrice: 100,
	}); err != nil {
		t.Fatalf("create position: %v", err)
	}
	mock.SetPositions([]broker.Position{{
		Symbol: "AAPL", Qty: 10, Side: "long",
		AvgEntryPrice: 100, CurrentPrice: 107,
		MarketValue: 1070, UnrealizedPL: 70,
	}})

	if err := job.SyncPositions(ctx); err != nil {
		t.Fatalf("sync positions: %v", err)
	}

	p, err := database.GetPosition(ctx, "pos-1")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if p.CurrentPrice != 107 || p.MarketValue != 1070 || p.UnrealizedPL != 70 {
		t.Errorf("marks not refreshed: %+v", p)
	}

	// Reconciler ran after the sync: the aggregate row reflects the book.
	state, err := database.GetPortfolioState(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.OpenPositions != 1 {
		t.Errorf("aggregates not rebuilt: %+v", state)
	}
}
