package submit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"signal-trader/internal/audit"
	"signal-trader/internal/lifecycle"
	"signal-trader/pkg/broker"
	"signal-trader/pkg/db"
)

func setup(t *testing.T) (*db.Database, *broker.Mock, *Service) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	mock := broker.NewMock()
	rec := audit.NewRecorder(database, nil)
	tracker := lifecycle.NewTracker(database, nil)
	svc := NewService(database, mock, rec, tracker, nil, 0)
	return database, mock, svc
}

func intent() Intent {
	return Intent{
		AccountID: "primary",
		Ticker:    "aapl",
		Side:      "buy",
		Qty:       10,
		Actor:     "user:test",
	}
}

func TestSubmitPlacesAndPersists(t *testing.T) {
	database, mock, svc := setup(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, intent())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Duplicate {
		t.Fatal("first submission flagged duplicate")
	}
	if mock.PlaceCalls != 1 {
		t.Fatalf("expected 1 broker call, got %d", mock.PlaceCalls)
	}
	if res.Order.Ticker != "AAPL" {
		t.Errorf("ticker not normalized: %s", res.Order.Ticker)
	}
	if res.Order.BrokerOrderID == "" {
		t.Error("broker order id not recorded")
	}

	o, err := database.GetOrder(ctx, res.Order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != string(broker.StatusAccepted) {
		t.Errorf("expected accepted, got %s", o.Status)
	}
	// The broker client_order_id is the storage key, prefixed by the lookup key.
	if o.IdempotencyKey[:len(o.LookupKey)] != o.LookupKey {
		t.Errorf("storage key %s does not extend lookup key %s", o.IdempotencyKey, o.LookupKey)
	}

	entries, err := database.ListStateLog(ctx, o.ID)
	if err != nil {
		t.Fatalf("list state log: %v", err)
	}
	if len(entries) != 1 || entries[0].Source != db.SourceUserAction {
		t.Fatalf("expected one user_action audit row, got %+v", entries)
	}
}

func TestSubmitDuplicateCollapsesWithoutBrokerCall(t *testing.T) {
	_, mock, svc := setup(t)
	ctx := context.Background()

	// Pin the clock so both calls land in the same bucket.
	now := time.Now()
	svc.Now = func() time.Time { return now }

	first, err := svc.Submit(ctx, intent())
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	second, err := svc.Submit(ctx, intent())
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("expected duplicate flag on retry")
	}
	if second.Order.ID != first.Order.ID {
		t.Errorf("duplicate returned different order: %s vs %s", second.Order.ID, first.Order.ID)
	}
	if mock.PlaceCalls != 1 {
		t.Fatalf("duplicate submission reached the broker: %d calls", mock.PlaceCalls)
	}
}

func TestSubmitDifferentIntentIsNotDuplicate(t *testing.T) {
	_, mock, svc := setup(t)
	ctx := context.Background()
	now := time.Now()
	svc.Now = func() time.Time { return now }

	if _, err := svc.Submit(ctx, intent()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	other := intent()
	other.Qty = 20
	res, err := svc.Submit(ctx, other)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Duplicate {
		t.Fatal("distinct quantity collapsed as duplicate")
	}
	if mock.PlaceCalls != 2 {
		t.Fatalf("expected 2 broker calls, got %d", mock.PlaceCalls)
	}
}

func TestSubmitValidation(t *testing.T) {
	_, mock, svc := setup(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Intent)
	}{
		{"empty ticker", func(in *Intent) { in.Ticker = " " }},
		{"bad side", func(in *Intent) { in.Side = "hold" }},
		{"zero qty", func(in *Intent) { in.Qty = 0 }},
		{"limit without price", func(in *Intent) { in.OrderType = "limit"; in.LimitPrice = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := intent()
			tc.mutate(&in)
			_, err := svc.Submit(ctx, in)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
	if mock.PlaceCalls != 0 {
		t.Fatalf("invalid intents reached the broker: %d calls", mock.PlaceCalls)
	}
}

func TestSubmitBrokerRejectionPersistsNothing(t *testing.T) {
	database, mock, svc := setup(t)
	ctx := context.Background()
	mock.PlaceErr = errors.New("insufficient buying power")

	_, err := svc.Submit(ctx, intent())
	if err == nil {
		t.Fatal("expected error from broker rejection")
	}

	orders, err := database.ListOrders(ctx, 10)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("rejected submission left %d order rows", len(orders))
	}
}

func TestSubmitTimeoutPersistsUnsubmitted(t *testing.T) {
	database, mock, svc := setup(t)
	ctx := context.Background()
	mock.PlaceErr = context.DeadlineExceeded

	_, err := svc.Submit(ctx, intent())
	if err == nil {
		t.Fatal("expected timeout error")
	}

	orders, err := database.ListOrders(ctx, 10)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected 1 unsubmitted order, got %d", len(orders))
	}
	if orders[0].Status != db.OrderStatusUnsubmitted {
		t.Errorf("expected unsubmitted, got %s", orders[0].Status)
	}

	entries, err := database.ListStateLog(ctx, orders[0].ID)
	if err != nil {
		t.Fatalf("list state log: %v", err)
	}
	if len(entries) != 1 || entries[0].Source != db.SourceSystemTimeout {
		t.Fatalf("expected one system_timeout audit row, got %+v", entries)
	}
}

func TestSubmitWithSignalMovesLifecycle(t *testing.T) {
	database, _, svc := setup(t)
	ctx := context.Background()

	if err := database.CreateSignal(ctx, db.Signal{
		ID:             "sig-1",
		Ticker:         "AAPL",
		Classification: "buy",
		Confidence:     0.9,
	}); err != nil {
		t.Fatalf("create signal: %v", err)
	}

	in := intent()
	in.SignalID = "sig-1"
	if _, err := svc.Submit(ctx, in); err != nil {
		t.Fatalf("submit: %v", err)
	}

	state, err := svc.Lifecycle.Current(ctx, "sig-1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if state != db.SignalOrdered {
		t.Errorf("expected ordered, got %s", state)
	}
}

func TestSubmitBatchIsolatesFailures(t *testing.T) {
	_, mock, svc := setup(t)
	ctx := context.Background()

	intents := []Intent{
		{AccountID: "primary", Ticker: "AAPL", Side: "buy", Qty: 10, Actor: "scheduler"},
		{AccountID: "primary", Ticker: "", Side: "buy", Qty: 5, Actor: "scheduler"}, // invalid
		{AccountID: "primary", Ticker: "MSFT", Side: "buy", Qty: 3, Actor: "scheduler"},
	}

	results := svc.SubmitBatch(ctx, intents)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Error != "" || results[0].OrderID == "" {
		t.Errorf("item 0 should succeed: %+v", results[0])
	}
	if results[1].Error == "" {
		t.Error("item 1 should fail validation")
	}
	if results[2].Error != "" || results[2].OrderID == "" {
		t.Errorf("item 2 should succeed despite item 1 failing: %+v", results[2])
	}
	if mock.PlaceCalls != 2 {
		t.Fatalf("expected 2 broker calls, got %d", mock.PlaceCalls)
	}
}

func TestSubmitBatchRetryFindsDuplicates(t *testing.T) {
	_, mock, svc := setup(t)
	ctx := context.Background()
	now := time.Now()
	svc.Now = func() time.Time { return now }

	intents := []Intent{
		{AccountID: "primary", Ticker: "AAPL", Side: "buy", Qty: 10, Actor: "scheduler"},
		{AccountID: "primary", Ticker: "MSFT", Side: "buy", Qty: 3, Actor: "scheduler"},
	}

	first := svc.SubmitBatch(ctx, intents)
	retry := svc.SubmitBatch(ctx, intents)

	for i := range retry {
		if !retry[i].Duplicate {
			t.Errorf("retry item %d not flagged duplicate", i)
		}
		if retry[i].OrderID != first[i].OrderID {
			t.Errorf("retry item %d got different order id", i)
		}
	}
	if mock.PlaceCalls != 2 {
		t.Fatalf("retry reached the broker: %d calls", mock.PlaceCalls)
	}
}

// slowGateway delays PlaceOrder so concurrent submissions overlap in the
// check-place-persist window.
type slowGateway struct {
	*broker.Mock
	delay time.Duration
}

func (g *slowGateway) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	time.Sleep(g.delay)
	return g.Mock.PlaceOrder(ctx, req)
}

func TestSubmitConcurrentSameIntentPlacesOnce(t *testing.T) {
	database, mock, svc := setup(t)
	svc.Gateway = &slowGateway{Mock: mock, delay: 50 * time.Millisecond}
	pinned := time.Now()
	svc.Now = func() time.Time { return pinned }

	const n = 4
	var wg sync.WaitGroup
	results := make([]*Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Submit(context.Background(), intent())
		}(i)
	}
	wg.Wait()

	if mock.PlaceCalls != 1 {
		t.Fatalf("expected 1 broker call, got %d", mock.PlaceCalls)
	}

	originals := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("submit %d: %v", i, errs[i])
		}
		if !results[i].Duplicate {
			originals++
		}
	}
	if originals != 1 {
		t.Fatalf("expected exactly 1 non-duplicate result, got %d", originals)
	}

	var count int
	if err := database.DB.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&count); err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 persisted order, got %d", count)
	}
}

func TestSubmitExitIntentOnFilledSignal(t *testing.T) {
	database, mock, svc := setup(t)
	ctx := context.Background()

	if err := database.CreateSignal(ctx, db.Signal{
		ID: "sig-1", Ticker: "AAPL", Classification: "buy", Confidence: 0.9,
	}); err != nil {
		t.Fatalf("create signal: %v", err)
	}
	tracker := lifecycle.NewTracker(database, nil)
	if _, err := tracker.Transition(ctx, lifecycle.Change{
		SignalID: "sig-1", NewState: db.SignalFilled, Actor: "test",
	}); err != nil {
		t.Fatalf("fill signal: %v", err)
	}

	// An exit sell keeps the signal id for lineage; the terminal lifecycle
	// state must not roll back the order row.
	in := intent()
	in.Side = "sell"
	in.SignalID = "sig-1"
	in.ExitReason = db.ExitStopLoss

	res, err := svc.Submit(ctx, in)
	if err != nil {
		t.Fatalf("exit submit against filled signal: %v", err)
	}
	if mock.PlaceCalls != 1 {
		t.Fatalf("expected 1 broker call, got %d", mock.PlaceCalls)
	}
	o, err := database.GetOrder(ctx, res.Order.ID)
	if err != nil {
		t.Fatalf("exit order not persisted: %v", err)
	}
	if o.SignalID != "sig-1" || o.ExitReason != db.ExitStopLoss {
		t.Errorf("unexpected exit order: %+v", o)
	}

	state, err := tracker.Current(ctx, "sig-1")
	if err != nil {
		t.Fatalf("signal state: %v", err)
	}
	if state != db.SignalFilled {
		t.Errorf("signal state changed to %s", state)
	}
}
