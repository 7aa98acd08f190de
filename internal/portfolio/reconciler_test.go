package portfolio

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"signal-trader/pkg/db"
)

func setup(t *testing.T) (*db.Database, *Reconciler) {
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
	return database, NewReconciler(database, nil)
}

func openPos(t *testing.T, database *db.Database, id, ticker string, qty, entry, current float64) {
	t.Helper()
	if err := database.CreatePosition(context.Background(), db.Position{
		ID:           id,
		Ticker:       ticker,
		Side:         "long",
		Qty:          qty,
		EntryPrice:   entry,
		EntryDate:    time.Now(),
		CurrentPrice: current,
		MarketValue:  qty * current,
		HighestPrice: math.Max(entry, current),
	}); err != nil {
		t.Fatalf("create position: %v", err)
	}
}

func closePos(t *testing.T, database *db.Database, id string, entry, exit, qty float64) {
	t.Helper()
	pl := (exit - entry) * qty
	plPct := pl / (entry * qty) * 100
	if err := database.ClosePosition(context.Background(), id, exit, time.Now(),
		db.ExitStopLoss, "", pl, plPct); err != nil {
		t.Fatalf("close position: %v", err)
	}
}

func TestRecomputeFromPositions(t *testing.T) {
	database, rec := setup(t)
	ctx := context.Background()

	openPos(t, database, "p1", "AAPL", 10, 100, 110) // value 1100, basis 1000
	openPos(t, database, "p2", "MSFT", 5, 200, 190)  // marked 950, floored at basis 1000

	openPos(t, database, "p3", "NVDA", 10, 50, 50)
	closePos(t, database, "p3", 50, 60, 10) // +100, +20%
	openPos(t, database, "p4", "AMD", 10, 80, 80)
	closePos(t, database, "p4", 80, 76, 10) // -40, -5%

	state, err := rec.Recompute(ctx)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}

	if state.OpenPositions != 2 {
		t.Errorf("open positions: got %d, want 2", state.OpenPositions)
	}
	// p1 = 1100, p2 = max(950, 950, 1000) = 1000 per the self-heal floor
	if math.Abs(state.PositionsValue-2100) > 1e-9 {
		t.Errorf("positions value: got %.2f, want 2100", state.PositionsValue)
	}
	// cash = 100000 capital + 60 realized - 2000 open basis
	if math.Abs(state.Cash-98060) > 1e-9 {
		t.Errorf("cash: got %.2f, want 98060", state.Cash)
	}
	if math.Abs(state.PortfolioValue-100160) > 1e-9 {
		t.Errorf("portfolio value: got %.2f, want 100160", state.PortfolioValue)
	}
	if state.TradesTotal != 4 || state.WinningTrades != 1 || state.LosingTrades != 1 {
		t.Errorf("trade counts: total=%d wins=%d losses=%d", state.TradesTotal, state.WinningTrades, state.LosingTrades)
	}
	if math.Abs(state.WinRate-0.5) > 1e-9 {
		t.Errorf("win rate: got %.4f, want 0.5", state.WinRate)
	}
	if math.Abs(state.AvgWinPct-20) > 1e-9 || math.Abs(state.AvgLossPct-(-5)) > 1e-9 {
		t.Errorf("avg pcts: win=%.2f loss=%.2f", state.AvgWinPct, state.AvgLossPct)
	}
	if math.Abs(state.ProfitFactor-2.5) > 1e-9 { // 100 / 40
		t.Errorf("profit factor: got %.4f, want 2.5", state.ProfitFactor)
	}
}

func TestRecomputeIsIdempotent(t *testing.T) {
	database, rec := setup(t)
	ctx := context.Background()

	openPos(t, database, "p1", "AAPL", 10, 100, 110)
	openPos(t, database, "p2", "NVDA", 10, 50, 50)
	closePos(t, database, "p2", 50, 60, 10)

	first, err := rec.Recompute(ctx)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := rec.Recompute(ctx)
		if err != nil {
			t.Fatalf("recompute %d: %v", i, err)
		}
		if again.PortfolioValue != first.PortfolioValue ||
			again.OpenPositions != first.OpenPositions ||
			again.TradesTotal != first.TradesTotal ||
			again.WinRate != first.WinRate {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again, first)
		}
	}
}

func TestRecomputeConvergesFromDrift(t *testing.T) {
	database, rec := setup(t)
	ctx := context.Background()

	openPos(t, database, "p1", "AAPL", 10, 100, 110)

	// A drifted stored row, the kind incremental updates leave behind.
	if err := database.OverwritePortfolioState(ctx, db.PortfolioState{
		OpenPositions: 7,
		TradesTotal:   99,
		WinningTrades: 50,
		Cash:          12345,
	}); err != nil {
		t.Fatalf("seed drifted state: %v", err)
	}

	state, err := rec.Recompute(ctx)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if state.OpenPositions != 1 || state.TradesTotal != 1 || state.WinningTrades != 0 {
		t.Fatalf("drift not corrected: %+v", state)
	}

	stored, err := database.GetPortfolioState(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if stored.OpenPositions != 1 || stored.TradesTotal != 1 {
		t.Fatalf("stored row still drifted: %+v", stored)
	}
}

func TestRecomputeManyStoppedOutPositions(t *testing.T) {
	database, rec := setup(t)
	ctx := context.Background()

	// 74 closed trades, 50 stopped out at -5%, 24 winners at +10%.
	for i := 0; i < 74; i++ {
		id := fmt.Sprintf("p%d", i)
		openPos(t, database, id, fmt.Sprintf("T%03d", i), 10, 100, 100)
		if i < 50 {
			closePos(t, database, id, 100, 95, 10)
		} else {
			closePos(t, database, id, 100, 110, 10)
		}
	}

	state, err := rec.Recompute(ctx)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if state.TradesTotal != 74 || state.WinningTrades != 24 || state.LosingTrades != 50 {
		t.Fatalf("counts wrong: %+v", state)
	}
	if math.Abs(state.WinRate-24.0/74.0) > 1e-9 {
		t.Errorf("win rate: got %.4f", state.WinRate)
	}
	// gross wins 24*100, gross losses 50*50
	if math.Abs(state.ProfitFactor-2400.0/2500.0) > 1e-9 {
		t.Errorf("profit factor: got %.4f", state.ProfitFactor)
	}
	if state.OpenPositions != 0 || state.PositionsValue != 0 {
		t.Errorf("expected flat book: %+v", state)
	}
}

func TestProfitFactorWithNoLossesIsCapped(t *testing.T) {
	database, rec := setup(t)
	ctx := context.Background()

	openPos(t, database, "p1", "AAPL", 10, 100, 100)
	closePos(t, database, "p1", 100, 120, 10)

	state, err := rec.Recompute(ctx)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if state.ProfitFactor != maxProfitFactor {
		t.Errorf("profit factor: got %.2f, want cap %.2f", state.ProfitFactor, maxProfitFactor)
	}
	if math.IsInf(state.ProfitFactor, 0) || math.IsNaN(state.ProfitFactor) {
		t.Error("profit factor must be finite")
	}
}

func TestMarketValueSelfHeals(t *testing.T) {
	database, rec := setup(t)
	ctx := context.Background()

	openPos(t, database, "p1", "AAPL", 10, 100, 110)
	// Corrupt the stored market value the way broker-side artifacts do.
	if _, err := database.DB.ExecContext(ctx,
		`UPDATE positions SET market_value = -500 WHERE id = 'p1'`); err != nil {
		t.Fatalf("corrupt market value: %v", err)
	}

	state, err := rec.Recompute(ctx)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	// max(-500, 10*110, 10*100) = 1100
	if math.Abs(state.PositionsValue-1100) > 1e-9 {
		t.Errorf("positions value: got %.2f, want 1100", state.PositionsValue)
	}
}

func TestDrawdownTracking(t *testing.T) {
	database, rec := setup(t)
	ctx := context.Background()

	openPos(t, database, "p1", "AAPL", 10, 100, 100)
	if _, err := rec.Recompute(ctx); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	// Stop out at a 20% loss: realized loss pulls the portfolio below the
	// recorded peak.
	closePos(t, database, "p1", 100, 80, 10)

	state, err := rec.Recompute(ctx)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if state.PeakValue != 100000 {
		t.Errorf("peak: got %.2f, want 100000", state.PeakValue)
	}
	if state.CurrentDrawdownPct <= 0 {
		t.Errorf("expected positive drawdown, got %.4f", state.CurrentDrawdownPct)
	}
	if state.MaxDrawdownPct < state.CurrentDrawdownPct {
		t.Errorf("max drawdown %.4f below current %.4f", state.MaxDrawdownPct, state.CurrentDrawdownPct)
	}
}

func TestSnapshotWritesDailyRow(t *testing.T) {
	database, rec := setup(t)
	ctx := context.Background()

	openPos(t, database, "p1", "AAPL", 10, 100, 110)

	if err := rec.Snapshot(ctx); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	// Idempotent: same-day re-run overwrites the same row.
	if err := rec.Snapshot(ctx); err != nil {
		t.Fatalf("snapshot again: %v", err)
	}

	var n int
	if err := database.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM portfolio_snapshots`).Scan(&n); err != nil {
		t.Fatalf("count snapshots: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 snapshot row, got %d", n)
	}
}
