// Package portfolio recomputes the aggregate portfolio state from the
// position table. The reconciler is the only writer of portfolio_state and
// always writes by full overwrite, so repeated runs converge on the same
// values regardless of prior drift.
package portfolio

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"signal-trader/internal/events"
	"signal-trader/internal/monitor"
	"signal-trader/pkg/db"
)

// maxProfitFactor stands in for "no losing trades yet": very large, not
// infinite, so downstream arithmetic and JSON stay well-behaved.
const maxProfitFactor = 9999.0

// Reconciler rebuilds portfolio_state from source-of-truth rows.
type Reconciler struct {
	DB  *db.Database
	Bus *events.Bus

	// Now is a clock hook for tests; nil means time.Now.
	Now func() time.Time
}

func NewReconciler(database *db.Database, bus *events.Bus) *Reconciler {
	return &Reconciler{DB: database, Bus: bus}
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// positionValue self-heals corrupted stored values (negative market values
// from broker-side short-sell artifacts) by taking the greatest of the stored
// value, quantity at current price, and quantity at entry price.
func positionValue(p db.Position) float64 {
	v := p.MarketValue
	if byCurrent := p.Qty * p.CurrentPrice; byCurrent > v {
		v = byCurrent
	}
	if byEntry := p.Qty * p.EntryPrice; byEntry > v {
		v = byEntry
	}
	return v
}

// Recompute rebuilds and overwrites the portfolio_state row.
func (r *Reconciler) Recompute(ctx context.Context) (*db.PortfolioState, error) {
	cfg, err := r.DB.GetPortfolioConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load portfolio config: %w", err)
	}
	prev, err := r.DB.GetPortfolioState(ctx)
	if err != nil {
		return nil, err
	}

	open, err := r.DB.ListOpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	closed, err := r.DB.ListClosedPositions(ctx)
	if err != nil {
		return nil, err
	}

	var positionsValue, openCostBasis float64
	for _, p := range open {
		positionsValue += positionValue(p)
		openCostBasis += p.Qty * p.EntryPrice
	}

	var (
		wins, losses           int
		grossWins, grossLosses float64
		sumWinPct, sumLossPct  float64
		totalRealized          float64
	)
	for _, p := range closed {
		pl := p.RealizedPL.Float64
		totalRealized += pl
		switch {
		case pl > 0:
			wins++
			grossWins += pl
			sumWinPct += p.RealizedPLPct.Float64
		case pl < 0:
			losses++
			grossLosses += -pl
			sumLossPct += p.RealizedPLPct.Float64
		}
	}

	state := db.PortfolioState{
		OpenPositions:  len(open),
		PositionsValue: positionsValue,
		TradesTotal:    len(open) + len(closed),
		WinningTrades:  wins,
		LosingTrades:   losses,
	}

	state.Cash = cfg.CapitalBase + totalRealized - openCostBasis
	state.PortfolioValue = state.Cash + positionsValue

	if len(closed) > 0 {
		state.WinRate = float64(wins) / float64(len(closed))
	}
	if wins > 0 {
		state.AvgWinPct = sumWinPct / float64(wins)
	}
	if losses > 0 {
		state.AvgLossPct = sumLossPct / float64(losses)
	}
	switch {
	case grossLosses > 0:
		state.ProfitFactor = grossWins / grossLosses
		if state.ProfitFactor > maxProfitFactor {
			state.ProfitFactor = maxProfitFactor
		}
	case grossWins > 0:
		state.ProfitFactor = maxProfitFactor
	}

	// The daily counter is recomputed from today's order rows rather than
	// carried forward, so both re-runs and day rollover fall out for free.
	today := r.now().Format("2006-01-02")
	state.LastTradeDay = today
	n, err := r.DB.CountOrdersToday(ctx, today)
	if err != nil {
		return nil, err
	}
	state.TradesToday = n

	state.PeakValue = math.Max(prev.PeakValue, state.PortfolioValue)
	if state.PeakValue > 0 {
		state.CurrentDrawdownPct = (state.PeakValue - state.PortfolioValue) / state.PeakValue * 100
	}
	state.MaxDrawdownPct = math.Max(prev.MaxDrawdownPct, state.CurrentDrawdownPct)

	r.reportDrift(prev, &state)

	if err := r.DB.OverwritePortfolioState(ctx, state); err != nil {
		return nil, err
	}

	monitor.OpenPositions.Set(float64(state.OpenPositions))
	monitor.PortfolioValue.Set(state.PortfolioValue)
	return &state, nil
}

// reportDrift makes silent corrections observable: counter-type aggregates
// only ever change through this recomputation, so a mismatch against the
// stored row means the stored row had drifted.
func (r *Reconciler) reportDrift(prev, next *db.PortfolioState) {
	if prev.UpdatedAt.IsZero() {
		return // first run, nothing to compare against
	}
	drifted := prev.OpenPositions != next.OpenPositions ||
		prev.TradesTotal != next.TradesTotal ||
		prev.WinningTrades != next.WinningTrades ||
		prev.LosingTrades != next.LosingTrades

	if !drifted {
		return
	}
	monitor.ReconcileCorrections.Inc()
	log.Printf("reconcile: corrected aggregates: open_positions %d -> %d, trades %d -> %d, wins %d -> %d, losses %d -> %d",
		prev.OpenPositions, next.OpenPositions,
		prev.TradesTotal, next.TradesTotal,
		prev.WinningTrades, next.WinningTrades,
		prev.LosingTrades, next.LosingTrades)
	if r.Bus != nil {
		r.Bus.Publish(events.EventReconcileCorrected, map[string]any{
			"open_positions_before": prev.OpenPositions,
			"open_positions_after":  next.OpenPositions,
			"trades_before":         prev.TradesTotal,
			"trades_after":          next.TradesTotal,
		})
	}
}

// Snapshot reconciles and writes the daily snapshot row. Idempotent: re-runs
// on the same day overwrite the same row.
func (r *Reconciler) Snapshot(ctx context.Context) error {
	state, err := r.Recompute(ctx)
	if err != nil {
		return err
	}
	day := r.now().Format("2006-01-02")
	if err := r.DB.UpsertSnapshot(ctx, db.PortfolioSnapshot{
		Day:            day,
		Cash:           state.Cash,
		PortfolioValue: state.PortfolioValue,
		PositionsValue: state.PositionsValue,
		OpenPositions:  state.OpenPositions,
		TradesTotal:    state.TradesTotal,
		WinRate:        state.WinRate,
		ProfitFactor:   state.ProfitFactor,
		MaxDrawdownPct: state.MaxDrawdownPct,
	}); err != nil {
		return err
	}
	log.Printf("reconcile: snapshot %s value=%.2f open=%d win_rate=%.2f",
		day, state.PortfolioValue, state.OpenPositions, state.WinRate)
	return nil
}
