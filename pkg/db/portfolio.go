package db

import (
	"context"
	"database/sql"
	"fmt"
)

// GetPortfolioConfig returns the singleton risk configuration row.
func (d *Database) GetPortfolioConfig(ctx context.Context) (*PortfolioConfig, error) {
	var c PortfolioConfig
	err := d.DB.QueryRowContext(ctx, `
		SELECT capital_base, confidence_threshold, max_open_positions,
		       max_position_size_pct, max_single_trade_pct, max_daily_trades,
		       stop_loss_pct, take_profit_pct, trailing_stop_pct, max_hold_days,
		       base_position_size_pct, max_confidence_multiplier, updated_at
		FROM portfolio_config WHERE id = 1
	`).Scan(&c.CapitalBase, &c.ConfidenceThreshold, &c.MaxOpenPositions,
		&c.MaxPositionSizePct, &c.MaxSingleTradePct, &c.MaxDailyTrades,
		&c.StopLossPct, &c.TakeProfitPct, &c.TrailingStopPct, &c.MaxHoldDays,
		&c.BasePositionSizePct, &c.MaxConfidenceMultiplier, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query portfolio config: %w", err)
	}
	return &c, nil
}

// GetPortfolioState returns the singleton aggregate row. A missing row yields
// a zero-valued state rather than an error, so the first reconciler run can
// bootstrap it.
func (d *Database) GetPortfolioState(ctx context.Context) (*PortfolioState, error) {
	var s PortfolioState
	err := d.DB.QueryRowContext(ctx, `
		SELECT cash, portfolio_value, positions_value, open_positions,
		       trades_today, trades_total, winning_trades, losing_trades,
		       win_rate, avg_win_pct, avg_loss_pct, profit_factor,
		       peak_value, current_drawdown_pct, max_drawdown_pct,
		       COALESCE(last_trade_day, ''), updated_at
		FROM portfolio_state WHERE id = 1
	`).Scan(&s.Cash, &s.PortfolioValue, &s.PositionsValue, &s.OpenPositions,
		&s.TradesToday, &s.TradesTotal, &s.WinningTrades, &s.LosingTrades,
		&s.WinRate, &s.AvgWinPct, &s.AvgLossPct, &s.ProfitFactor,
		&s.PeakValue, &s.CurrentDrawdownPct, &s.MaxDrawdownPct,
		&s.LastTradeDay, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return &PortfolioState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query portfolio state: %w", err)
	}
	return &s, nil
}

// OverwritePortfolioState replaces the singleton aggregate row wholesale.
// The reconciler is the only caller; it never applies incremental deltas.
func (d *Database) OverwritePortfolioState(ctx context.Context, s PortfolioState) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO portfolio_state (
			id, cash, portfolio_value, positions_value, open_positions,
			trades_today, trades_total, winning_trades, losing_trades,
			win_rate, avg_win_pct, avg_loss_pct, profit_factor,
			peak_value, current_drawdown_pct, max_drawdown_pct,
			last_trade_day, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			cash = excluded.cash,
			portfolio_value = excluded.portfolio_value,
			positions_value = excluded.positions_value,
			open_positions = excluded.open_positions,
			trades_today = excluded.trades_today,
			trades_total = excluded.trades_total,
			winning_trades = excluded.winning_trades,
			losing_trades = excluded.losing_trades,
			win_rate = excluded.win_rate,
			avg_win_pct = excluded.avg_win_pct,
			avg_loss_pct = excluded.avg_loss_pct,
			profit_factor = excluded.profit_factor,
			peak_value = excluded.peak_value,
			current_drawdown_pct = excluded.current_drawdown_pct,
			max_drawdown_pct = excluded.max_drawdown_pct,
			last_trade_day = excluded.last_trade_day,
			updated_at = CURRENT_TIMESTAMP
	`, s.Cash, s.PortfolioValue, s.PositionsValue, s.OpenPositions,
		s.TradesToday, s.TradesTotal, s.WinningTrades, s.LosingTrades,
		s.WinRate, s.AvgWinPct, s.AvgLossPct, s.ProfitFactor,
		s.PeakValue, s.CurrentDrawdownPct, s.MaxDrawdownPct, s.LastTradeDay)
	if err != nil {
		return fmt.Errorf("overwrite portfolio state: %w", err)
	}
	return nil
}

// UpsertSnapshot writes (or rewrites, the job is idempotent) the daily
// portfolio snapshot row.
func (d *Database) UpsertSnapshot(ctx context.Context, snap PortfolioSnapshot) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO portfolio_snapshots (
			day, cash, portfolio_value, positions_value, open_positions,
			trades_total, win_rate, profit_factor, max_drawdown_pct
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			cash = excluded.cash,
			portfolio_value = excluded.portfolio_value,
			positions_value = excluded.positions_value,
			open_positions = excluded.open_positions,
			trades_total = excluded.trades_total,
			win_rate = excluded.win_rate,
			profit_factor = excluded.profit_factor,
			max_drawdown_pct = excluded.max_drawdown_pct
	`, snap.Day, snap.Cash, snap.PortfolioValue, snap.PositionsValue,
		snap.OpenPositions, snap.TradesTotal, snap.WinRate,
		snap.ProfitFactor, snap.MaxDrawdownPct)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}
