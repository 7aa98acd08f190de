package config

import (
	"database/sql"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PortfolioParams are the operator-tunable risk parameters. They live in the
// portfolio_config table at runtime; this YAML form only seeds/updates that row
// at startup so the operator can adjust them without touching the DB by hand.
type PortfolioParams struct {
	CapitalBase             float64 `yaml:"capital_base"`
	ConfidenceThreshold     float64 `yaml:"confidence_threshold"`
	MaxOpenPositions        int     `yaml:"max_open_positions"`
	MaxPositionSizePct      float64 `yaml:"max_position_size_pct"`
	MaxSingleTradePct       float64 `yaml:"max_single_trade_pct"`
	MaxDailyTrades          int     `yaml:"max_daily_trades"`
	StopLossPct             float64 `yaml:"stop_loss_pct"`
	TakeProfitPct           float64 `yaml:"take_profit_pct"`
	TrailingStopPct         float64 `yaml:"trailing_stop_pct"`
	MaxHoldDays             int     `yaml:"max_hold_days"`
	BasePositionSizePct     float64 `yaml:"base_position_size_pct"`
	MaxConfidenceMultiplier float64 `yaml:"max_confidence_multiplier"`
}

// DefaultPortfolioParams returns the shipped risk parameters.
func DefaultPortfolioParams() PortfolioParams {
	return PortfolioParams{
		CapitalBase:             100000,
		ConfidenceThreshold:     0.65,
		MaxOpenPositions:        10,
		MaxPositionSizePct:      0.10,
		MaxSingleTradePct:       0.05,
		MaxDailyTrades:          20,
		StopLossPct:             0.05,
		TakeProfitPct:           0.10,
		TrailingStopPct:         0.04,
		MaxHoldDays:             10,
		BasePositionSizePct:     0.02,
		MaxConfidenceMultiplier: 2.0,
	}
}

// LoadPortfolioParams reads risk parameters from a YAML file, filling any
// zero-valued field from the defaults.
func LoadPortfolioParams(path string) (PortfolioParams, error) {
	p := DefaultPortfolioParams()

	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse portfolio config: %w", err)
	}
	def := DefaultPortfolioParams()
	if p.CapitalBase <= 0 {
		p.CapitalBase = def.CapitalBase
	}
	if p.ConfidenceThreshold <= 0 {
		p.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if p.MaxOpenPositions <= 0 {
		p.MaxOpenPositions = def.MaxOpenPositions
	}
	if p.BasePositionSizePct <= 0 {
		p.BasePositionSizePct = def.BasePositionSizePct
	}
	if p.MaxConfidenceMultiplier < 1 {
		p.MaxConfidenceMultiplier = def.MaxConfidenceMultiplier
	}
	return p, nil
}

// SyncPortfolioParamsToDB upserts the singleton portfolio_config row.
func SyncPortfolioParamsToDB(db *sql.DB, p PortfolioParams) error {
	_, err := db.Exec(`
		INSERT INTO portfolio_config (
			id, capital_base, confidence_threshold, max_open_positions,
			max_position_size_pct, max_single_trade_pct, max_daily_trades,
			stop_loss_pct, take_profit_pct, trailing_stop_pct, max_hold_days,
			base_position_size_pct, max_confidence_multiplier, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			capital_base = excluded.capital_base,
			confidence_threshold = excluded.confidence_threshold,
			max_open_positions = excluded.max_open_positions,
			max_position_size_pct = excluded.max_position_size_pct,
			max_single_trade_pct = excluded.max_single_trade_pct,
			max_daily_trades = excluded.max_daily_trades,
			stop_loss_pct = excluded.stop_loss_pct,
			take_profit_pct = excluded.take_profit_pct,
			trailing_stop_pct = excluded.trailing_stop_pct,
			max_hold_days = excluded.max_hold_days,
			base_position_size_pct = excluded.base_position_size_pct,
			max_confidence_multiplier = excluded.max_confidence_multiplier,
			updated_at = CURRENT_TIMESTAMP
	`, p.CapitalBase, p.ConfidenceThreshold, p.MaxOpenPositions,
		p.MaxPositionSizePct, p.MaxSingleTradePct, p.MaxDailyTrades,
		p.StopLossPct, p.TakeProfitPct, p.TrailingStopPct, p.MaxHoldDays,
		p.BasePositionSizePct, p.MaxConfidenceMultiplier)
	if err != nil {
		return fmt.Errorf("sync portfolio config: %w", err)
	}
	return nil
}
