// Package sizing converts signal confidence and portfolio state into a share
// count bounded by the configured risk limits.
package sizing

import "math"

// Config are the sizing parameters from PortfolioConfig.
type Config struct {
	ConfidenceThreshold     float64
	BasePositionSizePct     float64
	MaxConfidenceMultiplier float64
	MaxPositionSizePct      float64
	MaxSingleTradePct       float64
}

// Multiplier returns the confidence multiplier: 1x at the threshold, scaling
// linearly to MaxConfidenceMultiplier at confidence 1.0. Confidence below the
// threshold should have been filtered upstream; here it sizes at the minimum
// rather than erroring.
func Multiplier(confidence float64, cfg Config) float64 {
	if cfg.MaxConfidenceMultiplier <= 1 {
		return 1
	}
	span := 1 - cfg.ConfidenceThreshold
	if span <= 0 {
		return 1
	}
	normalized := (confidence - cfg.ConfidenceThreshold) / span
	if normalized < 0 {
		normalized = 0
	}
	if normalized > 1 {
		normalized = 1
	}
	return 1 + normalized*(cfg.MaxConfidenceMultiplier-1)
}

// PositionValue returns the dollar value to allocate: base size scaled by the
// confidence multiplier, then capped by max_position_size_pct and
// max_single_trade_pct of portfolio value, in that order.
func PositionValue(portfolioValue, confidence float64, cfg Config) float64 {
	if portfolioValue <= 0 {
		return 0
	}

	value := portfolioValue * cfg.BasePositionSizePct * Multiplier(confidence, cfg)

	if cap := portfolioValue * cfg.MaxPositionSizePct; cfg.MaxPositionSizePct > 0 && value > cap {
		value = cap
	}
	if cap := portfolioValue * cfg.MaxSingleTradePct; cfg.MaxSingleTradePct > 0 && value > cap {
		value = cap
	}
	return value
}

// Shares returns the whole share count for the capped position value at the
// current price.
func Shares(portfolioValue, confidence, price float64, cfg Config) int {
	if price <= 0 {
		return 0
	}
	return int(math.Floor(PositionValue(portfolioValue, confidence, cfg) / price))
}
