// Package monitor exposes Prometheus metrics for the trader.
//
//   - trader_orders_submitted_total{side}    – orders accepted by the broker
//   - trader_orders_duplicate_total          – submissions collapsed onto an existing order
//   - trader_broker_errors_total{kind}       – broker call failures (rejected|rate_limited|timeout|other)
//   - trader_exit_triggers_total{reason}     – risk exits by reason
//   - trader_state_transitions_total{source} – audit log appends by source
//   - trader_reconcile_corrections_total     – portfolio aggregate drift corrections
//   - trader_open_positions                  – open position count (gauge)
//   - trader_portfolio_value_usd             – portfolio value snapshot (gauge)
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_submitted_total",
			Help: "Orders accepted by the broker",
		},
		[]string{"side"},
	)

	OrdersDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_orders_duplicate_total",
			Help: "Submissions collapsed onto an existing order by idempotency key",
		},
	)

	BrokerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_broker_errors_total",
			Help: "Broker call failures",
		},
		[]string{"kind"},
	)

	ExitTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_exit_triggers_total",
			Help: "Risk exits by reason",
		},
		[]string{"reason"},
	)

	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_state_transitions_total",
			Help: "Order audit log appends by transition source",
		},
		[]string{"source"},
	)

	ReconcileCorrections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_reconcile_corrections_total",
			Help: "Portfolio aggregate drift corrections",
		},
	)

	OpenPositions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_open_positions",
			Help: "Open position count",
		},
	)

	PortfolioValue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_portfolio_value_usd",
			Help: "Portfolio value in USD",
		},
	)
)
