// Package metrics registers the gateway's Prometheus series, served at
// /metrics in the text exposition format.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_orders_submitted_total",
			Help: "Orders accepted and sent to the broker",
		},
		[]string{"symbol", "side"},
	)

	OrdersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_orders_rejected_total",
			Help: "Orders rejected before submission, by failing check",
		},
		[]string{"check"},
	)

	OrdersFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_orders_failed_total",
			Help: "Orders that failed at the broker boundary",
		},
	)

	IdempotentReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_idempotent_replays_total",
			Help: "Submissions short-circuited by an existing client order id",
		},
	)

	ReconcileOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_reconcile_orders_total",
			Help: "Reconciled orders by outcome (matched|mismatched|orphaned)",
		},
		[]string{"outcome"},
	)

	ReconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_reconcile_runs_total",
			Help: "Reconciliation passes by result",
		},
		[]string{"result"},
	)

	PositionMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_position_mismatches_total",
			Help: "Broker-reported positions diverging from the local fill ledger",
		},
	)

	FillsRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_fills_recorded_total",
			Help: "Fills inserted into the ledger (deduplicated)",
		},
	)

	SlicesReleased = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_slices_released_total",
			Help: "TWAP slices by release outcome (released|expired)",
		},
		[]string{"outcome"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Circuit breaker state indicator (one labeled series set to 1)",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersSubmitted,
		OrdersRejected,
		OrdersFailed,
		IdempotentReplays,
		ReconcileOrders,
		ReconcileRuns,
		PositionMismatches,
		FillsRecorded,
		SlicesReleased,
		BreakerState,
	)
}
