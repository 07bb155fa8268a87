package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersProcessed counts submitted orders by result code (accepted or
// the rejection code).
var OrdersProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "clearmatch_orders_processed_total",
		Help: "Total number of orders processed by the engine",
	},
	[]string{"result"},
)

// TradesExecuted counts fills per market.
var TradesExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "clearmatch_trades_executed_total",
		Help: "Total number of trades executed",
	},
	[]string{"market"},
)

// VolumeTraded sums filled base quantity per market, in smallest units.
var VolumeTraded = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "clearmatch_volume_traded_units_total",
		Help: "Total base volume traded in smallest units",
	},
	[]string{"market"},
)

// LiquidationsExecuted counts completed liquidations.
var LiquidationsExecuted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "clearmatch_liquidations_executed_total",
		Help: "Total number of completed liquidations",
	},
)

// Scheduler metrics
var (
	SchedulerGroups = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clearmatch_scheduler_groups_per_batch",
			Help:    "Number of independent conflict groups per batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	SchedulerConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clearmatch_scheduler_conflicts_total",
			Help: "Cross-group conflicts detected during optimistic execution",
		},
	)

	SchedulerReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clearmatch_scheduler_serial_replays_total",
			Help: "Orders re-applied serially after a detected conflict",
		},
	)
)

func init() {
	prometheus.MustRegister(OrdersProcessed, TradesExecuted, VolumeTraded)
	prometheus.MustRegister(LiquidationsExecuted)
	prometheus.MustRegister(SchedulerGroups, SchedulerConflicts, SchedulerReplays)
}
