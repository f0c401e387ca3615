// Package metrics holds the engine's Prometheus collectors.
//
// Collectors are registered in init() and served at /metrics by the ops server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_jobs_processed_total",
			Help: "Jobs finished by kind and outcome (ok, retry, deferred, dead).",
		},
		[]string{"kind", "outcome"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escrow_job_duration_seconds",
			Help:    "Handler run time by job kind.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"kind"},
	)

	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_jobs_enqueued_total",
			Help: "Enqueue attempts by kind and result (added, duplicate).",
		},
		[]string{"kind", "result"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "escrow_queue_depth",
			Help: "Jobs per queue state (pending, active, dead).",
		},
		[]string{"state"},
	)

	Rollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_rollbacks_total",
			Help: "Compensating rollbacks by trade mode.",
		},
		[]string{"mode"},
	)

	RefundedAmount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_refunded_amount_total",
			Help: "Sum of buyer refunds credited.",
		},
	)

	TradesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_trades_completed_total",
			Help: "Trades reaching a final status, by status.",
		},
		[]string{"status"},
	)

	RateLimitWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "escrow_ratelimit_wait_seconds",
			Help:    "Time trading-network calls spent queued in the rate limiter.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	NetworkCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_tradenet_calls_total",
			Help: "Trading-network calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	BotStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "escrow_bots",
			Help: "Bots per lifecycle state.",
		},
		[]string{"state"},
	)

	ScannerRequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_scanner_requeued_total",
			Help: "Jobs re-derived by the reconciliation scanner, by sweep.",
		},
		[]string{"sweep"},
	)

	ScannerRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_scanner_runs_total",
			Help: "Completed reconciliation passes.",
		},
	)

	InventorySynced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_inventory_synced_listings_total",
			Help: "Listings written by inventory sync, by bot.",
		},
		[]string{"bot"},
	)

	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_notifications_total",
			Help: "Notification publishes by sink and result (sent, dropped, error).",
		},
		[]string{"sink", "result"},
	)

	Alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_alerts_total",
			Help: "Operator alerts by component and severity.",
		},
		[]string{"component", "severity"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsProcessed,
		JobDuration,
		JobsEnqueued,
		QueueDepth,
		Rollbacks,
		RefundedAmount,
		TradesCompleted,
		RateLimitWait,
		NetworkCalls,
		BotStates,
		ScannerRequeued,
		ScannerRuns,
		InventorySynced,
		Notifications,
		Alerts,
	)
}
