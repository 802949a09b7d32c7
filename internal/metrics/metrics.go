package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EscrowOperations counts lifecycle operations by verb, chain and outcome
	EscrowOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_operations_total",
			Help: "Total number of escrow lifecycle operations",
		},
		[]string{"operation", "chain", "outcome"},
	)

	// EscrowOperationDuration tracks end-to-end operation latency, including
	// chain finality waits
	EscrowOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escrow_operation_duration_seconds",
			Help:    "Escrow operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"operation", "chain"},
	)

	// BusyRejections counts operations rejected because another request held
	// the per-escrow lock
	BusyRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_busy_rejections_total",
			Help: "Operations rejected due to a concurrent operation on the same escrow",
		},
		[]string{"operation"},
	)

	// ReconcileTicks counts reconciliation ticks by outcome
	ReconcileTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_ticks_total",
			Help: "Total number of reconciliation ticks",
		},
		[]string{"outcome"},
	)

	// DegradedTrades tracks trades currently flagged reconciliation_degraded
	DegradedTrades = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reconcile_degraded_trades",
			Help: "Number of trades flagged reconciliation_degraded",
		},
	)

	// TrackedTrades tracks open trades under periodic reconciliation
	TrackedTrades = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reconcile_tracked_trades",
			Help: "Number of non-terminal trades under reconciliation",
		},
	)

	// StaleReads counts reads discarded because the escrow counter regressed
	StaleReads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chain_stale_reads_total",
			Help: "RPC reads discarded due to escrow counter regression",
		},
	)

	// ChainErrors counts failed adapter calls by chain and call type
	ChainErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chain_errors_total",
			Help: "Total number of failed chain adapter calls",
		},
		[]string{"chain", "call"},
	)

	// DisputesOpened counts dispute openings by initiating party
	DisputesOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disputes_opened_total",
			Help: "Total number of disputes opened",
		},
		[]string{"party"},
	)

	// DisputesResolved counts resolutions by path and winner
	DisputesResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disputes_resolved_total",
			Help: "Dispute resolutions by path and winner",
		},
		[]string{"path", "winner"},
	)

	// EventsEmitted counts reconciliation events by type
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_events_emitted_total",
			Help: "Reconciliation events emitted by type",
		},
		[]string{"event_type"},
	)
)
