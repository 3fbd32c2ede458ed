package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PotLedger.
type Metrics struct {
	// --- Store engine ---
	StoreLoads          *prometheus.CounterVec // source: backend | fallback
	StoreLoadErrors     *prometheus.CounterVec // reason: not_found | unavailable
	StoreMutations      *prometheus.CounterVec // operation
	StoreMutationErrors *prometheus.CounterVec // operation, reason
	StoreGuardRejected  *prometheus.CounterVec // reason: entry_wipe | balance_drain
	StoreRetries        prometheus.Counter
	StoreRoundTrip      *prometheus.HistogramVec // op: get | upsert

	// --- Engine operations ---
	OpsTotal    *prometheus.CounterVec // operation
	OpsRejected *prometheus.CounterVec // operation, reason
	OpsDuration *prometheus.HistogramVec

	// --- Deposit verification ---
	DepositsVerified *prometheus.CounterVec // currency
	DepositsRejected *prometheus.CounterVec // reason
	AmountMismatches prometheus.Counter

	// --- Prize distribution ---
	DistributionsTotal  prometheus.Counter
	DistributionPayouts prometheus.Histogram
	PrizePoolAmount     prometheus.Gauge
	PrizePoolJoins      prometheus.Counter

	// --- Outbound publishing ---
	PublishTotal  *prometheus.CounterVec // event_type
	PublishErrors prometheus.Counter

	// --- Audit store ---
	AuditRowsWritten *prometheus.CounterVec // table
	AuditErrors      *prometheus.CounterVec // table
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	rpcBuckets := []float64{
		0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
	}

	return &Metrics{
		StoreLoads: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pot_store_loads_total",
			Help: "Document loads, by answer source",
		}, []string{"source"}),

		StoreLoadErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pot_store_load_errors_total",
			Help: "Document loads that failed",
		}, []string{"reason"}),

		StoreMutations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pot_store_mutations_total",
			Help: "Mutations persisted",
		}, []string{"operation"}),

		StoreMutationErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pot_store_mutation_errors_total",
			Help: "Mutations rejected or failed",
		}, []string{"operation", "reason"}),

		StoreGuardRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pot_store_guard_rejected_total",
			Help: "Writes refused by the destructive-write guard",
		}, []string{"reason"}),

		StoreRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pot_store_retries_total",
			Help: "Backend round trips retried after transient failure",
		}),

		StoreRoundTrip: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pot_store_round_trip_seconds",
			Help:    "Backend round-trip latency",
			Buckets: rpcBuckets,
		}, []string{"op"}),

		OpsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pot_ops_total",
			Help: "Engine operations processed",
		}, []string{"operation"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pot_ops_rejected_total",
			Help: "Engine operations rejected",
		}, []string{"operation", "reason"}),

		OpsDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pot_ops_duration_seconds",
			Help:    "Engine operation latency end to end",
			Buckets: rpcBuckets,
		}, []string{"operation"}),

		DepositsVerified: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pot_deposits_verified_total",
			Help: "On-chain deposits verified and credited",
		}, []string{"currency"}),

		DepositsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pot_deposits_rejected_total",
			Help: "Deposit claims rejected by verification",
		}, []string{"reason"}),

		AmountMismatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pot_deposit_amount_mismatches_total",
			Help: "Verified amount differed from the claimed amount beyond tolerance",
		}),

		DistributionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pot_distributions_total",
			Help: "Prize distributions completed",
		}),

		DistributionPayouts: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pot_distribution_payouts",
			Help:    "Payout count per distribution",
			Buckets: []float64{1, 2, 3, 5, 10, 25, 50},
		}),

		PrizePoolAmount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pot_prize_pool_amount",
			Help: "Prize pool total as of the last authoritative load",
		}),

		PrizePoolJoins: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pot_prize_pool_joins_total",
			Help: "Paid pool joins",
		}),

		PublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pot_publish_total",
			Help: "Outbound events published",
		}, []string{"event_type"}),

		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pot_publish_errors_total",
			Help: "Outbound publishes that failed",
		}),

		AuditRowsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pot_audit_rows_written_total",
			Help: "Rows appended to the audit store",
		}, []string{"table"}),

		AuditErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pot_audit_errors_total",
			Help: "Audit store write failures",
		}, []string{"table"}),
	}
}
