// Package metrics defines the prometheus collectors of the shared note node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notesharing"

// Metrics holds every collector. All fields are safe for concurrent use.
type Metrics struct {
	// ledger
	TxTotal            *prometheus.CounterVec // kind, status
	NullifiersTotal    prometheus.Counter
	CommitmentsTotal   prometheus.Counter
	EncryptedLogsTotal prometheus.Counter
	OutstandingNotes   prometheus.Gauge
	InvariantBreaches  prometheus.Counter
	BlockHeight        prometheus.Gauge
	FinalizedHeight    prometheus.Gauge

	// sequencer
	MempoolSize      prometheus.Gauge
	InclusionLatency prometheus.Histogram

	// proofs
	ProofVerifications *prometheus.CounterVec // kind, result
	ProofCacheHits     prometheus.Counter

	// api
	APIRequests    *prometheus.CounterVec // route, code
	APIRateLimited prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TxTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transactions_total",
			Help:      "Included transactions by kind and status",
		}, []string{"kind", "status"}),
		NullifiersTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "nullifiers_total",
			Help:      "Nullifiers inserted into the nullifier set",
		}),
		CommitmentsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "commitments_total",
			Help:      "Note commitments inserted into the commitment set",
		}),
		EncryptedLogsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "encrypted_logs_total",
			Help:      "Encrypted note logs emitted",
		}),
		OutstandingNotes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "outstanding_notes",
			Help:      "Slots currently holding a shared note",
		}),
		InvariantBreaches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "invariant_breaches_total",
			Help:      "Transactions rejected because an effect was already present",
		}),
		BlockHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "block_height",
			Help:      "Number of the latest block",
		}),
		FinalizedHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "finalized_height",
			Help:      "Number of the latest finalized block",
		}),
		MempoolSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sequencer",
			Name:      "mempool_size",
			Help:      "Transactions waiting for inclusion",
		}),
		InclusionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sequencer",
			Name:      "inclusion_latency_seconds",
			Help:      "Time from submission to inclusion",
			Buckets:   prometheus.DefBuckets,
		}),
		ProofVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proofs",
			Name:      "verifications_total",
			Help:      "Proof verifications by circuit and result",
		}, []string{"kind", "result"}),
		ProofCacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proofs",
			Name:      "cache_hits_total",
			Help:      "Proof verifications answered from the cache",
		}),
		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "API requests by route and status code",
		}, []string{"route", "code"}),
		APIRateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "rate_limited_total",
			Help:      "API requests rejected by the rate limiter",
		}),
	}
}

// Discard returns collectors registered with a private registry.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
