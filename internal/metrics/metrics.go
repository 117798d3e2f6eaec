package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ipwarden"

var (
	GuardDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "guard_decisions_total",
		Help:      "Requests handled by the ingress guard by outcome",
	}, []string{"outcome"})

	GuardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "guard_duration_seconds",
		Help:      "Time spent in the guard including the downstream handler",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"outcome"})

	BlockCheckFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "block_check_failures_total",
		Help:      "Block checks that could not reach the store and failed open",
	})

	BlockedAddresses = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "blocked_addresses",
		Help:      "Addresses currently held in the blocklist snapshot",
	})

	RateLimitStoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_store_errors_total",
		Help:      "Rate counter store failures that failed open",
	})

	GeoLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geo_lookups_total",
		Help:      "Geolocation lookups by result",
	}, []string{"result"})

	GeoProviderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "geo_provider_duration_seconds",
		Help:      "Latency of geolocation provider calls",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	AuditQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "audit_queue_depth",
		Help:      "Entries waiting in the async audit queue",
	})

	AuditWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_writes_total",
		Help:      "Audit records written by result",
	}, []string{"result"})

	ScannerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scanner_runs_total",
		Help:      "Anomaly scanner runs by result",
	}, []string{"result"})

	SuspicionFlags = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "suspicion_flags_total",
		Help:      "Suspicion flags by reason and whether they were created or suppressed",
	}, []string{"reason", "result"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
