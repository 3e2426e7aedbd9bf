package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "portcullis"

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests handled, labeled by decision.",
		},
		[]string{"decision"},
	)

	RequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request latency from entry to response, labeled by decision.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"decision"},
	)

	KeyFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_fetches_total",
			Help:      "Total number of outbound JWKS fetches, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	UpstreamRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Total number of retried upstream calls.",
		},
	)
)

// Register registers all gateway collectors with the given registry.
// Collectors are package-level so hot-path code can increment them without
// plumbing; registration happens once at startup.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		RequestsTotal,
		RequestDurationSeconds,
		KeyFetchesTotal,
		UpstreamRetriesTotal,
	)
}
