// Package metrics exposes Prometheus instruments for runs, attempts, caches and
// generator calls.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "driftguard"

var (
	// AttemptsTotal counts generation attempts by outcome
	// (accepted, rejected, generation_failed, comparison_failed, quota_exceeded)
	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "attempts_total",
		Help:      "Generation attempts by outcome.",
	}, []string{"outcome"})

	// RunsTotal counts finished runs by terminal state
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Retry controller runs by terminal state.",
	}, []string{"state"})

	// CacheRequests counts cache lookups by table and result (hit, miss)
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_requests_total",
		Help:      "Result cache lookups.",
	}, []string{"table", "result"})

	// GeneratorLatency observes generator call duration by backend
	GeneratorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "generator_call_seconds",
		Help:      "Generator call latency.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
	}, []string{"backend"})

	// AttemptScore observes the overall consistency score of validated attempts
	AttemptScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "attempt_overall_score",
		Help:      "Blended consistency score of validated attempts.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})
)

// ObserveGenerator records how long a generator call took
func ObserveGenerator(backend string, started time.Time) {
	GeneratorLatency.WithLabelValues(backend).Observe(time.Since(started).Seconds())
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
