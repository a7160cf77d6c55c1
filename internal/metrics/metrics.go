// Package metrics exposes Prometheus counters and histograms for the
// pipeline's request, fragment, and provider activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RequestsTotal counts requests accepted by the Request Coordinator (C8).
var RequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "router_requests_total",
	Help: "Total requests accepted by the coordinator.",
})

// RequestsTerminal counts requests reaching a terminal stage, by outcome
// ("complete" or "failed").
var RequestsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "router_requests_terminal_total",
	Help: "Requests reaching a terminal stage, by outcome.",
}, []string{"outcome"})

// StageLatency observes the wall-clock duration spent in each pipeline
// stage (DETECTION, PLANNING, ANONYMIZATION, DISPATCH, AGGREGATION).
var StageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "router_stage_latency_seconds",
	Help:    "Latency of each pipeline stage.",
	Buckets: prometheus.DefBuckets,
}, []string{"stage"})

// FragmentResults counts per-fragment dispatch outcomes, by terminal
// FragmentStatus.
var FragmentResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "router_fragment_results_total",
	Help: "Fragment dispatch outcomes, by status.",
}, []string{"status"})

// FragmentRetries counts retry attempts issued by the Dispatch Scheduler,
// by provider.
var FragmentRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "router_fragment_retries_total",
	Help: "Fragment retry attempts, by provider.",
}, []string{"provider"})

// ProviderLatency observes round-trip latency to each provider.
var ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "router_provider_latency_seconds",
	Help:    "Round-trip latency per provider.",
	Buckets: prometheus.DefBuckets,
}, []string{"provider"})

// ProviderCircuitState reports the current circuit breaker state per
// provider (0=closed, 0.5=half-open, 1=open).
var ProviderCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "router_provider_circuit_state",
	Help: "Circuit breaker state per provider (0=closed, 0.5=half-open, 1=open).",
}, []string{"provider"})

// PrivacyScore observes the Aggregator's per-request privacy score.
var PrivacyScore = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "router_privacy_score",
	Help:    "Aggregated privacy score per request.",
	Buckets: []float64{0.5, 0.7, 0.8, 0.9, 0.95, 0.99, 1.0},
})

// QualityScore observes the Aggregator's per-request quality score.
var QualityScore = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "router_quality_score",
	Help:    "Aggregated quality score per request.",
	Buckets: []float64{0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1.0},
})

// ProgressBusDrops counts progress events dropped due to a full replay
// buffer (drop-oldest overflow policy, C7).
var ProgressBusDrops = promauto.NewCounter(prometheus.CounterOpts{
	Name: "router_progress_bus_drops_total",
	Help: "Progress events dropped due to buffer overflow.",
})

// RecordStageLatency records how long stage took.
func RecordStageLatency(stage string, d time.Duration) {
	StageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordFragmentResult records one fragment's terminal status.
func RecordFragmentResult(status string) {
	FragmentResults.WithLabelValues(status).Inc()
}

// RecordFragmentRetry records one retry attempt against provider.
func RecordFragmentRetry(provider string) {
	FragmentRetries.WithLabelValues(provider).Inc()
}

// RecordProviderLatency records one provider round trip.
func RecordProviderLatency(provider string, d time.Duration) {
	ProviderLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordTerminal records a request reaching COMPLETE or FAILED.
func RecordTerminal(ok bool) {
	if ok {
		RequestsTerminal.WithLabelValues("complete").Inc()
	} else {
		RequestsTerminal.WithLabelValues("failed").Inc()
	}
}

// RecordAggregation records one request's final privacy and quality scores.
func RecordAggregation(privacyScore, qualityScore float64) {
	PrivacyScore.Observe(privacyScore)
	QualityScore.Observe(qualityScore)
}

// SetCircuitState reports the current breaker state (0, 0.5, or 1) for
// provider.
func SetCircuitState(provider string, state float64) {
	ProviderCircuitState.WithLabelValues(provider).Set(state)
}

// Handler returns the HTTP handler exposing metrics in the Prometheus
// text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
