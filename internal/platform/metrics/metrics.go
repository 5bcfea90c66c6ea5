package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides observability for patient matching. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// $match requests by outcome: success, invalid, structure, store, timeout, canceled
	MatchRequests *prometheus.CounterVec

	// End-to-end $match latency
	MatchLatency prometheus.Histogram

	// Candidate store query latency
	RetrieveLatency prometheus.Histogram

	// Candidates streamed from the store and admitted by the scorer, per request
	CandidatesScanned  prometheus.Histogram
	CandidatesAdmitted prometheus.Histogram

	// Validator rejections by failing predicate (C or M) and claimed profile
	Rejections *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Metrics instance registered on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		MatchRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "priorauth_match_requests_total",
			Help: "Total Patient/$match requests by outcome",
		}, []string{"outcome"}),

		MatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "priorauth_match_duration_seconds",
			Help:    "Duration of Patient/$match requests from parse to emit",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		RetrieveLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "priorauth_match_retrieve_duration_seconds",
			Help:    "Duration of candidate retrieval and scoring over the store cursor",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		CandidatesScanned: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "priorauth_match_candidates_scanned",
			Help:    "Candidates returned by the disjunctive store query per request",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),

		CandidatesAdmitted: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "priorauth_match_candidates_admitted",
			Help:    "Candidates at or above the score floor per request",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),

		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "priorauth_match_rejections_total",
			Help: "Patient/$match inputs rejected by the profile validator",
		}, []string{"predicate", "profile"}),

		registry: reg,
	}
}

// IncrementMatch records the outcome of one $match request.
func (m *Metrics) IncrementMatch(outcome string) {
	if m != nil {
		m.MatchRequests.WithLabelValues(outcome).Inc()
	}
}

// ObserveMatchLatency records the duration of a $match request.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveMatchLatency(start time.Time) {
	if m != nil {
		m.MatchLatency.Observe(time.Since(start).Seconds())
	}
}

// ObserveRetrieve records the duration of streaming candidates from the store.
func (m *Metrics) ObserveRetrieve(d time.Duration) {
	if m != nil {
		m.RetrieveLatency.Observe(d.Seconds())
	}
}

// ObserveCandidates records how many candidates were scanned and admitted.
func (m *Metrics) ObserveCandidates(scanned, admitted int) {
	if m != nil {
		m.CandidatesScanned.Observe(float64(scanned))
		m.CandidatesAdmitted.Observe(float64(admitted))
	}
}

// IncrementRejection records a failing validator predicate.
func (m *Metrics) IncrementRejection(predicate, profile string) {
	if m != nil {
		m.Rejections.WithLabelValues(predicate, profile).Inc()
	}
}

// Gatherer exposes the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
