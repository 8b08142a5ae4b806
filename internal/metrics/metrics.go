// Package metrics exports ranking-pipeline counters in Prometheus format.
//
// All Recorder methods are safe on a nil receiver so components can take an
// optional recorder without guarding every call site.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shortlist"

// Recorder holds the pipeline's Prometheus collectors on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	arcHits        *prometheus.CounterVec
	arcFailures    *prometheus.CounterVec
	arcLatency     *prometheus.HistogramVec
	runs           *prometheus.CounterVec
	runLatency     prometheus.Histogram
	refinements    *prometheus.CounterVec
	feedbackWrites *prometheus.CounterVec
}

// Config configures the recorder.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns the default recorder configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}
}

// NewRecorder creates a recorder and registers its collectors.
func NewRecorder(cfg Config) *Recorder {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	r := &Recorder{registry: registry}

	r.arcHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "arc",
		Name:      "hits_total",
		Help:      "Candidates returned per retrieval arc",
	}, []string{"arc"})

	r.arcFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "arc",
		Name:      "failures_total",
		Help:      "Retrieval arc calls that failed or timed out",
	}, []string{"arc"})

	r.arcLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "arc",
		Name:      "latency_seconds",
		Help:      "Retrieval arc call latency in seconds",
		Buckets:   cfg.LatencyBuckets,
	}, []string{"arc"})

	r.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Pipeline invocations by outcome",
	}, []string{"status"})

	r.runLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "run_latency_seconds",
		Help:      "End-to-end pipeline latency in seconds",
		Buckets:   cfg.LatencyBuckets,
	})

	r.refinements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "refinements_total",
		Help:      "Deep-analysis refinement rounds by outcome",
	}, []string{"outcome"})

	r.feedbackWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feedback",
		Name:      "records_total",
		Help:      "Feedback events recorded by outcome",
	}, []string{"status"})

	registry.MustRegister(
		r.arcHits, r.arcFailures, r.arcLatency,
		r.runs, r.runLatency, r.refinements, r.feedbackWrites,
	)
	return r
}

// RecordArc records one arc call.
func (r *Recorder) RecordArc(arc string, hits int, d time.Duration, failed bool) {
	if r == nil {
		return
	}
	r.arcLatency.WithLabelValues(arc).Observe(d.Seconds())
	if failed {
		r.arcFailures.WithLabelValues(arc).Inc()
		return
	}
	r.arcHits.WithLabelValues(arc).Add(float64(hits))
}

// RecordRun records one pipeline invocation.
func (r *Recorder) RecordRun(d time.Duration, ok bool) {
	if r == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	r.runs.WithLabelValues(status).Inc()
	r.runLatency.Observe(d.Seconds())
}

// RecordRefinement records the outcome of a refinement round:
// "refined", "unchanged" or "failed".
func (r *Recorder) RecordRefinement(outcome string) {
	if r == nil {
		return
	}
	r.refinements.WithLabelValues(outcome).Inc()
}

// RecordFeedback records a feedback write.
func (r *Recorder) RecordFeedback(ok bool) {
	if r == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	r.feedbackWrites.WithLabelValues(status).Inc()
}

// Handler returns an HTTP handler serving the registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
