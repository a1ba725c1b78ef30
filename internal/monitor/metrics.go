package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	WorkspaceWait     prometheus.Histogram
	ArtifactSizeBytes prometheus.Histogram
	CodeSizeBytes     prometheus.Histogram
	CodeFindings      *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	RequestsTotal     *prometheus.CounterVec
	RateLimited       prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "viz",
				Name:      "executions_total",
				Help:      "Total number of executions by language and outcome.",
			},
			[]string{"language", "outcome"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "viz",
				Name:      "execution_duration_seconds",
				Help:      "Wall time of sandboxed executions in seconds.",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
			[]string{"language"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "viz",
				Name:      "execution_errors_total",
				Help:      "Total execution errors by kind.",
			},
			[]string{"kind"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "viz",
				Name:      "active_executions",
				Help:      "Number of executions currently holding a workspace.",
			},
		),

		WorkspaceWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "viz",
				Name:      "workspace_wait_seconds",
				Help:      "Time spent waiting for the workspace lock.",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
		),

		ArtifactSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "viz",
				Name:      "artifact_size_bytes",
				Help:      "Size of produced artifacts in bytes.",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "viz",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		CodeFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "viz",
				Name:      "code_findings_total",
				Help:      "Suspicious patterns found in submitted code.",
			},
			[]string{"pattern", "severity"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "viz",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "viz",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status code.",
			},
			[]string{"route", "code"},
		),

		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "viz",
				Subsystem: "api",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter.",
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.WorkspaceWait,
		m.ArtifactSizeBytes,
		m.CodeSizeBytes,
		m.CodeFindings,
		m.RequestsInFlight,
		m.RequestsTotal,
		m.RateLimited,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(language, outcome string, d time.Duration) {
	m.ExecutionsTotal.WithLabelValues(language, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(d.Seconds())
}

// RecordError records an execution error by kind.
func (m *Metrics) RecordError(kind string) {
	m.ExecutionErrors.WithLabelValues(kind).Inc()
}

// RecordFinding records a code scanner match.
func (m *Metrics) RecordFinding(f Finding) {
	m.CodeFindings.WithLabelValues(f.Pattern, f.Severity).Inc()
}
