package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "codequest"

// Metrics holds all Prometheus metrics for the execution service.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	PolicyBlocks      *prometheus.CounterVec
	Timeouts          *prometheus.CounterVec
	InfraErrors       *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	IsolationUnits    *prometheus.CounterVec
	SecurityEvents    *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total executions by language and result status.",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of executions in seconds.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"language"},
		),

		PolicyBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_blocks_total",
				Help:      "Submissions rejected by the policy filter.",
			},
			[]string{"language"},
		),

		Timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timeouts_total",
				Help:      "Executions terminated at the wall-clock limit.",
			},
			[]string{"language"},
		),

		InfraErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "infra_errors_total",
				Help:      "Executions that failed because of the isolation environment.",
			},
			[]string{"provider"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Number of isolation units currently running.",
			},
		),

		IsolationUnits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "isolation_units_total",
				Help:      "Isolation unit lifecycle events by provider.",
			},
			[]string{"provider", "event"},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "security_events_total",
				Help:      "Suspicious patterns seen in submitted code or output.",
			},
			[]string{"type"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(16, 4, 6),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "output_size_bytes",
				Help:      "Size of captured output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.PolicyBlocks,
		m.Timeouts,
		m.InfraErrors,
		m.ActiveExecutions,
		m.IsolationUnits,
		m.SecurityEvents,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

func (m *Metrics) RecordExecution(language, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
}

func (m *Metrics) RecordPolicyBlock(language string) {
	m.PolicyBlocks.WithLabelValues(language).Inc()
}

func (m *Metrics) RecordTimeout(language string) {
	m.Timeouts.WithLabelValues(language).Inc()
}

func (m *Metrics) RecordInfraError(provider string) {
	m.InfraErrors.WithLabelValues(provider).Inc()
}

// RecordUnit counts an isolation unit lifecycle event ("created" or "destroyed").
func (m *Metrics) RecordUnit(provider, event string) {
	m.IsolationUnits.WithLabelValues(provider, event).Inc()
}

func (m *Metrics) RecordSecurityEvent(eventType string) {
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}
