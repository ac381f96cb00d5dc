package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for tpmjs.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Tool execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Sandbox lifecycle metrics.
	SandboxProvisionsTotal   *prometheus.CounterVec
	SandboxProvisionDuration *prometheus.HistogramVec

	// Schema extraction metrics.
	SchemaExtractionsTotal *prometheus.CounterVec

	// Executor verification metrics.
	VerificationsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveExecutions prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tpmjs",
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Total tool executions by package and outcome.",
		}, []string{"package", "outcome"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tpmjs",
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "End-to-end tool execution duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"package"}),

		SandboxProvisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tpmjs",
			Subsystem: "sandbox",
			Name:      "provisions_total",
			Help:      "Total sandbox provisions.",
		}, []string{"backend", "status"}),

		SandboxProvisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tpmjs",
			Subsystem: "sandbox",
			Name:      "provision_duration_seconds",
			Help:      "Sandbox provisioning duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"backend"}),

		SchemaExtractionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tpmjs",
			Subsystem: "schema",
			Name:      "extractions_total",
			Help:      "Total schema extraction attempts.",
		}, []string{"status"}),

		VerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tpmjs",
			Subsystem: "verify",
			Name:      "verifications_total",
			Help:      "Total executor verification attempts.",
		}, []string{"result"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tpmjs",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tpmjs",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tpmjs",
			Name:      "active_executions",
			Help:      "Number of currently running tool executions.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.SandboxProvisionsTotal,
		m.SandboxProvisionDuration,
		m.SchemaExtractionsTotal,
		m.VerificationsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveExecutions,
	)

	return m
}
