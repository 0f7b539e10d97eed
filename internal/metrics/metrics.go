package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Tool metrics
	ToolExecutionsTotal      *prometheus.CounterVec
	ToolExecutionDuration    *prometheus.HistogramVec
	ToolExecutionErrorsTotal *prometheus.CounterVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	SessionsEvicted prometheus.Counter

	// Workflow metrics
	WorkflowsCompletedTotal prometheus.Counter
	WorkflowsCancelledTotal prometheus.Counter
	WorkflowsFailedTotal    prometheus.Counter
	StepRetriesTotal        prometheus.Counter

	// Messaging metrics
	MessagesPublishedTotal *prometheus.CounterVec
	UserInputRequestsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		// Tool metrics
		ToolExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_executions_total",
				Help: "Total number of tool executions",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool_name"},
		),
		ToolExecutionErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_execution_errors_total",
				Help: "Total number of tool execution errors",
			},
			[]string{"tool_name", "error_type"},
		),

		// Session metrics
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessions_active",
				Help: "Number of currently active sessions",
			},
		),
		SessionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessions_total",
				Help: "Total number of sessions created",
			},
		),
		SessionsEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessions_evicted_total",
				Help: "Total number of sessions evicted from the active cache",
			},
		),

		// Workflow metrics
		WorkflowsCompletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "workflows_completed_total",
				Help: "Total number of workflows that completed successfully",
			},
		),
		WorkflowsCancelledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "workflows_cancelled_total",
				Help: "Total number of workflows cancelled by the user or a timeout",
			},
		),
		WorkflowsFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "workflows_failed_total",
				Help: "Total number of workflows that failed",
			},
		),
		StepRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "step_retries_total",
				Help: "Total number of automatic step retries",
			},
		),

		// Messaging metrics
		MessagesPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_published_total",
				Help: "Total number of messages published to session channels",
			},
			[]string{"kind"},
		),
		UserInputRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "user_input_requests_total",
				Help: "Total number of user input requests by outcome",
			},
			[]string{"outcome"},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.ToolExecutionsTotal)
	m.registry.MustRegister(m.ToolExecutionDuration)
	m.registry.MustRegister(m.ToolExecutionErrorsTotal)

	m.registry.MustRegister(m.SessionsActive)
	m.registry.MustRegister(m.SessionsTotal)
	m.registry.MustRegister(m.SessionsEvicted)

	m.registry.MustRegister(m.WorkflowsCompletedTotal)
	m.registry.MustRegister(m.WorkflowsCancelledTotal)
	m.registry.MustRegister(m.WorkflowsFailedTotal)
	m.registry.MustRegister(m.StepRetriesTotal)

	m.registry.MustRegister(m.MessagesPublishedTotal)
	m.registry.MustRegister(m.UserInputRequestsTotal)
}

// ObserveToolExecution records one gateway execution outcome. It satisfies
// the gateway's Recorder interface.
func (m *Metrics) ObserveToolExecution(tool, status string, duration time.Duration) {
	m.ToolExecutionsTotal.WithLabelValues(tool, status).Inc()
	if status == "success" || status == "failed" {
		m.ToolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	}
	if status != "success" {
		m.ToolExecutionErrorsTotal.WithLabelValues(tool, status).Inc()
	}
}

// SessionCreated counts a new session. Satisfies session.Observer.
func (m *Metrics) SessionCreated() {
	m.SessionsTotal.Inc()
}

// SessionEvicted counts a cache eviction. Satisfies session.Observer.
func (m *Metrics) SessionEvicted() {
	m.SessionsEvicted.Inc()
}

// ActiveSessions tracks the cache-resident session count. Satisfies
// session.Observer.
func (m *Metrics) ActiveSessions(n int) {
	m.SessionsActive.Set(float64(n))
}

// MessagePublished counts a channel publish by kind. Satisfies
// messaging.Observer.
func (m *Metrics) MessagePublished(kind string) {
	m.MessagesPublishedTotal.WithLabelValues(kind).Inc()
}

// UserInputResolved counts a resolved input request by outcome. Satisfies
// messaging.Observer.
func (m *Metrics) UserInputResolved(outcome string) {
	m.UserInputRequestsTotal.WithLabelValues(outcome).Inc()
}

// WorkflowCompleted counts a successful workflow. Satisfies
// orchestrator.Observer.
func (m *Metrics) WorkflowCompleted() {
	m.WorkflowsCompletedTotal.Inc()
}

// WorkflowCancelled counts a cancelled workflow. Satisfies
// orchestrator.Observer.
func (m *Metrics) WorkflowCancelled() {
	m.WorkflowsCancelledTotal.Inc()
}

// WorkflowFailed counts a failed workflow. Satisfies orchestrator.Observer.
func (m *Metrics) WorkflowFailed() {
	m.WorkflowsFailedTotal.Inc()
}

// StepRetried counts an automatic step retry. Satisfies
// orchestrator.Observer.
func (m *Metrics) StepRetried() {
	m.StepRetriesTotal.Inc()
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
