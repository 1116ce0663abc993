package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the agent.
type Metrics struct {
	config MetricsConfig

	// Command metrics
	commandsAccepted  *prometheus.CounterVec
	commandsRejected  *prometheus.CounterVec
	commandsCompleted *prometheus.CounterVec
	commandDuration   *prometheus.HistogramVec

	// Provider dispatch metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Workflow metrics
	stepsExecuted        *prometheus.CounterVec
	workflowsInvalidated prometheus.Counter

	// Heartbeat metrics
	heartbeats       *prometheus.CounterVec
	heartbeatLatency prometheus.Histogram

	// System metrics
	asyncInFlight prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a no-op instance.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		commandsAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_accepted_total",
				Help:      "Total number of commands accepted for execution",
			},
			[]string{"name", "mode"},
		),
		commandsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_rejected_total",
				Help:      "Total number of commands rejected before execution",
			},
			[]string{"name", "code"},
		),
		commandsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_completed_total",
				Help:      "Total number of commands reaching a terminal state",
			},
			[]string{"name", "status"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of command execution in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"name", "status"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider operation invocations",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider operation invocations in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider operation failures",
			},
			[]string{"provider", "operation"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_steps_executed_total",
				Help:      "Total number of workflow steps executed",
			},
			[]string{"category", "status"},
		),
		workflowsInvalidated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_invalidated_total",
				Help:      "Total number of workflows invalidated by provider drift",
			},
		),

		heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_total",
				Help:      "Total number of heartbeats sent to the controller",
			},
			[]string{"status"},
		),
		heartbeatLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "heartbeat_latency_seconds",
				Help:      "Latency of controller heartbeat requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		asyncInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "async_commands_in_flight",
				Help:      "Whether an asynchronous command is currently running (0 or 1)",
			},
		),
	}

	registry.MustRegister(
		m.commandsAccepted,
		m.commandsRejected,
		m.commandsCompleted,
		m.commandDuration,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.stepsExecuted,
		m.workflowsInvalidated,
		m.heartbeats,
		m.heartbeatLatency,
		m.asyncInFlight,
	)

	return m, nil
}

// RecordCommandAccepted increments the accepted-command counter.
func (m *Metrics) RecordCommandAccepted(name, mode string) {
	if m.commandsAccepted == nil {
		return
	}
	m.commandsAccepted.WithLabelValues(name, mode).Inc()
	if mode == "async" {
		m.asyncInFlight.Set(1)
	}
}

// RecordCommandRejected increments the rejected-command counter.
func (m *Metrics) RecordCommandRejected(name, code string) {
	if m.commandsRejected == nil {
		return
	}
	m.commandsRejected.WithLabelValues(name, code).Inc()
}

// RecordCommandCompleted records a command reaching a terminal state.
func (m *Metrics) RecordCommandCompleted(name, status string, duration time.Duration) {
	if m.commandsCompleted == nil {
		return
	}
	m.commandsCompleted.WithLabelValues(name, status).Inc()
	m.commandDuration.WithLabelValues(name, status).Observe(duration.Seconds())
	m.asyncInFlight.Set(0)
}

// RecordProviderCall records a provider operation invocation.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError records a provider operation failure.
func (m *Metrics) RecordProviderError(provider, operation string) {
	if m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation).Inc()
}

// RecordStepExecuted records a workflow step outcome.
func (m *Metrics) RecordStepExecuted(category, status string) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(category, status).Inc()
}

// RecordWorkflowInvalidated records a workflow aborted by provider drift.
func (m *Metrics) RecordWorkflowInvalidated() {
	if m.workflowsInvalidated == nil {
		return
	}
	m.workflowsInvalidated.Inc()
}

// RecordHeartbeat records a heartbeat attempt.
func (m *Metrics) RecordHeartbeat(status string, latency time.Duration) {
	if m.heartbeats == nil {
		return
	}
	m.heartbeats.WithLabelValues(status).Inc()
	m.heartbeatLatency.Observe(latency.Seconds())
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
