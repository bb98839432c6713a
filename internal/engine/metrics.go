package engine

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	executionsActive  prometheus.Gauge

	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepRetries  *prometheus.CounterVec

	circuitState *prometheus.GaugeVec
	poolActive   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpipe_executions_total",
				Help: "Total number of executions that reached a settled status",
			},
			[]string{"status"},
		),

		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentpipe_execution_duration_seconds",
				Help:    "Wall time of executions from start to settled status",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
			},
			[]string{"status"},
		),

		executionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentpipe_executions_active",
				Help: "Number of executions currently driven by a control loop",
			},
		),

		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpipe_steps_total",
				Help: "Total number of finished steps by variant and status",
			},
			[]string{"variant", "status"},
		),

		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentpipe_step_duration_seconds",
				Help:    "Step duration in seconds across all attempts",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"variant"},
		),

		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpipe_step_retries_total",
				Help: "Total number of step retry attempts",
			},
			[]string{"variant"},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentpipe_circuit_breaker_state",
				Help: "Circuit breaker state per key (0=closed, 1=half_open, 2=open)",
			},
			[]string{"key"},
		),

		poolActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentpipe_worker_pool_active",
				Help: "Number of step attempts currently running in the worker pool",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.executionsTotal,
		m.executionDuration,
		m.executionsActive,
		m.stepsTotal,
		m.stepDuration,
		m.stepRetries,
		m.circuitState,
		m.poolActive,
	)

	return m
}

// RecordExecution records an execution reaching a settled status.
func (m *Metrics) RecordExecution(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(status).Inc()
	m.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ExecutionStarted increments the active executions gauge.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.executionsActive.Inc()
}

// ExecutionStopped decrements the active executions gauge.
func (m *Metrics) ExecutionStopped() {
	if m == nil {
		return
	}
	m.executionsActive.Dec()
}

// RecordStep records a finished step.
func (m *Metrics) RecordStep(variant, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(variant, status).Inc()
	m.stepDuration.WithLabelValues(variant).Observe(duration.Seconds())
}

// RecordRetry records one retry of a step.
func (m *Metrics) RecordRetry(variant string) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(variant).Inc()
}

// UpdateCircuitState records the state of a circuit breaker key.
func (m *Metrics) UpdateCircuitState(key string, state CircuitState) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case CircuitHalfOpen:
		v = 1
	case CircuitOpen:
		v = 2
	}
	m.circuitState.WithLabelValues(key).Set(v)
}

// UpdatePoolActive records the number of running pool tasks.
func (m *Metrics) UpdatePoolActive(active int64) {
	if m == nil {
		return
	}
	m.poolActive.Set(float64(active))
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
