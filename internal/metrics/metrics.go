// Package metrics exposes Prometheus instrumentation for the scheduler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "swarm"

// Metrics holds all Prometheus metrics for the swarm scheduler.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Batch metrics
	Batches       *prometheus.CounterVec
	BatchDuration prometheus.Histogram
	Waves         prometheus.Counter

	// Task metrics
	TaskExecutions *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	TasksDeferred  prometheus.Counter

	// Agent metrics
	AgentWorkload      *prometheus.GaugeVec
	AgentHealthy       *prometheus.GaugeVec
	ProbeFailures      *prometheus.CounterVec
	Heals              *prometheus.CounterVec
	Assignments        *prometheus.CounterVec
	ReleaseDrift       prometheus.Counter
	BreakerTransitions *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Batches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Total number of task batches by outcome",
			},
			[]string{"outcome"},
		),
		BatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Batch execution duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
		),
		Waves: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "waves_total",
				Help:      "Total number of execution waves",
			},
		),
		TaskExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_executions_total",
				Help:      "Total number of task executions by agent and status",
			},
			[]string{"agent", "status"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task execution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		TasksDeferred: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_deferred_total",
				Help:      "Ready tasks that found no eligible agent and waited for a later wave",
			},
		),
		AgentWorkload: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agent_workload",
				Help:      "Tasks currently assigned to an agent",
			},
			[]string{"agent"},
		),
		AgentHealthy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agent_healthy",
				Help:      "1 if the agent is healthy, 0 otherwise",
			},
			[]string{"agent"},
		),
		ProbeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_failures_total",
				Help:      "Total number of failed health probes",
			},
			[]string{"agent"},
		),
		Heals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heals_total",
				Help:      "Total number of auto-heal runs",
			},
			[]string{"agent"},
		),
		Assignments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "assignments_total",
				Help:      "Total number of task assignments by agent and policy",
			},
			[]string{"agent", "policy"},
		),
		ReleaseDrift: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "release_drift_total",
				Help:      "Releases that did not match an outstanding assignment",
			},
		),
		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state changes by agent and target state",
			},
			[]string{"agent", "to"},
		),
	}
}

// NewRegistry creates a fresh Prometheus registry with metrics registered on it.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	return reg, New(reg)
}

// Handler returns an HTTP handler serving reg.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ObserveBatch records a finished batch.
func (m *Metrics) ObserveBatch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(outcome).Inc()
	m.BatchDuration.Observe(d.Seconds())
}

// ObserveWave counts one wave.
func (m *Metrics) ObserveWave() {
	if m == nil {
		return
	}
	m.Waves.Inc()
}

// ObserveTask records a finished task execution.
func (m *Metrics) ObserveTask(agentID, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TaskExecutions.WithLabelValues(agentID, status).Inc()
	m.TaskDuration.WithLabelValues(agentID).Observe(d.Seconds())
}

// ObserveDeferred counts a task that waited for an agent.
func (m *Metrics) ObserveDeferred() {
	if m == nil {
		return
	}
	m.TasksDeferred.Inc()
}

// ObserveAssignment counts an assignment and sets the agent's workload gauge.
func (m *Metrics) ObserveAssignment(agentID, policy string, workload int) {
	if m == nil {
		return
	}
	m.Assignments.WithLabelValues(agentID, policy).Inc()
	m.AgentWorkload.WithLabelValues(agentID).Set(float64(workload))
}

// SetWorkload sets the agent's workload gauge.
func (m *Metrics) SetWorkload(agentID string, workload int) {
	if m == nil {
		return
	}
	m.AgentWorkload.WithLabelValues(agentID).Set(float64(workload))
}

// ObserveReleaseDrift counts an unmatched release.
func (m *Metrics) ObserveReleaseDrift() {
	if m == nil {
		return
	}
	m.ReleaseDrift.Inc()
}

// ObserveProbe records a probe result and the resulting health.
func (m *Metrics) ObserveProbe(agentID string, healthy bool) {
	if m == nil {
		return
	}
	if !healthy {
		m.ProbeFailures.WithLabelValues(agentID).Inc()
	}
	m.SetHealthy(agentID, healthy)
}

// ObserveHeal counts an auto-heal run; healed agents are healthy again.
func (m *Metrics) ObserveHeal(agentID string) {
	if m == nil {
		return
	}
	m.Heals.WithLabelValues(agentID).Inc()
	m.SetHealthy(agentID, true)
}

// SetHealthy sets the agent's health gauge.
func (m *Metrics) SetHealthy(agentID string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.AgentHealthy.WithLabelValues(agentID).Set(v)
}

// ObserveBreaker counts a circuit breaker state change.
func (m *Metrics) ObserveBreaker(agentID, to string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(agentID, to).Inc()
}
