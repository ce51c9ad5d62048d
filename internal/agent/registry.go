// Package agent holds the agent registry: the single owner of agent capability,
// workload and health state. Other components only read copies and mutate
// through Registry methods.
package agent

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

// Default metric thresholds (percent) above which an agent is considered stressed.
const (
	DefaultCPUThreshold    = 80.0
	DefaultMemoryThreshold = 80.0
)

// Registry stores agents keyed by ID and remembers registration order.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string

	cpuThreshold    float64
	memoryThreshold float64
	now             func() time.Time
	logger          *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithThresholds overrides the stressed thresholds.
func WithThresholds(cpu, memory float64) Option {
	return func(r *Registry) {
		r.cpuThreshold = cpu
		r.memoryThreshold = memory
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		agents:          make(map[string]*Agent),
		cpuThreshold:    DefaultCPUThreshold,
		memoryThreshold: DefaultMemoryThreshold,
		now:             time.Now,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates an agent record with zero workload and Healthy state.
// Registering an existing ID replaces its capabilities and keeps its workload,
// performance and position in registration order.
func (r *Registry) Register(id string, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if a, ok := r.agents[id]; ok {
		a.Skills = append([]string(nil), caps.Skills...)
		a.Capacity = caps.Capacity
		a.LastUpdated = now
		if a.Health == Deactivated {
			a.Health = Healthy
		}
		r.logger.Info("agent re-registered", "agent", id)
		return
	}

	r.agents[id] = &Agent{
		ID:          id,
		Skills:      append([]string(nil), caps.Skills...),
		Capacity:    caps.Capacity,
		Health:      Healthy,
		Performance: Performance{AgentID: id},
		LastUpdated: now,
	}
	r.order = append(r.order, id)
	r.logger.Info("agent registered", "agent", id, "skills", caps.Skills, "capacity", caps.Capacity)
}

// Deregister moves an agent to the terminal Deactivated state. The record is
// kept so releases for in-flight tasks still balance.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return false
	}
	a.Health = Deactivated
	a.LastUpdated = r.now()
	r.logger.Info("agent deactivated", "agent", id, "workload", a.Workload)
	return true
}

// UpdateStatus overwrites the workload and classifies health from metrics.
// Unknown and deactivated agents are ignored.
func (r *Registry) UpdateStatus(id string, workload int, m Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok || a.Health == Deactivated {
		return
	}
	if workload < 0 {
		workload = 0
	}
	a.Workload = workload
	r.applyMetricsLocked(a, m)
}

// UpdateMetrics classifies health from metrics and leaves the workload to the
// balancer's accounting. Unknown and deactivated agents are ignored.
func (r *Registry) UpdateMetrics(id string, m Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok || a.Health == Deactivated {
		return
	}
	r.applyMetricsLocked(a, m)
}

func (r *Registry) applyMetricsLocked(a *Agent, m Metrics) {
	a.Metrics = m
	a.LastUpdated = r.now()

	prev := a.Health
	if m.CPU > r.cpuThreshold || m.Memory > r.memoryThreshold {
		a.Health = Stressed
	} else {
		a.Health = Healthy
	}
	if prev != a.Health {
		r.logger.Info("agent health changed", "agent", a.ID, "from", prev, "to", a.Health, "cpu", m.CPU, "memory", m.Memory)
	}
}

// Acquire increments an agent's workload. Returns false for unknown agents.
func (r *Registry) Acquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return false
	}
	a.Workload++
	return true
}

// TryAcquire increments the workload only if the agent is currently Healthy.
func (r *Registry) TryAcquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok || a.Health != Healthy {
		return false
	}
	a.Workload++
	return true
}

// Release decrements an agent's workload. Returns false when the agent is
// unknown or its workload is already zero (accounting drift).
func (r *Registry) Release(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return false
	}
	if a.Workload == 0 {
		r.logger.Warn("release with zero workload", "agent", id)
		return false
	}
	a.Workload--
	return true
}

// RecordOutcome updates the agent's performance history.
func (r *Registry) RecordOutcome(id string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return
	}
	p := &a.Performance
	p.TasksCompleted++
	if success {
		p.TasksSucceeded++
	}
	p.SuccessRate = float64(p.TasksSucceeded) / float64(p.TasksCompleted)
}

// SeedPerformance replaces an agent's performance history, e.g. from a store.
func (r *Registry) SeedPerformance(p Performance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[p.AgentID]
	if !ok {
		return
	}
	a.Performance = p
}

// MarkProbeFailure records a failed probe: increments the consecutive failure
// counter and flips the agent to Unhealthy. Returns the new failure count.
func (r *Registry) MarkProbeFailure(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok || a.Health == Deactivated {
		return 0
	}
	a.Failures++
	a.Health = Unhealthy
	a.LastCheck = r.now()
	return a.Failures
}

// MarkProbeSuccess records a passing probe.
func (r *Registry) MarkProbeSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok || a.Health == Deactivated {
		return
	}
	a.Failures = 0
	a.LastCheck = r.now()
	if a.Health == Unhealthy {
		a.Health = Healthy
	}
}

// MarkHealed resets an agent to Healthy with no failures. The heal counts as
// an update, so a staleness check restarts its window from now.
func (r *Registry) MarkHealed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok || a.Health == Deactivated {
		return
	}
	a.Health = Healthy
	a.Failures = 0
	a.LastUpdated = r.now()
}

// Get returns a copy of the agent record.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return cloneAgent(a), true
}

// List returns copies of all agents in registration order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, cloneAgent(r.agents[id]))
	}
	return out
}

// IDs returns agent IDs in registration order, excluding deactivated agents.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if r.agents[id].Health != Deactivated {
			ids = append(ids, id)
		}
	}
	return ids
}

// Performance returns the performance history of every agent in registration order.
func (r *Registry) Performance() []Performance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Performance, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id].Performance)
	}
	return out
}

// HealthSnapshot returns the health view of every non-deactivated agent.
func (r *Registry) HealthSnapshot() map[string]HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]HealthStatus, len(r.agents))
	for id, a := range r.agents {
		if a.Health == Deactivated {
			continue
		}
		out[id] = HealthStatus{
			IsHealthy: a.Health == Healthy,
			Health:    a.Health,
			LastCheck: a.LastCheck,
			Failures:  a.Failures,
		}
	}
	return out
}

func cloneAgent(a *Agent) Agent {
	cp := *a
	if a.Skills != nil {
		cp.Skills = append([]string(nil), a.Skills...)
	}
	return cp
}
