// Package balancer assigns ready tasks to healthy agents and keeps the
// per-agent workload accounting balanced.
package balancer

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/scheduler"
	"github.com/aristath/swarm/internal/selector"
)

// Policy chooses among eligible candidates.
type Policy string

const (
	// PolicyLeastLoaded picks the lowest workload, ties by registration order.
	PolicyLeastLoaded Policy = "least_loaded"
	// PolicyScored delegates to the Selector with the registry's performance history.
	PolicyScored Policy = "scored"
)

// ParsePolicy validates a policy name. Empty means least_loaded.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyLeastLoaded:
		return PolicyLeastLoaded, nil
	case PolicyScored:
		return PolicyScored, nil
	default:
		return "", fmt.Errorf("unknown balancer policy %q", s)
	}
}

// Assignment records which agent took a task and why.
type Assignment struct {
	TaskID     string
	AgentID    string
	Score      float64
	Confidence float64
	Reasoning  string
}

// Balancer hands out tasks to agents from a Registry.
type Balancer struct {
	registry *agent.Registry
	selector *selector.Selector
	policy   Policy
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string][]string // agentID -> task IDs
}

// Option configures a Balancer.
type Option func(*Balancer)

// WithPolicy sets the selection policy.
func WithPolicy(p Policy) Option {
	return func(b *Balancer) { b.policy = p }
}

// WithSelector sets the selector used by PolicyScored.
func WithSelector(s *selector.Selector) Option {
	return func(b *Balancer) { b.selector = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Balancer) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a Balancer over reg.
func New(reg *agent.Registry, opts ...Option) *Balancer {
	b := &Balancer{
		registry: reg,
		policy:   PolicyLeastLoaded,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		inflight: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.selector == nil {
		b.selector = selector.New()
	}
	return b
}

// Policy returns the active policy.
func (b *Balancer) Policy() Policy { return b.policy }

// AssignTask picks an agent for task and increments its workload. Only
// Healthy agents advertising the task's required skill are considered.
// Returns false when no agent qualifies; the caller should retry later.
func (b *Balancer) AssignTask(task scheduler.Task) (Assignment, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	candidates := b.candidates(task)
	for len(candidates) > 0 {
		a, idx := b.choose(task, candidates)
		a.TaskID = task.ID

		// Health may have changed since the snapshot was taken
		if !b.registry.TryAcquire(a.AgentID) {
			candidates = append(candidates[:idx], candidates[idx+1:]...)
			continue
		}

		b.inflight[a.AgentID] = append(b.inflight[a.AgentID], task.ID)
		b.logger.Debug("task assigned", "task", task.ID, "agent", a.AgentID, "policy", b.policy, "score", a.Score)
		return a, true
	}

	b.logger.Debug("no eligible agent", "task", task.ID, "skill", task.RequiredSkill)
	return Assignment{}, false
}

func (b *Balancer) candidates(task scheduler.Task) []agent.Agent {
	var out []agent.Agent
	for _, a := range b.registry.List() {
		if a.Health == agent.Healthy && a.HasSkill(task.RequiredSkill) {
			out = append(out, a)
		}
	}
	return out
}

func (b *Balancer) choose(task scheduler.Task, candidates []agent.Agent) (Assignment, int) {
	if b.policy == PolicyScored {
		if sel, ok := b.selector.SelectOptimalAgent(task, candidates, b.registry.Performance()); ok {
			for i, c := range candidates {
				if c.ID == sel.AgentID {
					return Assignment{
						AgentID:    sel.AgentID,
						Score:      sel.Score,
						Confidence: sel.Confidence,
						Reasoning:  sel.Reasoning,
					}, i
				}
			}
		}
	}

	best := 0
	for i, c := range candidates {
		if c.Workload < candidates[best].Workload {
			best = i
		}
	}
	return Assignment{
		AgentID:   candidates[best].ID,
		Reasoning: fmt.Sprintf("least loaded (workload %d)", candidates[best].Workload),
	}, best
}

// ReleaseTask returns one unit of workload for a finished task. Call it exactly
// once per successful AssignTask. Returns false on accounting drift.
func (b *Balancer) ReleaseTask(agentID, taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	tasks := b.inflight[agentID]
	found := false
	for i, id := range tasks {
		if id == taskID {
			b.inflight[agentID] = append(tasks[:i:i], tasks[i+1:]...)
			found = true
			break
		}
	}
	if len(b.inflight[agentID]) == 0 {
		delete(b.inflight, agentID)
	}
	if !found {
		b.logger.Warn("release for unknown assignment", "task", taskID, "agent", agentID)
		return false
	}

	return b.registry.Release(agentID)
}

// InFlight returns the task IDs currently held by an agent.
func (b *Balancer) InFlight(agentID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.inflight[agentID]...)
}

// Action is a rebalance recommendation.
type Action string

const (
	ActionNone         Action = "none"
	ActionRedistribute Action = "redistribute"
	ActionScaleUp      Action = "scale_up"
	ActionScaleDown    Action = "scale_down"
)

// Recommendation is the result of Optimize.
type Recommendation struct {
	Action        Action
	Overloaded    []string // Stressed agents
	Underutilized []string // Healthy agents with no workload
}

// Optimize inspects the pool and suggests a rebalance. It never moves tasks.
func (b *Balancer) Optimize() Recommendation {
	rec := Recommendation{Action: ActionNone}
	for _, a := range b.registry.List() {
		switch {
		case a.Health == agent.Stressed:
			rec.Overloaded = append(rec.Overloaded, a.ID)
		case a.Health == agent.Healthy && a.Workload == 0:
			rec.Underutilized = append(rec.Underutilized, a.ID)
		}
	}

	switch {
	case len(rec.Overloaded) > 0 && len(rec.Underutilized) > 0:
		rec.Action = ActionRedistribute
	case len(rec.Overloaded) > 0:
		rec.Action = ActionScaleUp
	case len(rec.Underutilized) > 1:
		rec.Action = ActionScaleDown
	}

	if rec.Action != ActionNone {
		b.logger.Info("rebalance recommended", "action", rec.Action, "overloaded", rec.Overloaded, "underutilized", rec.Underutilized)
	}
	return rec
}
