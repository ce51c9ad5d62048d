// Package selector scores candidate agents for a task from skill overlap,
// historical performance and capacity fit.
package selector

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/scheduler"
)

const (
	technologyWeight = 10
	historyWeight    = 50
	complexHighBonus = 20
	mediumFitBonus   = 10

	// Scores must beat this to be chosen on merit.
	noScore = -1.0

	fallbackConfidence = 0.1
	fallbackReasoning  = "no specific optimal agent found"
)

// Selection is the outcome of scoring a candidate list.
type Selection struct {
	AgentID    string
	Score      float64
	Confidence float64 // Score / 100, not capped
	Reasoning  string
}

// Selector picks the best-scoring agent for a task.
// It is safe for concurrent use.
type Selector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Selector.
type Option func(*Selector)

// WithRand sets the source used by the random fallback.
func WithRand(r *rand.Rand) Option {
	return func(s *Selector) { s.rng = r }
}

// New creates a Selector.
func New(opts ...Option) *Selector {
	s := &Selector{}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s
}

// SelectOptimalAgent scores every candidate and returns the strictly highest
// one; ties go to the earliest candidate. History is recomputed from the
// supplied records on every call, later records for the same agent winning.
//
// When no candidate produces a comparable score (NaN history), a uniformly
// random candidate is returned with confidence 0.1. An empty candidate list
// returns false.
func (s *Selector) SelectOptimalAgent(task scheduler.Task, candidates []agent.Agent, history []agent.Performance) (Selection, bool) {
	if len(candidates) == 0 {
		return Selection{}, false
	}

	scores := make(map[string]float64, len(history))
	for _, p := range history {
		scores[p.AgentID] = p.SuccessRate * float64(p.TasksCompleted)
	}

	best := Selection{Score: noScore}
	found := false
	for _, a := range candidates {
		score, reasoning := scoreAgent(task, a, scores)
		if score > best.Score {
			best = Selection{
				AgentID:    a.ID,
				Score:      score,
				Confidence: score / 100,
				Reasoning:  reasoning,
			}
			found = true
		}
	}

	if !found {
		s.mu.Lock()
		pick := candidates[s.rng.IntN(len(candidates))]
		s.mu.Unlock()
		return Selection{
			AgentID:    pick.ID,
			Score:      0,
			Confidence: fallbackConfidence,
			Reasoning:  fallbackReasoning,
		}, true
	}

	return best, true
}

func scoreAgent(task scheduler.Task, a agent.Agent, history map[string]float64) (float64, string) {
	var score float64
	var reasons []string

	matched := 0
	for _, tech := range task.RequiredTechnologies {
		if a.HasSkill(tech) && tech != "" {
			matched++
		}
	}
	if matched > 0 {
		score += float64(matched * technologyWeight)
		reasons = append(reasons, fmt.Sprintf("matched %d required technologies", matched))
	}

	if h, ok := history[a.ID]; ok && h != 0 {
		score += h * historyWeight
		reasons = append(reasons, fmt.Sprintf("historical performance score %.2f", h))
	}

	switch {
	case task.Complexity == scheduler.ComplexityComplex && a.Capacity == agent.CapacityHigh:
		score += complexHighBonus
		reasons = append(reasons, "high capacity for complex task")
	case task.Complexity == scheduler.ComplexityMedium && (a.Capacity == agent.CapacityHigh || a.Capacity == agent.CapacityMedium):
		score += mediumFitBonus
		reasons = append(reasons, "suitable capacity for medium task")
	}

	return score, strings.Join(reasons, "; ")
}
