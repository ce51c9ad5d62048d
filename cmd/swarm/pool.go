package main

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/backend"
	"github.com/aristath/swarm/internal/balancer"
	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/metrics"
	"github.com/aristath/swarm/internal/orchestrator"
	"github.com/aristath/swarm/internal/selector"
)

// pool is the agent side of a run: who the agents are, how tasks reach them
// and how they are chosen.
type pool struct {
	registry *agent.Registry
	balancer *balancer.Balancer
	breakers *orchestrator.CircuitBreakerRegistry
	backends map[string]backend.Backend
}

// sortedAgentIDs gives registration a stable order, which is also the
// least_loaded tie-break order.
func sortedAgentIDs(agents map[string]config.AgentConfig) []string {
	ids := make([]string, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func buildPool(cfg *config.Config, policyName string, pm *backend.ProcessManager, mt *metrics.Metrics, logger *slog.Logger) (*pool, error) {
	policy, err := balancer.ParsePolicy(policyName)
	if err != nil {
		return nil, err
	}

	reg := agent.NewRegistry(
		agent.WithThresholds(cfg.Thresholds.CPU, cfg.Thresholds.Memory),
		agent.WithLogger(logger),
	)
	p := &pool{
		registry: reg,
		balancer: balancer.New(reg,
			balancer.WithPolicy(policy),
			balancer.WithSelector(selector.New()),
			balancer.WithLogger(logger),
		),
		breakers: orchestrator.NewCircuitBreakerRegistry(
			orchestrator.WithBreakerConfig(orchestrator.BreakerConfig{
				FailureThreshold: cfg.Breaker.FailureThreshold,
				MaxRequests:      cfg.Breaker.MaxRequests,
				Timeout:          cfg.Breaker.Timeout,
			}),
			orchestrator.WithBreakerLogger(logger),
			orchestrator.WithBreakerMetrics(mt),
		),
		backends: make(map[string]backend.Backend, len(cfg.Agents)),
	}

	retry := orchestrator.RetryConfig{
		InitialInterval:     cfg.Retry.InitialInterval,
		MaxInterval:         cfg.Retry.MaxInterval,
		MaxElapsedTime:      cfg.Retry.MaxElapsedTime,
		Multiplier:          cfg.Retry.Multiplier,
		RandomizationFactor: orchestrator.DefaultRetryConfig().RandomizationFactor,
	}

	for _, id := range sortedAgentIDs(cfg.Agents) {
		ac := cfg.Agents[id]
		b, err := backend.New(backend.Config{
			Type:    ac.Backend.Type,
			Command: ac.Backend.Command,
			Args:    ac.Backend.Args,
			WorkDir: ac.Backend.WorkDir,
			Env:     ac.Backend.Env,
			Delay:   ac.Backend.Delay,
		}, pm)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", id, err)
		}
		if cfg.Retry.Enabled {
			b = orchestrator.NewResilientBackend(b, p.breakers, retry)
		}
		p.backends[id] = b

		reg.Register(id, agent.Capabilities{
			Skills:   ac.Skills,
			Capacity: agent.ParseCapacity(ac.Capacity),
		})
	}
	return p, nil
}

func engineConfig(cfg *config.Config) orchestrator.Config {
	ec := orchestrator.DefaultConfig()
	ec.ConcurrencyLimit = cfg.Scheduler.Concurrency
	ec.TaskTimeout = cfg.Scheduler.TaskTimeout
	ec.MaxWaves = cfg.Scheduler.MaxWaves
	ec.MaxIdleWaves = cfg.Scheduler.MaxIdleWaves
	ec.IdleBackoff.InitialInterval = cfg.Scheduler.IdleBackoff
	ec.IdleBackoff.MaxInterval = cfg.Scheduler.IdleBackoffMax
	return ec
}

// newEngine binds the pool's backends to a fresh Engine. The engine owns
// the backends from here on.
func (p *pool) newEngine(cfg *config.Config, opts ...orchestrator.Option) *orchestrator.Engine {
	e := orchestrator.NewEngine(p.registry, p.balancer, engineConfig(cfg), opts...)
	for id, b := range p.backends {
		e.RegisterBackend(id, b)
	}
	return e
}
