// Package health probes registered agents on an interval and auto-heals the
// ones that fail, and feeds resource samples into the registry.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/metrics"
)

const (
	// DefaultInterval is the probe interval for local agent pools.
	DefaultInterval = 5 * time.Second
	// ManagedInterval is the probe interval for agents on managed servers.
	ManagedInterval = 60 * time.Second
	// DefaultProbeTimeout bounds a single probe.
	DefaultProbeTimeout = 2 * time.Second

	probeConcurrency = 8
)

// ErrAlreadyRunning is returned by Start on a running loop.
var ErrAlreadyRunning = errors.New("already running")

// Prober checks whether an agent is alive. A non-nil error is a failed probe.
type Prober interface {
	Probe(ctx context.Context, a agent.Agent) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, a agent.Agent) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, a agent.Agent) error { return f(ctx, a) }

// Healer repairs an agent after a failed probe. Healing cannot fail; the
// agent is marked Healthy once Heal returns.
type Healer interface {
	Heal(ctx context.Context, a agent.Agent)
}

// HealerFunc adapts a function to Healer.
type HealerFunc func(ctx context.Context, a agent.Agent)

// Heal calls f.
func (f HealerFunc) Heal(ctx context.Context, a agent.Agent) { f(ctx, a) }

// Monitor runs the probe/heal loop over a Registry.
type Monitor struct {
	registry     *agent.Registry
	prober       Prober
	healer       Healer
	interval     time.Duration
	probeTimeout time.Duration
	logger       *slog.Logger
	events       events.Publisher
	metrics      *metrics.Metrics

	loop loop
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the probe interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithProbeTimeout bounds each probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithHealer sets the healer. The default only logs.
func WithHealer(h Healer) Option {
	return func(m *Monitor) {
		if h != nil {
			m.healer = h
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithPublisher sets where agent.health events go.
func WithPublisher(p events.Publisher) Option {
	return func(m *Monitor) {
		if p != nil {
			m.events = p
		}
	}
}

// WithMetrics sets the Prometheus metrics to update.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// NewMonitor creates a Monitor. If prober is nil every probe passes.
func NewMonitor(reg *agent.Registry, prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		registry:     reg,
		prober:       prober,
		interval:     DefaultInterval,
		probeTimeout: DefaultProbeTimeout,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		events:       events.Discard,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.prober == nil {
		m.prober = ProberFunc(func(context.Context, agent.Agent) error { return nil })
	}
	if m.healer == nil {
		m.healer = HealerFunc(func(_ context.Context, a agent.Agent) {
			m.logger.Info("auto-heal", "agent", a.ID)
		})
	}
	return m
}

// Interval returns the probe interval.
func (m *Monitor) Interval() time.Duration { return m.interval }

// ProbeAgent runs one probe. A failure increments the agent's consecutive
// failure count and marks it Unhealthy; the probe error is returned.
func (m *Monitor) ProbeAgent(ctx context.Context, id string) error {
	a, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("agent %q not found", id)
	}
	if a.Health == agent.Deactivated {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	err := m.prober.Probe(probeCtx, a)
	if err == nil {
		m.registry.MarkProbeSuccess(id)
		m.metrics.ObserveProbe(id, true)
		return nil
	}

	failures := m.registry.MarkProbeFailure(id)
	m.metrics.ObserveProbe(id, false)
	m.logger.Warn("health probe failed", "agent", id, "failures", failures, "error", err)
	m.events.Publish(events.AgentHealthEvent{
		AgentID:   id,
		Healthy:   false,
		Failures:  failures,
		Err:       err,
		Timestamp: time.Now(),
	})
	return err
}

// HealAgent runs the healer and resets the agent to Healthy with no failures.
func (m *Monitor) HealAgent(ctx context.Context, id string) {
	a, ok := m.registry.Get(id)
	if !ok || a.Health == agent.Deactivated {
		return
	}

	m.healer.Heal(ctx, a)
	m.registry.MarkHealed(id)
	m.metrics.ObserveHeal(id)
	m.logger.Info("agent healed", "agent", id)
	m.events.Publish(events.AgentHealthEvent{
		AgentID:   id,
		Healthy:   true,
		Healed:    true,
		Timestamp: time.Now(),
	})
}

// CheckOnce probes every active agent and heals the ones that fail.
func (m *Monitor) CheckOnce(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)

	for _, id := range m.registry.IDs() {
		g.Go(func() error {
			if err := m.ProbeAgent(gctx, id); err != nil {
				m.HealAgent(gctx, id)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Start runs CheckOnce every interval until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	return m.loop.start(ctx, m.interval, m.CheckOnce)
}

// Stop halts the loop and waits for the current check to finish.
func (m *Monitor) Stop() {
	m.loop.stop()
}

// Snapshot returns the current health of every active agent.
func (m *Monitor) Snapshot() map[string]agent.HealthStatus {
	return m.registry.HealthSnapshot()
}

// loop is a restartable ticker goroutine shared by Monitor and Collector.
type loop struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *loop) start(ctx context.Context, interval time.Duration, tick func(context.Context)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick(ctx)
			}
		}
	}()
	return nil
}

func (l *loop) stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
