package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/metrics"
)

// Sample is one resource report for an agent. A nil Workload leaves the
// registry's workload accounting untouched.
type Sample struct {
	AgentID  string  `yaml:"agent_id" json:"agent_id"`
	Workload *int    `yaml:"workload,omitempty" json:"workload,omitempty"`
	CPU      float64 `yaml:"cpu" json:"cpu"`
	Memory   float64 `yaml:"memory" json:"memory"`
}

// Source yields the latest samples.
type Source interface {
	Samples(ctx context.Context) ([]Sample, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]Sample, error)

// Samples calls f.
func (f SourceFunc) Samples(ctx context.Context) ([]Sample, error) { return f(ctx) }

// StaticSource always returns the same samples.
type StaticSource []Sample

// Samples implements Source.
func (s StaticSource) Samples(context.Context) ([]Sample, error) {
	return append([]Sample(nil), s...), nil
}

// FileSource re-reads a YAML list of samples on every poll, so an external
// process can keep the file current.
type FileSource struct {
	Path string
}

// Samples implements Source.
func (s FileSource) Samples(context.Context) ([]Sample, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}
	var samples []Sample
	if err := yaml.Unmarshal(data, &samples); err != nil {
		return nil, fmt.Errorf("parse samples %s: %w", s.Path, err)
	}
	return samples, nil
}

// Collector polls a Source and applies samples to the Registry.
type Collector struct {
	registry *agent.Registry
	source   Source
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	loop loop
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithCollectInterval sets the polling interval.
func WithCollectInterval(d time.Duration) CollectorOption {
	return func(c *Collector) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithCollectorLogger sets the logger.
func WithCollectorLogger(l *slog.Logger) CollectorOption {
	return func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCollectorMetrics sets the Prometheus metrics to update.
func WithCollectorMetrics(m *metrics.Metrics) CollectorOption {
	return func(c *Collector) { c.metrics = m }
}

// NewCollector creates a Collector.
func NewCollector(reg *agent.Registry, src Source, opts ...CollectorOption) *Collector {
	c := &Collector{
		registry: reg,
		source:   src,
		interval: DefaultInterval,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CollectOnce fetches samples and applies them. Samples for unknown agents
// are ignored by the registry.
func (c *Collector) CollectOnce(ctx context.Context) error {
	samples, err := c.source.Samples(ctx)
	if err != nil {
		return fmt.Errorf("collect samples: %w", err)
	}

	for _, s := range samples {
		m := agent.Metrics{CPU: s.CPU, Memory: s.Memory}
		if s.Workload != nil {
			c.registry.UpdateStatus(s.AgentID, *s.Workload, m)
		} else {
			c.registry.UpdateMetrics(s.AgentID, m)
		}
		if a, ok := c.registry.Get(s.AgentID); ok {
			c.metrics.SetWorkload(a.ID, a.Workload)
			c.metrics.SetHealthy(a.ID, a.Health == agent.Healthy)
		}
	}
	c.logger.Debug("samples applied", "count", len(samples))
	return nil
}

// Start polls every interval until ctx is cancelled or Stop is called.
// Poll errors are logged and the loop keeps going.
func (c *Collector) Start(ctx context.Context) error {
	return c.loop.start(ctx, c.interval, func(ctx context.Context) {
		if err := c.CollectOnce(ctx); err != nil {
			c.logger.Warn("metrics collection failed", "error", err)
		}
	})
}

// Stop halts polling.
func (c *Collector) Stop() {
	c.loop.stop()
}
