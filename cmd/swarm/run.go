package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/backend"
	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/health"
	"github.com/aristath/swarm/internal/metrics"
	"github.com/aristath/swarm/internal/orchestrator"
	"github.com/aristath/swarm/internal/persistence"
	"github.com/aristath/swarm/internal/scheduler"
)

var errTasksFailed = errors.New("tasks failed")

const shutdownTimeout = 10 * time.Second

type runOptions struct {
	policy      string
	metricsAddr string
	storePath   string
	samples     string
	concurrency int
	quiet       bool
}

func newRunCmd(g *globalOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <batch.yaml|->",
		Short: "Execute a batch of tasks on the configured agents",
		Long: `Execute a batch of tasks on the configured agents.

The batch is a YAML or JSON list of tasks, or a mapping with a "tasks" key.
Use "-" to read it from stdin. The command exits non-zero when any task
fails or the batch cannot finish.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := readBatch(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			applyRunFlags(cmd, g, opts)
			return runBatch(cmd.Context(), g, opts, specs, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.policy, "policy", "", "balancer policy (least_loaded, scored)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&opts.storePath, "store", "", "SQLite file for run history")
	flags.StringVar(&opts.samples, "samples", "", "YAML file of agent metrics samples")
	flags.IntVar(&opts.concurrency, "concurrency", 0, "max concurrent tasks per wave")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "print only failures")
	return cmd
}

// applyRunFlags lets explicitly set flags override the loaded config.
func applyRunFlags(cmd *cobra.Command, g *globalOptions, opts *runOptions) {
	cfg := g.cfg
	flags := cmd.Flags()
	if flags.Changed("policy") {
		cfg.Scheduler.Policy = opts.policy
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if flags.Changed("store") {
		cfg.Store.Path = opts.storePath
	}
	if flags.Changed("samples") {
		cfg.Health.Samples = opts.samples
	}
	if flags.Changed("concurrency") {
		cfg.Scheduler.Concurrency = opts.concurrency
	}
}

func runBatch(ctx context.Context, g *globalOptions, opts *runOptions, specs []scheduler.Spec, out io.Writer) error {
	cfg, logger := g.cfg, g.logger
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Kill tracked subprocesses as soon as a shutdown signal arrives
	pm := backend.NewProcessManager()
	stopKill := context.AfterFunc(ctx, func() {
		logger.Warn("shutdown signal received, killing agent processes", "count", pm.Count())
		if err := pm.KillAll(); err != nil {
			logger.Error("killing agent processes", "error", err)
		}
	})
	defer stopKill()

	promReg, mt := metrics.NewRegistry()

	p, err := buildPool(cfg, cfg.Scheduler.Policy, pm, mt, logger)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	defer bus.Close()
	go logEvents(bus.SubscribeAll(256), logger)

	engineOpts := []orchestrator.Option{
		orchestrator.WithPublisher(bus),
		orchestrator.WithMetrics(mt),
		orchestrator.WithLogger(logger),
	}

	if cfg.Store.Path != "" {
		store, err := persistence.NewSQLiteStore(ctx, cfg.Store.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		perf, err := store.LoadPerformance(ctx)
		if err != nil {
			return err
		}
		for _, rec := range perf {
			p.registry.SeedPerformance(rec)
		}
		engineOpts = append(engineOpts, orchestrator.WithStore(store))
	}

	engine := p.newEngine(cfg, engineOpts...)
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("closing backends", "error", err)
		}
	}()

	if cfg.Metrics.Addr != "" {
		shutdown, err := serveMetrics(cfg.Metrics.Addr, metrics.Handler(promReg), logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	if cfg.Health.StaleAfter > 0 && cfg.Health.Samples == "" {
		logger.Warn("health.stale_after is set without a samples file; agents are only refreshed by heals",
			"stale_after", cfg.Health.StaleAfter)
	}

	interval := cfg.Health.Interval
	if cfg.Health.Managed {
		interval = health.ManagedInterval
	}
	monitor := health.NewMonitor(p.registry,
		health.StaleProber{StaleAfter: cfg.Health.StaleAfter},
		health.WithInterval(interval),
		health.WithProbeTimeout(cfg.Health.ProbeTimeout),
		health.WithLogger(logger),
		health.WithPublisher(bus),
		health.WithMetrics(mt),
	)

	if cfg.Health.Samples != "" {
		collector := health.NewCollector(p.registry,
			health.FileSource{Path: cfg.Health.Samples},
			health.WithCollectInterval(cfg.Health.CollectInterval),
			health.WithCollectorLogger(logger),
			health.WithCollectorMetrics(mt),
		)
		// Apply the first samples before any task is assigned
		if err := collector.CollectOnce(ctx); err != nil {
			logger.Warn("initial metrics collection failed", "error", err)
		}
		if err := collector.Start(ctx); err != nil {
			return err
		}
		defer collector.Stop()
	}

	if err := monitor.Start(ctx); err != nil {
		return err
	}
	defer monitor.Stop()

	results, runErr := engine.ExecuteTasks(ctx, specs)

	failed := 0
	for _, r := range results {
		if r.Status == scheduler.TaskFailed {
			failed++
		}
	}

	if opts.quiet {
		results = onlyFailures(results)
	}
	if len(results) > 0 {
		printResults(out, results)
	}
	if !opts.quiet {
		printAgents(out, p.registry.List())
		printRecommendation(out, p.balancer.Optimize())
	}

	if runErr != nil {
		return runErr
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d %w", failed, len(specs), errTasksFailed)
	}
	return nil
}

func onlyFailures(results []orchestrator.TaskResult) []orchestrator.TaskResult {
	var out []orchestrator.TaskResult
	for _, r := range results {
		if r.Status == scheduler.TaskFailed {
			out = append(out, r)
		}
	}
	return out
}

// serveMetrics binds addr up front so a taken port fails the run instead
// of being logged from a goroutine.
func serveMetrics(addr string, h http.Handler, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}, nil
}

// logEvents mirrors the event stream into the debug log until the bus closes.
func logEvents(ch <-chan events.Event, logger *slog.Logger) {
	for e := range ch {
		attrs := []any{"type", e.EventType()}
		switch ev := e.(type) {
		case events.TaskEvent:
			attrs = append(attrs, "task", ev.TaskID())
		case events.WaveCompletedEvent:
			attrs = append(attrs, "wave", ev.Wave, "started", ev.Started, "deferred", ev.Deferred)
		case events.BatchProgressEvent:
			attrs = append(attrs, "completed", ev.Completed, "failed", ev.Failed, "pending", ev.Pending)
		case events.AgentHealthEvent:
			attrs = append(attrs, "agent", ev.AgentID, "healthy", ev.Healthy)
		}
		logger.Debug("event", attrs...)
	}
}
