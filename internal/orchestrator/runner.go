// Package orchestrator drives a batch of tasks through the DAG in waves,
// assigning each ready task to an agent through the balancer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/backend"
	"github.com/aristath/swarm/internal/balancer"
	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/metrics"
	"github.com/aristath/swarm/internal/persistence"
	"github.com/aristath/swarm/internal/scheduler"
)

const tracerName = "github.com/aristath/swarm/internal/orchestrator"

// TaskResult represents the outcome of a task execution.
type TaskResult struct {
	TaskID  string
	Name    string
	Status  scheduler.TaskStatus
	AgentID string
	Output  string
	Err     error
}

// Config bounds batch execution.
type Config struct {
	ConcurrencyLimit int           // Max concurrent tasks per wave (default 4)
	TaskTimeout      time.Duration // Per-task bound, 0 disables
	MaxWaves         int           // Total wave bound, 0 disables
	MaxIdleWaves     int           // Consecutive waves without a started task (default 10)
	IdleBackoff      RetryConfig   // Wait between idle waves
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		ConcurrencyLimit: 4,
		TaskTimeout:      5 * time.Minute,
		MaxIdleWaves:     10,
		IdleBackoff: RetryConfig{
			InitialInterval:     100 * time.Millisecond,
			MaxInterval:         2 * time.Second,
			Multiplier:          2.0,
			RandomizationFactor: 0.2,
		},
	}
}

// Engine executes task batches on the agents of a Registry.
type Engine struct {
	cfg      Config
	registry *agent.Registry
	balancer *balancer.Balancer
	resolver scheduler.Resolver

	mu       sync.RWMutex
	backends map[string]backend.Backend
	fallback backend.Backend

	store   persistence.Store
	events  events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver replaces the default heuristic resolver.
func WithResolver(r scheduler.Resolver) Option {
	return func(e *Engine) {
		if r != nil {
			e.resolver = r
		}
	}
}

// WithStore records batches, task runs and agent outcomes in s.
func WithStore(s persistence.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithPublisher sets where task, wave and batch events go.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.events = p
		}
	}
}

// WithMetrics sets the Prometheus metrics to update.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracerProvider sets the provider for batch, wave and task spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewEngine creates an Engine. Zero fields of cfg fall back to DefaultConfig.
func NewEngine(reg *agent.Registry, bal *balancer.Balancer, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = def.ConcurrencyLimit
	}
	if cfg.MaxIdleWaves <= 0 {
		cfg.MaxIdleWaves = def.MaxIdleWaves
	}
	if cfg.IdleBackoff.InitialInterval <= 0 {
		cfg.IdleBackoff = def.IdleBackoff
	}

	e := &Engine{
		cfg:      cfg,
		registry: reg,
		balancer: bal,
		resolver: scheduler.NewHeuristicResolver(),
		backends: make(map[string]backend.Backend),
		events:   events.Discard,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:   otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterBackend sets the backend that runs tasks assigned to agentID.
func (e *Engine) RegisterBackend(agentID string, b backend.Backend) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.backends[agentID] = b
}

// SetFallback sets the backend for agents without their own.
func (e *Engine) SetFallback(b backend.Backend) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallback = b
}

// Close closes every registered backend.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for agentID, b := range e.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend for %q: %w", agentID, err))
		}
	}
	if e.fallback != nil {
		if err := e.fallback.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close fallback backend: %w", err))
		}
	}
	return errors.Join(errs...)
}

// AssignTaskToAgent picks an agent for task and holds one unit of its
// workload. The caller must hand it back with ReleaseTask.
func (e *Engine) AssignTaskToAgent(task scheduler.Task) (string, bool) {
	a, ok := e.balancer.AssignTask(task)
	if !ok {
		return "", false
	}
	e.observeAssignment(a)
	return a.AgentID, true
}

// ReleaseTask returns the workload held for taskID on agentID.
func (e *Engine) ReleaseTask(agentID, taskID string) bool {
	ok := e.balancer.ReleaseTask(agentID, taskID)
	if !ok {
		e.metrics.ObserveReleaseDrift()
	}
	if a, found := e.registry.Get(agentID); found {
		e.metrics.SetWorkload(agentID, a.Workload)
	}
	return ok
}

// ExecuteTasks resolves dependencies for specs, builds the DAG and runs it in
// waves until every task is Completed or Failed. Task failures are reported
// in the results; the returned error is batch-fatal (unresolvable
// dependencies, starvation or cancellation). Results are in batch order.
func (e *Engine) ExecuteTasks(ctx context.Context, specs []scheduler.Spec) ([]TaskResult, error) {
	batchID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "swarm.batch", trace.WithAttributes(
		attribute.String("batch.id", batchID),
		attribute.Int("batch.tasks", len(specs)),
	))
	defer span.End()

	start := time.Now()
	logger := e.logger.With("batch", batchID)

	dag, err := e.plan(specs)
	if err != nil {
		logger.Error("batch rejected", "error", err)
		e.endBatch(ctx, span, batchID, nil, err, start)
		return nil, err
	}

	if e.store != nil {
		if err := e.store.StartBatch(ctx, batchID, dag.Len()); err != nil {
			logger.Warn("failed to record batch start", "error", err)
		}
	}
	logger.Info("batch started", "tasks", dag.Len())

	exec := e.newExecutor(dag)
	runErr := e.runWaves(ctx, batchID, dag, exec)

	results := make([]TaskResult, 0, dag.Len())
	for _, t := range dag.Tasks() {
		results = append(results, TaskResult{
			TaskID:  t.ID,
			Name:    t.Name,
			Status:  t.Status,
			AgentID: t.AgentID,
			Output:  t.Result,
			Err:     t.Error,
		})
	}

	e.endBatch(ctx, span, batchID, dag, runErr, start)
	return results, runErr
}

// Plan resolves and validates specs without running them and returns the
// wave layout.
func (e *Engine) Plan(specs []scheduler.Spec) (*scheduler.DAG, [][]string, error) {
	dag, err := e.plan(specs)
	if err != nil {
		return nil, nil, err
	}
	waves, err := dag.Waves()
	if err != nil {
		return nil, nil, err
	}
	return dag, waves, nil
}

func (e *Engine) plan(specs []scheduler.Spec) (*scheduler.DAG, error) {
	dag, err := scheduler.Build(e.resolver.Resolve(specs))
	if err != nil {
		return nil, err
	}
	if _, err := dag.Validate(); err != nil {
		return nil, err
	}
	return dag, nil
}

func (e *Engine) newExecutor(dag *scheduler.DAG) *scheduler.Executor {
	exec := scheduler.NewExecutor(dag)
	exec.SetTaskTimeout(e.cfg.TaskTimeout)

	e.mu.RLock()
	defer e.mu.RUnlock()
	for agentID, b := range e.backends {
		exec.RegisterBackend(agentID, b)
	}
	if e.fallback != nil {
		exec.SetFallback(e.fallback)
	}
	return exec
}

func (e *Engine) endBatch(ctx context.Context, span trace.Span, batchID string, dag *scheduler.DAG, runErr error, start time.Time) {
	var completed, failed int
	if dag != nil {
		counts := dag.Counts()
		completed, failed = counts[scheduler.TaskCompleted], counts[scheduler.TaskFailed]
	}

	outcome := "completed"
	switch {
	case runErr != nil:
		outcome = "aborted"
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	case failed > 0:
		outcome = "failed"
	}
	span.SetAttributes(
		attribute.String("batch.outcome", outcome),
		attribute.Int("batch.completed", completed),
		attribute.Int("batch.failed", failed),
	)

	d := time.Since(start)
	e.metrics.ObserveBatch(outcome, d)
	if dag != nil && e.store != nil {
		// The batch context may already be cancelled; the record should still land.
		if err := e.store.FinishBatch(context.WithoutCancel(ctx), batchID, outcome, completed, failed, runErr); err != nil {
			e.logger.Warn("failed to record batch finish", "batch", batchID, "error", err)
		}
	}
	e.logger.Info("batch finished", "batch", batchID, "outcome", outcome,
		"completed", completed, "failed", failed, "duration", d)
}

// runWaves is the scheduling loop. Each wave runs every ready task it can
// place, then waits at a barrier before computing the next wave.
func (e *Engine) runWaves(ctx context.Context, batchID string, dag *scheduler.DAG, exec *scheduler.Executor) error {
	idle := 0
	bo := e.cfg.IdleBackoff.newBackOff()
	bo.MaxElapsedTime = 0

	for wave := 0; ; wave++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, id := range dag.FailBlocked() {
			t, _ := dag.Get(id)
			e.logger.Info("task failed", "batch", batchID, "task", id, "error", t.Error)
			e.finishTask(ctx, batchID, wave, t, 0, time.Now())
		}

		ready := dag.Ready()
		if len(ready) == 0 {
			pending := dag.PendingIDs()
			if len(pending) == 0 {
				return nil
			}
			return &scheduler.UnresolvableError{TaskIDs: pending, Names: dag.Names(pending)}
		}

		if e.cfg.MaxWaves > 0 && wave >= e.cfg.MaxWaves {
			return starvation(dag, wave)
		}

		for _, task := range ready {
			if err := dag.MarkReady(task.ID); err != nil {
				return err
			}
			e.events.Publish(events.TaskReadyEvent{ID: task.ID, Wave: wave, Timestamp: time.Now()})
		}

		started := e.runWave(ctx, batchID, wave, dag, exec, ready)
		e.publishProgress(batchID, dag)

		if started > 0 {
			idle = 0
			bo.Reset()
			continue
		}

		idle++
		if idle >= e.cfg.MaxIdleWaves {
			return starvation(dag, wave+1)
		}
		wait := bo.NextBackOff()
		e.logger.Debug("no agent available, waiting", "batch", batchID, "wave", wave, "idle", idle, "wait", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func starvation(dag *scheduler.DAG, waves int) *StarvationError {
	pending := dag.PendingIDs()
	return &StarvationError{TaskIDs: pending, Names: dag.Names(pending), Waves: waves}
}

// runWave fans out the ready tasks and returns how many were started.
func (e *Engine) runWave(ctx context.Context, batchID string, wave int, dag *scheduler.DAG, exec *scheduler.Executor, ready []*scheduler.Task) int {
	ctx, span := e.tracer.Start(ctx, "swarm.wave", trace.WithAttributes(
		attribute.Int("wave.index", wave),
		attribute.Int("wave.ready", len(ready)),
	))
	defer span.End()

	start := time.Now()
	var started, deferred, completed, failed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ConcurrencyLimit)

	for _, task := range ready {
		g.Go(func() error {
			a, ok := e.balancer.AssignTask(*task)
			if !ok {
				_ = dag.ResetPending(task.ID)
				deferred.Add(1)
				e.metrics.ObserveDeferred()
				e.events.Publish(events.TaskDeferredEvent{ID: task.ID, Wave: wave, Timestamp: time.Now()})
				return nil
			}
			started.Add(1)
			defer e.ReleaseTask(a.AgentID, task.ID)

			e.observeAssignment(a)
			if e.runTask(gctx, batchID, wave, dag, exec, task, a.AgentID) {
				completed.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	// Task errors are tracked in the DAG, not returned here
	_ = g.Wait()

	d := time.Since(start)
	span.SetAttributes(
		attribute.Int("wave.started", int(started.Load())),
		attribute.Int("wave.deferred", int(deferred.Load())),
	)
	e.metrics.ObserveWave()
	e.events.Publish(events.WaveCompletedEvent{
		Wave:      wave,
		Started:   int(started.Load()),
		Deferred:  int(deferred.Load()),
		Completed: int(completed.Load()),
		Failed:    int(failed.Load()),
		Duration:  d,
		Timestamp: time.Now(),
	})
	e.logger.Debug("wave completed", "batch", batchID, "wave", wave,
		"started", started.Load(), "deferred", deferred.Load(), "duration", d)
	return int(started.Load())
}

// runTask executes one assigned task and reports whether it completed.
func (e *Engine) runTask(ctx context.Context, batchID string, wave int, dag *scheduler.DAG, exec *scheduler.Executor, task *scheduler.Task, agentID string) bool {
	ctx, span := e.tracer.Start(ctx, "swarm.task", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.name", task.Name),
		attribute.String("agent.id", agentID),
	))
	defer span.End()

	start := time.Now()
	e.events.Publish(events.TaskStartedEvent{
		ID:        task.ID,
		Name:      task.Name,
		AgentID:   agentID,
		Wave:      wave,
		Timestamp: start,
	})
	e.logger.Info("task started", "batch", batchID, "task", task.ID, "agent", agentID, "wave", wave)

	if err := exec.ExecuteTask(ctx, task.ID, agentID); err != nil {
		_ = dag.MarkFailed(task.ID, err)
	}

	final, _ := dag.Get(task.ID)
	success := final.Status == scheduler.TaskCompleted
	if !success {
		span.RecordError(final.Error)
		span.SetStatus(codes.Error, fmt.Sprint(final.Error))
	}

	// A cancelled batch says nothing about the agent
	if ctx.Err() == nil {
		e.registry.RecordOutcome(agentID, success)
		if e.store != nil {
			if err := e.store.RecordOutcome(ctx, agentID, success); err != nil {
				e.logger.Warn("failed to record agent outcome", "agent", agentID, "error", err)
			}
		}
	}

	if success {
		e.logger.Info("task completed", "batch", batchID, "task", task.ID, "agent", agentID)
	} else {
		e.logger.Warn("task failed", "batch", batchID, "task", task.ID, "agent", agentID, "error", final.Error)
	}
	e.finishTask(ctx, batchID, wave, final, time.Since(start), start)
	return success
}

// finishTask publishes, measures and records a task that reached a terminal status.
func (e *Engine) finishTask(ctx context.Context, batchID string, wave int, t *scheduler.Task, d time.Duration, start time.Time) {
	now := time.Now()
	if t.Status == scheduler.TaskCompleted {
		e.events.Publish(events.TaskCompletedEvent{ID: t.ID, AgentID: t.AgentID, Result: t.Result, Duration: d, Timestamp: now})
	} else {
		e.events.Publish(events.TaskFailedEvent{ID: t.ID, AgentID: t.AgentID, Err: t.Error, Duration: d, Timestamp: now})
	}
	if t.AgentID != "" {
		e.metrics.ObserveTask(t.AgentID, t.Status.String(), d)
	}

	if e.store == nil {
		return
	}
	run := persistence.TaskRun{
		BatchID:   batchID,
		TaskID:    t.ID,
		Name:      t.Name,
		AgentID:   t.AgentID,
		Status:    t.Status.String(),
		Wave:      wave,
		Output:    t.Result,
		StartedAt: start,
		Duration:  d,
	}
	if t.Error != nil {
		run.Error = t.Error.Error()
	}
	if err := e.store.RecordTaskRun(context.WithoutCancel(ctx), run); err != nil {
		e.logger.Warn("failed to record task run", "task", t.ID, "error", err)
	}
}

func (e *Engine) observeAssignment(a balancer.Assignment) {
	workload := 0
	if rec, ok := e.registry.Get(a.AgentID); ok {
		workload = rec.Workload
	}
	e.metrics.ObserveAssignment(a.AgentID, string(e.balancer.Policy()), workload)
	e.events.Publish(events.TaskAssignedEvent{
		ID:         a.TaskID,
		AgentID:    a.AgentID,
		Score:      a.Score,
		Confidence: a.Confidence,
		Reasoning:  a.Reasoning,
		Timestamp:  time.Now(),
	})
}

func (e *Engine) publishProgress(batchID string, dag *scheduler.DAG) {
	counts := dag.Counts()
	e.events.Publish(events.BatchProgressEvent{
		BatchID:   batchID,
		Total:     dag.Len(),
		Completed: counts[scheduler.TaskCompleted],
		Running:   counts[scheduler.TaskRunning],
		Failed:    counts[scheduler.TaskFailed],
		Pending:   counts[scheduler.TaskPending] + counts[scheduler.TaskReady],
		Timestamp: time.Now(),
	})
}
