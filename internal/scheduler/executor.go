package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/swarm/internal/backend"
)

// Executor runs a single task on the backend of the agent it was assigned to.
type Executor struct {
	dag *DAG

	mu          sync.RWMutex
	backends    map[string]backend.Backend // agentID -> backend instance
	fallback    backend.Backend
	taskTimeout time.Duration
}

// NewExecutor creates a new Executor.
func NewExecutor(dag *DAG) *Executor {
	return &Executor{
		dag:      dag,
		backends: make(map[string]backend.Backend),
	}
}

// RegisterBackend maps an agent ID to a backend instance.
func (e *Executor) RegisterBackend(agentID string, b backend.Backend) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.backends[agentID] = b
}

// SetFallback sets the backend used for agents without a registered backend.
func (e *Executor) SetFallback(b backend.Backend) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallback = b
}

// SetTaskTimeout bounds every task execution. Zero disables the bound.
func (e *Executor) SetTaskTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.taskTimeout = d
}

// Backend returns the backend that would run tasks for agentID.
func (e *Executor) Backend(agentID string) (backend.Backend, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if b, ok := e.backends[agentID]; ok {
		return b, true
	}
	if e.fallback != nil {
		return e.fallback, true
	}
	return nil, false
}

// ExecuteTask runs taskID on agentID's backend.
// The task outcome is recorded in the DAG; the returned error only reports
// that the task could not be started at all.
func (e *Executor) ExecuteTask(ctx context.Context, taskID, agentID string) error {
	task, exists := e.dag.Get(taskID)
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}

	if task.Status != TaskReady {
		return fmt.Errorf("task %q is not ready (status: %s)", taskID, task.Status)
	}

	for _, depID := range task.DependsOn {
		dep, ok := e.dag.Get(depID)
		if !ok || dep.Status != TaskCompleted {
			return fmt.Errorf("task %q has unresolved dependency %q", taskID, depID)
		}
	}

	if err := e.dag.MarkRunning(taskID, agentID); err != nil {
		return err
	}

	b, ok := e.Backend(agentID)
	if !ok {
		_ = e.dag.MarkFailed(taskID, fmt.Errorf("no backend registered for agent %q", agentID))
		return nil
	}

	if err := ctx.Err(); err != nil {
		_ = e.dag.MarkFailed(taskID, fmt.Errorf("context cancelled before execution: %w", err))
		return nil
	}

	e.mu.RLock()
	timeout := e.taskTimeout
	e.mu.RUnlock()

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := b.Run(runCtx, backend.Request{
		TaskID:       task.ID,
		Name:         task.Name,
		Description:  task.Description,
		AgentID:      agentID,
		Technologies: task.RequiredTechnologies,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("task timed out after %s: %w", timeout, err)
		}
		_ = e.dag.MarkFailed(taskID, err)
		return nil
	}

	_ = e.dag.MarkCompleted(taskID, resp.Output)
	return nil
}

// Close closes every registered backend and the fallback.
func (e *Executor) Close() error {
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
