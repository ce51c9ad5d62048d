package backend

import (
	"context"
	"fmt"
	"time"
)

// Backend is the transport that carries a task to an agent and returns its output.
type Backend interface {
	// Run executes the request and returns the agent's response.
	Run(ctx context.Context, req Request) (Response, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Func adapts a plain function to the Backend interface.
type Func func(ctx context.Context, req Request) (Response, error)

// Run calls f.
func (f Func) Run(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// Close is a no-op.
func (f Func) Close() error { return nil }

// New creates a new backend based on the provided configuration.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	switch cfg.Type {
	case "command":
		return NewCommandBackend(cfg, pm)
	case "echo", "":
		return NewEchoBackend(cfg.Delay), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}

// EchoBackend simulates an agent: it waits for the configured delay and reports
// a canned output for the task.
type EchoBackend struct {
	delay time.Duration
}

// NewEchoBackend creates an EchoBackend.
func NewEchoBackend(delay time.Duration) *EchoBackend {
	return &EchoBackend{delay: delay}
}

// Run waits for the delay (or cancellation) and echoes the task name.
func (b *EchoBackend) Run(ctx context.Context, req Request) (Response, error) {
	if b.delay > 0 {
		timer := time.NewTimer(b.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}

	name := req.Name
	if name == "" {
		name = req.TaskID
	}
	return Response{Output: "Output for " + name}, nil
}

// Close is a no-op.
func (b *EchoBackend) Close() error { return nil }
