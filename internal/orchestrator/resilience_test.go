package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"

	"github.com/aristath/swarm/internal/backend"
	"github.com/aristath/swarm/internal/metrics"
)

// retryTestBackend is a mock backend for testing retry behavior.
type retryTestBackend struct {
	mu        sync.Mutex
	responses []any // Each entry is either backend.Response or error
	callCount int
	closed    bool
}

func (b *retryTestBackend) Run(ctx context.Context, req backend.Request) (backend.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.callCount >= len(b.responses) {
		return backend.Response{}, fmt.Errorf("unexpected call %d (only %d responses configured)", b.callCount+1, len(b.responses))
	}

	resp := b.responses[b.callCount]
	b.callCount++

	switch v := resp.(type) {
	case backend.Response:
		return v, nil
	case error:
		return backend.Response{}, v
	default:
		return backend.Response{}, fmt.Errorf("invalid response type: %T", v)
	}
}

func (b *retryTestBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *retryTestBackend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callCount
}

func failing(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = fmt.Errorf("persistent error %d", i+1)
	}
	return out
}

func quickRetry(maxElapsed time.Duration) RetryConfig {
	return RetryConfig{
		InitialInterval:     10 * time.Millisecond,
		MaxInterval:         50 * time.Millisecond,
		MaxElapsedTime:      maxElapsed,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// TestRunWithRetry_TransientThenSuccess verifies transient failures are retried.
func TestRunWithRetry_TransientThenSuccess(t *testing.T) {
	testBackend := &retryTestBackend{
		responses: []any{
			fmt.Errorf("transient error 1"),
			fmt.Errorf("transient error 2"),
			backend.Response{Output: "success"},
		},
	}

	cb := NewCircuitBreakerRegistry().Get("test")
	resp, err := runWithRetry(context.Background(), testBackend, backend.Request{TaskID: "t1"}, cb, quickRetry(time.Second))
	if err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	if resp.Output != "success" {
		t.Errorf("expected output 'success', got %q", resp.Output)
	}
	if got := testBackend.CallCount(); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

// TestRunWithRetry_CircuitOpens verifies the breaker trips after the
// configured consecutive failures and then short-circuits.
func TestRunWithRetry_CircuitOpens(t *testing.T) {
	testBackend := &retryTestBackend{responses: failing(20)}

	_, mt := metrics.NewRegistry()
	reg := NewCircuitBreakerRegistry(
		WithBreakerConfig(BreakerConfig{FailureThreshold: 3, MaxRequests: 1, Timeout: time.Minute}),
		WithBreakerMetrics(mt),
	)
	cb := reg.Get("agent-1")

	_, err := runWithRetry(context.Background(), testBackend, backend.Request{}, cb, quickRetry(2*time.Second))
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got: %v", err)
	}
	if got := testBackend.CallCount(); got != 3 {
		t.Errorf("expected 3 calls before the breaker opened, got %d", got)
	}
	if cb.State() != gobreaker.StateOpen {
		t.Errorf("state = %v, want open", cb.State())
	}
	if v := testutil.ToFloat64(mt.BreakerTransitions.WithLabelValues("agent-1", "open")); v != 1 {
		t.Errorf("breaker transitions = %v, want 1", v)
	}

	// Further calls fail fast without reaching the backend
	_, err = runWithRetry(context.Background(), testBackend, backend.Request{}, cb, quickRetry(time.Second))
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState, got: %v", err)
	}
	if got := testBackend.CallCount(); got != 3 {
		t.Errorf("open breaker let a call through: %d calls", got)
	}
}

// TestRunWithRetry_ContextCancelled_StopsRetry verifies context cancellation stops retries.
func TestRunWithRetry_ContextCancelled_StopsRetry(t *testing.T) {
	testBackend := &retryTestBackend{responses: failing(100)}

	cb := NewCircuitBreakerRegistry(WithBreakerConfig(BreakerConfig{FailureThreshold: 1000, MaxRequests: 1, Timeout: time.Minute})).Get("test")
	retryCfg := RetryConfig{
		InitialInterval:     50 * time.Millisecond,
		MaxInterval:         200 * time.Millisecond,
		MaxElapsedTime:      10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := runWithRetry(ctx, testBackend, backend.Request{}, cb, retryCfg)
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded error, got: %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("runWithRetry took %v, expected < 500ms (context should stop retries)", elapsed)
	}
}

// TestCircuitBreakerRegistry_PerAgent verifies circuit breakers are per agent.
func TestCircuitBreakerRegistry_PerAgent(t *testing.T) {
	registry := NewCircuitBreakerRegistry()

	cb1a := registry.Get("agent-1")
	cb1b := registry.Get("agent-1")
	cb2 := registry.Get("agent-2")

	if cb1a != cb1b {
		t.Error("expected same circuit breaker instance for 'agent-1'")
	}
	if cb1a == cb2 {
		t.Error("expected different circuit breaker instances for 'agent-1' and 'agent-2'")
	}
	if cb1a.Name() != "agent-1" || cb2.Name() != "agent-2" {
		t.Errorf("names = %q, %q", cb1a.Name(), cb2.Name())
	}
}

// TestCircuitBreaker_CancellationNotCounted verifies cancellation doesn't count as failure.
func TestCircuitBreaker_CancellationNotCounted(t *testing.T) {
	cb := NewCircuitBreakerRegistry().Get("test-backend")

	for _, cause := range []error{context.Canceled, context.DeadlineExceeded, fmt.Errorf("run: %w", context.Canceled)} {
		for range 10 {
			_, err := cb.Execute(func() (interface{}, error) {
				return nil, cause
			})
			if !errors.Is(err, cause) {
				t.Fatalf("Execute() error = %v, want %v", err, cause)
			}
		}
	}

	if cb.State() != gobreaker.StateClosed {
		t.Errorf("expected circuit to remain closed, got: %v", cb.State())
	}
	if c := cb.Counts(); c.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0", c.ConsecutiveFailures)
	}
}

func TestResilientBackend(t *testing.T) {
	inner := &retryTestBackend{
		responses: []any{
			errors.New("hiccup"),
			backend.Response{Output: "ok"},
			errors.New("down"),
			errors.New("down"),
		},
	}
	breakers := NewCircuitBreakerRegistry(WithBreakerConfig(BreakerConfig{FailureThreshold: 2, MaxRequests: 1, Timeout: time.Minute}))
	rb := NewResilientBackend(inner, breakers, quickRetry(time.Second))

	resp, err := rb.Run(context.Background(), backend.Request{TaskID: "t1", AgentID: "a1"})
	if err != nil || resp.Output != "ok" {
		t.Fatalf("Run() = %+v, %v; want ok after one retry", resp, err)
	}

	// a2 trips its own breaker; a1's stays closed
	if _, err := rb.Run(context.Background(), backend.Request{TaskID: "t2", AgentID: "a2"}); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("Run() error = %v, want ErrOpenState", err)
	}
	if s := breakers.Get("a2").State(); s != gobreaker.StateOpen {
		t.Errorf("a2 breaker = %v, want open", s)
	}
	if s := breakers.Get("a1").State(); s != gobreaker.StateClosed {
		t.Errorf("a1 breaker = %v, want closed", s)
	}

	if err := rb.Close(); err != nil || !inner.closed {
		t.Errorf("Close() = %v, inner closed = %v", err, inner.closed)
	}
}
