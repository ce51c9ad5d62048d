package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/swarm/internal/backend"
	"github.com/aristath/swarm/internal/metrics"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c RetryConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = c.MaxElapsedTime
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.RandomizationFactor
	b.Reset()
	return b
}

// BreakerConfig configures the per-agent circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32        // Consecutive failures that trip the breaker (default 5)
	MaxRequests      uint32        // Trial requests allowed while half-open (default 3)
	Timeout          time.Duration // Time spent open before going half-open (default 30s)
}

// DefaultBreakerConfig returns the default circuit breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		MaxRequests:      3,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreakerRegistry manages per-agent circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	cfg      BreakerConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// BreakerOption configures a CircuitBreakerRegistry.
type BreakerOption func(*CircuitBreakerRegistry)

// WithBreakerConfig overrides the breaker settings.
func WithBreakerConfig(cfg BreakerConfig) BreakerOption {
	return func(r *CircuitBreakerRegistry) { r.cfg = cfg }
}

// WithBreakerLogger sets the logger used for state changes.
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(r *CircuitBreakerRegistry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithBreakerMetrics counts state changes in m.
func WithBreakerMetrics(m *metrics.Metrics) BreakerOption {
	return func(r *CircuitBreakerRegistry) { r.metrics = m }
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(opts ...BreakerOption) *CircuitBreakerRegistry {
	r := &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cfg:      DefaultBreakerConfig(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the circuit breaker for the given agent.
// Creates a new one if it doesn't exist.
func (r *CircuitBreakerRegistry) Get(agentID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agentID]; ok {
		return cb
	}

	threshold := r.cfg.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentID,
		MaxRequests: r.cfg.MaxRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change", "agent", name, "from", from.String(), "to", to.String())
			r.metrics.ObserveBreaker(name, to.String())
		},
		IsSuccessful: func(err error) bool {
			// Don't count cancellation as an agent failure
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[agentID] = cb
	return cb
}

// runWithRetry runs a request on b with exponential backoff retry and circuit breaker protection.
func runWithRetry(ctx context.Context, b backend.Backend, req backend.Request, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig) (backend.Response, error) {
	var resp backend.Response

	operation := func() error {
		// Fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return b.Run(ctx, req)
		})
		if err != nil {
			// Circuit is open - don't retry
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		resp = result.(backend.Response)
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(retryCfg.newBackOff(), ctx))
	return resp, err
}

// ResilientBackend wraps a backend with retry and per-agent circuit breakers.
// The breaker is picked by the request's AgentID, so one shared backend still
// trips separately for each agent.
type ResilientBackend struct {
	inner    backend.Backend
	breakers *CircuitBreakerRegistry
	retry    RetryConfig
}

// NewResilientBackend wraps inner.
func NewResilientBackend(inner backend.Backend, breakers *CircuitBreakerRegistry, retry RetryConfig) *ResilientBackend {
	if breakers == nil {
		breakers = NewCircuitBreakerRegistry()
	}
	return &ResilientBackend{
		inner:    inner,
		breakers: breakers,
		retry:    retry,
	}
}

// Run implements backend.Backend.
func (r *ResilientBackend) Run(ctx context.Context, req backend.Request) (backend.Response, error) {
	key := req.AgentID
	if key == "" {
		key = "default"
	}
	return runWithRetry(ctx, r.inner, req, r.breakers.Get(key), r.retry)
}

// Close closes the wrapped backend.
func (r *ResilientBackend) Close() error {
	return r.inner.Close()
}
