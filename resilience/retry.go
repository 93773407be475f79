// Package resilience provides retry and circuit-breaker primitives used
// around the optional advisor services and inside workflow task execution.
package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/scanweave/scanweave/core"
)

// RetryStrategy selects how the delay between attempts evolves.
type RetryStrategy string

const (
	// RetryImmediate retries with no delay between attempts.
	RetryImmediate RetryStrategy = "immediate"

	// RetryFixed waits InitialDelay between every attempt.
	RetryFixed RetryStrategy = "fixed"

	// RetryExponential multiplies the delay by BackoffFactor after each
	// attempt, capped at MaxDelay.
	RetryExponential RetryStrategy = "exponential_backoff"

	// RetryJittered is exponential backoff with a small deterministic
	// jitter to spread synchronized retries.
	RetryJittered RetryStrategy = "jittered"
)

// Valid reports whether s is a known retry strategy.
func (s RetryStrategy) Valid() bool {
	switch s {
	case RetryImmediate, RetryFixed, RetryExponential, RetryJittered:
		return true
	}
	return false
}

// RetryConfig configures retry behavior.
type RetryConfig struct {
	Strategy      RetryStrategy
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// Clock drives the inter-attempt waits; nil means the system clock.
	Clock core.Clock
}

// DefaultRetryConfig provides sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		Strategy:      RetryJittered,
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Delay returns the wait before the given retry (attempt is 1-based; the
// delay applies after that attempt failed).
func (c *RetryConfig) Delay(attempt int) time.Duration {
	switch c.Strategy {
	case RetryImmediate:
		return 0
	case RetryFixed:
		return c.InitialDelay
	}

	factor := c.BackoffFactor
	if factor <= 1 {
		factor = 2.0
	}
	delay := time.Duration(float64(c.InitialDelay) * math.Pow(factor, float64(attempt-1)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Strategy == RetryJittered {
		// Deterministic jitter keeps tests stable while still spreading
		// synchronized retries across attempts.
		jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Retry executes fn until it succeeds, the attempt budget is exhausted, or
// ctx is done.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	clock := config.Clock
	if clock == nil {
		clock = core.SystemClock()
	}
	attempts := config.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		// Don't sleep after the last attempt
		if attempt == attempts {
			break
		}

		if d := config.Delay(attempt); d > 0 {
			if err := clock.Sleep(ctx, d); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", attempts, lastErr, core.ErrMaxRetriesExceeded)
}

// RetryWithCircuitBreaker combines retry logic with a circuit breaker.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		if !cb.CanExecute() {
			return core.ErrCircuitBreakerOpen
		}

		err := fn()
		if err != nil {
			cb.RecordFailure()
			return err
		}

		cb.RecordSuccess()
		return nil
	})
}
