package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scanweave/scanweave/core"
	"github.com/scanweave/scanweave/telemetry"
)

// CircuitState is the breaker's current disposition toward requests.
type CircuitState int32

const (
	// StateClosed lets all requests through.
	StateClosed CircuitState = iota

	// StateOpen rejects all requests until the recovery timeout elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe requests through.
	StateHalfOpen
)

// String returns the lowercase state name.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// CircuitBreakerConfig configures a breaker.
type CircuitBreakerConfig struct {
	// Name labels log entries and metrics.
	Name string

	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests bounds concurrent probes in half-open state;
	// that many consecutive probe successes close the breaker.
	HalfOpenMaxRequests int

	// Clock drives recovery timing; nil means the system clock.
	Clock core.Clock

	// Logger receives state-transition entries; nil disables logging.
	Logger core.Logger
}

// DefaultCircuitBreakerConfig provides production defaults.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:                name,
		FailureThreshold:    5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// CircuitBreaker protects an unreliable dependency by failing fast once it
// has proven unhealthy. The advisor services sit behind one: when they
// misbehave the deterministic heuristics take over without waiting on them.
type CircuitBreaker struct {
	name      string
	threshold int
	recovery  time.Duration
	probeMax  int
	clock     core.Clock
	logger    core.Logger

	mu               sync.Mutex
	state            CircuitState
	failures         int // consecutive failures in closed state
	openedAt         time.Time
	probesInFlight   int
	probeSuccesses   int
	transitionsTotal int64
}

// NewCircuitBreaker validates the configuration and builds a breaker.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		return nil, fmt.Errorf("circuit breaker config must not be nil")
	}
	if config.FailureThreshold <= 0 {
		return nil, fmt.Errorf("failure threshold must be positive, got %d", config.FailureThreshold)
	}
	if config.RecoveryTimeout <= 0 {
		return nil, fmt.Errorf("recovery timeout must be positive, got %v", config.RecoveryTimeout)
	}
	probeMax := config.HalfOpenMaxRequests
	if probeMax <= 0 {
		probeMax = 1
	}
	clock := config.Clock
	if clock == nil {
		clock = core.SystemClock()
	}
	logger := config.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &CircuitBreaker{
		name:      config.Name,
		threshold: config.FailureThreshold,
		recovery:  config.RecoveryTimeout,
		probeMax:  probeMax,
		clock:     clock,
		logger:    core.WithComponent(logger, "circuit-breaker"),
		state:     StateClosed,
	}, nil
}

// Execute runs fn through the breaker, recording its outcome. When the
// breaker is open it returns core.ErrCircuitBreakerOpen without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.CanExecute() {
		telemetry.Counter("resilience.circuit.rejected", "name", cb.name)
		return core.ErrCircuitBreakerOpen
	}

	err := fn()
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// CanExecute reports whether a request may proceed, reserving a probe slot
// in half-open state.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.clock.Now().Sub(cb.openedAt) < cb.recovery {
			return false
		}
		cb.transitionLocked(StateHalfOpen)
		cb.probesInFlight = 1
		return true
	case StateHalfOpen:
		if cb.probesInFlight >= cb.probeMax {
			return false
		}
		cb.probesInFlight++
		return true
	}
	return false
}

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.probesInFlight > 0 {
			cb.probesInFlight--
		}
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.probeMax {
			cb.transitionLocked(StateClosed)
		}
	}
}

// RecordFailure notes a failed call, tripping the breaker when warranted.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// A failed probe reopens immediately.
		cb.transitionLocked(StateOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed {
		cb.transitionLocked(StateClosed)
	}
	cb.failures = 0
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.transitionsTotal++

	switch to {
	case StateOpen:
		cb.openedAt = cb.clock.Now()
	case StateClosed, StateHalfOpen:
		cb.failures = 0
		cb.probeSuccesses = 0
		cb.probesInFlight = 0
	}

	cb.logger.Info("Circuit breaker state changed", map[string]interface{}{
		"name": cb.name,
		"from": from.String(),
		"to":   to.String(),
	})
	telemetry.Counter("resilience.circuit.transitions",
		"name", cb.name, "from", from.String(), "to", to.String())
}
