package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scanweave/scanweave/core"
)

func newTestBreaker(t *testing.T, clk core.Clock) *CircuitBreaker {
	t.Helper()
	cb, err := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:                "test",
		FailureThreshold:    3,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 2,
		Clock:               clk,
	})
	if err != nil {
		t.Fatal(err)
	}
	return cb
}

func TestBreakerRejectsInvalidConfig(t *testing.T) {
	if _, err := NewCircuitBreaker(nil); err == nil {
		t.Error("nil config should be rejected")
	}
	if _, err := NewCircuitBreaker(&CircuitBreakerConfig{FailureThreshold: 0, RecoveryTimeout: time.Second}); err == nil {
		t.Error("zero threshold should be rejected")
	}
	if _, err := NewCircuitBreaker(&CircuitBreakerConfig{FailureThreshold: 1}); err == nil {
		t.Error("zero recovery timeout should be rejected")
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clk := core.NewFakeClock(time.Unix(0, 0))
	cb := newTestBreaker(t, clk)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if cb.State() != StateClosed {
			t.Fatalf("breaker opened early after %d failures", i)
		}
		_ = cb.Execute(context.Background(), func() error { return boom })
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v after threshold failures, want open", cb.State())
	}

	err := cb.Execute(context.Background(), func() error {
		t.Error("fn must not run while open")
		return nil
	})
	if !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Errorf("expected ErrCircuitBreakerOpen, got %v", err)
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	clk := core.NewFakeClock(time.Unix(0, 0))
	cb := newTestBreaker(t, clk)
	boom := errors.New("boom")

	_ = cb.Execute(context.Background(), func() error { return boom })
	_ = cb.Execute(context.Background(), func() error { return boom })
	_ = cb.Execute(context.Background(), func() error { return nil })
	_ = cb.Execute(context.Background(), func() error { return boom })
	_ = cb.Execute(context.Background(), func() error { return boom })

	if cb.State() != StateClosed {
		t.Errorf("non-consecutive failures tripped the breaker")
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	clk := core.NewFakeClock(time.Unix(0, 0))
	cb := newTestBreaker(t, clk)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}
	if cb.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	// Before the recovery timeout, probes stay rejected.
	clk.Advance(10 * time.Second)
	if cb.CanExecute() {
		t.Fatal("probe admitted before recovery timeout")
	}

	// After the timeout the breaker half-opens and admits probes.
	clk.Advance(30 * time.Second)
	if !cb.CanExecute() {
		t.Fatal("probe rejected after recovery timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", cb.State())
	}
	cb.RecordSuccess()

	if !cb.CanExecute() {
		t.Fatal("second probe rejected")
	}
	cb.RecordSuccess()

	if cb.State() != StateClosed {
		t.Errorf("state = %v after enough probe successes, want closed", cb.State())
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	clk := core.NewFakeClock(time.Unix(0, 0))
	cb := newTestBreaker(t, clk)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}
	clk.Advance(time.Minute)

	err := cb.Execute(context.Background(), func() error { return boom })
	if err == nil {
		t.Fatal("probe should surface the failure")
	}
	if cb.State() != StateOpen {
		t.Errorf("state = %v after failed probe, want open", cb.State())
	}
}

func TestBreakerHalfOpenBoundsProbes(t *testing.T) {
	clk := core.NewFakeClock(time.Unix(0, 0))
	cb := newTestBreaker(t, clk)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}
	clk.Advance(time.Minute)

	if !cb.CanExecute() {
		t.Fatal("first probe rejected")
	}
	if !cb.CanExecute() {
		t.Fatal("second probe rejected")
	}
	if cb.CanExecute() {
		t.Error("probe beyond HalfOpenMaxRequests admitted")
	}
}

func TestBreakerReset(t *testing.T) {
	clk := core.NewFakeClock(time.Unix(0, 0))
	cb := newTestBreaker(t, clk)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("state = %v after reset, want closed", cb.State())
	}
	if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Errorf("execute after reset: %v", err)
	}
}

func TestBreakerHonorsContext(t *testing.T) {
	clk := core.NewFakeClock(time.Unix(0, 0))
	cb := newTestBreaker(t, clk)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cb.Execute(ctx, func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
