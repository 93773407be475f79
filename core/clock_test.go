package core

import (
	"context"
	"testing"
	"time"
)

func TestFakeClockAdvanceFiresTimers(t *testing.T) {
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clk := NewFakeClock(start)

	ch := clk.After(10 * time.Minute)
	select {
	case <-ch:
		t.Fatal("timer fired before Advance")
	default:
	}

	clk.Advance(9 * time.Minute)
	select {
	case <-ch:
		t.Fatal("timer fired before its deadline")
	default:
	}

	clk.Advance(time.Minute)
	select {
	case at := <-ch:
		if !at.Equal(start.Add(10 * time.Minute)) {
			t.Errorf("fired at %v, want %v", at, start.Add(10*time.Minute))
		}
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFakeClockFiresInDeadlineOrder(t *testing.T) {
	clk := NewFakeClock(time.Unix(0, 0))
	late := clk.After(time.Hour)
	early := clk.After(time.Minute)

	clk.Advance(2 * time.Hour)

	var gotEarly, gotLate time.Time
	select {
	case gotEarly = <-early:
	default:
		t.Fatal("early timer did not fire")
	}
	select {
	case gotLate = <-late:
	default:
		t.Fatal("late timer did not fire")
	}
	if gotLate.Before(gotEarly) {
		t.Error("late timer observed an earlier instant than early timer")
	}
}

func TestFakeClockZeroDelayFiresImmediately(t *testing.T) {
	clk := NewFakeClock(time.Unix(0, 0))
	select {
	case <-clk.After(0):
	default:
		t.Fatal("zero-delay timer should fire immediately")
	}
}

func TestFakeClockSleepCancellable(t *testing.T) {
	clk := NewFakeClock(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- clk.Sleep(ctx, time.Hour) }()

	// Wait until the sleeper has parked, then cancel.
	for i := 0; i < 100 && clk.Waiters() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Sleep returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Sleep did not observe cancellation")
	}
}

func TestFakeClockSetTime(t *testing.T) {
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clk := NewFakeClock(start)
	ch := clk.After(30 * time.Minute)

	clk.SetTime(start.Add(time.Hour))
	if got := clk.Now(); !got.Equal(start.Add(time.Hour)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(time.Hour))
	}
	select {
	case <-ch:
	default:
		t.Fatal("SetTime should fire elapsed timers")
	}
}

func TestSystemClockSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SystemClock().Sleep(ctx, time.Minute); err == nil {
		t.Fatal("Sleep with cancelled context should error")
	}
	if err := SystemClock().Sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero-duration sleep: %v", err)
	}
}
