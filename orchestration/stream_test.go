package orchestration

import (
	"testing"
	"time"
)

func progressEvent(executionID string, progress float64) ProgressEvent {
	return ProgressEvent{
		ExecutionID: executionID,
		State:       StateRunning,
		Progress:    progress,
		Timestamp:   time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	}
}

func drainEvents(ch <-chan ProgressEvent) []ProgressEvent {
	var events []ProgressEvent
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestStreamHub_FullBufferDropsIntermediateEvents(t *testing.T) {
	hub := newStreamHub()
	ch, cancel := hub.subscribe("exec-1")
	defer cancel()

	for i := 0; i < streamBuffer+4; i++ {
		hub.publish(progressEvent("exec-1", float64(i)), false)
	}

	events := drainEvents(ch)
	if len(events) != streamBuffer {
		t.Fatalf("buffered %d events, want %d", len(events), streamBuffer)
	}
	// The overflow events are the ones missing: the buffer keeps the first
	// sixteen, not a sliding window.
	if events[0].Progress != 0 || events[len(events)-1].Progress != streamBuffer-1 {
		t.Errorf("buffered range = %v..%v, want 0..%d", events[0].Progress, events[len(events)-1].Progress, streamBuffer-1)
	}
}

func TestStreamHub_TerminalEventShedsOldest(t *testing.T) {
	hub := newStreamHub()
	ch, _ := hub.subscribe("exec-1")

	for i := 0; i < streamBuffer; i++ {
		hub.publish(progressEvent("exec-1", float64(i)), false)
	}
	terminal := progressEvent("exec-1", 1)
	terminal.State = StateCompleted
	hub.publish(terminal, true)

	events := drainEvents(ch)
	if len(events) != streamBuffer {
		t.Fatalf("received %d events, want %d", len(events), streamBuffer)
	}
	if events[0].Progress != 1 {
		t.Errorf("first event progress = %v, want 1 after shedding the oldest", events[0].Progress)
	}
	last := events[len(events)-1]
	if last.State != StateCompleted {
		t.Errorf("last event state = %s, want completed", last.State)
	}

	// Terminal delivery closes the channel.
	if _, ok := <-ch; ok {
		t.Error("channel still open after terminal event")
	}
}

func TestStreamHub_PublishAfterTerminalIsDropped(t *testing.T) {
	hub := newStreamHub()
	ch, _ := hub.subscribe("exec-1")

	terminal := progressEvent("exec-1", 1)
	terminal.State = StateCompleted
	hub.publish(terminal, true)

	// The subscription entry is gone; publishing again must not panic or
	// reach the closed channel.
	hub.publish(progressEvent("exec-1", 0.5), false)

	events := drainEvents(ch)
	if len(events) != 1 || events[0].State != StateCompleted {
		t.Errorf("events = %v, want only the terminal event", events)
	}
}

func TestStreamHub_PublishToUnknownExecution(t *testing.T) {
	hub := newStreamHub()
	hub.publish(progressEvent("exec-unknown", 0.5), false)
	hub.publish(progressEvent("exec-unknown", 1), true)
}

func TestStreamHub_CancelIsIdempotent(t *testing.T) {
	hub := newStreamHub()
	ch, cancel := hub.subscribe("exec-1")

	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	// A cancelled subscriber no longer receives anything.
	hub.publish(progressEvent("exec-1", 0.5), false)
}

func TestStreamHub_CancelAfterTerminalIsSafe(t *testing.T) {
	hub := newStreamHub()
	_, cancel := hub.subscribe("exec-1")

	terminal := progressEvent("exec-1", 1)
	terminal.State = StateCompleted
	hub.publish(terminal, true)

	cancel()
}

func TestStreamHub_IndependentSubscribers(t *testing.T) {
	hub := newStreamHub()
	ch1, cancel1 := hub.subscribe("exec-1")
	ch2, _ := hub.subscribe("exec-1")
	chOther, _ := hub.subscribe("exec-2")

	hub.publish(progressEvent("exec-1", 0.5), false)
	cancel1()
	hub.publish(progressEvent("exec-1", 0.9), false)

	if events := drainEvents(ch1); len(events) != 1 {
		t.Errorf("cancelled subscriber saw %d events, want the 1 before cancel", len(events))
	}
	if events := drainEvents(ch2); len(events) != 2 {
		t.Errorf("live subscriber saw %d events, want 2", len(events))
	}
	if events := drainEvents(chOther); len(events) != 0 {
		t.Errorf("other execution's subscriber saw %d events, want 0", len(events))
	}
}

func TestStreamHub_CloseAll(t *testing.T) {
	hub := newStreamHub()
	ch1, _ := hub.subscribe("exec-1")
	ch2, cancel2 := hub.subscribe("exec-2")

	hub.closeAll()

	if _, ok := <-ch1; ok {
		t.Error("exec-1 channel still open after closeAll")
	}
	if _, ok := <-ch2; ok {
		t.Error("exec-2 channel still open after closeAll")
	}
	// Cancel after closeAll must not double-close.
	cancel2()
	hub.publish(progressEvent("exec-1", 0.5), false)
}
