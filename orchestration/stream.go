package orchestration

import (
	"sync"
	"time"
)

// ProgressEvent is one update on an execution's progress stream. The final
// event carries a terminal state; the stream channel is closed right after
// it.
type ProgressEvent struct {
	ExecutionID string         `json:"execution_id"`
	State       ExecutionState `json:"state"`
	Progress    float64        `json:"progress"`
	CurrentStep string         `json:"current_step,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Error       string         `json:"error,omitempty"`
}

// streamBuffer is the per-subscriber channel depth. Slow consumers lose
// intermediate milestones, never the terminal event.
const streamBuffer = 16

// streamHub fans execution progress out to per-execution subscribers.
// Publishing never blocks the runner: a full subscriber buffer drops the
// incoming event, except a terminal event, which sheds the oldest
// buffered one to make room for itself.
type streamHub struct {
	mu   sync.Mutex
	subs map[string]map[chan ProgressEvent]struct{}
}

func newStreamHub() *streamHub {
	return &streamHub{subs: make(map[string]map[chan ProgressEvent]struct{})}
}

// subscribe registers interest in executionID. The returned cancel func
// detaches and closes the channel; it is safe to call after the stream has
// already ended.
func (h *streamHub) subscribe(executionID string) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, streamBuffer)

	h.mu.Lock()
	set, ok := h.subs[executionID]
	if !ok {
		set = make(map[chan ProgressEvent]struct{})
		h.subs[executionID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		set, ok := h.subs[executionID]
		if !ok {
			return
		}
		if _, live := set[ch]; !live {
			return
		}
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, executionID)
		}
		close(ch)
	}
	return ch, cancel
}

// publish delivers ev to every subscriber of its execution. With terminal
// set, subscriber channels are closed after delivery and the subscription
// entry is dropped.
func (h *streamHub) publish(ev ProgressEvent, terminal bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[ev.ExecutionID]
	if !ok {
		return
	}
	for ch := range set {
		deliver(ch, ev, terminal)
		if terminal {
			close(ch)
		}
	}
	if terminal {
		delete(h.subs, ev.ExecutionID)
	}
}

// deliver sends without blocking. A full buffer sheds its oldest event for
// a terminal delivery and drops the event otherwise.
func deliver(ch chan ProgressEvent, ev ProgressEvent, terminal bool) {
	select {
	case ch <- ev:
		return
	default:
	}
	if !terminal {
		return
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// closeAll closes every live subscription. Used on engine shutdown after
// the remaining executions have published their terminal events.
func (h *streamHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, id)
	}
}
