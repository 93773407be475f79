package orchestration

import (
	"container/heap"
	"sync"

	"github.com/scanweave/scanweave/core"
)

// queuedEntry wraps an execution waiting for admission. Entries order by
// priority weight, ties broken by arrival sequence, so equal-priority
// submissions admit first-in first-out.
type queuedEntry struct {
	exec   *execution
	weight int
	seq    uint64
	index  int
}

// admissionQueue is the bounded priority queue of submissions waiting for
// pool capacity. It supports removal by execution ID so queued work can be
// cancelled without draining.
type admissionQueue struct {
	mu   sync.Mutex
	max  int
	seq  uint64
	h    entryHeap
	byID map[string]*queuedEntry
}

func newAdmissionQueue(max int) *admissionQueue {
	return &admissionQueue{
		max:  max,
		byID: make(map[string]*queuedEntry),
	}
}

// push enqueues e and returns its zero-based position among waiting
// entries. A full queue returns core.ErrQueueFull.
func (q *admissionQueue) push(e *execution) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.h) >= q.max {
		return 0, core.ErrQueueFull
	}
	q.seq++
	entry := &queuedEntry{
		exec:   e,
		weight: e.request.Priority.Weight(),
		seq:    q.seq,
	}
	heap.Push(&q.h, entry)
	q.byID[e.id] = entry
	return q.positionLocked(entry), nil
}

// peek returns the next execution to admit without removing it, or nil.
func (q *admissionQueue) peek() *execution {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0].exec
}

// remove drops the entry for executionID, reporting whether it was queued.
func (q *admissionQueue) remove(executionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.byID[executionID]
	if !ok {
		return false
	}
	heap.Remove(&q.h, entry.index)
	delete(q.byID, executionID)
	return true
}

// position returns the zero-based dequeue position of executionID, or -1
// if it is not queued.
func (q *admissionQueue) position(executionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.byID[executionID]
	if !ok {
		return -1
	}
	return q.positionLocked(entry)
}

// positionLocked counts entries ordered ahead of entry. Linear over the
// queue, which is bounded by maxQueueSize.
func (q *admissionQueue) positionLocked(entry *queuedEntry) int {
	pos := 0
	for _, other := range q.h {
		if other == entry {
			continue
		}
		if other.weight < entry.weight || (other.weight == entry.weight && other.seq < entry.seq) {
			pos++
		}
	}
	return pos
}

func (q *admissionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// entryHeap orders queued entries by (priority weight, arrival sequence).
type entryHeap []*queuedEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].weight != h[j].weight {
		return h[i].weight < h[j].weight
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	entry := x.(*queuedEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}
