package scheduling

import (
	"container/heap"
	"time"
)

// pendingEntry wraps a schedule waiting for its due time. The due key is
// snapshotted at push so later writes to the schedule cannot corrupt the
// heap invariant; updateDue refreshes both together.
type pendingEntry struct {
	sched  *schedule
	due    time.Time
	weight int
	index  int
}

// pendingQueue indexes every waiting schedule by due time, with removal by
// ID so cancellations and promotions never drain the heap. It is not
// self-locking: callers hold the scheduler mutex.
type pendingQueue struct {
	h    scheduleHeap
	byID map[string]*pendingEntry
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{byID: make(map[string]*pendingEntry)}
}

func (q *pendingQueue) len() int {
	return len(q.h)
}

// push enqueues sched at its current due time. Pushing an ID that is
// already queued moves it instead.
func (q *pendingQueue) push(sched *schedule) {
	if entry, ok := q.byID[sched.id]; ok {
		entry.due = sched.due
		entry.weight = sched.req.Priority.Weight()
		heap.Fix(&q.h, entry.index)
		return
	}
	entry := &pendingEntry{
		sched:  sched,
		due:    sched.due,
		weight: sched.req.Priority.Weight(),
	}
	q.byID[sched.id] = entry
	heap.Push(&q.h, entry)
}

// popDue removes and returns every schedule due at or before now, earliest
// first.
func (q *pendingQueue) popDue(now time.Time) []*schedule {
	var due []*schedule
	for len(q.h) > 0 && !q.h[0].due.After(now) {
		entry := heap.Pop(&q.h).(*pendingEntry)
		delete(q.byID, entry.sched.id)
		due = append(due, entry.sched)
	}
	return due
}

// updateDue moves a queued schedule to a new due time. It reports whether
// the ID was queued.
func (q *pendingQueue) updateDue(id string, due time.Time) bool {
	entry, ok := q.byID[id]
	if !ok {
		return false
	}
	entry.due = due
	entry.sched.due = due
	heap.Fix(&q.h, entry.index)
	return true
}

// remove deletes a queued schedule by ID.
func (q *pendingQueue) remove(id string) bool {
	entry, ok := q.byID[id]
	if !ok {
		return false
	}
	delete(q.byID, id)
	heap.Remove(&q.h, entry.index)
	return true
}

// peekDue returns the earliest due time in the queue.
func (q *pendingQueue) peekDue() (time.Time, bool) {
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].due, true
}

// scheduleHeap orders by due time, then priority weight, then submission
// order.
type scheduleHeap []*pendingEntry

func (h scheduleHeap) Len() int { return len(h) }

func (h scheduleHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	if h[i].weight != h[j].weight {
		return h[i].weight < h[j].weight
	}
	return h[i].sched.seq < h[j].sched.seq
}

func (h scheduleHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *scheduleHeap) Push(x interface{}) {
	entry := x.(*pendingEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *scheduleHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	entry.index = -1
	return entry
}

// effectiveWeight is the dispatch-ordering key of a due schedule. Queue
// ages beyond the starvation threshold improve the effective priority by
// half a point per waiting minute on a hundred-point-per-band scale,
// capped at one full band, so long-waiting work eventually outranks fresh
// higher-priority arrivals that fall due at the same instant.
func effectiveWeight(sched *schedule, now time.Time, starvationAge time.Duration) float64 {
	w := float64(sched.req.Priority.Weight() * 100)
	if age := now.Sub(sched.queuedSince); age > starvationAge {
		boost := age.Minutes() * 0.5
		if boost > 100 {
			boost = 100
		}
		w -= boost
	}
	return w
}
