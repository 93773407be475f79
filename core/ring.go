package core

import "sync"

// Ring is a bounded, concurrency-safe buffer that keeps the most recent
// entries and silently overwrites the oldest once full. It backs the
// completed/failed execution history.
type Ring[T any] struct {
	mu   sync.RWMutex
	buf  []T
	next int
	size int
}

// NewRing returns a Ring holding at most capacity entries. Capacity must be
// positive.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest entry when full. The evicted entry,
// if any, is returned so callers can release references tied to it.
func (r *Ring[T]) Push(v T) (evicted T, wasFull bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == len(r.buf) {
		evicted, wasFull = r.buf[r.next], true
	}
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
	return evicted, wasFull
}

// Items returns the retained entries, newest first.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, r.size)
	for i := 1; i <= r.size; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Len returns the number of retained entries.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}
