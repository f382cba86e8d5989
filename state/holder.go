// Package state holds the mutable, observable snapshots of current known
// truth: connection, global counters, per-channel, per-thread, and
// per-query containers. Each container's backing maps are mutated only
// through its own merge entry points.
package state

import "sync"

// Holder is an observable value: current snapshot plus change subscribers.
// Reads return the snapshot without blocking writers; writes replace the
// value and notify subscribers outside the lock.
type Holder[T any] struct {
	mu    sync.RWMutex
	value T
	subs  map[int]func(T)
	next  int
}

// NewHolder creates a holder with the given initial value.
func NewHolder[T any](initial T) *Holder[T] {
	return &Holder[T]{value: initial, subs: make(map[int]func(T))}
}

// Get returns the current value.
func (h *Holder[T]) Get() T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.value
}

// Set replaces the value and notifies all subscribers with the new snapshot.
func (h *Holder[T]) Set(v T) {
	h.mu.Lock()
	h.value = v
	snapshot := make([]func(T), 0, len(h.subs))
	for _, fn := range h.subs {
		snapshot = append(snapshot, fn)
	}
	h.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// Observe registers fn for future changes and returns a cancel function.
// Cancellation takes effect no later than the next Set.
func (h *Holder[T]) Observe(fn func(T)) (cancel func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}
