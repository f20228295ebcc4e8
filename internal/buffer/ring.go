// Package buffer provides a bounded ring used to cache the most recent
// activity entries for the dashboard and status endpoints.
package buffer

import (
	"sync"
)

// Ring is a thread-safe circular buffer that keeps the most recent items up to
// a fixed capacity. When the ring is full, the oldest item is discarded to
// make room for the new one.
type Ring[T any] struct {
	items []T
	head  int
	size  int
	mu    sync.RWMutex
}

// NewRing creates a Ring with the given capacity. A capacity below 1 becomes 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest item when full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[(r.head+r.size)%len(r.items)] = v
	if r.size < len(r.items) {
		r.size++
		return
	}
	r.head = (r.head + 1) % len(r.items)
}

// Items returns a copy of the buffered items, oldest first. It returns nil
// for an empty ring.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return nil
	}
	out := make([]T, r.size)
	for i := range out {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

// Last returns up to n of the newest items, newest first.
func (r *Ring[T]) Last(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	for i := range out {
		out[i] = r.items[(r.head+r.size-1-i)%len(r.items)]
	}
	return out
}

// Clear removes all items.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head, r.size = 0, 0
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the capacity of the ring.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}
