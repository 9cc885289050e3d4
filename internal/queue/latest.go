package queue

import "sync"

// Latest coalesces pending items per key, keeping only the newest value.
// The publisher uses it so a burst of samples for one user collapses to a
// single upsert per flush cycle.
type Latest[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]V
}

// NewLatest creates an empty coalescing map.
func NewLatest[K comparable, V any]() *Latest[K, V] {
	return &Latest[K, V]{items: make(map[K]V)}
}

// Put stores v for key k, replacing any pending value.
func (l *Latest[K, V]) Put(k K, v V) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[k] = v
}

// PutIfAbsent stores v only when no value is pending for k. Used to
// re-queue a failed write without clobbering a newer pending value.
// Reports whether the value was stored.
func (l *Latest[K, V]) PutIfAbsent(k K, v V) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.items[k]; ok {
		return false
	}
	l.items[k] = v
	return true
}

// Get returns the pending value for k.
func (l *Latest[K, V]) Get(k K) (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.items[k]
	return v, ok
}

// Len returns the number of pending keys.
func (l *Latest[K, V]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Empty returns true when nothing is pending.
func (l *Latest[K, V]) Empty() bool {
	return l.Len() == 0
}

// GetAndEmpty returns all pending values and clears the map.
func (l *Latest[K, V]) GetAndEmpty() map[K]V {
	l.mu.Lock()
	defer l.mu.Unlock()
	result := l.items
	l.items = make(map[K]V, len(result))
	return result
}
