// Package cache memoizes prompt and similarity results by content hash with a
// per-table TTL.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"driftguard/metrics"
)

// Entry is a stored value and the time it was stored
type Entry[V any] struct {
	Value    V
	StoredAt time.Time
}

// Stats reports table activity
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Table is a TTL map. Expired entries are evicted when read, never by a sweeper.
//
// Safe for concurrent use.
type Table[V any] struct {
	name string
	ttl  time.Duration
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry[V]
	flight  singleflight.Group

	hits      int64
	misses    int64
	evictions int64
}

// NewTable creates a table; a non-positive ttl disables expiry
func NewTable[V any](name string, ttl time.Duration, now func() time.Time) *Table[V] {
	if now == nil {
		now = time.Now
	}
	return &Table[V]{
		name:    name,
		ttl:     ttl,
		now:     now,
		entries: make(map[string]Entry[V]),
	}
}

// Name returns the table name used in metrics
func (t *Table[V]) Name() string { return t.name }

// TTL returns the entry lifetime
func (t *Table[V]) TTL() time.Duration { return t.ttl }

// Get returns the value stored under key if it has not expired
func (t *Table[V]) Get(key string) (V, bool) {
	t.mu.RLock()
	entry, ok := t.entries[key]
	t.mu.RUnlock()

	if !ok {
		t.miss()
		var zero V
		return zero, false
	}

	if t.expired(entry) {
		t.mu.Lock()
		// re-check: a concurrent Set may have refreshed it
		if current, still := t.entries[key]; still && t.expired(current) {
			delete(t.entries, key)
			t.evictions++
		}
		t.mu.Unlock()
		t.miss()
		var zero V
		return zero, false
	}

	atomic.AddInt64(&t.hits, 1)
	metrics.CacheRequests.WithLabelValues(t.name, "hit").Inc()
	return entry.Value, true
}

// Set stores value under key
func (t *Table[V]) Set(key string, value V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = Entry[V]{Value: value, StoredAt: t.now()}
}

// GetOrCompute returns the cached value or computes, stores and returns it.
// Concurrent callers for the same key share one computation. Errors are not cached.
func (t *Table[V]) GetOrCompute(key string, compute func() (V, error)) (V, error) {
	if v, ok := t.Get(key); ok {
		return v, nil
	}

	result, err, _ := t.flight.Do(key, func() (interface{}, error) {
		v, err := compute()
		if err != nil {
			return v, err
		}
		t.Set(key, v)
		return v, nil
	})
	v, _ := result.(V)
	return v, err
}

// Delete removes key
func (t *Table[V]) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// Clear removes every entry
func (t *Table[V]) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]Entry[V])
}

// Len returns the number of stored entries, expired ones included
func (t *Table[V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Stats returns a snapshot of table activity
func (t *Table[V]) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{
		Entries:   len(t.entries),
		Hits:      atomic.LoadInt64(&t.hits),
		Misses:    atomic.LoadInt64(&t.misses),
		Evictions: t.evictions,
	}
}

func (t *Table[V]) expired(entry Entry[V]) bool {
	return t.ttl > 0 && t.now().Sub(entry.StoredAt) >= t.ttl
}

func (t *Table[V]) miss() {
	atomic.AddInt64(&t.misses, 1)
	metrics.CacheRequests.WithLabelValues(t.name, "miss").Inc()
}
