// Package cache provides a small in-memory TTL cache.
//
// Default TTL is 5 minutes. A non-positive TTL disables caching, and so does
// CHATSYNC_NO_CACHE=1.
package cache

import (
	"os"
	"sync"
	"time"
)

const DefaultTTL = 5 * time.Minute

type entry[V any] struct {
	cachedAt time.Time
	value    V
}

// Store maps keys to values that expire after a TTL.
type Store[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[K]entry[V]

	// Now is the clock used for expiry.
	Now func() time.Time
}

// New creates a Store with the default 5-minute TTL.
func New[K comparable, V any]() *Store[K, V] {
	return NewWithTTL[K, V](DefaultTTL)
}

// NewWithTTL creates a Store with a custom TTL.
func NewWithTTL[K comparable, V any](ttl time.Duration) *Store[K, V] {
	return &Store[K, V]{
		ttl:     ttl,
		entries: make(map[K]entry[V]),
		Now:     time.Now,
	}
}

// Get returns the cached value. Returns false on miss (absent, expired, disabled).
func (s *Store[K, V]) Get(key K) (V, bool) {
	var zero V
	if s.disabled() {
		return zero, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return zero, false
	}
	if s.Now().Sub(e.cachedAt) > s.ttl {
		delete(s.entries, key)
		return zero, false
	}
	return e.value, true
}

// Put stores value under key. No-op when disabled.
func (s *Store[K, V]) Put(key K, value V) {
	if s.disabled() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry[V]{cachedAt: s.Now(), value: value}
}

// Delete removes one key.
func (s *Store[K, V]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Clear removes every entry.
func (s *Store[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
}

// Len returns the number of stored entries, including expired ones not yet
// evicted.
func (s *Store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store[K, V]) disabled() bool {
	return s.ttl <= 0 || os.Getenv("CHATSYNC_NO_CACHE") != ""
}
