package services

import (
	"sync"
	"time"
)

// RateStore abstracts per-identity event timestamps so the backing choice
// (in-process table vs shared store) is swappable when the coordinator runs
// as multiple instances.
type RateStore interface {
	// Count returns the number of recorded events at or after cutoff,
	// discarding anything older.
	Count(identity string, cutoff time.Time) int
	// Add records an event timestamp for the identity.
	Add(identity string, at time.Time)
}

type memoryRateStore struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

func newMemoryRateStore() *memoryRateStore {
	return &memoryRateStore{events: make(map[string][]time.Time)}
}

func (s *memoryRateStore) Count(identity string, cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	recent := s.events[identity][:0]
	for _, at := range s.events[identity] {
		if !at.Before(cutoff) {
			recent = append(recent, at)
		}
	}
	// Idle identities must not accumulate; an empty entry is removed rather
	// than kept as a zero-length slice.
	if len(recent) == 0 {
		delete(s.events, identity)
		return 0
	}
	s.events[identity] = recent
	return len(recent)
}

func (s *memoryRateStore) Add(identity string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[identity] = append(s.events[identity], at)
}

// RateLimiter bounds per-identity throughput with a sliding window. State is
// not persisted; losing it on restart degrades to fail-open.
type RateLimiter struct {
	store   RateStore
	window  time.Duration
	ceiling int
}

func NewRateLimiter(window time.Duration, ceiling int) *RateLimiter {
	return &RateLimiter{
		store:   newMemoryRateStore(),
		window:  window,
		ceiling: ceiling,
	}
}

// NewRateLimiterWithStore builds a limiter on an externally provided store.
func NewRateLimiterWithStore(store RateStore, window time.Duration, ceiling int) *RateLimiter {
	return &RateLimiter{store: store, window: window, ceiling: ceiling}
}

// Allow reports whether the identity is under its ceiling. It has no side
// effects beyond discarding expired timestamps.
func (rl *RateLimiter) Allow(identity string) bool {
	cutoff := time.Now().Add(-rl.window)
	return rl.store.Count(identity, cutoff) < rl.ceiling
}

// Record appends the current timestamp for the identity.
func (rl *RateLimiter) Record(identity string) {
	rl.store.Add(identity, time.Now())
}
