package memory

import (
	"context"
	"sync"
	"time"

	"github.com/viralforge/devicetrust/internal/domain"
)

type lockEntry struct {
	state    domain.LockState
	retainTo time.Time
}

// RateLimitStore keeps sliding windows and lock envelopes for one process.
type RateLimitStore struct {
	mu      sync.Mutex
	nowFn   func() time.Time
	windows map[string][]time.Time
	locks   map[string]lockEntry
}

func NewRateLimitStore(nowFn func() time.Time) *RateLimitStore {
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &RateLimitStore{
		nowFn:   nowFn,
		windows: make(map[string][]time.Time),
		locks:   make(map[string]lockEntry),
	}
}

func (s *RateLimitStore) Hit(_ context.Context, key string, now time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	kept := s.windows[key][:0]
	for _, ts := range s.windows[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	s.windows[key] = kept
	return len(kept), nil
}

func (s *RateLimitStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
	return nil
}

func (s *RateLimitStore) GetLock(_ context.Context, key string) (domain.LockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockLocked(key), nil
}

func (s *RateLimitStore) Lock(_ context.Context, key string, now time.Time, policy domain.LockoutPolicy) (domain.LockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := policy.Escalate(s.lockLocked(key), now)
	s.locks[key] = lockEntry{state: next, retainTo: s.nowFn().Add(policy.Retention(next, now))}
	return next, nil
}

func (s *RateLimitStore) ClearLock(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
	return nil
}

func (s *RateLimitStore) lockLocked(key string) domain.LockState {
	entry, ok := s.locks[key]
	if !ok {
		return domain.LockState{}
	}
	if !s.nowFn().Before(entry.retainTo) {
		delete(s.locks, key)
		return domain.LockState{}
	}
	return entry.state
}
