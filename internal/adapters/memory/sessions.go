package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/devicetrust/internal/domain"
)

type sessionEntry struct {
	session  domain.Session
	retainTo time.Time
}

// SessionStore holds sessions with the same retention semantics as the
// Redis store: entries vanish once their ttl elapses.
type SessionStore struct {
	mu      sync.Mutex
	nowFn   func() time.Time
	entries map[string]sessionEntry
}

func NewSessionStore(nowFn func() time.Time) *SessionStore {
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &SessionStore{nowFn: nowFn, entries: make(map[string]sessionEntry)}
}

func (s *SessionStore) Create(_ context.Context, session domain.Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked()
	if _, exists := s.entries[session.TokenHash]; exists {
		return fmt.Errorf("session digest collision")
	}
	s.entries[session.TokenHash] = sessionEntry{session: session, retainTo: s.nowFn().Add(ttl)}
	return nil
}

func (s *SessionStore) Get(_ context.Context, tokenHash string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked()
	entry, ok := s.entries[tokenHash]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	return entry.session, nil
}

func (s *SessionStore) Touch(_ context.Context, tokenHash string, lastSeenAt, expiresAt time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[tokenHash]
	if !ok {
		return domain.ErrNotFound
	}
	entry.session.LastSeenAt = lastSeenAt
	entry.session.ExpiresAt = expiresAt
	entry.retainTo = s.nowFn().Add(ttl)
	s.entries[tokenHash] = entry
	return nil
}

func (s *SessionStore) Delete(_ context.Context, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[tokenHash]
	delete(s.entries, tokenHash)
	return ok, nil
}

func (s *SessionStore) DeleteByUser(_ context.Context, userID uuid.UUID) (int, error) {
	return s.deleteWhere(func(sess domain.Session) bool { return sess.UserID == userID }), nil
}

func (s *SessionStore) DeleteByDevice(_ context.Context, userID, deviceID uuid.UUID) (int, error) {
	return s.deleteWhere(func(sess domain.Session) bool {
		return sess.UserID == userID && sess.DeviceID != nil && *sess.DeviceID == deviceID
	}), nil
}

func (s *SessionStore) ListByUser(_ context.Context, userID uuid.UUID) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked()
	out := make([]domain.Session, 0)
	for _, entry := range s.entries {
		if entry.session.UserID == userID {
			out = append(out, entry.session)
		}
	}
	return out, nil
}

// Len reports how many sessions are retained.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()
	return len(s.entries)
}

func (s *SessionStore) deleteWhere(match func(domain.Session) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for hash, entry := range s.entries {
		if match(entry.session) {
			delete(s.entries, hash)
			n++
		}
	}
	return n
}

func (s *SessionStore) evictLocked() {
	now := s.nowFn()
	for hash, entry := range s.entries {
		if !now.Before(entry.retainTo) {
			delete(s.entries, hash)
		}
	}
}
