package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/devicetrust/internal/domain"
)

// SessionStore is the shared session cache, keyed by token digest.
// Records are retained for ttl so that expired sessions can still be told
// apart from unknown ones for a grace period.
type SessionStore interface {
	// Create fails if the digest already exists.
	Create(ctx context.Context, session domain.Session, ttl time.Duration) error
	Get(ctx context.Context, tokenHash string) (domain.Session, error)
	// Touch applies a sliding renewal. Concurrent touches are last-writer-wins.
	Touch(ctx context.Context, tokenHash string, lastSeenAt, expiresAt time.Time, ttl time.Duration) error
	Delete(ctx context.Context, tokenHash string) (bool, error)
	DeleteByUser(ctx context.Context, userID uuid.UUID) (int, error)
	DeleteByDevice(ctx context.Context, userID, deviceID uuid.UUID) (int, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Session, error)
}

// RateLimitStore holds the shared sliding-window counters and lock
// envelopes. Every method must be atomic across workers.
type RateLimitStore interface {
	// Hit records one event at now and returns the number of events within window.
	Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
	Reset(ctx context.Context, key string) error
	GetLock(ctx context.Context, key string) (domain.LockState, error)
	// Lock escalates the lock on key under policy and returns the new state.
	Lock(ctx context.Context, key string, now time.Time, policy domain.LockoutPolicy) (domain.LockState, error)
	ClearLock(ctx context.Context, key string) error
}
