package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/viralforge/devicetrust/internal/domain"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func testSession(userID uuid.UUID, digest string, device *uuid.UUID, now time.Time) domain.Session {
	return domain.Session{
		TokenHash:  digest,
		UserID:     userID,
		Role:       domain.RoleStandard,
		DeviceID:   device,
		IPAddress:  "10.0.0.1",
		UserAgent:  "ua",
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(30 * time.Minute),
	}
}

func TestSessionStoreRoundTripAndCollision(t *testing.T) {
	_, client := newTestClient(t)
	store := NewRedisSessionStore(client)
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 10, 0, 0, 123456789, time.UTC)
	device := uuid.New()
	session := testSession(uuid.New(), "digest-1", &device, now)

	if err := store.Create(ctx, session, time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, session, time.Hour); err == nil {
		t.Fatal("expected digest collision")
	}
	got, err := store.Get(ctx, "digest-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CreatedAt.Equal(now) || got.DeviceID == nil || *got.DeviceID != device || got.Role != domain.RoleStandard {
		t.Fatalf("unexpected session %+v", got)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSessionStoreTouchDoesNotResurrect(t *testing.T) {
	_, client := newTestClient(t)
	store := NewRedisSessionStore(client)
	ctx := context.Background()
	now := time.Now().UTC()
	session := testSession(uuid.New(), "digest-1", nil, now)
	_ = store.Create(ctx, session, time.Hour)

	later := now.Add(10 * time.Minute)
	if err := store.Touch(ctx, "digest-1", later, later.Add(30*time.Minute), time.Hour); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ := store.Get(ctx, "digest-1")
	if !got.ExpiresAt.Equal(later.Add(30 * time.Minute)) {
		t.Fatalf("expires_at not updated: %v", got.ExpiresAt)
	}

	deleted, err := store.Delete(ctx, "digest-1")
	if err != nil || !deleted {
		t.Fatalf("delete = %v, %v", deleted, err)
	}
	if err := store.Touch(ctx, "digest-1", later, later, time.Hour); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if deleted, _ := store.Delete(ctx, "digest-1"); deleted {
		t.Fatal("second delete must report false")
	}
}

func TestSessionStoreBulkDeletes(t *testing.T) {
	mr, client := newTestClient(t)
	store := NewRedisSessionStore(client)
	ctx := context.Background()
	now := time.Now().UTC()
	user := uuid.New()
	deviceA, deviceB := uuid.New(), uuid.New()

	_ = store.Create(ctx, testSession(user, "a1", &deviceA, now), time.Hour)
	_ = store.Create(ctx, testSession(user, "a2", &deviceA, now), time.Hour)
	_ = store.Create(ctx, testSession(user, "b1", &deviceB, now), time.Hour)
	_ = store.Create(ctx, testSession(user, "short", nil, now), time.Minute)

	mr.FastForward(2 * time.Minute)
	sessions, err := store.ListByUser(ctx, user)
	if err != nil || len(sessions) != 3 {
		t.Fatalf("list = %d, %v", len(sessions), err)
	}
	if n, err := store.DeleteByDevice(ctx, user, deviceA); err != nil || n != 2 {
		t.Fatalf("delete by device = %d, %v", n, err)
	}
	if n, err := store.DeleteByUser(ctx, user); err != nil || n != 1 {
		t.Fatalf("delete by user = %d, %v", n, err)
	}
	if mr.Exists(userSessionsPrefix + user.String()) {
		t.Fatal("user index must be dropped")
	}
}

func TestRateLimitWindowSlides(t *testing.T) {
	_, client := newTestClient(t)
	store := NewRedisRateLimitStore(client)
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		n, err := store.Hit(ctx, "req:1.1.1.1", now.Add(time.Duration(i)*time.Second), time.Minute)
		if err != nil || n != i {
			t.Fatalf("hit %d = %d, %v", i, n, err)
		}
	}
	n, err := store.Hit(ctx, "req:1.1.1.1", now.Add(62*time.Second), time.Minute)
	if err != nil || n != 2 {
		t.Fatalf("after slide = %d, %v", n, err)
	}
	if err := store.Reset(ctx, "req:1.1.1.1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n, _ := store.Hit(ctx, "req:1.1.1.1", now.Add(63*time.Second), time.Minute); n != 1 {
		t.Fatalf("after reset = %d", n)
	}
}

func TestRateLimitLockEscalates(t *testing.T) {
	_, client := newTestClient(t)
	store := NewRedisRateLimitStore(client)
	ctx := context.Background()
	policy := domain.LockoutPolicy{Base: 5 * time.Minute, Max: time.Hour, QuietPeriod: 24 * time.Hour}
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	first, err := store.Lock(ctx, "login:1.1.1.1|bob", now, policy)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if first.Level != 0 || first.RetryAfter(now) != 5*time.Minute {
		t.Fatalf("unexpected first lock %+v", first)
	}
	again, _ := store.Lock(ctx, "login:1.1.1.1|bob", now.Add(time.Minute), policy)
	if again.Level != 0 {
		t.Fatal("an active lock must not escalate")
	}

	later := now.Add(6 * time.Minute)
	second, err := store.Lock(ctx, "login:1.1.1.1|bob", later, policy)
	if err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if second.Level != 1 || second.RetryAfter(later) != 10*time.Minute {
		t.Fatalf("unexpected second lock %+v", second)
	}
	got, _ := store.GetLock(ctx, "login:1.1.1.1|bob")
	if !got.Locked(later) || got.Level != 1 {
		t.Fatalf("stored lock = %+v", got)
	}
	if err := store.ClearLock(ctx, "login:1.1.1.1|bob"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got, _ := store.GetLock(ctx, "login:1.1.1.1|bob"); got.Locked(later) {
		t.Fatal("lock must be cleared")
	}
}
