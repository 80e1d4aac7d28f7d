package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/devicetrust/internal/domain"
	"github.com/viralforge/devicetrust/internal/ports"
)

func TestDeviceRepositoryConcurrentFirstSightingsCollapse(t *testing.T) {
	t.Parallel()

	repo := NewDeviceRepository()
	userID := uuid.New()
	now := time.Now().UTC()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		ids      = map[uuid.UUID]struct{}{}
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, ins, err := repo.RecordSighting(context.Background(), ports.DeviceSighting{
				UserID: userID, FingerprintHash: "abc", InitialState: domain.DevicePending, SeenAt: now,
			})
			if err != nil {
				t.Errorf("record sighting: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ins {
				inserted++
			}
			ids[rec.DeviceID] = struct{}{}
		}()
	}
	wg.Wait()

	if inserted != 1 || len(ids) != 1 {
		t.Fatalf("expected one record, got inserted=%d ids=%d", inserted, len(ids))
	}
}

func TestDeviceRepositorySightingKeepsState(t *testing.T) {
	t.Parallel()

	repo := NewDeviceRepository()
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now().UTC()

	rec, _, _ := repo.RecordSighting(ctx, ports.DeviceSighting{UserID: userID, FingerprintHash: "h", InitialState: domain.DevicePending, IPAddress: "1.1.1.1", SeenAt: now})
	if _, err := repo.SetState(ctx, rec.DeviceID, domain.DevicePending, domain.DeviceBlocked, now); err != nil {
		t.Fatalf("set state: %v", err)
	}
	again, ins, _ := repo.RecordSighting(ctx, ports.DeviceSighting{UserID: userID, FingerprintHash: "h", InitialState: domain.DeviceApproved, IPAddress: "2.2.2.2", UserAgent: "ua2", SeenAt: now.Add(time.Minute)})
	if ins {
		t.Fatal("second sighting must not insert")
	}
	if again.State != domain.DeviceBlocked || again.LastSeenIP != "2.2.2.2" || again.FirstSeenIP != "1.1.1.1" || again.UserAgent != "ua2" {
		t.Fatalf("unexpected record %+v", again)
	}

	if _, err := repo.SetState(ctx, rec.DeviceID, domain.DevicePending, domain.DeviceApproved, now); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("stale expected state must fail, got %v", err)
	}
}

func TestDeviceRepositoryTouchNeverInserts(t *testing.T) {
	t.Parallel()

	repo := NewDeviceRepository()
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now().UTC()

	touched, err := repo.TouchSighting(ctx, ports.DeviceSighting{UserID: userID, FingerprintHash: "abc", IPAddress: "1.1.1.1", SeenAt: now})
	if err != nil || touched {
		t.Fatalf("touch of unknown pair = %v, %v", touched, err)
	}
	if _, err := repo.Lookup(ctx, userID, "abc"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("touch must not insert, got %v", err)
	}

	if _, _, err := repo.RecordSighting(ctx, ports.DeviceSighting{UserID: userID, FingerprintHash: "abc", IPAddress: "1.1.1.1", InitialState: domain.DevicePending, SeenAt: now}); err != nil {
		t.Fatalf("record sighting: %v", err)
	}
	later := now.Add(time.Minute)
	touched, err = repo.TouchSighting(ctx, ports.DeviceSighting{UserID: userID, FingerprintHash: "abc", IPAddress: "2.2.2.2", UserAgent: "ua", SeenAt: later})
	if err != nil || !touched {
		t.Fatalf("touch of known pair = %v, %v", touched, err)
	}
	rec, _ := repo.Lookup(ctx, userID, "abc")
	if rec.LastSeenIP != "2.2.2.2" || rec.FirstSeenIP != "1.1.1.1" || !rec.UpdatedAt.Equal(later) || rec.State != domain.DevicePending {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestSessionStoreRetention(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := NewSessionStore(clock)
	ctx := context.Background()
	userID := uuid.New()
	deviceID := uuid.New()

	if err := store.Create(ctx, domain.Session{TokenHash: "a", UserID: userID, DeviceID: &deviceID}, time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, domain.Session{TokenHash: "a", UserID: userID}, time.Minute); err == nil {
		t.Fatal("duplicate digest must be rejected")
	}
	_ = store.Create(ctx, domain.Session{TokenHash: "b", UserID: userID}, time.Minute)

	if n, _ := store.DeleteByDevice(ctx, userID, deviceID); n != 1 {
		t.Fatalf("DeleteByDevice removed %d", n)
	}
	now = now.Add(2 * time.Minute)
	if _, err := store.Get(ctx, "b"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected retention to drop session, got %v", err)
	}
}

func TestRateLimitStoreWindowAndLock(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewRateLimitStore(func() time.Time { return now })
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if n, _ := store.Hit(ctx, "k", now, time.Minute); n != i {
			t.Fatalf("hit %d counted %d", i, n)
		}
	}
	now = now.Add(61 * time.Second)
	if n, _ := store.Hit(ctx, "k", now, time.Minute); n != 1 {
		t.Fatalf("window should slide, got %d", n)
	}

	policy := domain.LockoutPolicy{Base: time.Minute, Max: time.Hour, QuietPeriod: time.Hour}
	first, _ := store.Lock(ctx, "k", now, policy)
	now = now.Add(2 * time.Minute)
	second, _ := store.Lock(ctx, "k", now, policy)
	if second.RetryAfter(now) <= first.LockedUntil.Sub(*first.LastLockAt) {
		t.Fatal("second lock must be longer")
	}
	_ = store.ClearLock(ctx, "k")
	if st, _ := store.GetLock(ctx, "k"); st.Locked(now) {
		t.Fatal("lock should be cleared")
	}
}
