package application_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/devicetrust/internal/adapters/memory"
	"github.com/viralforge/devicetrust/internal/adapters/security"
	"github.com/viralforge/devicetrust/internal/application"
	"github.com/viralforge/devicetrust/internal/domain"
	"github.com/viralforge/devicetrust/internal/ports"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingHasher is a cheap reversible stand-in that counts verifications.
type countingHasher struct {
	mu       sync.Mutex
	verifies int
}

func (h *countingHasher) Hash(_ context.Context, password string) (string, error) {
	return "plain$" + password, nil
}

func (h *countingHasher) Verify(_ context.Context, encoded, password string) (bool, error) {
	h.mu.Lock()
	h.verifies++
	h.mu.Unlock()
	return encoded == "plain$"+password, nil
}

func (h *countingHasher) NeedsRehash(string) bool { return false }

func (h *countingHasher) Verifies() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.verifies
}

// gateHasher parks Hash calls while armed so a test can hold a hashing slot.
type gateHasher struct {
	countingHasher
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGateHasher() *gateHasher {
	return &gateHasher{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (h *gateHasher) Hash(ctx context.Context, password string) (string, error) {
	if h.armed.Load() {
		h.entered <- struct{}{}
		<-h.release
	}
	return h.countingHasher.Hash(ctx, password)
}

type fixture struct {
	svc      *application.Service
	users    *memory.UserRepository
	devices  *memory.DeviceRepository
	sessions *memory.SessionStore
	limits   *memory.RateLimitStore
	attempts *memory.LoginAttemptRepository
	audit    *memory.AuditSink
	hasher   *countingHasher
	clock    *testClock
}

func baseConfig() application.Config {
	return application.Config{
		DeviceApprovalEnforced: true,
		FailureThreshold:       5,
		FailureWindow:          time.Minute,
		LockoutBase:            5 * time.Minute,
		LockoutMax:             time.Hour,
		LockoutQuietPeriod:     24 * time.Hour,
		SessionTTL:             30 * time.Minute,
		SessionAbsoluteTTL:     12 * time.Hour,
		RegisterLimit:          10,
	}
}

func newFixture(t *testing.T, mutate func(*application.Config)) *fixture {
	t.Helper()
	return newFixtureWithHasher(t, mutate, nil)
}

func newFixtureWithHasher(t *testing.T, mutate func(*application.Config), hasher ports.PasswordHasher) *fixture {
	t.Helper()

	cfg := baseConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		users:    memory.NewUserRepository(),
		devices:  memory.NewDeviceRepository(),
		attempts: memory.NewLoginAttemptRepository(),
		audit:    memory.NewAuditSink(),
		hasher:   &countingHasher{},
		clock:    newTestClock(),
	}
	f.sessions = memory.NewSessionStore(f.clock.Now)
	f.limits = memory.NewRateLimitStore(f.clock.Now)
	if hasher == nil {
		hasher = f.hasher
	}
	fingerprints, err := security.NewFingerprintHasher("test-pepper", security.FingerprintHMACSHA256, nil)
	if err != nil {
		t.Fatalf("fingerprint hasher: %v", err)
	}

	svc, err := application.NewService(context.Background(), application.Dependencies{
		Config:        cfg,
		Users:         f.users,
		Devices:       f.devices,
		LoginAttempts: f.attempts,
		Sessions:      f.sessions,
		RateLimits:    f.limits,
		Hasher:        hasher,
		Fingerprints:  fingerprints,
		Audit:         f.audit,
		Now:           f.clock.Now,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) register(t *testing.T, username, password string) application.UserSummary {
	t.Helper()
	resp, err := f.svc.Register(context.Background(), application.RegisterRequest{Username: username, Password: password})
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return resp.User
}

func (f *fixture) provision(t *testing.T, username string, role domain.Role) application.UserSummary {
	t.Helper()
	user, err := f.svc.Provision(context.Background(), application.ProvisionRequest{
		Username: username,
		Password: "Adm1n!pass",
		Role:     string(role),
	})
	if err != nil {
		t.Fatalf("provision %s: %v", username, err)
	}
	return user
}

// approveAll approves every pending device of userID as admin.
func (f *fixture) approveAll(t *testing.T, userID, admin uuid.UUID) {
	t.Helper()
	devices, err := f.svc.AdminListUserDevices(context.Background(), userID, admin)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	for _, d := range devices {
		if d.State != string(domain.DevicePending) {
			continue
		}
		if _, err := f.svc.AdminSetDeviceState(context.Background(), d.DeviceID, "approved", admin); err != nil {
			t.Fatalf("approve device: %v", err)
		}
	}
}

// loginApproved logs in with fp, approving the device on first sight.
func (f *fixture) loginApproved(t *testing.T, username, password, ip, fp string, admin uuid.UUID) application.LoginResponse {
	t.Helper()
	ctx := context.Background()
	req := application.LoginRequest{Username: username, Password: password, IPAddress: ip, UserAgent: "test-agent", Fingerprint: fp}
	resp, err := f.svc.Login(ctx, req)
	if err == nil {
		return resp
	}
	if domain.KindOf(err) != domain.KindDevicePending {
		t.Fatalf("login %s: %v", username, err)
	}
	user, lookupErr := f.users.FindByUsername(ctx, strings.ToLower(username))
	if lookupErr != nil {
		t.Fatalf("find user: %v", lookupErr)
	}
	f.approveAll(t, user.UserID, admin)
	resp, err = f.svc.Login(ctx, req)
	if err != nil {
		t.Fatalf("login after approval %s: %v", username, err)
	}
	return resp
}
