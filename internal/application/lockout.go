package application

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/viralforge/devicetrust/internal/domain"
	"github.com/viralforge/devicetrust/internal/ports"
)

const (
	ipKeyPrefix       = "ip:"
	loginKeyPrefix    = "login:"
	maxLockoutNameLen = 128
)

// IPKey is the lock key covering every request from ip.
func IPKey(ip string) string { return ipKeyPrefix + ip }

// LoginKey is the lock key for failed logins of username from ip.
func LoginKey(ip, username string) string {
	name := strings.ToLower(strings.TrimSpace(username))
	if len(name) > maxLockoutNameLen {
		name = name[:maxLockoutNameLen]
	}
	return loginKeyPrefix + ip + "|" + name
}

func requestKey(ip string) string   { return "req:" + ip }
func ipFailureKey(ip string) string { return "fail-ip:" + ip }
func registerKey(ip string) string  { return "register:" + ip }

func breakGlassKey(ip, username string) string {
	return "break-glass:" + strings.TrimPrefix(LoginKey(ip, username), loginKeyPrefix)
}

// LockoutGuard combines a per-IP request window with failure counting and
// escalating timed locks. Check must run before anything else touches a
// store on the login path.
type LockoutGuard struct {
	store  ports.RateLimitStore
	cfg    Config
	policy domain.LockoutPolicy
	audit  auditor
	nowFn  func() time.Time
}

func NewLockoutGuard(store ports.RateLimitStore, cfg Config, sink ports.AuditSink, nowFn func() time.Time) *LockoutGuard {
	cfg = cfg.withDefaults()
	return &LockoutGuard{
		store: store,
		cfg:   cfg,
		policy: domain.LockoutPolicy{
			Base:        cfg.LockoutBase,
			Max:         cfg.LockoutMax,
			QuietPeriod: cfg.LockoutQuietPeriod,
		},
		audit: auditor{sink: sink, nowFn: nowFn},
		nowFn: nowFn,
	}
}

// Check rejects with IP_BLOCKED while a lock is active for the caller, and
// with RATE_LIMITED when the request window exceeds the soft limit. Past
// the hard limit the IP itself is locked.
func (g *LockoutGuard) Check(ctx context.Context, ip, username string) error {
	now := g.nowFn()
	keys := make([]string, 0, 2)
	if ip != "" {
		keys = append(keys, IPKey(ip))
	}
	if strings.TrimSpace(username) != "" {
		keys = append(keys, LoginKey(ip, username))
	}
	for _, key := range keys {
		state, err := g.store.GetLock(ctx, key)
		if err != nil {
			return fmt.Errorf("read lock %s: %w", key, err)
		}
		if state.Locked(now) {
			return domain.WithRetryAfter(domain.ErrIPBlocked, state.RetryAfter(now))
		}
	}

	if ip == "" {
		return nil
	}
	count, err := g.store.Hit(ctx, requestKey(ip), now, g.cfg.RequestWindow)
	if err != nil {
		return fmt.Errorf("count requests: %w", err)
	}
	if count > g.cfg.RequestHardLimit {
		state, err := g.lock(ctx, IPKey(ip), "request_flood")
		if err != nil {
			return err
		}
		return domain.WithRetryAfter(domain.ErrIPBlocked, state.RetryAfter(now))
	}
	if count > g.cfg.RequestSoftLimit {
		return domain.WithRetryAfter(domain.ErrRateLimited, g.cfg.RequestWindow)
	}
	return nil
}

// CheckRegister applies the per-IP registration window. It never locks.
func (g *LockoutGuard) CheckRegister(ctx context.Context, ip string) error {
	if ip == "" {
		return nil
	}
	now := g.nowFn()
	state, err := g.store.GetLock(ctx, IPKey(ip))
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	if state.Locked(now) {
		return domain.WithRetryAfter(domain.ErrIPBlocked, state.RetryAfter(now))
	}
	count, err := g.store.Hit(ctx, registerKey(ip), now, g.cfg.RegisterWindow)
	if err != nil {
		return fmt.Errorf("count registrations: %w", err)
	}
	if count > g.cfg.RegisterLimit {
		return domain.WithRetryAfter(domain.ErrRateLimited, g.cfg.RegisterWindow)
	}
	return nil
}

// RecordFailure counts one failed credential check. It reports whether a
// lock was triggered. Store errors are logged; the caller already has its
// answer.
func (g *LockoutGuard) RecordFailure(ctx context.Context, ip, username string) bool {
	now := g.nowFn()
	locked := false

	key := LoginKey(ip, username)
	count, err := g.store.Hit(ctx, key, now, g.cfg.FailureWindow)
	if err != nil {
		g.warn(ctx, "record_failure", key, err)
	} else if count >= g.cfg.FailureThreshold {
		if _, err := g.lock(ctx, key, "failed_logins"); err != nil {
			g.warn(ctx, "record_failure", key, err)
		} else {
			locked = true
		}
	}

	if ip == "" {
		return locked
	}
	aggKey := ipFailureKey(ip)
	count, err = g.store.Hit(ctx, aggKey, now, g.cfg.FailureWindow)
	if err != nil {
		g.warn(ctx, "record_failure", aggKey, err)
		return locked
	}
	if count >= g.cfg.IPFailureThreshold {
		if err := g.store.Reset(ctx, aggKey); err != nil {
			g.warn(ctx, "record_failure", aggKey, err)
		}
		if _, err := g.lock(ctx, IPKey(ip), "failed_logins_from_ip"); err != nil {
			g.warn(ctx, "record_failure", IPKey(ip), err)
		} else {
			locked = true
		}
	}
	return locked
}

// ClaimBreakGlass spends the single break-glass attempt a caller gets for
// the lock currently rejecting it. The budget lives as long as that lock; a
// failed attempt therefore disables break-glass for the key until the lock
// expires. It reports false once the budget is spent.
func (g *LockoutGuard) ClaimBreakGlass(ctx context.Context, ip, username string, lockRemaining time.Duration) (bool, error) {
	if lockRemaining < time.Second {
		lockRemaining = time.Second
	}
	key := breakGlassKey(ip, username)
	count, err := g.store.Hit(ctx, key, g.nowFn(), lockRemaining)
	if err != nil {
		return false, fmt.Errorf("claim break-glass: %w", err)
	}
	return count <= 1, nil
}

// RecordSuccess clears the failure counter and break-glass budget for the
// login key. The escalation level is kept until the quiet period expires.
func (g *LockoutGuard) RecordSuccess(ctx context.Context, ip, username string) {
	for _, key := range []string{LoginKey(ip, username), breakGlassKey(ip, username)} {
		if err := g.store.Reset(ctx, key); err != nil {
			g.warn(ctx, "record_success", key, err)
		}
	}
}

// Clear drops a lock and its counters, escalation level included.
func (g *LockoutGuard) Clear(ctx context.Context, key string) error {
	if !strings.HasPrefix(key, ipKeyPrefix) && !strings.HasPrefix(key, loginKeyPrefix) {
		return fmt.Errorf("%w: unknown lockout key", domain.ErrInvalidInput)
	}
	if err := g.store.ClearLock(ctx, key); err != nil {
		return fmt.Errorf("clear lock: %w", err)
	}
	if err := g.store.Reset(ctx, key); err != nil {
		return fmt.Errorf("reset counter: %w", err)
	}
	if rest, ok := strings.CutPrefix(key, loginKeyPrefix); ok {
		if err := g.store.Reset(ctx, "break-glass:"+rest); err != nil {
			return fmt.Errorf("reset break-glass budget: %w", err)
		}
	}
	if ip, ok := strings.CutPrefix(key, ipKeyPrefix); ok {
		if err := g.store.Reset(ctx, requestKey(ip)); err != nil {
			return fmt.Errorf("reset request window: %w", err)
		}
		if err := g.store.Reset(ctx, ipFailureKey(ip)); err != nil {
			return fmt.Errorf("reset ip failures: %w", err)
		}
	}
	return nil
}

// State returns the current lock envelope of key.
func (g *LockoutGuard) State(ctx context.Context, key string) (domain.LockState, error) {
	return g.store.GetLock(ctx, key)
}

func (g *LockoutGuard) lock(ctx context.Context, key, reason string) (domain.LockState, error) {
	now := g.nowFn()
	state, err := g.store.Lock(ctx, key, now, g.policy)
	if err != nil {
		return domain.LockState{}, fmt.Errorf("lock %s: %w", key, err)
	}
	if err := g.store.Reset(ctx, key); err != nil {
		g.warn(ctx, "lock", key, err)
	}
	duration := state.RetryAfter(now)
	logOp(ctx, slog.LevelWarn, "lockout triggered", "lockout", "locked",
		"lock_key", key,
		"reason", reason,
		"level", state.Level,
		"duration_ms", duration.Milliseconds(),
	)
	g.audit.emit(ctx, eventLockoutTriggered, key, map[string]any{
		"reason":           reason,
		"level":            state.Level,
		"duration_seconds": int64(duration.Seconds()),
	})
	return state, nil
}

func (g *LockoutGuard) warn(ctx context.Context, operation, key string, err error) {
	logOp(ctx, slog.LevelWarn, "rate-limit state unavailable", operation, "warning",
		"lock_key", key,
		"error", err,
	)
}
