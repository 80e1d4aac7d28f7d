package domain

import "time"

// LockState is the escalation envelope kept per lockout key.
type LockState struct {
	// Level counts consecutive lockouts inside the quiet period, starting at 0.
	Level       int
	LockedUntil *time.Time
	LastLockAt  *time.Time
}

func (s LockState) Locked(now time.Time) bool {
	return s.LockedUntil != nil && s.LockedUntil.After(now)
}

// RetryAfter is the remaining lock duration, or zero when unlocked.
func (s LockState) RetryAfter(now time.Time) time.Duration {
	if !s.Locked(now) {
		return 0
	}
	return s.LockedUntil.Sub(now)
}

// LockoutPolicy doubles the lock duration on every lockout of the same key,
// capped at Max. The level falls back to zero once QuietPeriod passes
// without a lockout.
type LockoutPolicy struct {
	Base        time.Duration
	Max         time.Duration
	QuietPeriod time.Duration
}

// Escalate computes the next lock from prev. An active lock is returned
// unchanged so concurrent triggers never double-escalate.
func (p LockoutPolicy) Escalate(prev LockState, now time.Time) LockState {
	if prev.Locked(now) {
		return prev
	}
	level := 0
	if prev.LastLockAt != nil && now.Sub(*prev.LastLockAt) < p.QuietPeriod {
		level = prev.Level + 1
	}
	until := now.Add(p.Duration(level))
	at := now
	return LockState{Level: level, LockedUntil: &until, LastLockAt: &at}
}

// Duration returns min(Base*2^level, Max).
func (p LockoutPolicy) Duration(level int) time.Duration {
	d := p.Base
	for i := 0; i < level; i++ {
		if p.Max > 0 && d >= p.Max {
			break
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Retention is how long a lock record must outlive its lock for the
// escalation level to be remembered.
func (p LockoutPolicy) Retention(s LockState, now time.Time) time.Duration {
	ttl := p.QuietPeriod
	if s.LockedUntil != nil {
		ttl += s.LockedUntil.Sub(now)
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
