package domain

import (
	"testing"
	"time"
)

func TestLockoutPolicyEscalates(t *testing.T) {
	t.Parallel()

	p := LockoutPolicy{Base: time.Minute, Max: time.Hour, QuietPeriod: 24 * time.Hour}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first := p.Escalate(LockState{}, now)
	if got := first.RetryAfter(now); got != time.Minute {
		t.Fatalf("first lock = %v, want 1m", got)
	}

	now = now.Add(2 * time.Minute)
	second := p.Escalate(first, now)
	if second.Level != 1 || second.RetryAfter(now) != 2*time.Minute {
		t.Fatalf("second lock level=%d dur=%v", second.Level, second.RetryAfter(now))
	}

	if again := p.Escalate(second, now.Add(time.Second)); again.Level != second.Level {
		t.Fatal("active lock must not escalate again")
	}

	now = now.Add(25 * time.Hour)
	reset := p.Escalate(second, now)
	if reset.Level != 0 {
		t.Fatalf("level should reset after quiet period, got %d", reset.Level)
	}
}

func TestLockoutPolicyCapsAtMax(t *testing.T) {
	t.Parallel()

	p := LockoutPolicy{Base: time.Minute, Max: time.Hour, QuietPeriod: 24 * time.Hour}
	if got := p.Duration(10); got != time.Hour {
		t.Fatalf("Duration(10) = %v, want cap 1h", got)
	}
	if got := p.Duration(3); got != 8*time.Minute {
		t.Fatalf("Duration(3) = %v, want 8m", got)
	}
}
