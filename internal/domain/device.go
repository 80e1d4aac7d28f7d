package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeviceState is the trust state of one (user, fingerprint) pair.
type DeviceState string

const (
	DevicePending  DeviceState = "pending"
	DeviceApproved DeviceState = "approved"
	DeviceBlocked  DeviceState = "blocked"
)

func ParseDeviceState(raw string) (DeviceState, error) {
	switch s := DeviceState(strings.ToLower(strings.TrimSpace(raw))); s {
	case DevicePending, DeviceApproved, DeviceBlocked:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown device state %q", ErrInvalidInput, raw)
	}
}

// TransitionActor distinguishes administrative changes from automated threat response.
type TransitionActor int

const (
	ActorAdmin TransitionActor = iota
	ActorAutomation
)

func (a TransitionActor) String() string {
	if a == ActorAutomation {
		return "automation"
	}
	return "admin"
}

// CanTransition reports whether actor may move a device from s to next.
// Automation may only block. Administrators may move between any states,
// which is the only way out of approved or blocked.
func (s DeviceState) CanTransition(next DeviceState, actor TransitionActor) bool {
	if s == next {
		return true
	}
	switch actor {
	case ActorAutomation:
		return next == DeviceBlocked
	case ActorAdmin:
		switch next {
		case DevicePending, DeviceApproved, DeviceBlocked:
			return true
		}
	}
	return false
}

// DeviceRecord is one row of the device trust ledger, unique on
// (UserID, FingerprintHash).
type DeviceRecord struct {
	DeviceID        uuid.UUID
	UserID          uuid.UUID
	FingerprintHash string
	FPVersion       int
	State           DeviceState
	FirstSeenIP     string
	LastSeenIP      string
	UserAgent       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
