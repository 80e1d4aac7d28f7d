package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the coarse privilege class of a user. Capability checks compare
// Level values, never role or user names.
type Role string

const (
	RoleStandard   Role = "standard"
	RolePrivileged Role = "privileged"
	RoleAdmin      Role = "admin"
)

// Role levels. Higher means more privilege.
const (
	LevelStandard   = 1
	LevelPrivileged = 2
	LevelAdmin      = 3
)

// Level returns the numeric privilege level; unknown roles have level 0.
func (r Role) Level() int {
	switch r {
	case RoleAdmin:
		return LevelAdmin
	case RolePrivileged:
		return LevelPrivileged
	case RoleStandard:
		return LevelStandard
	default:
		return 0
	}
}

// ParseRole accepts the canonical role names case-insensitively.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if r.Level() == 0 {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
	return r, nil
}

type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

func ParseUserStatus(raw string) (UserStatus, error) {
	switch s := UserStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusActive, StatusDisabled:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown account status %q", ErrInvalidInput, raw)
	}
}

// User is the credential-store identity. It is never hard-deleted; disabling
// is a status change.
type User struct {
	UserID       uuid.UUID
	Username     string
	PasswordHash string
	Role         Role
	Status       UserStatus
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

func (u User) IsActive() bool { return u.Status == StatusActive }

// LoginAttempt records one login outcome for forensic history.
type LoginAttempt struct {
	ID              int64
	UserID          *uuid.UUID
	Username        string
	AttemptAt       time.Time
	IPAddress       string
	UserAgent       string
	FingerprintHash string
	Status          string
	FailureReason   string
}

const (
	AttemptSuccess = "SUCCESS"
	AttemptFailed  = "FAILED"
)
