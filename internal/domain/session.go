package domain

import (
	"time"

	"github.com/google/uuid"
)

// Session is the server-side state behind an opaque session token. Only the
// digest of the token is stored; the raw token is handed to the client once.
type Session struct {
	TokenHash       string
	UserID          uuid.UUID
	Role            Role
	DeviceID        *uuid.UUID
	FingerprintHash string
	IPAddress       string
	UserAgent       string
	CreatedAt       time.Time
	LastSeenAt      time.Time
	ExpiresAt       time.Time
}

func (s Session) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }
