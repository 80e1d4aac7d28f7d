package application

import (
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/devicetrust/internal/domain"
)

// Config carries the policy knobs of the authentication core. Zero values
// are replaced by withDefaults.
type Config struct {
	// DeviceApprovalEnforced turns on device gating. When false, every new
	// fingerprint is recorded as approved.
	DeviceApprovalEnforced bool
	DeviceApprovalMinLevel int
	PrivilegedMinLevel     int
	AdminMinLevel          int

	BreakGlassEnabled  bool
	BreakGlassMinLevel int

	SessionTTL          time.Duration
	SessionAbsoluteTTL  time.Duration
	SessionExpiredGrace time.Duration

	FailureThreshold   int
	FailureWindow      time.Duration
	IPFailureThreshold int
	RequestWindow      time.Duration
	RequestSoftLimit   int
	RequestHardLimit   int
	LockoutBase        time.Duration
	LockoutMax         time.Duration
	LockoutQuietPeriod time.Duration

	RegisterLimit  int
	RegisterWindow time.Duration

	ChurnThreshold int
	ChurnWindow    time.Duration
}

func (c Config) withDefaults() Config {
	if c.DeviceApprovalMinLevel <= 0 {
		c.DeviceApprovalMinLevel = domain.LevelStandard
	}
	if c.PrivilegedMinLevel <= 0 {
		c.PrivilegedMinLevel = domain.LevelPrivileged
	}
	if c.AdminMinLevel <= 0 {
		c.AdminMinLevel = domain.LevelAdmin
	}
	if c.BreakGlassMinLevel <= 0 {
		c.BreakGlassMinLevel = domain.LevelAdmin
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.SessionAbsoluteTTL <= 0 {
		c.SessionAbsoluteTTL = 12 * time.Hour
	}
	if c.SessionAbsoluteTTL < c.SessionTTL {
		c.SessionAbsoluteTTL = c.SessionTTL
	}
	if c.SessionExpiredGrace <= 0 {
		c.SessionExpiredGrace = time.Hour
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = time.Minute
	}
	if c.IPFailureThreshold <= 0 {
		c.IPFailureThreshold = 20
	}
	if c.RequestWindow <= 0 {
		c.RequestWindow = time.Minute
	}
	if c.RequestSoftLimit <= 0 {
		c.RequestSoftLimit = 30
	}
	if c.RequestHardLimit <= 0 {
		c.RequestHardLimit = 120
	}
	if c.LockoutBase <= 0 {
		c.LockoutBase = 5 * time.Minute
	}
	if c.LockoutMax <= 0 {
		c.LockoutMax = time.Hour
	}
	if c.LockoutQuietPeriod <= 0 {
		c.LockoutQuietPeriod = 24 * time.Hour
	}
	if c.RegisterLimit <= 0 {
		c.RegisterLimit = 3
	}
	if c.RegisterWindow <= 0 {
		c.RegisterWindow = 5 * time.Minute
	}
	if c.ChurnThreshold <= 0 {
		c.ChurnThreshold = 5
	}
	if c.ChurnWindow <= 0 {
		c.ChurnWindow = time.Hour
	}
	return c
}

type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Fingerprint string `json:"fingerprint,omitempty"`
	IPAddress   string `json:"-"`
	UserAgent   string `json:"-"`
}

type RegisterResponse struct {
	User   UserSummary    `json:"user"`
	Device *DeviceSummary `json:"device,omitempty"`
}

type ProvisionRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`

	// Fingerprint, when set, is recorded as an already approved device.
	Fingerprint string `json:"fingerprint,omitempty"`
}

type LoginRequest struct {
	Username         string `json:"username"`
	Password         string `json:"password"`
	Fingerprint      string `json:"fingerprint,omitempty"`
	BreakGlassReason string `json:"break_glass_reason,omitempty"`
	IPAddress        string `json:"-"`
	UserAgent        string `json:"-"`
}

type LoginResponse struct {
	Token      string         `json:"token"`
	ExpiresAt  time.Time      `json:"expires_at"`
	User       UserSummary    `json:"user"`
	Device     *DeviceSummary `json:"device,omitempty"`
	BreakGlass bool           `json:"break_glass,omitempty"`
}

// UserSummary is the caller-facing view of a user. It never carries the
// password hash.
type UserSummary struct {
	UserID      uuid.UUID  `json:"user_id"`
	Username    string     `json:"username"`
	Role        string     `json:"role"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

type DeviceSummary struct {
	DeviceID    uuid.UUID `json:"device_id"`
	UserID      uuid.UUID `json:"user_id"`
	State       string    `json:"state"`
	FPVersion   int       `json:"fp_version"`
	FirstSeenIP string    `json:"first_seen_ip"`
	LastSeenIP  string    `json:"last_seen_ip"`
	UserAgent   string    `json:"user_agent"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SessionInfo is the result of a successful ValidateSession.
type SessionInfo struct {
	SessionID string         `json:"session_id"`
	User      UserSummary    `json:"user"`
	Device    *DeviceSummary `json:"device,omitempty"`
	ExpiresAt time.Time      `json:"expires_at"`
}

type SessionView struct {
	SessionID  string     `json:"session_id"`
	DeviceID   *uuid.UUID `json:"device_id,omitempty"`
	IPAddress  string     `json:"ip_address"`
	UserAgent  string     `json:"user_agent"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Current    bool       `json:"current"`
}

type LoginAttemptView struct {
	AttemptAt     time.Time `json:"attempt_at"`
	IPAddress     string    `json:"ip_address"`
	UserAgent     string    `json:"user_agent"`
	Status        string    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

func toUserSummary(u domain.User) UserSummary {
	return UserSummary{
		UserID:      u.UserID,
		Username:    u.Username,
		Role:        string(u.Role),
		Status:      string(u.Status),
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}

func toDeviceSummary(d domain.DeviceRecord) DeviceSummary {
	return DeviceSummary{
		DeviceID:    d.DeviceID,
		UserID:      d.UserID,
		State:       string(d.State),
		FPVersion:   d.FPVersion,
		FirstSeenIP: d.FirstSeenIP,
		LastSeenIP:  d.LastSeenIP,
		UserAgent:   d.UserAgent,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func toDeviceSummaryPtr(d *domain.DeviceRecord) *DeviceSummary {
	if d == nil {
		return nil
	}
	out := toDeviceSummary(*d)
	return &out
}
