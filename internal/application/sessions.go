package application

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/devicetrust/internal/domain"
	"github.com/viralforge/devicetrust/internal/ports"
)

const sessionTokenBytes = 32

// ValidatedSession is the outcome of a successful Validate.
type ValidatedSession struct {
	Session domain.Session
	User    domain.User
	Device  *domain.DeviceRecord
}

// SessionManager issues and validates opaque session tokens. Only the
// SHA-256 digest of a token is ever stored.
type SessionManager struct {
	store   ports.SessionStore
	users   ports.UserRepository
	devices ports.DeviceRepository
	cfg     Config
	audit   auditor
	nowFn   func() time.Time
}

func NewSessionManager(store ports.SessionStore, users ports.UserRepository, devices ports.DeviceRepository, cfg Config, sink ports.AuditSink, nowFn func() time.Time) *SessionManager {
	return &SessionManager{
		store:   store,
		users:   users,
		devices: devices,
		cfg:     cfg.withDefaults(),
		audit:   auditor{sink: sink, nowFn: nowFn},
		nowFn:   nowFn,
	}
}

// Create issues a new token bound to user, device and ip.
func (m *SessionManager) Create(ctx context.Context, user domain.User, device *domain.DeviceRecord, ip, userAgent string) (string, time.Time, error) {
	token, err := newSessionToken()
	if err != nil {
		return "", time.Time{}, err
	}
	now := m.nowFn()
	expiresAt := now.Add(m.cfg.SessionTTL)
	if abs := now.Add(m.cfg.SessionAbsoluteTTL); expiresAt.After(abs) {
		expiresAt = abs
	}

	session := domain.Session{
		TokenHash:  hashToken(token),
		UserID:     user.UserID,
		Role:       user.Role,
		IPAddress:  ip,
		UserAgent:  userAgent,
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  expiresAt,
	}
	if device != nil {
		id := device.DeviceID
		session.DeviceID = &id
		session.FingerprintHash = device.FingerprintHash
	}
	if err := m.store.Create(ctx, session, m.retention(expiresAt, now)); err != nil {
		return "", time.Time{}, fmt.Errorf("store session: %w", err)
	}
	return token, expiresAt, nil
}

// Validate resolves token and enforces the live-session invariants: the
// user must still be active, and a privileged session must keep its IP and
// stay bound to an approved device. A successful call slides the expiry.
func (m *SessionManager) Validate(ctx context.Context, token, ip, userAgent string) (ValidatedSession, error) {
	digest, err := tokenDigest(token)
	if err != nil {
		return ValidatedSession{}, err
	}
	session, err := m.store.Get(ctx, digest)
	if errors.Is(err, domain.ErrNotFound) {
		return ValidatedSession{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return ValidatedSession{}, fmt.Errorf("load session: %w", err)
	}

	now := m.nowFn()
	if session.Expired(now) {
		if _, err := m.store.Delete(ctx, digest); err != nil {
			return ValidatedSession{}, fmt.Errorf("delete expired session: %w", err)
		}
		return ValidatedSession{}, domain.ErrSessionExpired
	}

	user, err := m.users.GetByID(ctx, session.UserID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return ValidatedSession{}, m.revoke(ctx, digest, session, "user_missing")
	case err != nil:
		return ValidatedSession{}, fmt.Errorf("load session user: %w", err)
	case !user.IsActive():
		return ValidatedSession{}, m.revoke(ctx, digest, session, "account_disabled")
	}

	privileged := user.Role.Level() >= m.cfg.PrivilegedMinLevel
	// A privileged session bound to an address treats a missing address as
	// a change; standard sessions only compare when one is supplied.
	ipChanged := session.IPAddress != "" && ip != session.IPAddress && (ip != "" || privileged)
	if ipChanged {
		m.audit.emit(ctx, eventSessionIPChanged, session.UserID.String(), map[string]any{
			"session_id": sessionID(digest),
			"from_ip":    session.IPAddress,
			"to_ip":      ip,
			"privileged": privileged,
		})
		if privileged {
			return ValidatedSession{}, m.revoke(ctx, digest, session, "ip_changed")
		}
		logOp(ctx, slog.LevelWarn, "session ip changed", "validate_session", "warning",
			"session_id", sessionID(digest),
			"user_id", session.UserID,
			"from_ip", session.IPAddress,
			"to_ip", ip,
		)
	}

	if userAgent != "" && session.UserAgent != "" && userAgent != session.UserAgent {
		logOp(ctx, slog.LevelInfo, "session user agent changed", "validate_session", "warning",
			"session_id", sessionID(digest),
			"user_id", session.UserID,
		)
	}

	var device *domain.DeviceRecord
	if session.DeviceID != nil && privileged {
		rec, err := m.devices.GetByID(ctx, *session.DeviceID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return ValidatedSession{}, fmt.Errorf("load session device: %w", err)
		default:
			device = &rec
		}
	}
	if privileged && m.cfg.DeviceApprovalEnforced {
		if device == nil || device.State != domain.DeviceApproved {
			return ValidatedSession{}, m.revoke(ctx, digest, session, "device_not_approved")
		}
	}

	expiresAt := now.Add(m.cfg.SessionTTL)
	if abs := session.CreatedAt.Add(m.cfg.SessionAbsoluteTTL); expiresAt.After(abs) {
		expiresAt = abs
	}
	if expiresAt.After(session.ExpiresAt) {
		err := m.store.Touch(ctx, digest, now, expiresAt, m.retention(expiresAt, now))
		if errors.Is(err, domain.ErrNotFound) {
			return ValidatedSession{}, domain.ErrSessionNotFound
		}
		if err != nil {
			return ValidatedSession{}, fmt.Errorf("extend session: %w", err)
		}
		session.ExpiresAt = expiresAt
	}
	session.LastSeenAt = now

	return ValidatedSession{Session: session, User: user, Device: device}, nil
}

// Destroy removes the session behind token.
func (m *SessionManager) Destroy(ctx context.Context, token, reason string) error {
	digest, err := tokenDigest(token)
	if err != nil {
		return err
	}
	session, err := m.store.Get(ctx, digest)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	deleted, err := m.store.Delete(ctx, digest)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if !deleted {
		return domain.ErrSessionNotFound
	}
	m.audit.emit(ctx, eventSessionRevoked, session.UserID.String(), map[string]any{
		"session_id": sessionID(digest),
		"reason":     reason,
	})
	return nil
}

func (m *SessionManager) DestroyAllForUser(ctx context.Context, userID uuid.UUID, reason string) (int, error) {
	n, err := m.store.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("delete user sessions: %w", err)
	}
	if n > 0 {
		m.audit.emit(ctx, eventSessionRevoked, userID.String(), map[string]any{
			"reason": reason,
			"count":  n,
		})
	}
	return n, nil
}

func (m *SessionManager) DestroyForDevice(ctx context.Context, userID, deviceID uuid.UUID, reason string) (int, error) {
	n, err := m.store.DeleteByDevice(ctx, userID, deviceID)
	if err != nil {
		return 0, fmt.Errorf("delete device sessions: %w", err)
	}
	if n > 0 {
		m.audit.emit(ctx, eventSessionRevoked, userID.String(), map[string]any{
			"reason":    reason,
			"device_id": deviceID.String(),
			"count":     n,
		})
	}
	return n, nil
}

// List returns the live sessions of userID; expired entries still inside
// the grace window are omitted.
func (m *SessionManager) List(ctx context.Context, userID uuid.UUID) ([]domain.Session, error) {
	all, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	now := m.nowFn()
	out := make([]domain.Session, 0, len(all))
	for _, s := range all {
		if !s.Expired(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *SessionManager) revoke(ctx context.Context, digest string, session domain.Session, reason string) error {
	if _, err := m.store.Delete(ctx, digest); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	logOp(ctx, slog.LevelWarn, "session revoked", "validate_session", "revoked",
		"session_id", sessionID(digest),
		"user_id", session.UserID,
		"reason", reason,
	)
	m.audit.emit(ctx, eventSessionRevoked, session.UserID.String(), map[string]any{
		"session_id": sessionID(digest),
		"reason":     reason,
	})
	return fmt.Errorf("%w: %s", domain.ErrSessionRevoked, reason)
}

// retention keeps expired records around for the grace window so that
// expiry stays distinguishable from an unknown token.
func (m *SessionManager) retention(expiresAt, now time.Time) time.Duration {
	ttl := expiresAt.Sub(now) + m.cfg.SessionExpiredGrace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func newSessionToken() (string, error) {
	raw := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// tokenDigest validates the token shape before any store access.
func tokenDigest(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", domain.ErrTokenInvalid
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != sessionTokenBytes {
		return "", domain.ErrTokenInvalid
	}
	return hashToken(token), nil
}

// hashToken stores one-way token fingerprints instead of raw secrets.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// sessionID is the public handle of a session: a prefix of its digest.
func sessionID(digest string) string {
	if len(digest) > 16 {
		return digest[:16]
	}
	return digest
}
