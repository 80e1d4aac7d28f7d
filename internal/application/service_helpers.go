package application

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/viralforge/devicetrust/internal/domain"
)

type fingerprint struct {
	hash    string
	version int
}

// computeFingerprint returns nil for an absent fingerprint.
func (s *Service) computeFingerprint(raw string) (*fingerprint, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	hash, version, err := s.fingerprints.Compute(raw)
	if err != nil {
		return nil, err
	}
	return &fingerprint{hash: hash, version: version}, nil
}

func (s *Service) breakGlassRequested(req LoginRequest) bool {
	return s.cfg.BreakGlassEnabled && strings.TrimSpace(req.BreakGlassReason) != ""
}

// verifyDecoy spends one full verification on the decoy hash. The match
// result is discarded; a hasher error is returned so the caller fails the
// same way it would for a known user.
func (s *Service) verifyDecoy(ctx context.Context, password string) error {
	if _, err := s.hasher.Verify(ctx, s.decoyHash, password); err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	return nil
}

// recordAttempt stores the login outcome for the admin history view.
func (s *Service) recordAttempt(ctx context.Context, user *domain.User, req LoginRequest, fingerprintHash, status, reason string) {
	attempt := domain.LoginAttempt{
		Username:        strings.ToLower(strings.TrimSpace(req.Username)),
		AttemptAt:       s.nowFn(),
		IPAddress:       req.IPAddress,
		UserAgent:       req.UserAgent,
		FingerprintHash: fingerprintHash,
		Status:          status,
		FailureReason:   reason,
	}
	if user != nil {
		id := user.UserID
		attempt.UserID = &id
		attempt.Username = user.Username
	}
	if err := s.loginAttempts.Insert(ctx, attempt); err != nil {
		logOp(ctx, slog.LevelWarn, "failed to persist login attempt", "record_login_attempt", "failure",
			"reason", reason,
			"error", err,
		)
	}
}

// rehashIfNeeded upgrades a verified credential to the current parameters.
func (s *Service) rehashIfNeeded(ctx context.Context, user domain.User, password string) {
	if !s.hasher.NeedsRehash(user.PasswordHash) {
		return
	}
	hash, err := s.hasher.Hash(ctx, password)
	if err == nil {
		err = s.users.UpdatePasswordHash(ctx, user.UserID, hash)
	}
	if err != nil {
		logOp(ctx, slog.LevelWarn, "password rehash failed", "rehash_password", "failure",
			"user_id", user.UserID,
			"error", err,
		)
		return
	}
	logOp(ctx, slog.LevelInfo, "password hash upgraded", "rehash_password", "success", "user_id", user.UserID)
}

// randomHex returns a cryptographically random hex string.
func randomHex(bytesLen int) string {
	raw := make([]byte, bytesLen)
	_, _ = rand.Read(raw)
	return hex.EncodeToString(raw)
}
