package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/viralforge/devicetrust/internal/domain"
	"github.com/viralforge/devicetrust/internal/ports"
)

// Service is the authentication orchestrator. Every exported operation
// returns either nil or an error carrying one of the domain error kinds.
type Service struct {
	cfg           Config
	users         ports.UserRepository
	loginAttempts ports.LoginAttemptRepository
	hasher        ports.PasswordHasher
	fingerprints  ports.FingerprintHasher
	guard         *LockoutGuard
	ledger        *DeviceLedger
	sessions      *SessionManager
	audit         auditor
	decoyHash     string
	nowFn         func() time.Time
}

type Dependencies struct {
	Config        Config
	Users         ports.UserRepository
	Devices       ports.DeviceRepository
	LoginAttempts ports.LoginAttemptRepository
	Sessions      ports.SessionStore
	RateLimits    ports.RateLimitStore
	Hasher        ports.PasswordHasher
	Fingerprints  ports.FingerprintHasher
	Audit         ports.AuditSink
	// Now overrides the clock; tests use it to step through windows.
	Now func() time.Time
}

func NewService(ctx context.Context, deps Dependencies) (*Service, error) {
	cfg := deps.Config.withDefaults()
	nowFn := deps.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}

	// Unknown usernames are verified against this hash so that their
	// failure costs the same as a wrong password.
	decoy, err := deps.Hasher.Hash(ctx, randomHex(24))
	if err != nil {
		return nil, fmt.Errorf("compute decoy hash: %w", err)
	}

	if !cfg.DeviceApprovalEnforced {
		logOp(ctx, slog.LevelWarn, "device approval enforcement disabled; new devices are auto-approved", "service_init", "degraded")
	}

	return &Service{
		cfg:           cfg,
		users:         deps.Users,
		loginAttempts: deps.LoginAttempts,
		hasher:        deps.Hasher,
		fingerprints:  deps.Fingerprints,
		guard:         NewLockoutGuard(deps.RateLimits, cfg, deps.Audit, nowFn),
		ledger:        NewDeviceLedger(deps.Devices, cfg, deps.Audit, nowFn),
		sessions:      NewSessionManager(deps.Sessions, deps.Users, deps.Devices, cfg, deps.Audit, nowFn),
		audit:         auditor{sink: deps.Audit, nowFn: nowFn},
		decoyHash:     decoy,
		nowFn:         nowFn,
	}, nil
}

// fail is the propagation boundary: anything outside the error taxonomy is
// logged in full and replaced by ErrInternal.
func (s *Service) fail(ctx context.Context, operation string, err error) error {
	if err == nil {
		return nil
	}
	if domain.IsTaxonomy(err) {
		return err
	}
	logOp(ctx, slog.LevelError, "operation failed", operation, "failure", "error", err)
	return domain.ErrInternal
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	if err := s.guard.CheckRegister(ctx, req.IPAddress); err != nil {
		return RegisterResponse{}, s.fail(ctx, "register", err)
	}
	username, err := domain.NormalizeUsername(req.Username)
	if err != nil {
		return RegisterResponse{}, err
	}
	if err := domain.ValidatePassword(req.Password); err != nil {
		return RegisterResponse{}, err
	}
	if err := domain.CheckClientContext(req.UserAgent, req.Fingerprint); err != nil {
		return RegisterResponse{}, err
	}
	fp, err := s.computeFingerprint(req.Fingerprint)
	if err != nil {
		return RegisterResponse{}, err
	}

	user, err := s.createUser(ctx, username, req.Password, domain.RoleStandard)
	if err != nil {
		return RegisterResponse{}, s.fail(ctx, "register", err)
	}
	resp := RegisterResponse{User: toUserSummary(user)}

	// Devices are only trusted at registration when gating is off; otherwise
	// the first login records them as pending.
	if fp != nil && !s.cfg.DeviceApprovalEnforced {
		rec, err := s.ledger.Observe(ctx, user.UserID, fp.hash, fp.version, req.IPAddress, req.UserAgent)
		if err != nil {
			logOp(ctx, slog.LevelWarn, "initial device record failed", "register", "warning",
				"user_id", user.UserID,
				"error", err,
			)
		} else {
			resp.Device = toDeviceSummaryPtr(&rec)
		}
	}
	return resp, nil
}

// Provision creates a user with an explicit role. It is an operator path
// and bypasses the registration rate limit.
func (s *Service) Provision(ctx context.Context, req ProvisionRequest) (UserSummary, error) {
	username, err := domain.NormalizeUsername(req.Username)
	if err != nil {
		return UserSummary{}, err
	}
	if err := domain.ValidatePassword(req.Password); err != nil {
		return UserSummary{}, err
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		return UserSummary{}, err
	}
	if err := domain.CheckClientContext("", req.Fingerprint); err != nil {
		return UserSummary{}, err
	}
	fp, err := s.computeFingerprint(req.Fingerprint)
	if err != nil {
		return UserSummary{}, err
	}
	user, err := s.createUser(ctx, username, req.Password, role)
	if err != nil {
		return UserSummary{}, s.fail(ctx, "provision", err)
	}

	// The operator vouches for the provisioning device, so it starts
	// approved. Without it the first admin could never pass device gating.
	if fp != nil {
		rec, _, err := s.ledger.RecordSighting(ctx, user.UserID, fp.hash, fp.version, "", "", domain.DeviceApproved)
		if err != nil {
			return UserSummary{}, s.fail(ctx, "provision", err)
		}
		s.audit.emit(ctx, eventDeviceApproved, rec.DeviceID.String(), map[string]any{
			"user_id":    user.UserID.String(),
			"fp_version": fp.version,
			"actor":      "provision",
		})
	}
	return toUserSummary(user), nil
}

func (s *Service) createUser(ctx context.Context, username, password string, role domain.Role) (domain.User, error) {
	passwordHash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	user, err := s.users.Create(ctx, domain.User{
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
		Status:       domain.StatusActive,
		CreatedAt:    s.nowFn(),
	})
	if err != nil {
		return domain.User{}, err
	}
	s.audit.emit(ctx, eventUserRegistered, user.UserID.String(), map[string]any{
		"username": user.Username,
		"role":     string(user.Role),
	})
	logOp(ctx, slog.LevelInfo, "user created", "create_user", "success",
		"user_id", user.UserID,
		"role", string(user.Role),
	)
	return user, nil
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResponse, error) {
	// The lockout gate runs before validation and before any credential
	// store access.
	gateErr := s.guard.Check(ctx, req.IPAddress, req.Username)
	if gateErr != nil {
		if !domain.IsTaxonomy(gateErr) || !s.breakGlassRequested(req) {
			if domain.IsTaxonomy(gateErr) {
				logOp(ctx, slog.LevelInfo, "login rejected by lockout guard", "login", "rejected",
					"ip", req.IPAddress,
					"reason", string(domain.KindOf(gateErr)),
				)
			}
			return LoginResponse{}, s.fail(ctx, "login", gateErr)
		}
	}

	username, err := domain.NormalizeUsername(req.Username)
	if err != nil {
		return LoginResponse{}, err
	}
	if err := domain.CheckLoginPassword(req.Password); err != nil {
		return LoginResponse{}, err
	}
	if err := domain.CheckClientContext(req.UserAgent, req.Fingerprint); err != nil {
		return LoginResponse{}, err
	}
	if err := domain.CheckBreakGlassReason(req.BreakGlassReason); err != nil {
		return LoginResponse{}, err
	}
	fp, err := s.computeFingerprint(req.Fingerprint)
	if err != nil {
		return LoginResponse{}, err
	}
	if gateErr != nil {
		// One break-glass attempt per lock, spent before any hashing.
		remaining, _ := domain.RetryAfter(gateErr)
		ok, err := s.guard.ClaimBreakGlass(ctx, req.IPAddress, req.Username, remaining)
		if err != nil {
			return LoginResponse{}, s.fail(ctx, "login", err)
		}
		if !ok {
			logOp(ctx, slog.LevelWarn, "break-glass budget spent for locked key", "login", "rejected",
				"ip", req.IPAddress,
				"reason", string(domain.KindOf(gateErr)),
			)
			return LoginResponse{}, gateErr
		}
	}
	fpHash := ""
	if fp != nil {
		fpHash = fp.hash
	}

	user, err := s.users.FindByUsername(ctx, username)
	if errors.Is(err, domain.ErrNotFound) {
		if err := s.verifyDecoy(ctx, req.Password); err != nil {
			return LoginResponse{}, s.fail(ctx, "login", err)
		}
		s.guard.RecordFailure(ctx, req.IPAddress, req.Username)
		s.recordAttempt(ctx, nil, req, fpHash, domain.AttemptFailed, "USER_NOT_FOUND")
		s.audit.emit(ctx, eventLoginFailed, "", map[string]any{"username": username, "ip": req.IPAddress, "reason": "USER_NOT_FOUND"})
		return LoginResponse{}, firstErr(gateErr, domain.ErrInvalidCredentials)
	}
	if err != nil {
		return LoginResponse{}, s.fail(ctx, "login", fmt.Errorf("find user: %w", err))
	}

	if !user.IsActive() {
		s.recordAttempt(ctx, &user, req, fpHash, domain.AttemptFailed, string(domain.KindAccountDisabled))
		s.audit.emit(ctx, eventLoginFailed, user.UserID.String(), map[string]any{"ip": req.IPAddress, "reason": string(domain.KindAccountDisabled)})
		return LoginResponse{}, firstErr(gateErr, domain.ErrAccountDisabled)
	}

	ok, err := s.hasher.Verify(ctx, user.PasswordHash, req.Password)
	if err != nil {
		return LoginResponse{}, s.fail(ctx, "login", fmt.Errorf("verify password: %w", err))
	}
	if !ok {
		if fp != nil {
			if err := s.ledger.Touch(ctx, user.UserID, fp.hash, req.IPAddress, req.UserAgent); err != nil {
				logOp(ctx, slog.LevelWarn, "device sighting refresh failed", "login", "warning", "user_id", user.UserID, "error", err)
			}
		}
		s.guard.RecordFailure(ctx, req.IPAddress, req.Username)
		s.recordAttempt(ctx, &user, req, fpHash, domain.AttemptFailed, "INVALID_PASSWORD")
		s.audit.emit(ctx, eventLoginFailed, user.UserID.String(), map[string]any{"ip": req.IPAddress, "reason": "INVALID_PASSWORD"})
		return LoginResponse{}, firstErr(gateErr, domain.ErrInvalidCredentials)
	}

	breakGlass := false
	if gateErr != nil {
		if user.Role.Level() < s.cfg.BreakGlassMinLevel {
			s.recordAttempt(ctx, &user, req, fpHash, domain.AttemptFailed, "BREAK_GLASS_DENIED")
			return LoginResponse{}, gateErr
		}
		breakGlass = true
		logOp(ctx, slog.LevelWarn, "break-glass lockout bypass used", "login", "bypass",
			"user_id", user.UserID,
			"role", string(user.Role),
			"ip", req.IPAddress,
			"reason", req.BreakGlassReason,
			"bypassed", string(domain.KindOf(gateErr)),
		)
		s.audit.emit(ctx, eventBreakGlassUsed, user.UserID.String(), map[string]any{
			"reason":   req.BreakGlassReason,
			"ip":       req.IPAddress,
			"bypassed": string(domain.KindOf(gateErr)),
		})
	}

	device, err := s.resolveDevice(ctx, user, fp, req)
	if err != nil {
		if domain.IsTaxonomy(err) {
			s.recordAttempt(ctx, &user, req, fpHash, domain.AttemptFailed, string(domain.KindOf(err)))
			s.audit.emit(ctx, eventLoginFailed, user.UserID.String(), map[string]any{"ip": req.IPAddress, "reason": string(domain.KindOf(err))})
		}
		return LoginResponse{}, s.fail(ctx, "login", err)
	}

	token, expiresAt, err := s.sessions.Create(ctx, user, device, req.IPAddress, req.UserAgent)
	if err != nil {
		return LoginResponse{}, s.fail(ctx, "login", err)
	}

	now := s.nowFn()
	s.guard.RecordSuccess(ctx, req.IPAddress, req.Username)
	if err := s.users.UpdateLastLogin(ctx, user.UserID, now); err != nil {
		logOp(ctx, slog.LevelWarn, "failed to update last login", "login", "warning", "user_id", user.UserID, "error", err)
	} else {
		user.LastLoginAt = &now
	}
	s.rehashIfNeeded(ctx, user, req.Password)
	s.recordAttempt(ctx, &user, req, fpHash, domain.AttemptSuccess, "")
	attrs := map[string]any{"ip": req.IPAddress, "break_glass": breakGlass}
	if device != nil {
		attrs["device_id"] = device.DeviceID.String()
	}
	s.audit.emit(ctx, eventLoginSucceeded, user.UserID.String(), attrs)

	return LoginResponse{
		Token:      token,
		ExpiresAt:  expiresAt,
		User:       toUserSummary(user),
		Device:     toDeviceSummaryPtr(device),
		BreakGlass: breakGlass,
	}, nil
}

// resolveDevice applies the ledger to a login whose credentials verified.
// A blocked device is always refused; pending only refuses roles that
// device gating applies to.
func (s *Service) resolveDevice(ctx context.Context, user domain.User, fp *fingerprint, req LoginRequest) (*domain.DeviceRecord, error) {
	gated := s.cfg.DeviceApprovalEnforced && user.Role.Level() >= s.cfg.DeviceApprovalMinLevel
	if fp == nil {
		if gated {
			return nil, fmt.Errorf("%w: fingerprint is required", domain.ErrInvalidInput)
		}
		return nil, nil
	}

	rec, err := s.ledger.Observe(ctx, user.UserID, fp.hash, fp.version, req.IPAddress, req.UserAgent)
	if err != nil {
		return nil, err
	}
	switch rec.State {
	case domain.DeviceBlocked:
		return nil, domain.ErrDeviceBlocked
	case domain.DevicePending:
		if gated {
			return nil, domain.ErrDevicePending
		}
	}
	return &rec, nil
}

func (s *Service) ValidateSession(ctx context.Context, token, ip, userAgent string) (SessionInfo, error) {
	v, err := s.sessions.Validate(ctx, token, ip, userAgent)
	if err != nil {
		if domain.IsTaxonomy(err) {
			logOp(ctx, slog.LevelInfo, "session rejected", "validate_session", "rejected",
				"reason", string(domain.KindOf(err)),
			)
		}
		return SessionInfo{}, s.fail(ctx, "validate_session", err)
	}
	return SessionInfo{
		SessionID: sessionID(v.Session.TokenHash),
		User:      toUserSummary(v.User),
		Device:    toDeviceSummaryPtr(v.Device),
		ExpiresAt: v.Session.ExpiresAt,
	}, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	return s.fail(ctx, "logout", s.sessions.Destroy(ctx, token, "logout"))
}

// ListSessions returns the caller's own live sessions.
func (s *Service) ListSessions(ctx context.Context, token, ip, userAgent string) ([]SessionView, error) {
	v, err := s.sessions.Validate(ctx, token, ip, userAgent)
	if err != nil {
		return nil, s.fail(ctx, "list_sessions", err)
	}
	sessions, err := s.sessions.List(ctx, v.User.UserID)
	if err != nil {
		return nil, s.fail(ctx, "list_sessions", err)
	}
	out := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, SessionView{
			SessionID:  sessionID(sess.TokenHash),
			DeviceID:   sess.DeviceID,
			IPAddress:  sess.IPAddress,
			UserAgent:  sess.UserAgent,
			CreatedAt:  sess.CreatedAt,
			LastSeenAt: sess.LastSeenAt,
			ExpiresAt:  sess.ExpiresAt,
			Current:    sess.TokenHash == v.Session.TokenHash,
		})
	}
	return out, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
