package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/viralforge/devicetrust/internal/domain"
)

const defaultAdminListLimit = 100

// requireAdmin resolves the acting user and checks the admin capability level.
func (s *Service) requireAdmin(ctx context.Context, actingAdmin uuid.UUID) (domain.User, error) {
	admin, err := s.users.GetByID(ctx, actingAdmin)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, fmt.Errorf("%w: unknown acting user", domain.ErrForbidden)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("load acting user: %w", err)
	}
	if !admin.IsActive() || admin.Role.Level() < s.cfg.AdminMinLevel {
		return domain.User{}, fmt.Errorf("%w: insufficient role", domain.ErrForbidden)
	}
	return admin, nil
}

// AdminSetDeviceState moves a device between trust states. Blocking a
// device also ends every live session bound to it.
func (s *Service) AdminSetDeviceState(ctx context.Context, deviceID uuid.UUID, state string, actingAdmin uuid.UUID) (DeviceSummary, error) {
	next, err := domain.ParseDeviceState(state)
	if err != nil {
		return DeviceSummary{}, err
	}
	admin, err := s.requireAdmin(ctx, actingAdmin)
	if err != nil {
		return DeviceSummary{}, s.fail(ctx, "admin_set_device_state", err)
	}

	rec, changed, err := s.ledger.SetState(ctx, deviceID, next, domain.ActorAdmin)
	if err != nil {
		return DeviceSummary{}, s.fail(ctx, "admin_set_device_state", err)
	}
	if changed && next == domain.DeviceBlocked {
		if _, err := s.sessions.DestroyForDevice(ctx, rec.UserID, rec.DeviceID, "device_blocked"); err != nil {
			return DeviceSummary{}, s.fail(ctx, "admin_set_device_state", err)
		}
	}
	logOp(ctx, slog.LevelInfo, "device state set by admin", "admin_set_device_state", "success",
		"admin_id", admin.UserID,
		"device_id", rec.DeviceID,
		"user_id", rec.UserID,
		"state", string(rec.State),
		"changed", changed,
	)
	return toDeviceSummary(rec), nil
}

// AdminToggleAccount enables or disables an account. Disabling ends every
// live session of the user; an admin cannot disable their own account.
func (s *Service) AdminToggleAccount(ctx context.Context, userID uuid.UUID, status string, actingAdmin uuid.UUID) (UserSummary, error) {
	next, err := domain.ParseUserStatus(status)
	if err != nil {
		return UserSummary{}, err
	}
	admin, err := s.requireAdmin(ctx, actingAdmin)
	if err != nil {
		return UserSummary{}, s.fail(ctx, "admin_toggle_account", err)
	}
	if userID == admin.UserID && next == domain.StatusDisabled {
		return UserSummary{}, fmt.Errorf("%w: cannot disable own account", domain.ErrForbidden)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return UserSummary{}, s.fail(ctx, "admin_toggle_account", err)
	}
	if user.Status == next {
		return toUserSummary(user), nil
	}
	if err := s.users.SetStatus(ctx, userID, next); err != nil {
		return UserSummary{}, s.fail(ctx, "admin_toggle_account", err)
	}
	prev := user.Status
	user.Status = next

	if next == domain.StatusDisabled {
		if _, err := s.sessions.DestroyAllForUser(ctx, userID, "account_disabled"); err != nil {
			return UserSummary{}, s.fail(ctx, "admin_toggle_account", err)
		}
	}
	s.audit.emit(ctx, eventAccountStatusChanged, userID.String(), map[string]any{
		"admin_id": admin.UserID.String(),
		"from":     string(prev),
		"to":       string(next),
	})
	logOp(ctx, slog.LevelInfo, "account status changed", "admin_toggle_account", "success",
		"admin_id", admin.UserID,
		"user_id", userID,
		"status", string(next),
	)
	return toUserSummary(user), nil
}

func (s *Service) AdminListPendingDevices(ctx context.Context, actingAdmin uuid.UUID, limit int) ([]DeviceSummary, error) {
	if _, err := s.requireAdmin(ctx, actingAdmin); err != nil {
		return nil, s.fail(ctx, "admin_list_pending_devices", err)
	}
	if limit <= 0 || limit > defaultAdminListLimit {
		limit = defaultAdminListLimit
	}
	records, err := s.ledger.ListPending(ctx, limit)
	if err != nil {
		return nil, s.fail(ctx, "admin_list_pending_devices", err)
	}
	return toDeviceSummaries(records), nil
}

func (s *Service) AdminListUserDevices(ctx context.Context, userID, actingAdmin uuid.UUID) ([]DeviceSummary, error) {
	if _, err := s.requireAdmin(ctx, actingAdmin); err != nil {
		return nil, s.fail(ctx, "admin_list_user_devices", err)
	}
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return nil, s.fail(ctx, "admin_list_user_devices", err)
	}
	records, err := s.ledger.ListByUser(ctx, userID)
	if err != nil {
		return nil, s.fail(ctx, "admin_list_user_devices", err)
	}
	return toDeviceSummaries(records), nil
}

func (s *Service) AdminLoginHistory(ctx context.Context, userID, actingAdmin uuid.UUID, limit int) ([]LoginAttemptView, error) {
	if _, err := s.requireAdmin(ctx, actingAdmin); err != nil {
		return nil, s.fail(ctx, "admin_login_history", err)
	}
	if limit <= 0 || limit > defaultAdminListLimit {
		limit = defaultAdminListLimit
	}
	attempts, err := s.loginAttempts.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, s.fail(ctx, "admin_login_history", err)
	}
	out := make([]LoginAttemptView, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, LoginAttemptView{
			AttemptAt:     a.AttemptAt,
			IPAddress:     a.IPAddress,
			UserAgent:     a.UserAgent,
			Status:        a.Status,
			FailureReason: a.FailureReason,
		})
	}
	return out, nil
}

// AdminUnblock clears a lockout key such as "ip:203.0.113.7" or
// "login:203.0.113.7|alice".
func (s *Service) AdminUnblock(ctx context.Context, key string, actingAdmin uuid.UUID) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: lockout key is required", domain.ErrInvalidInput)
	}
	admin, err := s.requireAdmin(ctx, actingAdmin)
	if err != nil {
		return s.fail(ctx, "admin_unblock", err)
	}
	if err := s.guard.Clear(ctx, key); err != nil {
		return s.fail(ctx, "admin_unblock", err)
	}
	logOp(ctx, slog.LevelWarn, "lockout cleared by admin", "admin_unblock", "success",
		"admin_id", admin.UserID,
		"lock_key", key,
	)
	s.audit.emit(ctx, eventLockoutCleared, key, map[string]any{"admin_id": admin.UserID.String()})
	return nil
}

func toDeviceSummaries(records []domain.DeviceRecord) []DeviceSummary {
	out := make([]DeviceSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, toDeviceSummary(rec))
	}
	return out
}
