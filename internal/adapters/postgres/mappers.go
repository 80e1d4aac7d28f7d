package postgres

import (
	"errors"
	"strings"

	"github.com/viralforge/devicetrust/internal/domain"
	"gorm.io/gorm"
)

func toDomainUser(row userModel) domain.User {
	return domain.User{
		UserID:       row.UserID,
		Username:     row.Username,
		PasswordHash: row.PasswordHash,
		Role:         domain.Role(row.Role),
		Status:       domain.UserStatus(row.Status),
		CreatedAt:    row.CreatedAt,
		LastLoginAt:  row.LastLoginAt,
	}
}

func toDomainDevice(row deviceModel) domain.DeviceRecord {
	return domain.DeviceRecord{
		DeviceID:        row.DeviceID,
		UserID:          row.UserID,
		FingerprintHash: row.FingerprintHash,
		FPVersion:       row.FPVersion,
		State:           domain.DeviceState(row.State),
		FirstSeenIP:     derefString(row.FirstSeenIP),
		LastSeenIP:      derefString(row.LastSeenIP),
		UserAgent:       row.UserAgent,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
}

func toDomainLoginAttempt(row loginAttemptModel) domain.LoginAttempt {
	return domain.LoginAttempt{
		ID:              row.ID,
		UserID:          row.UserID,
		Username:        row.Username,
		AttemptAt:       row.AttemptAt,
		IPAddress:       derefString(row.IPAddress),
		UserAgent:       row.UserAgent,
		FingerprintHash: row.FingerprintHash,
		Status:          row.Status,
		FailureReason:   row.FailureReason,
	}
}

func nullableString(v string) *string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
