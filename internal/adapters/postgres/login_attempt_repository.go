package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/viralforge/devicetrust/internal/domain"
	"gorm.io/gorm"
)

type loginAttemptRepository struct {
	db *gorm.DB
}

func (r *loginAttemptRepository) Insert(ctx context.Context, attempt domain.LoginAttempt) error {
	rec := loginAttemptModel{
		UserID:          attempt.UserID,
		Username:        attempt.Username,
		AttemptAt:       attempt.AttemptAt,
		IPAddress:       nullableString(attempt.IPAddress),
		UserAgent:       attempt.UserAgent,
		FingerprintHash: attempt.FingerprintHash,
		Status:          attempt.Status,
		FailureReason:   attempt.FailureReason,
	}
	return r.db.WithContext(ctx).Create(&rec).Error
}

func (r *loginAttemptRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.LoginAttempt, error) {
	query := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("attempt_at DESC").
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []loginAttemptModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.LoginAttempt, 0, len(rows))
	for _, row := range rows {
		result = append(result, toDomainLoginAttempt(row))
	}
	return result, nil
}
