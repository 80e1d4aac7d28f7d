package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/devicetrust/internal/domain"
	"gorm.io/gorm"
)

type userRepository struct {
	db *gorm.DB
}

func (r *userRepository) Create(ctx context.Context, user domain.User) (domain.User, error) {
	rec := userModel{
		Username:     user.Username,
		PasswordHash: user.PasswordHash,
		Role:         string(user.Role),
		Status:       string(user.Status),
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.User{}, domain.ErrUsernameTaken
		}
		return domain.User{}, err
	}
	return toDomainUser(rec), nil
}

func (r *userRepository) FindByUsername(ctx context.Context, username string) (domain.User, error) {
	return r.take(ctx, "username = ?", username)
}

func (r *userRepository) GetByID(ctx context.Context, userID uuid.UUID) (domain.User, error) {
	return r.take(ctx, "user_id = ?", userID)
}

func (r *userRepository) UpdateLastLogin(ctx context.Context, userID uuid.UUID, at time.Time) error {
	return r.update(ctx, userID, map[string]any{"last_login_at": at, "updated_at": at})
}

func (r *userRepository) UpdatePasswordHash(ctx context.Context, userID uuid.UUID, passwordHash string) error {
	return r.update(ctx, userID, map[string]any{"password_hash": passwordHash, "updated_at": time.Now().UTC()})
}

func (r *userRepository) SetStatus(ctx context.Context, userID uuid.UUID, status domain.UserStatus) error {
	return r.update(ctx, userID, map[string]any{"status": string(status), "updated_at": time.Now().UTC()})
}

func (r *userRepository) take(ctx context.Context, query string, arg any) (domain.User, error) {
	var rec userModel
	if err := r.db.WithContext(ctx).Where(query, arg).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, domain.ErrNotFound
		}
		return domain.User{}, err
	}
	return toDomainUser(rec), nil
}

func (r *userRepository) update(ctx context.Context, userID uuid.UUID, fields map[string]any) error {
	res := r.db.WithContext(ctx).
		Model(&userModel{}).
		Where("user_id = ?", userID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
