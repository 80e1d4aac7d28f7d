// Package memory implements every store port in process memory. It backs
// tests and single-process local runs; production wiring uses the postgres
// and cache adapters behind the same interfaces.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/devicetrust/internal/domain"
)

type UserRepository struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]domain.User
	byUsername map[string]uuid.UUID
}

func NewUserRepository() *UserRepository {
	return &UserRepository{
		byID:       make(map[uuid.UUID]domain.User),
		byUsername: make(map[string]uuid.UUID),
	}
}

func (r *UserRepository) Create(_ context.Context, user domain.User) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byUsername[user.Username]; exists {
		return domain.User{}, fmt.Errorf("%w: %s", domain.ErrUsernameTaken, user.Username)
	}
	if user.UserID == uuid.Nil {
		user.UserID = uuid.New()
	}
	r.byID[user.UserID] = user
	r.byUsername[user.Username] = user.UserID
	return user, nil
}

func (r *UserRepository) FindByUsername(_ context.Context, username string) (domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byUsername[username]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return r.byID[id], nil
}

func (r *UserRepository) GetByID(_ context.Context, userID uuid.UUID) (domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.byID[userID]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return user, nil
}

func (r *UserRepository) UpdateLastLogin(_ context.Context, userID uuid.UUID, at time.Time) error {
	return r.mutate(userID, func(u *domain.User) { u.LastLoginAt = &at })
}

func (r *UserRepository) UpdatePasswordHash(_ context.Context, userID uuid.UUID, passwordHash string) error {
	return r.mutate(userID, func(u *domain.User) { u.PasswordHash = passwordHash })
}

func (r *UserRepository) SetStatus(_ context.Context, userID uuid.UUID, status domain.UserStatus) error {
	return r.mutate(userID, func(u *domain.User) { u.Status = status })
}

func (r *UserRepository) mutate(userID uuid.UUID, fn func(*domain.User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byID[userID]
	if !ok {
		return domain.ErrNotFound
	}
	fn(&user)
	r.byID[userID] = user
	return nil
}
