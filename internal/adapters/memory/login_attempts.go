package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/viralforge/devicetrust/internal/domain"
)

type LoginAttemptRepository struct {
	mu       sync.Mutex
	nextID   int64
	attempts []domain.LoginAttempt
}

func NewLoginAttemptRepository() *LoginAttemptRepository {
	return &LoginAttemptRepository{}
}

func (r *LoginAttemptRepository) Insert(_ context.Context, attempt domain.LoginAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	attempt.ID = r.nextID
	r.attempts = append(r.attempts, attempt)
	return nil
}

// ListByUser returns the newest attempts first.
func (r *LoginAttemptRepository) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]domain.LoginAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.LoginAttempt, 0)
	for i := len(r.attempts) - 1; i >= 0; i-- {
		a := r.attempts[i]
		if a.UserID == nil || *a.UserID != userID {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// All returns every stored attempt in insertion order.
func (r *LoginAttemptRepository) All() []domain.LoginAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.LoginAttempt, len(r.attempts))
	copy(out, r.attempts)
	return out
}
