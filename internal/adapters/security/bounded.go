package security

import (
	"context"
	"time"

	"github.com/viralforge/devicetrust/internal/domain"
	"github.com/viralforge/devicetrust/internal/ports"
	"golang.org/x/sync/semaphore"
)

// BoundedHasher caps concurrent KDF evaluations per worker. A caller that
// cannot get a slot within the wait budget is turned away with RATE_LIMITED
// instead of queueing behind an expensive backlog.
type BoundedHasher struct {
	inner   ports.PasswordHasher
	slots   *semaphore.Weighted
	maxWait time.Duration
}

func NewBoundedHasher(inner ports.PasswordHasher, maxConcurrent int, maxWait time.Duration) *BoundedHasher {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if maxWait <= 0 {
		maxWait = 2 * time.Second
	}
	return &BoundedHasher{
		inner:   inner,
		slots:   semaphore.NewWeighted(int64(maxConcurrent)),
		maxWait: maxWait,
	}
}

func (h *BoundedHasher) Hash(ctx context.Context, password string) (string, error) {
	release, err := h.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	return h.inner.Hash(ctx, password)
}

func (h *BoundedHasher) Verify(ctx context.Context, encoded, password string) (bool, error) {
	release, err := h.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	return h.inner.Verify(ctx, encoded, password)
}

func (h *BoundedHasher) NeedsRehash(encoded string) bool {
	return h.inner.NeedsRehash(encoded)
}

func (h *BoundedHasher) acquire(ctx context.Context) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, h.maxWait)
	defer cancel()
	if err := h.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.WithRetryAfter(domain.ErrRateLimited, time.Second)
	}
	return func() { h.slots.Release(1) }, nil
}
