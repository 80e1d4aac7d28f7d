package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/viralforge/devicetrust/internal/domain"
)

const (
	windowKeyPrefix = "auth:rl:"
	lockKeyPrefix   = "auth:lockout:"
	maxLockRetries  = 5
)

// RedisRateLimitStore implements sliding windows as sorted sets scored by
// microsecond timestamps, and lock envelopes as hashes.
type RedisRateLimitStore struct {
	client *redis.Client
}

func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client}
}

func (s *RedisRateLimitStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	redisKey := windowKeyPrefix + key
	cutoff := now.Add(-window).UnixMicro()
	member := strconv.FormatInt(now.UnixMicro(), 10) + "-" + uuid.NewString()

	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(cutoff, 10))
		p.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMicro()), Member: member})
		card = p.ZCard(ctx, redisKey)
		p.PExpire(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

func (s *RedisRateLimitStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, windowKeyPrefix+key).Err()
}

func (s *RedisRateLimitStore) GetLock(ctx context.Context, key string) (domain.LockState, error) {
	return readLock(ctx, s.client, lockKeyPrefix+key)
}

// Lock escalates under WATCH so two workers tripping the same key at once
// produce one lock, not a double escalation.
func (s *RedisRateLimitStore) Lock(ctx context.Context, key string, now time.Time, policy domain.LockoutPolicy) (domain.LockState, error) {
	redisKey := lockKeyPrefix + key
	var next domain.LockState
	txf := func(tx *redis.Tx) error {
		prev, err := readLock(ctx, tx, redisKey)
		if err != nil {
			return err
		}
		next = policy.Escalate(prev, now)
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, redisKey,
				"level", next.Level,
				"locked_until", next.LockedUntil.UnixMilli(),
				"last_lock_at", next.LastLockAt.UnixMilli(),
			)
			p.PExpire(ctx, redisKey, policy.Retention(next, now))
			return nil
		})
		return err
	}

	for i := 0; i < maxLockRetries; i++ {
		err := s.client.Watch(ctx, txf, redisKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return domain.LockState{}, err
		}
		return next, nil
	}
	return domain.LockState{}, fmt.Errorf("lock %s: too much contention", key)
}

func (s *RedisRateLimitStore) ClearLock(ctx context.Context, key string) error {
	return s.client.Del(ctx, lockKeyPrefix+key).Err()
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func readLock(ctx context.Context, c hashReader, redisKey string) (domain.LockState, error) {
	data, err := c.HGetAll(ctx, redisKey).Result()
	if err != nil {
		return domain.LockState{}, err
	}
	if len(data) == 0 {
		return domain.LockState{}, nil
	}
	state := domain.LockState{}
	if raw, ok := data["level"]; ok {
		if n, convErr := strconv.Atoi(raw); convErr == nil {
			state.Level = n
		}
	}
	state.LockedUntil = parseMillis(data["locked_until"])
	state.LastLockAt = parseMillis(data["last_lock_at"])
	return state, nil
}

func parseMillis(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
