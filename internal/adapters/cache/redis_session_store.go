package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/viralforge/devicetrust/internal/domain"
)

const (
	sessionKeyPrefix   = "auth:session:"
	userSessionsPrefix = "auth:user_sessions:"
)

// indexScript adds a member to a user index and stretches the index TTL so
// it never expires before the longest-lived member.
var indexScript = redis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if redis.call('PTTL', KEYS[1]) < ttl then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1`)

type sessionRecord struct {
	UserID          string `cbor:"1,keyasint"`
	Role            string `cbor:"2,keyasint"`
	DeviceID        string `cbor:"3,keyasint,omitempty"`
	FingerprintHash string `cbor:"4,keyasint,omitempty"`
	IPAddress       string `cbor:"5,keyasint,omitempty"`
	UserAgent       string `cbor:"6,keyasint,omitempty"`
	CreatedAt       int64  `cbor:"7,keyasint"`
	LastSeenAt      int64  `cbor:"8,keyasint"`
	ExpiresAt       int64  `cbor:"9,keyasint"`
}

// RedisSessionStore keeps sessions under their token digest with a per-user
// index set for bulk revocation.
type RedisSessionStore struct {
	client *redis.Client
}

func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func (s *RedisSessionStore) Create(ctx context.Context, session domain.Session, ttl time.Duration) error {
	raw, err := encodeSession(session)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, sessionKeyPrefix+session.TokenHash, raw, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session digest collision")
	}
	return s.index(ctx, session.UserID, session.TokenHash, ttl)
}

func (s *RedisSessionStore) Get(ctx context.Context, tokenHash string) (domain.Session, error) {
	raw, err := s.client.Get(ctx, sessionKeyPrefix+tokenHash).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Session{}, err
	}
	return decodeSession(tokenHash, raw)
}

// Touch rewrites the record only while it still exists, so a concurrent
// delete is never undone.
func (s *RedisSessionStore) Touch(ctx context.Context, tokenHash string, lastSeenAt, expiresAt time.Time, ttl time.Duration) error {
	session, err := s.Get(ctx, tokenHash)
	if err != nil {
		return err
	}
	session.LastSeenAt = lastSeenAt
	session.ExpiresAt = expiresAt
	raw, err := encodeSession(session)
	if err != nil {
		return err
	}
	ok, err := s.client.SetXX(ctx, sessionKeyPrefix+tokenHash, raw, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound
	}
	return s.index(ctx, session.UserID, tokenHash, ttl)
}

func (s *RedisSessionStore) Delete(ctx context.Context, tokenHash string) (bool, error) {
	session, err := s.Get(ctx, tokenHash)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var del *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, sessionKeyPrefix+tokenHash)
		p.SRem(ctx, userSessionsPrefix+session.UserID.String(), tokenHash)
		return nil
	})
	if err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

func (s *RedisSessionStore) DeleteByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	sessions, err := s.ListByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return s.deleteAll(ctx, userID, sessions, true)
}

func (s *RedisSessionStore) DeleteByDevice(ctx context.Context, userID, deviceID uuid.UUID) (int, error) {
	sessions, err := s.ListByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	matched := sessions[:0]
	for _, sess := range sessions {
		if sess.DeviceID != nil && *sess.DeviceID == deviceID {
			matched = append(matched, sess)
		}
	}
	return s.deleteAll(ctx, userID, matched, false)
}

// ListByUser resolves the user index and prunes members whose record has
// already expired out of Redis.
func (s *RedisSessionStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Session, error) {
	indexKey := userSessionsPrefix + userID.String()
	digests, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(digests) == 0 {
		return nil, nil
	}
	keys := make([]string, len(digests))
	for i, d := range digests {
		keys[i] = sessionKeyPrefix + d
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]domain.Session, 0, len(values))
	stale := make([]any, 0)
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, digests[i])
			continue
		}
		session, err := decodeSession(digests[i], []byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, indexKey, stale...).Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *RedisSessionStore) deleteAll(ctx context.Context, userID uuid.UUID, sessions []domain.Session, dropIndex bool) (int, error) {
	indexKey := userSessionsPrefix + userID.String()
	if len(sessions) == 0 {
		if dropIndex {
			return 0, s.client.Del(ctx, indexKey).Err()
		}
		return 0, nil
	}
	keys := make([]string, 0, len(sessions))
	members := make([]any, 0, len(sessions))
	for _, sess := range sessions {
		keys = append(keys, sessionKeyPrefix+sess.TokenHash)
		members = append(members, sess.TokenHash)
	}
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, keys...)
		if dropIndex {
			p.Del(ctx, indexKey)
		} else {
			p.SRem(ctx, indexKey, members...)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(del.Val()), nil
}

func (s *RedisSessionStore) index(ctx context.Context, userID uuid.UUID, tokenHash string, ttl time.Duration) error {
	return indexScript.Run(ctx, s.client, []string{userSessionsPrefix + userID.String()}, tokenHash, ttl.Milliseconds()).Err()
}

func encodeSession(s domain.Session) ([]byte, error) {
	rec := sessionRecord{
		UserID:          s.UserID.String(),
		Role:            string(s.Role),
		FingerprintHash: s.FingerprintHash,
		IPAddress:       s.IPAddress,
		UserAgent:       s.UserAgent,
		CreatedAt:       s.CreatedAt.UnixNano(),
		LastSeenAt:      s.LastSeenAt.UnixNano(),
		ExpiresAt:       s.ExpiresAt.UnixNano(),
	}
	if s.DeviceID != nil {
		rec.DeviceID = s.DeviceID.String()
	}
	raw, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return raw, nil
}

func decodeSession(tokenHash string, raw []byte) (domain.Session, error) {
	var rec sessionRecord
	if err := decMode.Unmarshal(raw, &rec); err != nil {
		return domain.Session{}, fmt.Errorf("decode session: %w", err)
	}
	userID, err := uuid.Parse(rec.UserID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("decode session user: %w", err)
	}
	session := domain.Session{
		TokenHash:       tokenHash,
		UserID:          userID,
		Role:            domain.Role(rec.Role),
		FingerprintHash: rec.FingerprintHash,
		IPAddress:       rec.IPAddress,
		UserAgent:       rec.UserAgent,
		CreatedAt:       time.Unix(0, rec.CreatedAt).UTC(),
		LastSeenAt:      time.Unix(0, rec.LastSeenAt).UTC(),
		ExpiresAt:       time.Unix(0, rec.ExpiresAt).UTC(),
	}
	if rec.DeviceID != "" {
		deviceID, err := uuid.Parse(rec.DeviceID)
		if err != nil {
			return domain.Session{}, fmt.Errorf("decode session device: %w", err)
		}
		session.DeviceID = &deviceID
	}
	return session, nil
}
