package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/devicetrust/internal/domain"
	"github.com/viralforge/devicetrust/internal/ports"
)

type deviceKey struct {
	userID          uuid.UUID
	fingerprintHash string
}

// DeviceRepository enforces (user, fingerprint) uniqueness under one lock,
// mirroring the unique index of the SQL store.
type DeviceRepository struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]domain.DeviceRecord
	byPair map[deviceKey]uuid.UUID
}

func NewDeviceRepository() *DeviceRepository {
	return &DeviceRepository{
		byID:   make(map[uuid.UUID]domain.DeviceRecord),
		byPair: make(map[deviceKey]uuid.UUID),
	}
}

func (r *DeviceRepository) Lookup(_ context.Context, userID uuid.UUID, fingerprintHash string) (domain.DeviceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byPair[deviceKey{userID, fingerprintHash}]
	if !ok {
		return domain.DeviceRecord{}, domain.ErrNotFound
	}
	return r.byID[id], nil
}

func (r *DeviceRepository) GetByID(_ context.Context, deviceID uuid.UUID) (domain.DeviceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byID[deviceID]
	if !ok {
		return domain.DeviceRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (r *DeviceRepository) RecordSighting(_ context.Context, s ports.DeviceSighting) (domain.DeviceRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := deviceKey{s.UserID, s.FingerprintHash}
	if id, ok := r.byPair[key]; ok {
		rec := r.byID[id]
		rec.LastSeenIP = s.IPAddress
		rec.UserAgent = s.UserAgent
		rec.UpdatedAt = s.SeenAt
		r.byID[id] = rec
		return rec, false, nil
	}

	rec := domain.DeviceRecord{
		DeviceID:        uuid.New(),
		UserID:          s.UserID,
		FingerprintHash: s.FingerprintHash,
		FPVersion:       s.FPVersion,
		State:           s.InitialState,
		FirstSeenIP:     s.IPAddress,
		LastSeenIP:      s.IPAddress,
		UserAgent:       s.UserAgent,
		CreatedAt:       s.SeenAt,
		UpdatedAt:       s.SeenAt,
	}
	r.byID[rec.DeviceID] = rec
	r.byPair[key] = rec.DeviceID
	return rec, true, nil
}

func (r *DeviceRepository) TouchSighting(_ context.Context, s ports.DeviceSighting) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byPair[deviceKey{s.UserID, s.FingerprintHash}]
	if !ok {
		return false, nil
	}
	rec := r.byID[id]
	rec.LastSeenIP = s.IPAddress
	rec.UserAgent = s.UserAgent
	rec.UpdatedAt = s.SeenAt
	r.byID[id] = rec
	return true, nil
}

func (r *DeviceRepository) SetState(_ context.Context, deviceID uuid.UUID, expected, next domain.DeviceState, at time.Time) (domain.DeviceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[deviceID]
	if !ok {
		return domain.DeviceRecord{}, domain.ErrNotFound
	}
	if rec.State != expected {
		return domain.DeviceRecord{}, fmt.Errorf("%w: device state changed concurrently", domain.ErrInvalidTransition)
	}
	rec.State = next
	rec.UpdatedAt = at
	r.byID[deviceID] = rec
	return rec, nil
}

func (r *DeviceRepository) CountCreatedSince(_ context.Context, userID uuid.UUID, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rec := range r.byID {
		if rec.UserID == userID && !rec.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *DeviceRepository) ListByUser(_ context.Context, userID uuid.UUID) ([]domain.DeviceRecord, error) {
	return r.list(func(rec domain.DeviceRecord) bool { return rec.UserID == userID }, 0), nil
}

func (r *DeviceRepository) ListByState(_ context.Context, state domain.DeviceState, limit int) ([]domain.DeviceRecord, error) {
	return r.list(func(rec domain.DeviceRecord) bool { return rec.State == state }, limit), nil
}

func (r *DeviceRepository) list(match func(domain.DeviceRecord) bool, limit int) []domain.DeviceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.DeviceRecord, 0)
	for _, rec := range r.byID {
		if match(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
