package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/devicetrust/internal/domain"
	"github.com/viralforge/devicetrust/internal/ports"
	"gorm.io/gorm"
)

type deviceRepository struct {
	db *gorm.DB
}

// upsertSightingSQL inserts the first sighting of a (user, fingerprint) pair
// or refreshes the last-seen fields of the existing row. The stored state is
// never touched by a sighting. xmax is zero only for a freshly inserted row.
const upsertSightingSQL = `
INSERT INTO devices (user_id, fingerprint_hash, fp_version, state, first_seen_ip, last_seen_ip, user_agent, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, fingerprint_hash) DO UPDATE SET
    last_seen_ip = EXCLUDED.last_seen_ip,
    user_agent   = EXCLUDED.user_agent,
    updated_at   = EXCLUDED.updated_at
RETURNING device_id, user_id, fingerprint_hash, fp_version, state, first_seen_ip, last_seen_ip,
          user_agent, created_at, updated_at, (xmax = 0) AS inserted`

func (r *deviceRepository) Lookup(ctx context.Context, userID uuid.UUID, fingerprintHash string) (domain.DeviceRecord, error) {
	return r.take(r.db.WithContext(ctx).Where("user_id = ? AND fingerprint_hash = ?", userID, fingerprintHash))
}

func (r *deviceRepository) GetByID(ctx context.Context, deviceID uuid.UUID) (domain.DeviceRecord, error) {
	return r.take(r.db.WithContext(ctx).Where("device_id = ?", deviceID))
}

func (r *deviceRepository) RecordSighting(ctx context.Context, s ports.DeviceSighting) (domain.DeviceRecord, bool, error) {
	ip := nullableString(s.IPAddress)
	var row deviceUpsertRow
	err := r.db.WithContext(ctx).Raw(upsertSightingSQL,
		s.UserID, s.FingerprintHash, s.FPVersion, string(s.InitialState), ip, ip, s.UserAgent, s.SeenAt, s.SeenAt,
	).Scan(&row).Error
	if err != nil {
		return domain.DeviceRecord{}, false, err
	}
	return toDomainDevice(row.deviceModel), row.Inserted, nil
}

func (r *deviceRepository) TouchSighting(ctx context.Context, s ports.DeviceSighting) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&deviceModel{}).
		Where("user_id = ? AND fingerprint_hash = ?", s.UserID, s.FingerprintHash).
		Updates(map[string]any{
			"last_seen_ip": nullableString(s.IPAddress),
			"user_agent":   s.UserAgent,
			"updated_at":   s.SeenAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetState is a compare-and-set on the stored state.
func (r *deviceRepository) SetState(ctx context.Context, deviceID uuid.UUID, expected, next domain.DeviceState, at time.Time) (domain.DeviceRecord, error) {
	res := r.db.WithContext(ctx).
		Model(&deviceModel{}).
		Where("device_id = ? AND state = ?", deviceID, string(expected)).
		Updates(map[string]any{
			"state":      string(next),
			"updated_at": at,
		})
	if res.Error != nil {
		return domain.DeviceRecord{}, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, deviceID); err != nil {
			return domain.DeviceRecord{}, err
		}
		return domain.DeviceRecord{}, domain.ErrInvalidTransition
	}
	return r.GetByID(ctx, deviceID)
}

func (r *deviceRepository) CountCreatedSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&deviceModel{}).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Count(&n).Error
	return int(n), err
}

func (r *deviceRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.DeviceRecord, error) {
	return r.find(r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC"))
}

func (r *deviceRepository) ListByState(ctx context.Context, state domain.DeviceState, limit int) ([]domain.DeviceRecord, error) {
	query := r.db.WithContext(ctx).Where("state = ?", string(state)).Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	return r.find(query)
}

func (r *deviceRepository) take(query *gorm.DB) (domain.DeviceRecord, error) {
	var rec deviceModel
	if err := query.Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.DeviceRecord{}, domain.ErrNotFound
		}
		return domain.DeviceRecord{}, err
	}
	return toDomainDevice(rec), nil
}

func (r *deviceRepository) find(query *gorm.DB) ([]domain.DeviceRecord, error) {
	var rows []deviceModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.DeviceRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDomainDevice(row))
	}
	return out, nil
}
