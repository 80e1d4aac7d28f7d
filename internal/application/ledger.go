package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/devicetrust/internal/domain"
	"github.com/viralforge/devicetrust/internal/ports"
)

// DeviceLedger owns the pending/approved/blocked state machine of every
// (user, fingerprint) pair.
type DeviceLedger struct {
	devices ports.DeviceRepository
	cfg     Config
	audit   auditor
	nowFn   func() time.Time
}

func NewDeviceLedger(devices ports.DeviceRepository, cfg Config, sink ports.AuditSink, nowFn func() time.Time) *DeviceLedger {
	return &DeviceLedger{
		devices: devices,
		cfg:     cfg.withDefaults(),
		audit:   auditor{sink: sink, nowFn: nowFn},
		nowFn:   nowFn,
	}
}

// Lookup returns nil when the fingerprint has never been seen for the user.
func (l *DeviceLedger) Lookup(ctx context.Context, userID uuid.UUID, fingerprintHash string) (*domain.DeviceRecord, error) {
	rec, err := l.devices.Lookup(ctx, userID, fingerprintHash)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup device: %w", err)
	}
	return &rec, nil
}

// RecordSighting upserts the sighting. initial only applies when the pair
// is new; an existing record keeps its state.
func (l *DeviceLedger) RecordSighting(ctx context.Context, userID uuid.UUID, fingerprintHash string, fpVersion int, ip, userAgent string, initial domain.DeviceState) (domain.DeviceRecord, bool, error) {
	rec, inserted, err := l.devices.RecordSighting(ctx, ports.DeviceSighting{
		UserID:          userID,
		FingerprintHash: fingerprintHash,
		FPVersion:       fpVersion,
		IPAddress:       ip,
		UserAgent:       userAgent,
		InitialState:    initial,
		SeenAt:          l.nowFn(),
	})
	if err != nil {
		return domain.DeviceRecord{}, false, fmt.Errorf("record sighting: %w", err)
	}
	return rec, inserted, nil
}

// Touch refreshes the last-seen fields of a known pair without creating
// one. Unknown fingerprints are left alone.
func (l *DeviceLedger) Touch(ctx context.Context, userID uuid.UUID, fingerprintHash, ip, userAgent string) error {
	if _, err := l.devices.TouchSighting(ctx, ports.DeviceSighting{
		UserID:          userID,
		FingerprintHash: fingerprintHash,
		IPAddress:       ip,
		UserAgent:       userAgent,
		SeenAt:          l.nowFn(),
	}); err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// Observe records a sighting and decides the state of a first sighting:
// approved when enforcement is off, pending otherwise, and blocked when the
// account shows fingerprint churn.
func (l *DeviceLedger) Observe(ctx context.Context, userID uuid.UUID, fingerprintHash string, fpVersion int, ip, userAgent string) (domain.DeviceRecord, error) {
	existing, err := l.Lookup(ctx, userID, fingerprintHash)
	if err != nil {
		return domain.DeviceRecord{}, err
	}
	if existing != nil {
		rec, _, err := l.RecordSighting(ctx, userID, fingerprintHash, fpVersion, ip, userAgent, existing.State)
		return rec, err
	}

	initial := domain.DevicePending
	if !l.cfg.DeviceApprovalEnforced {
		initial = domain.DeviceApproved
	}
	churned := false
	recent, err := l.devices.CountCreatedSince(ctx, userID, l.nowFn().Add(-l.cfg.ChurnWindow))
	if err != nil {
		return domain.DeviceRecord{}, fmt.Errorf("count recent devices: %w", err)
	}
	if recent >= l.cfg.ChurnThreshold {
		initial = domain.DeviceBlocked
		churned = true
	}

	rec, inserted, err := l.RecordSighting(ctx, userID, fingerprintHash, fpVersion, ip, userAgent, initial)
	if err != nil {
		return domain.DeviceRecord{}, err
	}
	if !inserted {
		return rec, nil
	}

	attrs := map[string]any{
		"user_id":    userID.String(),
		"fp_version": fpVersion,
		"ip":         ip,
	}
	switch {
	case churned:
		attrs["recent_devices"] = recent
		logOp(ctx, slog.LevelWarn, "device auto-blocked for fingerprint churn", "device_observe", "blocked",
			"user_id", userID,
			"device_id", rec.DeviceID,
			"recent_devices", recent,
		)
		l.audit.emit(ctx, eventDeviceAutoBlocked, rec.DeviceID.String(), attrs)
	case rec.State == domain.DeviceApproved:
		attrs["auto"] = true
		l.audit.emit(ctx, eventDeviceApproved, rec.DeviceID.String(), attrs)
	default:
		l.audit.emit(ctx, eventDevicePending, rec.DeviceID.String(), attrs)
	}
	return rec, nil
}

// SetState applies a transition for actor. A same-state request is a no-op
// and reports changed=false.
func (l *DeviceLedger) SetState(ctx context.Context, deviceID uuid.UUID, next domain.DeviceState, actor domain.TransitionActor) (domain.DeviceRecord, bool, error) {
	current, err := l.devices.GetByID(ctx, deviceID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.DeviceRecord{}, false, fmt.Errorf("%w: device %s", domain.ErrNotFound, deviceID)
	}
	if err != nil {
		return domain.DeviceRecord{}, false, fmt.Errorf("load device: %w", err)
	}
	if current.State == next {
		return current, false, nil
	}
	if !current.State.CanTransition(next, actor) {
		return domain.DeviceRecord{}, false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.State, next)
	}

	updated, err := l.devices.SetState(ctx, deviceID, current.State, next, l.nowFn())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			return domain.DeviceRecord{}, false, err
		}
		return domain.DeviceRecord{}, false, fmt.Errorf("update device state: %w", err)
	}

	eventType := eventDeviceStateChanged
	switch next {
	case domain.DeviceApproved:
		eventType = eventDeviceApproved
	case domain.DeviceBlocked:
		eventType = eventDeviceBlocked
	}
	l.audit.emit(ctx, eventType, deviceID.String(), map[string]any{
		"user_id": updated.UserID.String(),
		"from":    string(current.State),
		"to":      string(next),
		"actor":   actor.String(),
	})
	return updated, true, nil
}

func (l *DeviceLedger) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.DeviceRecord, error) {
	return l.devices.ListByUser(ctx, userID)
}

func (l *DeviceLedger) ListPending(ctx context.Context, limit int) ([]domain.DeviceRecord, error) {
	return l.devices.ListByState(ctx, domain.DevicePending, limit)
}
