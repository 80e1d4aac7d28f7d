package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/devicetrust/internal/domain"
)

// UserRepository is the credential store. Username uniqueness is enforced
// by the store and surfaces as domain.ErrUsernameTaken.
type UserRepository interface {
	Create(ctx context.Context, user domain.User) (domain.User, error)
	FindByUsername(ctx context.Context, username string) (domain.User, error)
	GetByID(ctx context.Context, userID uuid.UUID) (domain.User, error)
	UpdateLastLogin(ctx context.Context, userID uuid.UUID, at time.Time) error
	UpdatePasswordHash(ctx context.Context, userID uuid.UUID, passwordHash string) error
	SetStatus(ctx context.Context, userID uuid.UUID, status domain.UserStatus) error
}

// DeviceSighting is one observation of a fingerprint for a user.
type DeviceSighting struct {
	UserID          uuid.UUID
	FingerprintHash string
	FPVersion       int
	IPAddress       string
	UserAgent       string
	InitialState    domain.DeviceState
	SeenAt          time.Time
}

// DeviceRepository is the device trust store. RecordSighting is an atomic
// upsert on (user_id, fingerprint_hash): concurrent first sightings collapse
// to one record, and an existing record keeps its state while its
// last-seen fields are refreshed.
type DeviceRepository interface {
	Lookup(ctx context.Context, userID uuid.UUID, fingerprintHash string) (domain.DeviceRecord, error)
	GetByID(ctx context.Context, deviceID uuid.UUID) (domain.DeviceRecord, error)
	RecordSighting(ctx context.Context, sighting DeviceSighting) (record domain.DeviceRecord, inserted bool, err error)
	// TouchSighting refreshes the last-seen fields of an existing pair and
	// never inserts. It reports whether a record was updated.
	TouchSighting(ctx context.Context, sighting DeviceSighting) (bool, error)
	// SetState moves a device from expected to next. A concurrent change of
	// the stored state yields domain.ErrInvalidTransition.
	SetState(ctx context.Context, deviceID uuid.UUID, expected, next domain.DeviceState, at time.Time) (domain.DeviceRecord, error)
	CountCreatedSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.DeviceRecord, error)
	ListByState(ctx context.Context, state domain.DeviceState, limit int) ([]domain.DeviceRecord, error)
}

// LoginAttemptRepository stores login outcomes for the admin history view.
type LoginAttemptRepository interface {
	Insert(ctx context.Context, attempt domain.LoginAttempt) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.LoginAttempt, error)
}

// OutboxEvent is the write-side event payload prior to storage.
type OutboxEvent struct {
	EventID      uuid.UUID
	EventType    string
	PartitionKey string
	Payload      []byte
	OccurredAt   time.Time
}

// OutboxRecord represents durable outbox state, including retry metadata.
type OutboxRecord struct {
	OutboxID       uuid.UUID
	EventType      string
	PartitionKey   string
	Payload        []byte
	RetryCount     int
	LastError      *string
	CreatedAt      time.Time
	PublishedAt    *time.Time
	ClaimToken     *string
	ClaimUntil     *time.Time
	DeadLetteredAt *time.Time
}

// OutboxRepository controls the publish-retry workflow for audit events.
type OutboxRepository interface {
	Enqueue(ctx context.Context, event OutboxEvent) error
	ClaimUnpublished(ctx context.Context, limit int, claimToken string, claimUntil time.Time) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, outboxID uuid.UUID, claimToken string, at time.Time) error
	MarkFailed(ctx context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error
	MarkDeadLettered(ctx context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error
}
