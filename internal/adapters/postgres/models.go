package postgres

import (
	"time"

	"github.com/google/uuid"
)

type userModel struct {
	UserID       uuid.UUID  `gorm:"column:user_id;type:uuid;default:gen_random_uuid();primaryKey"`
	Username     string     `gorm:"column:username"`
	PasswordHash string     `gorm:"column:password_hash"`
	Role         string     `gorm:"column:role"`
	Status       string     `gorm:"column:status"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
	LastLoginAt  *time.Time `gorm:"column:last_login_at"`
}

func (userModel) TableName() string { return "users" }

type deviceModel struct {
	DeviceID        uuid.UUID `gorm:"column:device_id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID          uuid.UUID `gorm:"column:user_id"`
	FingerprintHash string    `gorm:"column:fingerprint_hash"`
	FPVersion       int       `gorm:"column:fp_version"`
	State           string    `gorm:"column:state"`
	FirstSeenIP     *string   `gorm:"column:first_seen_ip"`
	LastSeenIP      *string   `gorm:"column:last_seen_ip"`
	UserAgent       string    `gorm:"column:user_agent"`
	CreatedAt       time.Time `gorm:"column:created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

func (deviceModel) TableName() string { return "devices" }

// deviceUpsertRow is the RETURNING shape of the sighting upsert.
type deviceUpsertRow struct {
	deviceModel
	Inserted bool `gorm:"column:inserted"`
}

type loginAttemptModel struct {
	ID              int64      `gorm:"column:id;primaryKey"`
	UserID          *uuid.UUID `gorm:"column:user_id"`
	Username        string     `gorm:"column:username"`
	AttemptAt       time.Time  `gorm:"column:attempt_at"`
	IPAddress       *string    `gorm:"column:ip_address"`
	UserAgent       string     `gorm:"column:user_agent"`
	FingerprintHash string     `gorm:"column:fingerprint_hash"`
	Status          string     `gorm:"column:status"`
	FailureReason   string     `gorm:"column:failure_reason"`
}

func (loginAttemptModel) TableName() string { return "login_attempts" }

type authOutboxModel struct {
	OutboxID       uuid.UUID  `gorm:"column:outbox_id;type:uuid;primaryKey"`
	EventType      string     `gorm:"column:event_type"`
	PartitionKey   string     `gorm:"column:partition_key"`
	Payload        string     `gorm:"column:payload;type:jsonb"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	FirstSeenAt    time.Time  `gorm:"column:first_seen_at"`
	PublishedAt    *time.Time `gorm:"column:published_at"`
	RetryCount     int        `gorm:"column:retry_count"`
	LastError      *string    `gorm:"column:last_error"`
	LastErrorAt    *time.Time `gorm:"column:last_error_at"`
	ClaimToken     *string    `gorm:"column:claim_token"`
	ClaimUntil     *time.Time `gorm:"column:claim_until"`
	DeadLetteredAt *time.Time `gorm:"column:dead_lettered_at"`
}

func (authOutboxModel) TableName() string { return "auth_outbox" }
