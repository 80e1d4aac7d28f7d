package postgres

import (
	"github.com/viralforge/devicetrust/internal/ports"
	"gorm.io/gorm"
)

// Repositories groups the Postgres-backed stores behind their ports.
type Repositories struct {
	Users         ports.UserRepository
	Devices       ports.DeviceRepository
	LoginAttempts ports.LoginAttemptRepository
	Outbox        ports.OutboxRepository
}

func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{
		Users:         &userRepository{db: db},
		Devices:       &deviceRepository{db: db},
		LoginAttempts: &loginAttemptRepository{db: db},
		Outbox:        &outboxRepository{db: db},
	}
}
