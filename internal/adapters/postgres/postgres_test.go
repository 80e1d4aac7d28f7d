package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/devicetrust/internal/domain"
)

func TestEmbeddedMigrationsDefineDeviceUniqueness(t *testing.T) {
	raw, err := migrationFS.ReadFile("migrations/0001_devicetrust_init.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sql := string(raw)
	for _, want := range []string{
		"devices_user_fingerprint_key ON devices (user_id, fingerprint_hash)",
		"users_username_key ON users (username)",
		"CHECK (state IN ('pending', 'approved', 'blocked'))",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("migration is missing %q", want)
		}
	}
}

func TestUpsertKeepsStoredState(t *testing.T) {
	update := upsertSightingSQL[strings.Index(upsertSightingSQL, "DO UPDATE SET"):strings.Index(upsertSightingSQL, "RETURNING")]
	if strings.Contains(update, "state") {
		t.Fatalf("a sighting must not overwrite device state: %s", update)
	}
}

func TestDeviceMapperRoundsNullableIPs(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	row := deviceModel{
		DeviceID:        uuid.New(),
		UserID:          uuid.New(),
		FingerprintHash: "abc",
		FPVersion:       1,
		State:           "pending",
		LastSeenIP:      nullableString(" 10.0.0.1 "),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	rec := toDomainDevice(row)
	if rec.State != domain.DevicePending || rec.FirstSeenIP != "" || rec.LastSeenIP != "10.0.0.1" {
		t.Fatalf("unexpected record %+v", rec)
	}
}
