package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/viralforge/devicetrust/internal/ports"
)

const serviceName = "devicetrust-auth"

const (
	eventUserRegistered       = "user.registered"
	eventLoginSucceeded       = "auth.login.succeeded"
	eventLoginFailed          = "auth.login.failed"
	eventBreakGlassUsed       = "auth.break_glass.used"
	eventDevicePending        = "device.pending"
	eventDeviceApproved       = "device.approved"
	eventDeviceBlocked        = "device.blocked"
	eventDeviceAutoBlocked    = "device.auto_blocked"
	eventDeviceStateChanged   = "device.state_changed"
	eventLockoutTriggered     = "lockout.triggered"
	eventLockoutCleared       = "lockout.cleared"
	eventSessionRevoked       = "session.revoked"
	eventSessionIPChanged     = "session.ip_changed"
	eventAccountStatusChanged = "account.status_changed"
)

type auditor struct {
	sink  ports.AuditSink
	nowFn func() time.Time
}

func (a auditor) emit(ctx context.Context, eventType, subject string, attrs map[string]any) {
	if a.sink == nil {
		return
	}
	a.sink.Emit(ctx, ports.AuditEvent{
		Type:       eventType,
		SubjectID:  subject,
		Attributes: attrs,
		OccurredAt: a.nowFn(),
	})
}

// logOp writes one structured line with the attributes every line carries.
func logOp(ctx context.Context, level slog.Level, msg, operation, outcome string, args ...any) {
	attrs := append([]any{
		"service", serviceName,
		"module", "application",
		"layer", "application",
		"operation", operation,
		"outcome", outcome,
	}, args...)
	slog.Default().Log(ctx, level, msg, attrs...)
}
