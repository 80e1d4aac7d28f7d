package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/devicetrust/internal/ports"
)

// OutboxAuditSink writes every audit event to the structured log and to the
// outbox for relay to the broker. Failures are logged and swallowed.
type OutboxAuditSink struct {
	logger *slog.Logger
	outbox ports.OutboxRepository
}

func NewOutboxAuditSink(logger *slog.Logger, outbox ports.OutboxRepository) *OutboxAuditSink {
	return &OutboxAuditSink{logger: logger, outbox: outbox}
}

func (s *OutboxAuditSink) Emit(ctx context.Context, event ports.AuditEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	s.logger.InfoContext(ctx, "audit event",
		"module", "events.audit",
		"layer", "adapter",
		"event_type", event.Type,
		"subject_id", event.SubjectID,
		"attributes", event.Attributes,
	)
	if s.outbox == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		s.warn(ctx, event, err)
		return
	}
	key := event.SubjectID
	if key == "" {
		key = event.Type
	}
	// The caller's deadline must not drop an event that was already decided.
	enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.outbox.Enqueue(enqueueCtx, ports.OutboxEvent{
		EventID:      uuid.New(),
		EventType:    event.Type,
		PartitionKey: key,
		Payload:      payload,
		OccurredAt:   event.OccurredAt,
	}); err != nil {
		s.warn(ctx, event, err)
	}
}

func (s *OutboxAuditSink) warn(ctx context.Context, event ports.AuditEvent, err error) {
	s.logger.WarnContext(ctx, "audit event not enqueued",
		"module", "events.audit",
		"layer", "adapter",
		"operation", "enqueue_audit_event",
		"outcome", "failure",
		"event_type", event.Type,
		"error", err,
	)
}
