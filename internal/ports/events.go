package ports

import (
	"context"
	"time"
)

// EventPublisher is the outbound broker port used by the outbox relay.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, partitionKey string, payload []byte) error
}

// AuditEvent is one structured state-transition record.
type AuditEvent struct {
	Type       string         `json:"type"`
	SubjectID  string         `json:"subject_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// AuditSink is fire-and-forget: delivery failures are the sink's concern
// and never fail the calling operation.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}
