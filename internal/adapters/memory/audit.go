package memory

import (
	"context"
	"sync"

	"github.com/viralforge/devicetrust/internal/ports"
)

// AuditSink stores audit events in memory for tests and local runs.
type AuditSink struct {
	mu     sync.Mutex
	events []ports.AuditEvent
}

func NewAuditSink() *AuditSink {
	return &AuditSink{}
}

func (s *AuditSink) Emit(_ context.Context, event ports.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a copy of all emitted events.
func (s *AuditSink) Events() []ports.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Count returns how many events of eventType were emitted.
func (s *AuditSink) Count(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
