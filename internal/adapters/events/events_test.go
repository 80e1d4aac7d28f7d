package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/viralforge/devicetrust/internal/adapters/memory"
	"github.com/viralforge/devicetrust/internal/ports"
)

type recordingPublisher struct {
	mu   sync.Mutex
	err  error
	sent []string
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, eventType, partitionKey string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, eventType)
	p.keys = append(p.keys, partitionKey)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAuditSinkEnqueuesJSONPayload(t *testing.T) {
	t.Parallel()
	outbox := memory.NewOutboxRepository()
	sink := NewOutboxAuditSink(discardLogger(), outbox)

	sink.Emit(context.Background(), ports.AuditEvent{
		Type:       "device.approved",
		SubjectID:  "dev-1",
		Attributes: map[string]any{"actor": "admin"},
	})

	records := outbox.Records()
	if len(records) != 1 {
		t.Fatalf("expected one outbox record, got %d", len(records))
	}
	rec := records[0]
	if rec.EventType != "device.approved" || rec.PartitionKey != "dev-1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	var decoded ports.AuditEvent
	if err := json.Unmarshal(rec.Payload, &decoded); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if decoded.Attributes["actor"] != "admin" || decoded.OccurredAt.IsZero() {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestOutboxWorkerRetriesThenDeadLetters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	outbox := memory.NewOutboxRepository()
	NewOutboxAuditSink(discardLogger(), outbox).Emit(ctx, ports.AuditEvent{Type: "lockout.triggered", SubjectID: "ip:1.1.1.1"})

	pub := &recordingPublisher{err: errors.New("broker unavailable")}
	worker := NewOutboxWorker(discardLogger(), outbox, pub, 0, 10, 0, 2)

	res, err := worker.ProcessOnce(ctx)
	if err != nil || res.Failed != 1 || res.DeadLettered != 0 {
		t.Fatalf("first pass = %+v, %v", res, err)
	}
	res, err = worker.ProcessOnce(ctx)
	if err != nil || res.DeadLettered != 1 {
		t.Fatalf("second pass = %+v, %v", res, err)
	}
	res, _ = worker.ProcessOnce(ctx)
	if res != (BatchResult{}) {
		t.Fatalf("dead-lettered rows must not be claimed again: %+v", res)
	}
	if outbox.Records()[0].DeadLetteredAt == nil {
		t.Fatal("record must be dead-lettered")
	}
}

func TestOutboxWorkerPublishesWithPartitionKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	outbox := memory.NewOutboxRepository()
	sink := NewOutboxAuditSink(discardLogger(), outbox)
	sink.Emit(ctx, ports.AuditEvent{Type: "user.registered", SubjectID: "user-1"})
	sink.Emit(ctx, ports.AuditEvent{Type: "auth.login.failed"})

	pub := &recordingPublisher{}
	res, err := NewOutboxWorker(discardLogger(), outbox, pub, 0, 10, 0, 3).ProcessOnce(ctx)
	if err != nil || res.Published != 2 {
		t.Fatalf("pass = %+v, %v", res, err)
	}
	keys := map[string]bool{}
	for _, k := range pub.keys {
		keys[k] = true
	}
	if !keys["user-1"] || !keys["auth.login.failed"] {
		t.Fatalf("unexpected partition keys %v", pub.keys)
	}
	for _, rec := range outbox.Records() {
		if rec.PublishedAt == nil {
			t.Fatalf("record %s not marked published", rec.OutboxID)
		}
	}
}

func TestKafkaPublisherTopicRouting(t *testing.T) {
	t.Parallel()
	if _, err := NewKafkaPublisher(nil, "auth.audit", nil); err == nil {
		t.Fatal("expected error without brokers")
	}
	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "auth.audit", map[string]string{"lockout.triggered": "auth.security"})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer p.Close()
	if got := p.topicFor("lockout.triggered"); got != "auth.security" {
		t.Fatalf("mapped topic = %q", got)
	}
	if got := p.topicFor("user.registered"); got != "auth.audit" {
		t.Fatalf("default topic = %q", got)
	}
}
