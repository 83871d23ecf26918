package command

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/domain"
	"github.com/voltgrid/ocpp-gateway/internal/domain/events"
	"github.com/voltgrid/ocpp-gateway/internal/mocks"
)

func TestAuditStore_RecordLifecycle(t *testing.T) {
	kv := mocks.NewMockKV()
	audit := NewAuditStore(kv, time.Hour, zap.NewNop())
	ctx := context.Background()

	audit.RecordSent(ctx, domain.AuditRecord{
		CommandID:     "cmd-1",
		ChargePointID: "CP001",
		CommandType:   domain.CommandReset,
		Action:        "Reset",
		MessageID:     "msg-1",
	})

	record, ok := audit.Get(ctx, "cmd-1")
	if !ok {
		t.Fatal("Expected audit record after RecordSent")
	}
	if record.Status != domain.CommandStatusSent {
		t.Errorf("Expected Sent, got %q", record.Status)
	}
	if record.SentAtMs == 0 {
		t.Error("Expected SentAtMs to be stamped")
	}

	// The messageId index points back at the command.
	cmdID, err := kv.Get(ctx, auditUniqueKeyPrefix+"msg-1")
	if err != nil {
		t.Fatalf("Expected messageId index: %v", err)
	}
	if cmdID != "cmd-1" {
		t.Errorf("Expected index to resolve cmd-1, got %q", cmdID)
	}

	audit.RecordOutcome(ctx, "cmd-1", domain.CommandStatusAccepted, "")

	record, ok = audit.Get(ctx, "cmd-1")
	if !ok {
		t.Fatal("Expected audit record after RecordOutcome")
	}
	if record.Status != domain.CommandStatusAccepted {
		t.Errorf("Expected Accepted, got %q", record.Status)
	}
	if record.ResolvedAtMs == 0 {
		t.Error("Expected ResolvedAtMs to be stamped")
	}
	if record.CommandType != domain.CommandReset {
		t.Errorf("Outcome should keep the original command type, got %q", record.CommandType)
	}
}

func TestAuditStore_EmitsTransitionsOnAuditTopic(t *testing.T) {
	kv := mocks.NewMockKV()
	bus := mocks.NewMockBus()
	publisher := events.NewPublisher(bus, events.NewFactory("node-a"), zap.NewNop())
	audit := NewAuditStore(kv, time.Hour, zap.NewNop()).WithEvents(publisher)
	ctx := context.Background()

	audit.RecordSent(ctx, domain.AuditRecord{
		CommandID:     "cmd-2",
		ChargePointID: "CP002",
		CommandType:   domain.CommandRemoteStop,
	})
	audit.RecordOutcome(ctx, "cmd-2", domain.CommandStatusTimeout, "")

	published := bus.TopicMessages(events.TopicAuditEvents)
	if len(published) != 2 {
		t.Fatalf("Expected 2 audit events, got %d", len(published))
	}

	env, err := events.Decode(published[1])
	if err != nil {
		t.Fatalf("Failed to decode audit event: %v", err)
	}
	if env.EventType != events.TypeCommandAudit {
		t.Errorf("Expected CommandAudit event, got %q", env.EventType)
	}
	if env.CorrelationID != "cmd-2" {
		t.Errorf("Expected correlation cmd-2, got %q", env.CorrelationID)
	}

	var record domain.AuditRecord
	if err := json.Unmarshal(env.Payload, &record); err != nil {
		t.Fatalf("Failed to decode audit payload: %v", err)
	}
	if record.Status != domain.CommandStatusTimeout {
		t.Errorf("Expected Timeout in payload, got %q", record.Status)
	}
}
