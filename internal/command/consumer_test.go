package command

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/cluster"
	"github.com/voltgrid/ocpp-gateway/internal/domain"
	"github.com/voltgrid/ocpp-gateway/internal/domain/events"
	"github.com/voltgrid/ocpp-gateway/internal/gateway"
	"github.com/voltgrid/ocpp-gateway/internal/mocks"
	"github.com/voltgrid/ocpp-gateway/internal/ocpp"
	"github.com/voltgrid/ocpp-gateway/internal/ocpp/schema"
)

type fakeOwners struct {
	entries map[string]*domain.SessionEntry
}

func (f *fakeOwners) Owner(ctx context.Context, chargePointID string) (*domain.SessionEntry, error) {
	return f.entries[chargePointID], nil
}

type fakeNodes struct {
	entries map[string]*domain.NodeEntry
}

func (f *fakeNodes) Lookup(ctx context.Context, nodeID string) (*domain.NodeEntry, error) {
	return f.entries[nodeID], nil
}

type consumerEnv struct {
	consumer *Consumer
	bus      *mocks.MockBus
	kv       *mocks.MockKV
	sender   *fakeSender
	owners   *fakeOwners
}

func newConsumerEnv(t *testing.T, localConnected bool) *consumerEnv {
	t.Helper()
	registry, err := schema.NewRegistry(schema.Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("load schema registry: %v", err)
	}

	bus := mocks.NewMockBus()
	kv := mocks.NewMockKV()
	audit := NewAuditStore(kv, time.Hour, zap.NewNop())
	publisher := events.NewPublisher(bus, events.NewFactory("node-a"), zap.NewNop())
	dispatcher := NewDispatcher(registry, audit, 0, zap.NewNop())

	sender := &fakeSender{
		version: ocpp.V16,
		outcome: gateway.Outcome{Kind: gateway.OutcomeResult, Payload: json.RawMessage(`{"status":"Accepted"}`)},
	}
	lookup := func(chargePointID string) (CallSender, bool) {
		if localConnected && chargePointID == "CP-1" {
			return sender, true
		}
		return nil, false
	}

	owners := &fakeOwners{entries: map[string]*domain.SessionEntry{
		"CP-1": {ChargePointID: "CP-1", NodeID: "node-a"},
	}}
	nodes := &fakeNodes{entries: map[string]*domain.NodeEntry{}}

	consumer := NewConsumer(bus, kv, owners, nodes, dispatcher, audit, publisher,
		lookup, "node-a", Config{}, zap.NewNop())
	return &consumerEnv{consumer: consumer, bus: bus, kv: kv, sender: sender, owners: owners}
}

func commandJSON(t *testing.T, req domain.CommandRequest) []byte {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return data
}

func eventTypes(t *testing.T, bus *mocks.MockBus) []string {
	t.Helper()
	var types []string
	for _, raw := range bus.TopicMessages(events.TopicCommandEvents) {
		env, err := events.Decode(raw)
		if err != nil {
			t.Fatalf("decode event: %v", err)
		}
		types = append(types, env.EventType)
	}
	return types
}

func TestConsumer_DispatchesLocalCommand(t *testing.T) {
	env := newConsumerEnv(t, true)

	err := env.consumer.handle(context.Background(), commandJSON(t, domain.CommandRequest{
		CommandID:     "cmd-1",
		ChargePointID: "CP-1",
		CommandType:   domain.CommandReset,
		Payload:       json.RawMessage(`{"type":"Soft"}`),
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	types := eventTypes(t, env.bus)
	if len(types) != 2 || types[0] != events.TypeCommandDispatched || types[1] != events.TypeCommandAccepted {
		t.Errorf("expected [Dispatched, Accepted], got %v", types)
	}
	if env.sender.sentAction != "Reset" {
		t.Errorf("expected Reset to reach the charger, got %q", env.sender.sentAction)
	}
}

func TestConsumer_MissingChargePointID(t *testing.T) {
	env := newConsumerEnv(t, true)

	env.consumer.handle(context.Background(), commandJSON(t, domain.CommandRequest{
		CommandID:   "cmd-1",
		CommandType: domain.CommandReset,
	}))

	types := eventTypes(t, env.bus)
	if len(types) != 1 || types[0] != events.TypeCommandFailed {
		t.Errorf("expected [CommandFailed], got %v", types)
	}
}

func TestConsumer_DuplicateCommand(t *testing.T) {
	env := newConsumerEnv(t, true)
	req := commandJSON(t, domain.CommandRequest{
		CommandID:     "cmd-1",
		ChargePointID: "CP-1",
		CommandType:   domain.CommandReset,
		Payload:       json.RawMessage(`{"type":"Soft"}`),
	})

	env.consumer.handle(context.Background(), req)
	env.consumer.handle(context.Background(), req)

	types := eventTypes(t, env.bus)
	if len(types) != 3 || types[2] != events.TypeCommandDuplicate {
		t.Errorf("expected third event to be CommandDuplicate, got %v", types)
	}
}

func TestConsumer_RoutesToOwnerNode(t *testing.T) {
	env := newConsumerEnv(t, false)
	env.owners.entries["CP-1"].NodeID = "node-b"

	env.consumer.handle(context.Background(), commandJSON(t, domain.CommandRequest{
		CommandID:     "cmd-1",
		ChargePointID: "CP-1",
		CommandType:   domain.CommandReset,
		Payload:       json.RawMessage(`{"type":"Soft"}`),
	}))

	routed := env.bus.TopicMessages(cluster.CommandTopic("node-b"))
	if len(routed) != 1 {
		t.Fatalf("expected 1 routed command, got %d", len(routed))
	}
	var forwarded domain.CommandRequest
	if err := json.Unmarshal(routed[0], &forwarded); err != nil {
		t.Fatalf("routed payload not a command: %v", err)
	}
	if forwarded.CommandID != "cmd-1" {
		t.Errorf("expected verbatim republish, got %+v", forwarded)
	}

	types := eventTypes(t, env.bus)
	if len(types) != 1 || types[0] != events.TypeCommandRouted {
		t.Errorf("expected [CommandRouted], got %v", types)
	}
}

func TestConsumer_OfflineChargePoint(t *testing.T) {
	env := newConsumerEnv(t, false)
	// Owner entry says node-a (us), but there is no local socket.

	env.consumer.handle(context.Background(), commandJSON(t, domain.CommandRequest{
		CommandID:     "cmd-1",
		ChargePointID: "CP-1",
		CommandType:   domain.CommandReset,
		Payload:       json.RawMessage(`{"type":"Soft"}`),
	}))

	types := eventTypes(t, env.bus)
	if len(types) != 1 || types[0] != events.TypeCommandFailed {
		t.Errorf("expected [CommandFailed], got %v", types)
	}
}

func TestConsumer_MalformedMessageDropped(t *testing.T) {
	env := newConsumerEnv(t, true)

	if err := env.consumer.handle(context.Background(), []byte("{not json")); err != nil {
		t.Fatalf("expected malformed message to be dropped silently, got %v", err)
	}
	if len(env.bus.Published) != 0 {
		t.Errorf("expected no events, got %d", len(env.bus.Published))
	}
}
