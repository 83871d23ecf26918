package v2

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/domain/events"
	"github.com/voltgrid/ocpp-gateway/internal/mocks"
	"github.com/voltgrid/ocpp-gateway/internal/ocpp"
	"github.com/voltgrid/ocpp-gateway/internal/state"
)

var testTime = time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

func newTestAdapter(mode state.Mode) (*Adapter, *mocks.MockBus) {
	bus := mocks.NewMockBus()
	publisher := events.NewPublisher(bus, events.NewFactory("node-test"), zap.NewNop())
	adapter := NewAdapter(state.NewStore(mode, zap.NewNop()), publisher, zap.NewNop())
	adapter.now = func() time.Time { return testTime }
	return adapter, bus
}

func testContext() ocpp.CallContext {
	return ocpp.CallContext{ChargePointID: "CP-1", StationID: "ST-1", TenantID: "T-1", Version: ocpp.V201}
}

func stationEvents(t *testing.T, bus *mocks.MockBus) []*events.Envelope {
	t.Helper()

	var envs []*events.Envelope
	for _, raw := range bus.TopicMessages(events.TopicStationEvents) {
		var env events.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("published event is not an envelope: %v (%s)", err, raw)
		}
		envs = append(envs, &env)
	}
	return envs
}

func txEventPayload(eventType, txID string, seqNo, evseID int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"eventType": %q,
		"seqNo": %d,
		"timestamp": "2026-08-26T10:00:00Z",
		"triggerReason": "Authorized",
		"transactionInfo": {"transactionId": %q},
		"evse": {"id": %d}
	}`, eventType, seqNo, txID, evseID))
}

func TestHandleCall_BootNotification(t *testing.T) {
	adapter, _ := newTestAdapter(state.ModeStrict)

	resp, callErr := adapter.HandleCall(context.Background(), testContext(), "BootNotification",
		json.RawMessage(`{"chargingStation":{"model":"CP-4000","vendorName":"ACME"},"reason":"PowerUp"}`))

	if callErr != nil {
		t.Fatalf("HandleCall() error = %+v", callErr)
	}
	var body struct {
		Status      string `json:"status"`
		CurrentTime string `json:"currentTime"`
		Interval    int    `json:"interval"`
	}
	if err := json.Unmarshal(resp, &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.Status != "Accepted" || body.Interval != heartbeatIntervalSeconds {
		t.Errorf("response = %s", resp)
	}
}

func TestHandleCall_AuthorizeUsesIdTokenInfo(t *testing.T) {
	adapter, _ := newTestAdapter(state.ModeStrict)

	resp, callErr := adapter.HandleCall(context.Background(), testContext(), "Authorize",
		json.RawMessage(`{"idToken":{"idToken":"TAG-A","type":"ISO14443"}}`))

	if callErr != nil {
		t.Fatalf("HandleCall() error = %+v", callErr)
	}
	var body struct {
		IDTokenInfo struct {
			Status string `json:"status"`
		} `json:"idTokenInfo"`
	}
	if err := json.Unmarshal(resp, &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.IDTokenInfo.Status != "Accepted" {
		t.Errorf("idTokenInfo.status = %q", body.IDTokenInfo.Status)
	}
}

func TestHandleCall_StatusNotificationDefaultsConnectorToEvse(t *testing.T) {
	adapter, bus := newTestAdapter(state.ModeStrict)

	_, callErr := adapter.HandleCall(context.Background(), testContext(), "StatusNotification",
		json.RawMessage(`{"timestamp":"2026-08-26T10:00:00Z","connectorStatus":"Occupied","evseId":3}`))

	if callErr != nil {
		t.Fatalf("HandleCall() error = %+v", callErr)
	}
	envs := stationEvents(t, bus)
	if len(envs) != 1 {
		t.Fatalf("station events = %d, want 1", len(envs))
	}
	if envs[0].EventType != events.TypeConnectorStatusChanged {
		t.Errorf("event type = %q", envs[0].EventType)
	}
	if envs[0].ConnectorID == nil || *envs[0].ConnectorID != 3 {
		t.Errorf("connectorId = %v, want evseId fallback 3", envs[0].ConnectorID)
	}
}

func TestHandleCall_TransactionEventLifecycle(t *testing.T) {
	adapter, bus := newTestAdapter(state.ModeStrict)
	ctx := context.Background()

	for i, step := range []struct {
		eventType string
		seqNo     int
		wantType  string
	}{
		{"Started", 0, events.TypeTransactionStarted},
		{"Updated", 1, events.TypeTransactionUpdated},
		{"Ended", 2, events.TypeTransactionStopped},
	} {
		resp, callErr := adapter.HandleCall(ctx, testContext(), "TransactionEvent",
			txEventPayload(step.eventType, "tx-100", step.seqNo, 1))
		if callErr != nil {
			t.Fatalf("step %d (%s) error = %+v", i, step.eventType, callErr)
		}
		if string(resp) != "{}" {
			t.Errorf("step %d response = %s, want {}", i, resp)
		}
	}

	envs := stationEvents(t, bus)
	if len(envs) != 3 {
		t.Fatalf("station events = %d, want 3", len(envs))
	}
	for i, want := range []string{events.TypeTransactionStarted, events.TypeTransactionUpdated, events.TypeTransactionStopped} {
		if envs[i].EventType != want {
			t.Errorf("event %d type = %q, want %q", i, envs[i].EventType, want)
		}
	}
}

func TestHandleCall_TransactionEventStaleSeqNoIsIdempotent(t *testing.T) {
	adapter, bus := newTestAdapter(state.ModeStrict)
	ctx := context.Background()

	if _, callErr := adapter.HandleCall(ctx, testContext(), "TransactionEvent", txEventPayload("Started", "tx-1", 0, 1)); callErr != nil {
		t.Fatalf("Started error = %+v", callErr)
	}
	if _, callErr := adapter.HandleCall(ctx, testContext(), "TransactionEvent", txEventPayload("Updated", "tx-1", 2, 1)); callErr != nil {
		t.Fatalf("Updated error = %+v", callErr)
	}

	// Retransmission of an already-applied sequence number.
	resp, callErr := adapter.HandleCall(ctx, testContext(), "TransactionEvent", txEventPayload("Updated", "tx-1", 1, 1))

	if callErr != nil {
		t.Fatalf("retransmission rejected: %+v", callErr)
	}
	if string(resp) != "{}" {
		t.Errorf("response = %s, want {}", resp)
	}
	if envs := stationEvents(t, bus); len(envs) != 2 {
		t.Errorf("station events = %d, want 2 (stale seqNo must not re-emit)", len(envs))
	}
}

func TestHandleCall_TransactionEventUnknownTransactionStrict(t *testing.T) {
	adapter, _ := newTestAdapter(state.ModeStrict)

	_, callErr := adapter.HandleCall(context.Background(), testContext(), "TransactionEvent",
		txEventPayload("Updated", "tx-ghost", 5, 1))

	if callErr == nil {
		t.Fatal("expected rejection for unknown transaction in strict mode")
	}
	if callErr.Code != "FormatViolation" {
		t.Errorf("code = %q, want FormatViolation", callErr.Code)
	}
	if callErr.Description != "Unknown transaction" {
		t.Errorf("description = %q", callErr.Description)
	}
}

func TestHandleCall_TransactionEventUnknownTransactionLenient(t *testing.T) {
	adapter, bus := newTestAdapter(state.ModeLenient)

	_, callErr := adapter.HandleCall(context.Background(), testContext(), "TransactionEvent",
		txEventPayload("Updated", "tx-ghost", 5, 1))

	if callErr != nil {
		t.Fatalf("HandleCall() error = %+v", callErr)
	}
	envs := stationEvents(t, bus)
	if len(envs) != 1 {
		t.Fatalf("station events = %d, want 1", len(envs))
	}
	var payload struct {
		Orphaned bool `json:"orphaned"`
	}
	if err := json.Unmarshal(envs[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if !payload.Orphaned {
		t.Error("lenient mode must flag the orphaned event")
	}
}

func TestHandleCall_TransactionEventMissingID(t *testing.T) {
	adapter, _ := newTestAdapter(state.ModeStrict)

	_, callErr := adapter.HandleCall(context.Background(), testContext(), "TransactionEvent",
		json.RawMessage(`{"eventType":"Started","seqNo":0,"timestamp":"2026-08-26T10:00:00Z","transactionInfo":{"transactionId":""}}`))

	if callErr == nil || callErr.Code != "FormatViolation" {
		t.Fatalf("call error = %+v, want FormatViolation for missing transactionId", callErr)
	}
}

func TestHandleCall_NotificationActionsForwarded(t *testing.T) {
	tests := []struct {
		action    string
		eventType string
	}{
		{"MeterValues", events.TypeMeterValuesReceived},
		{"SecurityEventNotification", events.TypeSecurityEventReceived},
		{"FirmwareStatusNotification", events.TypeFirmwareStatusReceived},
		{"LogStatusNotification", events.TypeLogStatusReceived},
		{"NotifyEvent", events.TypeConnectorStatusChanged},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			adapter, bus := newTestAdapter(state.ModeStrict)

			resp, callErr := adapter.HandleCall(context.Background(), testContext(), tt.action, json.RawMessage(`{"status":"Uploaded"}`))

			if callErr != nil {
				t.Fatalf("HandleCall() error = %+v", callErr)
			}
			if string(resp) != "{}" {
				t.Errorf("response = %s, want {}", resp)
			}
			envs := stationEvents(t, bus)
			if len(envs) != 1 || envs[0].EventType != tt.eventType {
				t.Errorf("events = %+v, want one %s", envs, tt.eventType)
			}
		})
	}
}

func TestHandleCall_UnknownActionNotImplemented(t *testing.T) {
	adapter, _ := newTestAdapter(state.ModeStrict)

	_, callErr := adapter.HandleCall(context.Background(), testContext(), "SetChargingProfile", json.RawMessage(`{}`))

	if callErr == nil || callErr.Code != ocpp.ErrNotImplemented {
		t.Fatalf("call error = %+v, want NotImplemented", callErr)
	}
}
