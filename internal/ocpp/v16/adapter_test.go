package v16

import (
	"context"
	"encoding/json"
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
	return ocpp.CallContext{ChargePointID: "CP-1", StationID: "ST-1", TenantID: "T-1", Version: ocpp.V16}
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

func TestHandleCall_BootNotification(t *testing.T) {
	adapter, _ := newTestAdapter(state.ModeStrict)

	resp, callErr := adapter.HandleCall(context.Background(), testContext(), "BootNotification",
		json.RawMessage(`{"chargePointVendor":"ACME","chargePointModel":"CP-4000"}`))

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
	if body.Status != "Accepted" {
		t.Errorf("status = %q, want Accepted", body.Status)
	}
	if body.CurrentTime != testTime.Format(time.RFC3339) {
		t.Errorf("currentTime = %q", body.CurrentTime)
	}
	if body.Interval != heartbeatIntervalSeconds {
		t.Errorf("interval = %d, want %d", body.Interval, heartbeatIntervalSeconds)
	}
}

func TestHandleCall_HeartbeatReturnsCurrentTime(t *testing.T) {
	adapter, _ := newTestAdapter(state.ModeStrict)

	resp, callErr := adapter.HandleCall(context.Background(), testContext(), "Heartbeat", json.RawMessage(`{}`))

	if callErr != nil {
		t.Fatalf("HandleCall() error = %+v", callErr)
	}
	var body struct {
		CurrentTime string `json:"currentTime"`
	}
	if err := json.Unmarshal(resp, &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.CurrentTime != testTime.Format(time.RFC3339) {
		t.Errorf("currentTime = %q", body.CurrentTime)
	}
}

func TestHandleCall_StatusNotificationEmitsEvent(t *testing.T) {
	adapter, bus := newTestAdapter(state.ModeStrict)

	_, callErr := adapter.HandleCall(context.Background(), testContext(), "StatusNotification",
		json.RawMessage(`{"connectorId":2,"status":"Charging","errorCode":"NoError"}`))

	if callErr != nil {
		t.Fatalf("HandleCall() error = %+v", callErr)
	}
	envs := stationEvents(t, bus)
	if len(envs) != 1 {
		t.Fatalf("station events = %d, want 1", len(envs))
	}
	env := envs[0]
	if env.EventType != events.TypeConnectorStatusChanged {
		t.Errorf("event type = %q", env.EventType)
	}
	if env.ChargePointID != "CP-1" || env.ConnectorID == nil || *env.ConnectorID != 2 {
		t.Errorf("event identity = %+v", env)
	}
	var payload struct {
		Status         string `json:"status"`
		PreviousStatus string `json:"previousStatus"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Status != "Charging" {
		t.Errorf("payload status = %q", payload.Status)
	}
}

func TestHandleCall_StartTransactionAssignsID(t *testing.T) {
	adapter, bus := newTestAdapter(state.ModeStrict)
	payload := json.RawMessage(`{"connectorId":1,"idTag":"TAG-A","meterStart":100,"timestamp":"2026-08-26T10:00:00Z"}`)

	resp, callErr := adapter.HandleCall(context.Background(), testContext(), "StartTransaction", payload)

	if callErr != nil {
		t.Fatalf("HandleCall() error = %+v", callErr)
	}
	var body struct {
		TransactionID int `json:"transactionId"`
		IDTagInfo     struct {
			Status string `json:"status"`
		} `json:"idTagInfo"`
	}
	if err := json.Unmarshal(resp, &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.TransactionID != 1 {
		t.Errorf("transactionId = %d, want 1", body.TransactionID)
	}
	if body.IDTagInfo.Status != "Accepted" {
		t.Errorf("idTagInfo.status = %q", body.IDTagInfo.Status)
	}
	envs := stationEvents(t, bus)
	if len(envs) != 1 || envs[0].EventType != events.TypeTransactionStarted {
		t.Errorf("events = %+v, want one TransactionStarted", envs)
	}
}

func TestHandleCall_StartTransactionRetransmissionEmitsNoSecondEvent(t *testing.T) {
	adapter, bus := newTestAdapter(state.ModeStrict)
	payload := json.RawMessage(`{"connectorId":1,"idTag":"TAG-A","meterStart":100,"timestamp":"2026-08-26T10:00:00Z"}`)

	first, _ := adapter.HandleCall(context.Background(), testContext(), "StartTransaction", payload)
	second, callErr := adapter.HandleCall(context.Background(), testContext(), "StartTransaction", payload)

	if callErr != nil {
		t.Fatalf("retransmission rejected: %+v", callErr)
	}
	if string(first) != string(second) {
		t.Errorf("retransmission gave different response:\nfirst  %s\nsecond %s", first, second)
	}
	if envs := stationEvents(t, bus); len(envs) != 1 {
		t.Errorf("station events = %d, want 1 (retransmission must not re-emit)", len(envs))
	}
}

func TestHandleCall_StopTransactionEndsTransaction(t *testing.T) {
	adapter, bus := newTestAdapter(state.ModeStrict)
	start := json.RawMessage(`{"connectorId":1,"idTag":"TAG-A","meterStart":100,"timestamp":"2026-08-26T10:00:00Z"}`)
	if _, callErr := adapter.HandleCall(context.Background(), testContext(), "StartTransaction", start); callErr != nil {
		t.Fatalf("StartTransaction error = %+v", callErr)
	}

	resp, callErr := adapter.HandleCall(context.Background(), testContext(), "StopTransaction",
		json.RawMessage(`{"transactionId":1,"meterStop":500,"timestamp":"2026-08-26T11:00:00Z"}`))

	if callErr != nil {
		t.Fatalf("HandleCall() error = %+v", callErr)
	}
	var body struct {
		IDTagInfo struct {
			Status string `json:"status"`
		} `json:"idTagInfo"`
	}
	if err := json.Unmarshal(resp, &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.IDTagInfo.Status != "Accepted" {
		t.Errorf("idTagInfo.status = %q", body.IDTagInfo.Status)
	}
	envs := stationEvents(t, bus)
	if len(envs) != 2 || envs[1].EventType != events.TypeTransactionStopped {
		t.Errorf("events = %d, want TransactionStarted then TransactionStopped", len(envs))
	}
}

func TestHandleCall_MeterValuesUnknownTransactionStrict(t *testing.T) {
	adapter, bus := newTestAdapter(state.ModeStrict)

	_, callErr := adapter.HandleCall(context.Background(), testContext(), "MeterValues",
		json.RawMessage(`{"connectorId":1,"transactionId":99,"meterValue":[]}`))

	if callErr == nil {
		t.Fatal("expected rejection for unknown transaction in strict mode")
	}
	if callErr.Code != ocpp.ErrOccurrenceConstraintViolation {
		t.Errorf("code = %q, want %q", callErr.Code, ocpp.ErrOccurrenceConstraintViolation)
	}
	if envs := stationEvents(t, bus); len(envs) != 0 {
		t.Errorf("station events = %d, want 0 on rejection", len(envs))
	}
}

func TestHandleCall_MeterValuesUnknownTransactionLenient(t *testing.T) {
	adapter, bus := newTestAdapter(state.ModeLenient)

	_, callErr := adapter.HandleCall(context.Background(), testContext(), "MeterValues",
		json.RawMessage(`{"connectorId":1,"transactionId":99,"meterValue":[]}`))

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
		t.Error("lenient mode must flag orphaned meter values")
	}
}

func TestHandleCall_NotificationActionsForwarded(t *testing.T) {
	tests := []struct {
		action    string
		eventType string
	}{
		{"SecurityEventNotification", events.TypeSecurityEventReceived},
		{"FirmwareStatusNotification", events.TypeFirmwareStatusReceived},
		{"DiagnosticsStatusNotification", events.TypeLogStatusReceived},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			adapter, bus := newTestAdapter(state.ModeStrict)

			resp, callErr := adapter.HandleCall(context.Background(), testContext(), tt.action, json.RawMessage(`{"status":"Idle"}`))

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

	_, callErr := adapter.HandleCall(context.Background(), testContext(), "GetCompositeSchedule", json.RawMessage(`{}`))

	if callErr == nil || callErr.Code != ocpp.ErrNotImplemented {
		t.Fatalf("call error = %+v, want NotImplemented", callErr)
	}
}
