package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/mocks"
	"github.com/voltgrid/ocpp-gateway/internal/ocpp"
	"github.com/voltgrid/ocpp-gateway/internal/ratelimit"
	"github.com/voltgrid/ocpp-gateway/internal/respcache"
)

type fakeHandler struct {
	calls    int
	response json.RawMessage
	callErr  *ocpp.CallError
}

func (f *fakeHandler) HandleCall(_ context.Context, _ ocpp.CallContext, _ string, _ json.RawMessage) (json.RawMessage, *ocpp.CallError) {
	f.calls++
	return f.response, f.callErr
}

func newTestEngine(t *testing.T, version ocpp.Version, handler CallHandler, limits ratelimit.Config) *Engine {
	t.Helper()

	kv := mocks.NewMockKV()
	cache := respcache.New(respcache.Config{TTL: time.Minute, LocalSize: 16}, kv, zap.NewNop())
	limiter := ratelimit.NewLimiter(kv, limits, zap.NewNop())
	return NewEngine(newTestRegistry(t), cache, limiter, map[ocpp.Version]CallHandler{version: handler}, zap.NewNop())
}

// decodeFrame splits a wire frame into its array elements.
func decodeFrame(t *testing.T, frame []byte) []json.RawMessage {
	t.Helper()

	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil {
		t.Fatalf("frame is not a JSON array: %v (%s)", err, frame)
	}
	return parts
}

func frameString(t *testing.T, raw json.RawMessage) string {
	t.Helper()

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("element is not a string: %s", raw)
	}
	return s
}

func TestEngine_AnswersValidCall(t *testing.T) {
	handler := &fakeHandler{response: json.RawMessage(`{"currentTime":"2026-08-26T10:00:00Z"}`)}
	engine := newTestEngine(t, ocpp.V16, handler, ratelimit.Config{})
	cctx := ocpp.CallContext{ChargePointID: "CP-1", Version: ocpp.V16}
	tracker := NewTracker(newTestRegistry(t), ocpp.V16, zap.NewNop())

	reply := engine.Process(context.Background(), cctx, tracker, []byte(`[2,"hb-1","Heartbeat",{}]`))

	parts := decodeFrame(t, reply)
	if len(parts) != 3 || string(parts[0]) != "3" {
		t.Fatalf("reply = %s, want CALLRESULT", reply)
	}
	if got := frameString(t, parts[1]); got != "hb-1" {
		t.Errorf("uniqueId = %q, want hb-1", got)
	}
	if handler.calls != 1 {
		t.Errorf("handler calls = %d, want 1", handler.calls)
	}
}

func TestEngine_ReplaysCachedReplyWithoutReprocessing(t *testing.T) {
	handler := &fakeHandler{response: json.RawMessage(`{"currentTime":"2026-08-26T10:00:00Z"}`)}
	engine := newTestEngine(t, ocpp.V16, handler, ratelimit.Config{})
	cctx := ocpp.CallContext{ChargePointID: "CP-1", Version: ocpp.V16}
	tracker := NewTracker(newTestRegistry(t), ocpp.V16, zap.NewNop())
	frame := []byte(`[2,"hb-dup","Heartbeat",{}]`)

	first := engine.Process(context.Background(), cctx, tracker, frame)
	second := engine.Process(context.Background(), cctx, tracker, frame)

	if string(first) != string(second) {
		t.Errorf("replayed reply differs:\nfirst  %s\nsecond %s", first, second)
	}
	if handler.calls != 1 {
		t.Errorf("handler calls = %d, want 1 (second must come from cache)", handler.calls)
	}
}

func TestEngine_MalformedCallGetsCallErrorWithSameID(t *testing.T) {
	engine := newTestEngine(t, ocpp.V16, &fakeHandler{}, ratelimit.Config{})
	cctx := ocpp.CallContext{ChargePointID: "CP-1", Version: ocpp.V16}
	tracker := NewTracker(newTestRegistry(t), ocpp.V16, zap.NewNop())

	// CALL with only 3 elements: uniqueId survives parsing.
	reply := engine.Process(context.Background(), cctx, tracker, []byte(`[2,"bad-1","BootNotification"]`))

	parts := decodeFrame(t, reply)
	if string(parts[0]) != "4" {
		t.Fatalf("reply = %s, want CALLERROR", reply)
	}
	if got := frameString(t, parts[1]); got != "bad-1" {
		t.Errorf("uniqueId = %q, want bad-1", got)
	}
	if got := frameString(t, parts[2]); got != "FormationViolation" {
		t.Errorf("errorCode = %q, want FormationViolation on 1.6J", got)
	}
}

func TestEngine_DropsGarbageWithoutUniqueID(t *testing.T) {
	engine := newTestEngine(t, ocpp.V16, &fakeHandler{}, ratelimit.Config{})
	cctx := ocpp.CallContext{ChargePointID: "CP-1", Version: ocpp.V16}
	tracker := NewTracker(newTestRegistry(t), ocpp.V16, zap.NewNop())

	if reply := engine.Process(context.Background(), cctx, tracker, []byte(`this is not json`)); reply != nil {
		t.Errorf("reply = %s, want nil for unparseable frame", reply)
	}
	if reply := engine.Process(context.Background(), cctx, tracker, []byte(`[3,"orphan"]`)); reply != nil {
		t.Errorf("reply = %s, want nil for malformed non-CALL", reply)
	}
}

func TestEngine_UnknownActionNotImplemented(t *testing.T) {
	engine := newTestEngine(t, ocpp.V16, &fakeHandler{}, ratelimit.Config{})
	cctx := ocpp.CallContext{ChargePointID: "CP-1", Version: ocpp.V16}
	tracker := NewTracker(newTestRegistry(t), ocpp.V16, zap.NewNop())

	reply := engine.Process(context.Background(), cctx, tracker, []byte(`[2,"x-1","MadeUpAction",{}]`))

	parts := decodeFrame(t, reply)
	if got := frameString(t, parts[2]); got != ocpp.ErrNotImplemented {
		t.Errorf("errorCode = %q, want %q", got, ocpp.ErrNotImplemented)
	}
}

func TestEngine_RequestValidationErrorCodePerVersion(t *testing.T) {
	tests := []struct {
		name     string
		version  ocpp.Version
		wantCode string
	}{
		{name: "1.6J uses FormationViolation", version: ocpp.V16, wantCode: "FormationViolation"},
		{name: "2.0.1 uses FormatViolation", version: ocpp.V201, wantCode: "FormatViolation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(t, tt.version, &fakeHandler{}, ratelimit.Config{})
			cctx := ocpp.CallContext{ChargePointID: "CP-1", Version: tt.version}
			tracker := NewTracker(newTestRegistry(t), tt.version, zap.NewNop())

			// BootNotification missing all required fields.
			reply := engine.Process(context.Background(), cctx, tracker, []byte(`[2,"boot-1","BootNotification",{}]`))

			parts := decodeFrame(t, reply)
			if string(parts[0]) != "4" {
				t.Fatalf("reply = %s, want CALLERROR", reply)
			}
			if got := frameString(t, parts[2]); got != tt.wantCode {
				t.Errorf("errorCode = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestEngine_UnknownPropertyRejectedAfterTightening(t *testing.T) {
	engine := newTestEngine(t, ocpp.V16, &fakeHandler{response: json.RawMessage(`{"currentTime":"2026-08-26T10:00:00Z"}`)}, ratelimit.Config{})
	cctx := ocpp.CallContext{ChargePointID: "CP-1", Version: ocpp.V16}
	tracker := NewTracker(newTestRegistry(t), ocpp.V16, zap.NewNop())

	reply := engine.Process(context.Background(), cctx, tracker, []byte(`[2,"hb-2","Heartbeat",{"extra":"field"}]`))

	parts := decodeFrame(t, reply)
	if string(parts[0]) != "4" {
		t.Fatalf("reply = %s, want CALLERROR for additional property", reply)
	}
	if got := frameString(t, parts[2]); got != "FormationViolation" {
		t.Errorf("errorCode = %q, want FormationViolation", got)
	}
}

func TestEngine_RateLimitedCallRejected(t *testing.T) {
	handler := &fakeHandler{response: json.RawMessage(`{}`)}
	limits := ratelimit.Config{Limits: map[string]ratelimit.Limit{
		"MeterValues": {PerChargePoint: 1, Global: 100, Window: time.Minute},
	}}
	engine := newTestEngine(t, ocpp.V16, handler, limits)
	cctx := ocpp.CallContext{ChargePointID: "CP-1", Version: ocpp.V16}
	tracker := NewTracker(newTestRegistry(t), ocpp.V16, zap.NewNop())
	payload := `{"connectorId":1,"meterValue":[{"timestamp":"2026-08-26T10:00:00Z","sampledValue":[{"value":"42"}]}]}`

	first := engine.Process(context.Background(), cctx, tracker, []byte(`[2,"mv-1","MeterValues",`+payload+`]`))
	second := engine.Process(context.Background(), cctx, tracker, []byte(`[2,"mv-2","MeterValues",`+payload+`]`))

	if parts := decodeFrame(t, first); string(parts[0]) != "3" {
		t.Fatalf("first reply = %s, want CALLRESULT", first)
	}
	parts := decodeFrame(t, second)
	if string(parts[0]) != "4" {
		t.Fatalf("second reply = %s, want CALLERROR", second)
	}
	if got := frameString(t, parts[2]); got != ocpp.ErrOccurrenceConstraintViolation {
		t.Errorf("errorCode = %q, want %q", got, ocpp.ErrOccurrenceConstraintViolation)
	}
}

func TestEngine_InvalidGeneratedResponseBecomesInternalError(t *testing.T) {
	handler := &fakeHandler{response: json.RawMessage(`{"not":"a heartbeat response"}`)}
	engine := newTestEngine(t, ocpp.V16, handler, ratelimit.Config{})
	cctx := ocpp.CallContext{ChargePointID: "CP-1", Version: ocpp.V16}
	tracker := NewTracker(newTestRegistry(t), ocpp.V16, zap.NewNop())

	reply := engine.Process(context.Background(), cctx, tracker, []byte(`[2,"hb-3","Heartbeat",{}]`))

	parts := decodeFrame(t, reply)
	if string(parts[0]) != "4" {
		t.Fatalf("reply = %s, want CALLERROR", reply)
	}
	if got := frameString(t, parts[2]); got != ocpp.ErrInternalError {
		t.Errorf("errorCode = %q, want %q", got, ocpp.ErrInternalError)
	}
}

func TestEngine_RoutesCallResultToTracker(t *testing.T) {
	engine := newTestEngine(t, ocpp.V16, &fakeHandler{}, ratelimit.Config{})
	cctx := ocpp.CallContext{ChargePointID: "CP-1", Version: ocpp.V16}
	tracker := NewTracker(newTestRegistry(t), ocpp.V16, zap.NewNop())
	ch, err := tracker.Register("out-1", "Heartbeat", time.Minute, "")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	reply := engine.Process(context.Background(), cctx, tracker, []byte(`[3,"out-1",{"currentTime":"2026-08-26T10:00:00Z"}]`))

	if reply != nil {
		t.Errorf("reply = %s, want nil for CALLRESULT", reply)
	}
	outcome := awaitOutcome(t, ch)
	if outcome.Kind != OutcomeResult {
		t.Errorf("outcome kind = %d, want OutcomeResult", outcome.Kind)
	}
}
