package ocpp

import (
	"encoding/json"
	"testing"
)

func TestParseEnvelope_Call(t *testing.T) {
	env, failure := ParseEnvelope([]byte(`[2,"19223201","BootNotification",{"chargePointVendor":"ACME"}]`))

	if failure != nil {
		t.Fatalf("ParseEnvelope() failure = %v", failure)
	}
	if env.MessageTypeID != CallMessage {
		t.Errorf("MessageTypeID = %d, want %d", env.MessageTypeID, CallMessage)
	}
	if env.UniqueID != "19223201" {
		t.Errorf("UniqueID = %q", env.UniqueID)
	}
	if env.Action != "BootNotification" {
		t.Errorf("Action = %q", env.Action)
	}
	if string(env.Payload) != `{"chargePointVendor":"ACME"}` {
		t.Errorf("Payload = %s", env.Payload)
	}
}

func TestParseEnvelope_CallResult(t *testing.T) {
	env, failure := ParseEnvelope([]byte(`[3,"19223201",{"status":"Accepted"}]`))

	if failure != nil {
		t.Fatalf("ParseEnvelope() failure = %v", failure)
	}
	if env.MessageTypeID != CallResultMessage {
		t.Errorf("MessageTypeID = %d, want %d", env.MessageTypeID, CallResultMessage)
	}
	if string(env.Payload) != `{"status":"Accepted"}` {
		t.Errorf("Payload = %s", env.Payload)
	}
}

func TestParseEnvelope_CallError(t *testing.T) {
	env, failure := ParseEnvelope([]byte(`[4,"19223201","NotSupported","Reset not supported",{"detail":"x"}]`))

	if failure != nil {
		t.Fatalf("ParseEnvelope() failure = %v", failure)
	}
	if env.ErrorCode != "NotSupported" {
		t.Errorf("ErrorCode = %q", env.ErrorCode)
	}
	if env.ErrorDescription != "Reset not supported" {
		t.Errorf("ErrorDescription = %q", env.ErrorDescription)
	}
	if string(env.ErrorDetails) != `{"detail":"x"}` {
		t.Errorf("ErrorDetails = %s", env.ErrorDetails)
	}
}

func TestParseEnvelope_Failures(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantUniqueID string
	}{
		{name: "not an array", raw: `{"hello":"world"}`},
		{name: "too short", raw: `[2,"id-1"]`},
		{name: "non-integer messageTypeId", raw: `["two","id-1","Action",{}]`},
		{name: "non-string uniqueId", raw: `[2,42,"Action",{}]`},
		{name: "empty uniqueId", raw: `[2,"","Action",{}]`},
		{name: "CALL with wrong arity", raw: `[2,"id-1","Action"]`, wantUniqueID: "id-1"},
		{name: "CALL with non-string action", raw: `[2,"id-1",7,{}]`, wantUniqueID: "id-1"},
		{name: "CALLRESULT with wrong arity", raw: `[3,"id-1","Action",{}]`, wantUniqueID: "id-1"},
		{name: "CALLERROR with wrong arity", raw: `[4,"id-1","Code","desc"]`, wantUniqueID: "id-1"},
		{name: "CALLERROR details not object", raw: `[4,"id-1","Code","desc","nope"]`, wantUniqueID: "id-1"},
		{name: "CALLERROR details null", raw: `[4,"id-1","Code","desc",null]`, wantUniqueID: "id-1"},
		{name: "unsupported messageTypeId", raw: `[5,"id-1","Action",{}]`, wantUniqueID: "id-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, failure := ParseEnvelope([]byte(tt.raw))
			if failure == nil {
				t.Fatalf("ParseEnvelope(%s) = %+v, want failure", tt.raw, env)
			}
			if failure.UniqueID != tt.wantUniqueID {
				t.Errorf("failure.UniqueID = %q, want %q", failure.UniqueID, tt.wantUniqueID)
			}
		})
	}
}

func TestMarshalCall_RoundTrip(t *testing.T) {
	frame, err := MarshalCall("msg-1", "Reset", json.RawMessage(`{"type":"Soft"}`))
	if err != nil {
		t.Fatalf("MarshalCall() error = %v", err)
	}

	env, failure := ParseEnvelope(frame)
	if failure != nil {
		t.Fatalf("ParseEnvelope() failure = %v", failure)
	}
	if env.Action != "Reset" || string(env.Payload) != `{"type":"Soft"}` {
		t.Errorf("round trip gave action %q payload %s", env.Action, env.Payload)
	}
}

func TestMarshalCall_NilPayloadBecomesEmptyObject(t *testing.T) {
	frame, err := MarshalCall("msg-1", "Heartbeat", nil)
	if err != nil {
		t.Fatalf("MarshalCall() error = %v", err)
	}
	if string(frame) != `[2,"msg-1","Heartbeat",{}]` {
		t.Errorf("frame = %s", frame)
	}
}

func TestMarshalCallError_NilDetailsBecomeEmptyObject(t *testing.T) {
	frame, err := MarshalCallError("msg-1", "InternalError", "boom", nil)
	if err != nil {
		t.Fatalf("MarshalCallError() error = %v", err)
	}
	if string(frame) != `[4,"msg-1","InternalError","boom",{}]` {
		t.Errorf("frame = %s", frame)
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want Version
	}{
		{"1.6", V16},
		{"1.6j", V16},
		{"1.6J", V16},
		{" 2.0.1 ", V201},
		{"2.1", V21},
		{"3.0", VersionUnknown},
		{"", VersionUnknown},
	}

	for _, tt := range tests {
		if got := ParseVersion(tt.in); got != tt.want {
			t.Errorf("ParseVersion(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatErrorCode(t *testing.T) {
	if got := FormatErrorCode(V16); got != "FormationViolation" {
		t.Errorf("FormatErrorCode(V16) = %q", got)
	}
	if got := FormatErrorCode(V201); got != "FormatViolation" {
		t.Errorf("FormatErrorCode(V201) = %q", got)
	}
	if got := FormatErrorCode(V21); got != "FormatViolation" {
		t.Errorf("FormatErrorCode(V21) = %q", got)
	}
}
