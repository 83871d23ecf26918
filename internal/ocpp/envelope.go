package ocpp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// OCPP message type tags. Wire messages are JSON arrays whose first element
// is one of these.
const (
	CallMessage       = 2
	CallResultMessage = 3
	CallErrorMessage  = 4
)

// Envelope is a parsed OCPP wire frame.
//
//	CALL       [2, uniqueId, action, payload]
//	CALLRESULT [3, uniqueId, payload]
//	CALLERROR  [4, uniqueId, errorCode, errorDescription, errorDetails]
type Envelope struct {
	MessageTypeID    int
	UniqueID         string
	Action           string
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// ParseFailure describes why a frame could not be parsed. UniqueID is kept
// whenever it was extractable so the engine can still answer a malformed CALL
// with a CALLERROR referencing it.
type ParseFailure struct {
	Reason        string
	MessageTypeID int
	UniqueID      string
}

func (f *ParseFailure) Error() string { return f.Reason }

// ParseEnvelope parses a raw wire frame into an Envelope.
func ParseEnvelope(raw []byte) (*Envelope, *ParseFailure) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, &ParseFailure{Reason: "message is not a JSON array"}
	}
	if len(parts) < 3 {
		return nil, &ParseFailure{Reason: fmt.Sprintf("message array too short: %d elements", len(parts))}
	}

	var msgType int
	if err := json.Unmarshal(parts[0], &msgType); err != nil {
		return nil, &ParseFailure{Reason: "messageTypeId is not an integer"}
	}

	var uniqueID string
	if err := json.Unmarshal(parts[1], &uniqueID); err != nil {
		return nil, &ParseFailure{Reason: "uniqueId is not a string", MessageTypeID: msgType}
	}
	if uniqueID == "" {
		return nil, &ParseFailure{Reason: "uniqueId is empty", MessageTypeID: msgType}
	}

	env := &Envelope{MessageTypeID: msgType, UniqueID: uniqueID}

	switch msgType {
	case CallMessage:
		if len(parts) != 4 {
			return nil, &ParseFailure{
				Reason:        fmt.Sprintf("CALL must have 4 elements, got %d", len(parts)),
				MessageTypeID: msgType,
				UniqueID:      uniqueID,
			}
		}
		if err := json.Unmarshal(parts[2], &env.Action); err != nil || env.Action == "" {
			return nil, &ParseFailure{
				Reason:        "action is not a non-empty string",
				MessageTypeID: msgType,
				UniqueID:      uniqueID,
			}
		}
		env.Payload = parts[3]

	case CallResultMessage:
		if len(parts) != 3 {
			return nil, &ParseFailure{
				Reason:        fmt.Sprintf("CALLRESULT must have 3 elements, got %d", len(parts)),
				MessageTypeID: msgType,
				UniqueID:      uniqueID,
			}
		}
		env.Payload = parts[2]

	case CallErrorMessage:
		if len(parts) != 5 {
			return nil, &ParseFailure{
				Reason:        fmt.Sprintf("CALLERROR must have 5 elements, got %d", len(parts)),
				MessageTypeID: msgType,
				UniqueID:      uniqueID,
			}
		}
		if err := json.Unmarshal(parts[2], &env.ErrorCode); err != nil {
			return nil, &ParseFailure{Reason: "errorCode is not a string", MessageTypeID: msgType, UniqueID: uniqueID}
		}
		if err := json.Unmarshal(parts[3], &env.ErrorDescription); err != nil {
			return nil, &ParseFailure{Reason: "errorDescription is not a string", MessageTypeID: msgType, UniqueID: uniqueID}
		}
		// The map unmarshal below accepts a literal null, which is not an
		// object on the wire.
		var details map[string]json.RawMessage
		if string(bytes.TrimSpace(parts[4])) == "null" {
			return nil, &ParseFailure{Reason: "errorDetails is not a JSON object", MessageTypeID: msgType, UniqueID: uniqueID}
		}
		if err := json.Unmarshal(parts[4], &details); err != nil {
			return nil, &ParseFailure{Reason: "errorDetails is not a JSON object", MessageTypeID: msgType, UniqueID: uniqueID}
		}
		env.ErrorDetails = parts[4]

	default:
		return nil, &ParseFailure{
			Reason:        fmt.Sprintf("unsupported messageTypeId %d", msgType),
			MessageTypeID: msgType,
			UniqueID:      uniqueID,
		}
	}

	return env, nil
}

// MarshalCall emits a CALL frame. Payload nil is emitted as an empty object.
func MarshalCall(uniqueID, action string, payload json.RawMessage) ([]byte, error) {
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	return json.Marshal([]json.RawMessage{
		json.RawMessage("2"),
		mustJSONString(uniqueID),
		mustJSONString(action),
		payload,
	})
}

// MarshalCallResult emits a CALLRESULT frame.
func MarshalCallResult(uniqueID string, payload json.RawMessage) ([]byte, error) {
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	return json.Marshal([]json.RawMessage{
		json.RawMessage("3"),
		mustJSONString(uniqueID),
		payload,
	})
}

// MarshalCallError emits a CALLERROR frame. Details nil is emitted as {}.
func MarshalCallError(uniqueID, code, description string, details json.RawMessage) ([]byte, error) {
	if details == nil {
		details = json.RawMessage("{}")
	}
	return json.Marshal([]json.RawMessage{
		json.RawMessage("4"),
		mustJSONString(uniqueID),
		mustJSONString(code),
		mustJSONString(description),
		details,
	})
}

func mustJSONString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
