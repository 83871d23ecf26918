package ocpp

import "encoding/json"

// Wire error codes used by the gateway.
const (
	ErrNotImplemented                = "NotImplemented"
	ErrInternalError                 = "InternalError"
	ErrOccurrenceConstraintViolation = "OccurrenceConstraintViolation"

	// ErrResponseValidationFailed is internal to the outbound tracker; it is
	// never written to a charge point.
	ErrResponseValidationFailed = "ResponseValidationFailed"
)

// CallError is the structured error a version adapter or validator returns
// for an inbound CALL. It is marshalled into a CALLERROR frame.
type CallError struct {
	Code        string
	Description string
	Details     json.RawMessage
}

// ErrorDetails builds the errorDetails object for a list of validation
// error strings.
func ErrorDetails(errs []string) json.RawMessage {
	b, _ := json.Marshal(map[string][]string{"errors": errs})
	return b
}

// CallContext carries per-connection identity into the version adapters.
type CallContext struct {
	ChargePointID string
	StationID     string
	TenantID      string
	Version       Version
}
