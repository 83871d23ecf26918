package domain

import "encoding/json"

// Command types accepted off the bus.
const (
	CommandReset               = "Reset"
	CommandRemoteStart         = "RemoteStart"
	CommandRemoteStop          = "RemoteStop"
	CommandUnlockConnector     = "UnlockConnector"
	CommandChangeConfiguration = "ChangeConfiguration"
	CommandTriggerMessage      = "TriggerMessage"
	CommandUpdateFirmware      = "UpdateFirmware"
)

// CommandRequest is the message consumed from cpms.command.requests.
type CommandRequest struct {
	CommandID      string          `json:"commandId"`
	ChargePointID  string          `json:"chargePointId"`
	CommandType    string          `json:"commandType"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	TenantID       string          `json:"tenantId,omitempty"`
}

// Command outcome statuses carried in command events and audit records.
const (
	CommandStatusSent     = "Sent"
	CommandStatusAccepted = "Accepted"
	CommandStatusRejected = "Rejected"
	CommandStatusFailed   = "Failed"
	CommandStatusTimeout  = "Timeout"
)

// Dispatch error codes reported when a command never reaches the charger.
const (
	DispatchErrSchemaMissing           = "SchemaMissing"
	DispatchErrPayloadValidationFailed = "PayloadValidationFailed"
	DispatchErrUnsupportedCommand      = "UnsupportedCommand"
	DispatchErrResponseValidation      = "ResponseValidationFailed"
	DispatchErrSendFailed              = "SendFailed"
)

// CommandResult is the dispatcher's terminal outcome for one command.
type CommandResult struct {
	Status       string          `json:"status"`
	ErrorCode    string          `json:"errorCode,omitempty"`
	ErrorDetails json.RawMessage `json:"errorDetails,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	MessageID    string          `json:"messageId,omitempty"`
}

// AuditRecord mirrors the command state machine in the KV store.
type AuditRecord struct {
	CommandID     string `json:"commandId"`
	ChargePointID string `json:"chargePointId"`
	CommandType   string `json:"commandType"`
	Action        string `json:"action"`
	MessageID     string `json:"messageId"`
	Status        string `json:"status"`
	Detail        string `json:"detail,omitempty"`
	SentAtMs      int64  `json:"sentAtMs"`
	ResolvedAtMs  int64  `json:"resolvedAtMs,omitempty"`
}
