package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types emitted on the station/session topics.
const (
	TypeChargePointConnected    = "ChargePointConnected"
	TypeChargePointDisconnected = "ChargePointDisconnected"
	TypeConnectorStatusChanged  = "ConnectorStatusChanged"
	TypeTransactionStarted      = "TransactionStarted"
	TypeTransactionStopped      = "TransactionStopped"
	TypeTransactionUpdated      = "TransactionUpdated"
	TypeMeterValuesReceived     = "MeterValuesReceived"
	TypeDataTransferReceived    = "DataTransferReceived"
	TypeSecurityEventReceived   = "SecurityEventReceived"
	TypeFirmwareStatusReceived  = "FirmwareStatusReceived"
	TypeLogStatusReceived       = "LogStatusReceived"
	TypeSessionTakenOver        = "SessionTakenOver"
)

// Event types emitted on the command topic.
const (
	TypeCommandDispatched = "CommandDispatched"
	TypeCommandRouted     = "CommandRouted"
	TypeCommandDuplicate  = "CommandDuplicate"
	TypeCommandAccepted   = "CommandAccepted"
	TypeCommandRejected   = "CommandRejected"
	TypeCommandFailed     = "CommandFailed"
	TypeCommandTimeout    = "CommandTimeout"
)

// TypeCommandAudit mirrors every audit-record transition onto the audit topic.
const TypeCommandAudit = "CommandAudit"

// Envelope is the wire form of every outbound event.
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	Source        string          `json:"source"`
	OccurredAt    time.Time       `json:"occurredAt"`
	CorrelationID string          `json:"correlationId,omitempty"`
	StationID     string          `json:"stationId,omitempty"`
	TenantID      string          `json:"tenantId,omitempty"`
	ChargePointID string          `json:"chargePointId,omitempty"`
	ConnectorID   *int            `json:"connectorId,omitempty"`
	OCPPVersion   string          `json:"ocppVersion,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// PartitionKey selects the bus partition so downstream consumers see one
// charger's events in gateway-side order.
func (e *Envelope) PartitionKey() string {
	if e.ChargePointID != "" {
		return e.ChargePointID
	}
	return e.StationID
}

// Context carries the per-connection identity stamped on every event.
type Context struct {
	ChargePointID string
	StationID     string
	TenantID      string
	OCPPVersion   string
}

// Factory builds event envelopes with a fixed source identifier.
type Factory struct {
	source string
}

// NewFactory creates an event factory. Source is typically the node id.
func NewFactory(source string) *Factory {
	return &Factory{source: source}
}

// New builds an envelope for the given type and payload. Payload values that
// fail to marshal are emitted as an empty object; the payload shapes are all
// gateway-owned structs, so that path indicates a programming error upstream.
func (f *Factory) New(eventType string, ctx Context, payload interface{}) *Envelope {
	raw, err := json.Marshal(payload)
	if err != nil || payload == nil {
		raw = json.RawMessage("{}")
	}
	return &Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		Source:        f.source,
		OccurredAt:    time.Now().UTC(),
		StationID:     ctx.StationID,
		TenantID:      ctx.TenantID,
		ChargePointID: ctx.ChargePointID,
		OCPPVersion:   ctx.OCPPVersion,
		Payload:       raw,
	}
}

// WithConnector stamps the connector id onto the envelope.
func (e *Envelope) WithConnector(connectorID int) *Envelope {
	e.ConnectorID = &connectorID
	return e
}

// WithCorrelation stamps a correlation id (command id for command events).
func (e *Envelope) WithCorrelation(id string) *Envelope {
	e.CorrelationID = id
	return e
}
