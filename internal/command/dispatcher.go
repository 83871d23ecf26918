package command

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/domain"
	"github.com/voltgrid/ocpp-gateway/internal/gateway"
	"github.com/voltgrid/ocpp-gateway/internal/observability/telemetry"
	"github.com/voltgrid/ocpp-gateway/internal/ocpp"
	"github.com/voltgrid/ocpp-gateway/internal/ocpp/schema"
)

const defaultCallTimeout = 15 * time.Second

// CallSender is the slice of a gateway connection the dispatcher needs.
type CallSender interface {
	Context() ocpp.CallContext
	SendCall(messageID, action string, payload []byte, timeout time.Duration, auditCommandID string) (<-chan gateway.Outcome, error)
}

// actionTable maps command types to wire actions per protocol generation.
// An empty entry means the command has no equivalent on that version.
var actionTable = map[string]struct{ v16, v2 string }{
	domain.CommandReset:               {"Reset", "Reset"},
	domain.CommandRemoteStart:         {"RemoteStartTransaction", "RequestStartTransaction"},
	domain.CommandRemoteStop:          {"RemoteStopTransaction", "RequestStopTransaction"},
	domain.CommandUnlockConnector:     {"UnlockConnector", "UnlockConnector"},
	domain.CommandChangeConfiguration: {"ChangeConfiguration", ""},
	domain.CommandTriggerMessage:      {"TriggerMessage", ""},
	domain.CommandUpdateFirmware:      {"UpdateFirmware", "UpdateFirmware"},
}

// ActionFor resolves the wire action for a command type on a version.
func ActionFor(commandType string, version ocpp.Version) (string, bool) {
	entry, ok := actionTable[commandType]
	if !ok {
		return "", false
	}
	action := entry.v2
	if version == ocpp.V16 {
		action = entry.v16
	}
	if action == "" {
		return "", false
	}
	return action, true
}

// Dispatcher turns CommandRequests into outbound CALLs on a live connection.
type Dispatcher struct {
	registry       *schema.Registry
	audit          *AuditStore
	defaultTimeout time.Duration
	log            *zap.Logger
}

// NewDispatcher builds a dispatcher. defaultTimeout bounds calls whose request
// carries no timeout of its own; zero falls back to 15s.
func NewDispatcher(registry *schema.Registry, audit *AuditStore, defaultTimeout time.Duration, log *zap.Logger) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultCallTimeout
	}
	return &Dispatcher{registry: registry, audit: audit, defaultTimeout: defaultTimeout, log: log}
}

// Dispatch sends one command to the charger behind sender and waits for the
// reply. Every exit path returns a terminal CommandResult.
func (d *Dispatcher) Dispatch(ctx context.Context, sender CallSender, req domain.CommandRequest) domain.CommandResult {
	version := sender.Context().Version

	action, ok := ActionFor(req.CommandType, version)
	if !ok {
		return domain.CommandResult{
			Status:    domain.CommandStatusFailed,
			ErrorCode: domain.DispatchErrUnsupportedCommand,
		}
	}
	if !d.registry.HasRequestSchema(version, action) {
		return domain.CommandResult{
			Status:    domain.CommandStatusFailed,
			ErrorCode: domain.DispatchErrSchemaMissing,
		}
	}

	payload, err := normalizePayload(req.CommandType, version, req.Payload)
	if err != nil {
		return domain.CommandResult{
			Status:       domain.CommandStatusFailed,
			ErrorCode:    domain.DispatchErrPayloadValidationFailed,
			ErrorDetails: ocpp.ErrorDetails([]string{err.Error()}),
		}
	}
	if result := d.registry.ValidateRequest(version, action, payload); !result.Valid {
		return domain.CommandResult{
			Status:       domain.CommandStatusFailed,
			ErrorCode:    domain.DispatchErrPayloadValidationFailed,
			ErrorDetails: ocpp.ErrorDetails(result.Errors),
		}
	}

	timeout := d.defaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	messageID := uuid.NewString()
	d.audit.RecordSent(ctx, domain.AuditRecord{
		CommandID:     req.CommandID,
		ChargePointID: req.ChargePointID,
		CommandType:   req.CommandType,
		Action:        action,
		MessageID:     messageID,
	})

	future, err := sender.SendCall(messageID, action, payload, timeout, req.CommandID)
	if err != nil {
		d.log.Warn("Command send failed",
			zap.String("command_id", req.CommandID),
			zap.String("action", action),
			zap.Error(err),
		)
		return domain.CommandResult{
			Status:    domain.CommandStatusFailed,
			ErrorCode: domain.DispatchErrSendFailed,
			MessageID: messageID,
		}
	}

	sentAt := time.Now()
	select {
	case outcome := <-future:
		telemetry.CommandLatency.Observe(time.Since(sentAt).Seconds())
		result := resultFromOutcome(outcome, messageID)
		telemetry.CommandOutcomesTotal.WithLabelValues(req.CommandType, result.Status).Inc()
		return result
	case <-ctx.Done():
		telemetry.CommandOutcomesTotal.WithLabelValues(req.CommandType, domain.CommandStatusTimeout).Inc()
		return domain.CommandResult{Status: domain.CommandStatusTimeout, MessageID: messageID}
	}
}

func resultFromOutcome(outcome gateway.Outcome, messageID string) domain.CommandResult {
	switch outcome.Kind {
	case gateway.OutcomeResult:
		status := domain.CommandStatusAccepted
		if s := responseStatus(outcome.Payload); s != "" && s != "Accepted" {
			status = domain.CommandStatusRejected
		}
		return domain.CommandResult{
			Status:    status,
			Response:  outcome.Payload,
			MessageID: messageID,
		}
	case gateway.OutcomeCallError:
		return domain.CommandResult{
			Status:       domain.CommandStatusRejected,
			ErrorCode:    outcome.CallError.Code,
			ErrorDetails: outcome.CallError.Details,
			MessageID:    messageID,
		}
	case gateway.OutcomeResponseInvalid:
		return domain.CommandResult{
			Status:       domain.CommandStatusRejected,
			ErrorCode:    domain.DispatchErrResponseValidation,
			ErrorDetails: ocpp.ErrorDetails(outcome.ValidationErrors),
			MessageID:    messageID,
		}
	default:
		// Timeout and socket-close both surface as timeout to the caller.
		return domain.CommandResult{Status: domain.CommandStatusTimeout, MessageID: messageID}
	}
}

// responseStatus pulls the top-level status field out of a reply, if any.
func responseStatus(payload json.RawMessage) string {
	var reply struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return ""
	}
	return reply.Status
}

// normalizePayload rewrites legacy CPMS payload shapes into the version's
// wire shape before validation.
func normalizePayload(commandType string, version ocpp.Version, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}

	if commandType == domain.CommandRemoteStop {
		if sessionID, ok := fields["sessionId"]; ok {
			if _, has := fields["transactionId"]; !has {
				fields["transactionId"] = coerceTransactionID(sessionID, version)
			}
			delete(fields, "sessionId")
		}
		if version != ocpp.V16 {
			if txID, ok := fields["transactionId"]; ok {
				fields["transactionId"] = coerceTransactionID(txID, version)
			}
		}
	}

	if commandType == domain.CommandRemoteStart && version != ocpp.V16 {
		if idTag, ok := fields["idTag"]; ok {
			if _, has := fields["idToken"]; !has {
				var tag string
				if err := json.Unmarshal(idTag, &tag); err != nil {
					return nil, err
				}
				wrapped, err := json.Marshal(map[string]string{"idToken": tag, "type": "Central"})
				if err != nil {
					return nil, err
				}
				fields["idToken"] = wrapped
			}
			delete(fields, "idTag")
		}
	}

	return json.Marshal(fields)
}

// coerceTransactionID renders a transaction id as a JSON string for 2.x and
// leaves 1.6J values alone.
func coerceTransactionID(raw json.RawMessage, version ocpp.Version) json.RawMessage {
	if version == ocpp.V16 {
		return raw
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return raw
	}
	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		quoted, _ := json.Marshal(asNumber.String())
		return quoted
	}
	return raw
}
