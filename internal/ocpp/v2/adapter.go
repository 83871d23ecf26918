package v2

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/domain/events"
	"github.com/voltgrid/ocpp-gateway/internal/ocpp"
	"github.com/voltgrid/ocpp-gateway/internal/state"
)

const heartbeatIntervalSeconds = 300

// Adapter handles inbound OCPP 2.0.1 and 2.1 calls. The two versions share
// semantics here; their differences live in the schema sets.
type Adapter struct {
	store     *state.Store
	publisher *events.Publisher
	log       *zap.Logger
	now       func() time.Time
}

func NewAdapter(store *state.Store, publisher *events.Publisher, log *zap.Logger) *Adapter {
	return &Adapter{
		store:     store,
		publisher: publisher,
		log:       log,
		now:       time.Now,
	}
}

func (a *Adapter) eventContext(cctx ocpp.CallContext) events.Context {
	return events.Context{
		ChargePointID: cctx.ChargePointID,
		StationID:     cctx.StationID,
		TenantID:      cctx.TenantID,
		OCPPVersion:   cctx.Version.String(),
	}
}

// HandleCall dispatches one validated inbound CALL by action name.
func (a *Adapter) HandleCall(ctx context.Context, cctx ocpp.CallContext, action string, payload json.RawMessage) (json.RawMessage, *ocpp.CallError) {
	switch action {
	case "BootNotification":
		return a.handleBootNotification(cctx)
	case "Heartbeat":
		return a.handleHeartbeat(cctx)
	case "StatusNotification":
		return a.handleStatusNotification(ctx, cctx, payload)
	case "Authorize":
		return a.handleAuthorize()
	case "DataTransfer":
		return a.handleDataTransfer(ctx, cctx, payload)
	case "TransactionEvent":
		return a.handleTransactionEvent(ctx, cctx, payload)
	case "MeterValues":
		return a.handleNotification(ctx, cctx, events.TypeMeterValuesReceived, payload)
	case "SecurityEventNotification":
		return a.handleNotification(ctx, cctx, events.TypeSecurityEventReceived, payload)
	case "FirmwareStatusNotification":
		return a.handleNotification(ctx, cctx, events.TypeFirmwareStatusReceived, payload)
	case "LogStatusNotification":
		return a.handleNotification(ctx, cctx, events.TypeLogStatusReceived, payload)
	case "NotifyEvent":
		return a.handleNotification(ctx, cctx, events.TypeConnectorStatusChanged, payload)
	default:
		return nil, &ocpp.CallError{
			Code:        ocpp.ErrNotImplemented,
			Description: "Action not supported",
			Details:     ocpp.ErrorDetails([]string{action}),
		}
	}
}

func (a *Adapter) handleBootNotification(cctx ocpp.CallContext) (json.RawMessage, *ocpp.CallError) {
	now := a.now().UTC()
	a.store.RecordBoot(cctx.ChargePointID, now)
	return marshalResponse(map[string]interface{}{
		"status":      "Accepted",
		"currentTime": now.Format(time.RFC3339),
		"interval":    heartbeatIntervalSeconds,
	})
}

func (a *Adapter) handleHeartbeat(cctx ocpp.CallContext) (json.RawMessage, *ocpp.CallError) {
	now := a.now().UTC()
	a.store.RecordHeartbeat(cctx.ChargePointID, now)
	return marshalResponse(map[string]interface{}{
		"currentTime": now.Format(time.RFC3339),
	})
}

type statusNotificationReq struct {
	EvseID          int    `json:"evseId"`
	ConnectorID     *int   `json:"connectorId"`
	ConnectorStatus string `json:"connectorStatus"`
}

func (a *Adapter) handleStatusNotification(ctx context.Context, cctx ocpp.CallContext, payload json.RawMessage) (json.RawMessage, *ocpp.CallError) {
	var req statusNotificationReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, formatViolation(cctx.Version, err)
	}

	// 2.x connectors are addressed per EVSE; connectorId defaults to the
	// EVSE itself when omitted.
	connectorID := req.EvseID
	if req.ConnectorID != nil {
		connectorID = *req.ConnectorID
	}

	previous := a.store.SetConnectorStatus(cctx.ChargePointID, connectorID, req.ConnectorStatus, "", a.now())
	env := a.publisher.Factory().New(events.TypeConnectorStatusChanged, a.eventContext(cctx), map[string]interface{}{
		"evseId":         req.EvseID,
		"status":         req.ConnectorStatus,
		"previousStatus": previous,
	}).WithConnector(connectorID)
	a.publisher.EmitEnvelope(ctx, events.TopicStationEvents, env)

	return emptyResponse()
}

func (a *Adapter) handleAuthorize() (json.RawMessage, *ocpp.CallError) {
	return marshalResponse(map[string]interface{}{
		"idTokenInfo": map[string]string{"status": "Accepted"},
	})
}

func (a *Adapter) handleDataTransfer(ctx context.Context, cctx ocpp.CallContext, payload json.RawMessage) (json.RawMessage, *ocpp.CallError) {
	a.publisher.Emit(ctx, events.TopicStationEvents, events.TypeDataTransferReceived, a.eventContext(cctx), json.RawMessage(payload))
	return marshalResponse(map[string]interface{}{"status": "Accepted"})
}

type transactionEventReq struct {
	EventType       string    `json:"eventType"`
	SeqNo           int       `json:"seqNo"`
	Timestamp       time.Time `json:"timestamp"`
	TransactionInfo struct {
		TransactionID string `json:"transactionId"`
	} `json:"transactionInfo"`
	Evse *struct {
		ID          int  `json:"id"`
		ConnectorID *int `json:"connectorId"`
	} `json:"evse"`
	IDToken *struct {
		IDToken string `json:"idToken"`
	} `json:"idToken"`
}

func (a *Adapter) handleTransactionEvent(ctx context.Context, cctx ocpp.CallContext, payload json.RawMessage) (json.RawMessage, *ocpp.CallError) {
	var req transactionEventReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, formatViolation(cctx.Version, err)
	}

	stateReq := state.TxEventRequest{
		EventType:     req.EventType,
		SeqNo:         req.SeqNo,
		TransactionID: req.TransactionInfo.TransactionID,
		Timestamp:     req.Timestamp,
	}
	if req.Evse != nil {
		stateReq.EvseID = req.Evse.ID
		stateReq.ConnectorID = req.Evse.ID
		if req.Evse.ConnectorID != nil {
			stateReq.ConnectorID = *req.Evse.ConnectorID
		}
	}
	if req.IDToken != nil {
		stateReq.IDToken = req.IDToken.IDToken
	}

	result := a.store.TransactionEvent(cctx.ChargePointID, cctx.Version, stateReq)
	if result.Err != nil {
		return nil, result.Err
	}

	if !result.Idempotent {
		eventType := map[string]string{
			state.TxEventStarted: events.TypeTransactionStarted,
			state.TxEventUpdated: events.TypeTransactionUpdated,
			state.TxEventEnded:   events.TypeTransactionStopped,
		}[req.EventType]

		eventPayload := map[string]interface{}{
			"transactionId": req.TransactionInfo.TransactionID,
			"eventType":     req.EventType,
			"seqNo":         req.SeqNo,
			"timestamp":     req.Timestamp,
		}
		if result.Orphaned {
			eventPayload["orphaned"] = true
		}
		env := a.publisher.Factory().New(eventType, a.eventContext(cctx), eventPayload)
		if req.Evse != nil {
			env = env.WithConnector(stateReq.ConnectorID)
		}
		a.publisher.EmitEnvelope(ctx, events.TopicStationEvents, env)
	}

	return emptyResponse()
}

func (a *Adapter) handleNotification(ctx context.Context, cctx ocpp.CallContext, eventType string, payload json.RawMessage) (json.RawMessage, *ocpp.CallError) {
	a.publisher.Emit(ctx, events.TopicStationEvents, eventType, a.eventContext(cctx), json.RawMessage(payload))
	return emptyResponse()
}

func marshalResponse(resp interface{}) (json.RawMessage, *ocpp.CallError) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, &ocpp.CallError{
			Code:        ocpp.ErrInternalError,
			Description: "Failed to encode response",
			Details:     ocpp.ErrorDetails([]string{err.Error()}),
		}
	}
	return data, nil
}

func emptyResponse() (json.RawMessage, *ocpp.CallError) {
	return json.RawMessage("{}"), nil
}

func formatViolation(version ocpp.Version, err error) *ocpp.CallError {
	return &ocpp.CallError{
		Code:        ocpp.FormatErrorCode(version),
		Description: "Malformed payload",
		Details:     ocpp.ErrorDetails([]string{err.Error()}),
	}
}
