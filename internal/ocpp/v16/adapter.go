package v16

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

// Adapter handles inbound OCPP 1.6J calls. Transactional actions run through
// the state store; everything else answers directly and emits its event.
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
		return a.handleBootNotification(ctx, cctx)
	case "Heartbeat":
		return a.handleHeartbeat(cctx)
	case "StatusNotification":
		return a.handleStatusNotification(ctx, cctx, payload)
	case "Authorize":
		return a.handleAuthorize()
	case "DataTransfer":
		return a.handleDataTransfer(ctx, cctx, payload)
	case "StartTransaction":
		return a.handleStartTransaction(ctx, cctx, payload)
	case "StopTransaction":
		return a.handleStopTransaction(ctx, cctx, payload)
	case "MeterValues":
		return a.handleMeterValues(ctx, cctx, payload)
	case "SecurityEventNotification":
		return a.handleNotification(ctx, cctx, events.TypeSecurityEventReceived, payload)
	case "FirmwareStatusNotification":
		return a.handleNotification(ctx, cctx, events.TypeFirmwareStatusReceived, payload)
	case "DiagnosticsStatusNotification":
		return a.handleNotification(ctx, cctx, events.TypeLogStatusReceived, payload)
	default:
		return nil, &ocpp.CallError{
			Code:        ocpp.ErrNotImplemented,
			Description: "Action not supported",
			Details:     ocpp.ErrorDetails([]string{action}),
		}
	}
}

func (a *Adapter) handleBootNotification(ctx context.Context, cctx ocpp.CallContext) (json.RawMessage, *ocpp.CallError) {
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
	ConnectorID int    `json:"connectorId"`
	Status      string `json:"status"`
	ErrorCode   string `json:"errorCode"`
}

func (a *Adapter) handleStatusNotification(ctx context.Context, cctx ocpp.CallContext, payload json.RawMessage) (json.RawMessage, *ocpp.CallError) {
	var req statusNotificationReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, formatViolation(cctx.Version, err)
	}

	previous := a.store.SetConnectorStatus(cctx.ChargePointID, req.ConnectorID, req.Status, req.ErrorCode, a.now())
	env := a.publisher.Factory().New(events.TypeConnectorStatusChanged, a.eventContext(cctx), map[string]interface{}{
		"status":         req.Status,
		"errorCode":      req.ErrorCode,
		"previousStatus": previous,
	}).WithConnector(req.ConnectorID)
	a.publisher.EmitEnvelope(ctx, events.TopicStationEvents, env)

	return emptyResponse()
}

func (a *Adapter) handleAuthorize() (json.RawMessage, *ocpp.CallError) {
	return marshalResponse(map[string]interface{}{
		"idTagInfo": map[string]string{"status": "Accepted"},
	})
}

func (a *Adapter) handleDataTransfer(ctx context.Context, cctx ocpp.CallContext, payload json.RawMessage) (json.RawMessage, *ocpp.CallError) {
	a.publisher.Emit(ctx, events.TopicStationEvents, events.TypeDataTransferReceived, a.eventContext(cctx), json.RawMessage(payload))
	return marshalResponse(map[string]interface{}{"status": "Accepted"})
}

type startTransactionReq struct {
	ConnectorID int    `json:"connectorId"`
	IDTag       string `json:"idTag"`
	MeterStart  int    `json:"meterStart"`
	Timestamp   string `json:"timestamp"`
}

func (a *Adapter) handleStartTransaction(ctx context.Context, cctx ocpp.CallContext, payload json.RawMessage) (json.RawMessage, *ocpp.CallError) {
	var req startTransactionReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, formatViolation(cctx.Version, err)
	}

	result := a.store.StartTransaction(cctx.ChargePointID, state.StartTxRequest{
		ConnectorID: req.ConnectorID,
		IDTag:       req.IDTag,
		MeterStart:  req.MeterStart,
		Timestamp:   req.Timestamp,
	})
	if result.Err != nil {
		return nil, result.Err
	}

	if !result.Idempotent {
		env := a.publisher.Factory().New(events.TypeTransactionStarted, a.eventContext(cctx), map[string]interface{}{
			"transactionId": result.TransactionID,
			"idTag":         req.IDTag,
			"meterStart":    req.MeterStart,
			"timestamp":     req.Timestamp,
		}).WithConnector(req.ConnectorID)
		a.publisher.EmitEnvelope(ctx, events.TopicStationEvents, env)
	}

	return marshalResponse(map[string]interface{}{
		"transactionId": result.TransactionID,
		"idTagInfo":     map[string]string{"status": "Accepted"},
	})
}

type stopTransactionReq struct {
	TransactionID int    `json:"transactionId"`
	MeterStop     int    `json:"meterStop"`
	Timestamp     string `json:"timestamp"`
	Reason        string `json:"reason"`
}

func (a *Adapter) handleStopTransaction(ctx context.Context, cctx ocpp.CallContext, payload json.RawMessage) (json.RawMessage, *ocpp.CallError) {
	var req stopTransactionReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, formatViolation(cctx.Version, err)
	}

	result := a.store.StopTransaction(cctx.ChargePointID, state.StopTxRequest{
		TransactionID: req.TransactionID,
		MeterStop:     req.MeterStop,
		Timestamp:     req.Timestamp,
	})
	if result.Err != nil {
		return nil, result.Err
	}

	if !result.Idempotent {
		a.publisher.Emit(ctx, events.TopicStationEvents, events.TypeTransactionStopped, a.eventContext(cctx), map[string]interface{}{
			"transactionId": req.TransactionID,
			"meterStop":     req.MeterStop,
			"timestamp":     req.Timestamp,
			"reason":        req.Reason,
		})
	}

	return marshalResponse(map[string]interface{}{
		"idTagInfo": map[string]string{"status": "Accepted"},
	})
}

type meterValuesReq struct {
	ConnectorID   int             `json:"connectorId"`
	TransactionID *int            `json:"transactionId"`
	MeterValue    json.RawMessage `json:"meterValue"`
}

func (a *Adapter) handleMeterValues(ctx context.Context, cctx ocpp.CallContext, payload json.RawMessage) (json.RawMessage, *ocpp.CallError) {
	var req meterValuesReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, formatViolation(cctx.Version, err)
	}

	result := a.store.MeterValues(cctx.ChargePointID, req.TransactionID)
	if result.Err != nil {
		return nil, result.Err
	}

	eventPayload := map[string]interface{}{
		"meterValue": req.MeterValue,
	}
	if req.TransactionID != nil {
		eventPayload["transactionId"] = *req.TransactionID
	}
	if result.Orphaned {
		eventPayload["orphaned"] = true
	}
	env := a.publisher.Factory().New(events.TypeMeterValuesReceived, a.eventContext(cctx), eventPayload).
		WithConnector(req.ConnectorID)
	a.publisher.EmitEnvelope(ctx, events.TopicStationEvents, env)

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
