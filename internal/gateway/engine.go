package gateway

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/observability/telemetry"
	"github.com/voltgrid/ocpp-gateway/internal/ocpp"
	"github.com/voltgrid/ocpp-gateway/internal/ocpp/schema"
	"github.com/voltgrid/ocpp-gateway/internal/ratelimit"
	"github.com/voltgrid/ocpp-gateway/internal/respcache"
)

// CallHandler is a version adapter: it answers one validated inbound CALL.
type CallHandler interface {
	HandleCall(ctx context.Context, cctx ocpp.CallContext, action string, payload json.RawMessage) (json.RawMessage, *ocpp.CallError)
}

// Engine runs the inbound message pipeline: replay cache, envelope parse,
// rate limit, request validation, adapter dispatch, response validation,
// reply caching. Replies to our own outbound CALLs are routed to the
// connection's tracker instead.
type Engine struct {
	registry *schema.Registry
	cache    *respcache.Cache
	limiter  *ratelimit.Limiter
	handlers map[ocpp.Version]CallHandler
	log      *zap.Logger
}

func NewEngine(registry *schema.Registry, cache *respcache.Cache, limiter *ratelimit.Limiter, handlers map[ocpp.Version]CallHandler, log *zap.Logger) *Engine {
	return &Engine{
		registry: registry,
		cache:    cache,
		limiter:  limiter,
		handlers: handlers,
		log:      log,
	}
}

// Process handles one inbound frame and returns the bytes to write back, or
// nil when the frame produces no reply (replies to us, dropped garbage).
func (e *Engine) Process(ctx context.Context, cctx ocpp.CallContext, tracker *Tracker, frame []byte) []byte {
	env, failure := ocpp.ParseEnvelope(frame)
	if failure != nil {
		return e.handleParseFailure(cctx, failure)
	}

	switch env.MessageTypeID {
	case ocpp.CallMessage:
		telemetry.MessagesTotal.WithLabelValues(env.Action, "inbound", cctx.Version.String()).Inc()
		return e.processCall(ctx, cctx, env)
	case ocpp.CallResultMessage:
		tracker.HandleCallResult(env.UniqueID, env.Payload)
		return nil
	case ocpp.CallErrorMessage:
		tracker.HandleCallError(env.UniqueID, env.ErrorCode, env.ErrorDescription, env.ErrorDetails)
		return nil
	}
	return nil
}

// handleParseFailure answers a malformed CALL with a CALLERROR when the
// messageId survived parsing; anything else is dropped.
func (e *Engine) handleParseFailure(cctx ocpp.CallContext, failure *ocpp.ParseFailure) []byte {
	if failure.MessageTypeID != ocpp.CallMessage || failure.UniqueID == "" {
		e.log.Debug("Dropping unparseable frame",
			zap.String("charge_point_id", cctx.ChargePointID),
			zap.String("reason", failure.Reason),
		)
		return nil
	}
	return e.callError(failure.UniqueID, &ocpp.CallError{
		Code:        ocpp.FormatErrorCode(cctx.Version),
		Description: failure.Reason,
	})
}

func (e *Engine) processCall(ctx context.Context, cctx ocpp.CallContext, env *ocpp.Envelope) []byte {
	if cached, ok := e.cache.Get(ctx, cctx.ChargePointID, env.UniqueID); ok {
		telemetry.CachedRepliesTotal.Inc()
		e.log.Debug("Replaying cached reply",
			zap.String("charge_point_id", cctx.ChargePointID),
			zap.String("message_id", env.UniqueID),
		)
		return cached
	}

	reply := e.answerCall(ctx, cctx, env)
	if reply != nil {
		e.cache.Put(ctx, cctx.ChargePointID, env.UniqueID, reply)
	}
	return reply
}

func (e *Engine) answerCall(ctx context.Context, cctx ocpp.CallContext, env *ocpp.Envelope) []byte {
	if callErr := e.limiter.Allow(ctx, cctx.ChargePointID, env.Action); callErr != nil {
		return e.callError(env.UniqueID, callErr)
	}

	if !e.registry.HasRequestSchema(cctx.Version, env.Action) {
		return e.callError(env.UniqueID, &ocpp.CallError{
			Code:        ocpp.ErrNotImplemented,
			Description: "Action not supported",
			Details:     ocpp.ErrorDetails([]string{env.Action}),
		})
	}
	if result := e.registry.ValidateRequest(cctx.Version, env.Action, env.Payload); !result.Valid {
		return e.callError(env.UniqueID, &ocpp.CallError{
			Code:        ocpp.FormatErrorCode(cctx.Version),
			Description: "Payload validation failed",
			Details:     ocpp.ErrorDetails(result.Errors),
		})
	}

	handler, ok := e.handlers[cctx.Version]
	if !ok {
		return e.callError(env.UniqueID, &ocpp.CallError{
			Code:        ocpp.ErrInternalError,
			Description: "No handler for protocol version",
			Details:     ocpp.ErrorDetails([]string{cctx.Version.String()}),
		})
	}

	response, callErr := handler.HandleCall(ctx, cctx, env.Action, env.Payload)
	if callErr != nil {
		return e.callError(env.UniqueID, callErr)
	}

	// An invalid reply of our own making is a bug, not the charger's fault.
	if result := e.registry.ValidateResponse(cctx.Version, env.Action, response); !result.Valid {
		e.log.Error("Generated response failed its schema",
			zap.String("charge_point_id", cctx.ChargePointID),
			zap.String("action", env.Action),
			zap.Strings("errors", result.Errors),
		)
		return e.callError(env.UniqueID, &ocpp.CallError{
			Code:        ocpp.ErrInternalError,
			Description: "Response validation failed",
			Details:     ocpp.ErrorDetails(result.Errors),
		})
	}

	frame, err := ocpp.MarshalCallResult(env.UniqueID, response)
	if err != nil {
		e.log.Error("Failed to emit CALLRESULT", zap.String("message_id", env.UniqueID), zap.Error(err))
		return nil
	}
	return frame
}

func (e *Engine) callError(uniqueID string, callErr *ocpp.CallError) []byte {
	telemetry.CallErrorsTotal.WithLabelValues(callErr.Code).Inc()
	frame, err := ocpp.MarshalCallError(uniqueID, callErr.Code, callErr.Description, callErr.Details)
	if err != nil {
		e.log.Error("Failed to emit CALLERROR", zap.String("message_id", uniqueID), zap.Error(err))
		return nil
	}
	return frame
}
