package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/observability/telemetry"
	"github.com/voltgrid/ocpp-gateway/internal/ocpp"
	"github.com/voltgrid/ocpp-gateway/internal/ocpp/schema"
)

// OutcomeKind classifies how an outbound CALL ended.
type OutcomeKind int

const (
	// OutcomeResult: CALLRESULT arrived and its payload passed the response
	// schema.
	OutcomeResult OutcomeKind = iota
	// OutcomeCallError: the charger answered with a CALLERROR.
	OutcomeCallError
	// OutcomeResponseInvalid: CALLRESULT arrived but failed response
	// validation.
	OutcomeResponseInvalid
	// OutcomeTimeout: no reply before the deadline.
	OutcomeTimeout
	// OutcomeCancelled: the socket closed while the CALL was pending.
	OutcomeCancelled
)

// Outcome resolves one outbound CALL.
type Outcome struct {
	Kind             OutcomeKind
	Payload          json.RawMessage
	CallError        *ocpp.CallError
	ValidationErrors []string
}

type pendingCall struct {
	action         string
	auditCommandID string
	ch             chan Outcome
	timer          *time.Timer
}

// Tracker pairs outbound CALLs with their replies on one connection. Each
// registered messageId resolves exactly once: by CALLRESULT, CALLERROR,
// timeout, or connection close. Replies for unknown ids are dropped.
type Tracker struct {
	registry *schema.Registry
	version  ocpp.Version
	log      *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
}

func NewTracker(registry *schema.Registry, version ocpp.Version, log *zap.Logger) *Tracker {
	return &Tracker{
		registry: registry,
		version:  version,
		log:      log,
		pending:  make(map[string]*pendingCall),
	}
}

// Register arms a future for an outbound CALL. The returned channel receives
// exactly one Outcome.
func (t *Tracker) Register(messageID, action string, timeout time.Duration, auditCommandID string) (<-chan Outcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("tracker closed")
	}
	if _, exists := t.pending[messageID]; exists {
		return nil, fmt.Errorf("messageId %s already pending", messageID)
	}

	p := &pendingCall{
		action:         action,
		auditCommandID: auditCommandID,
		ch:             make(chan Outcome, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		t.resolve(messageID, Outcome{Kind: OutcomeTimeout})
	})
	t.pending[messageID] = p
	telemetry.PendingCalls.Inc()
	return p.ch, nil
}

// HandleCallResult resolves a pending CALL with an incoming CALLRESULT. The
// payload is validated against the response schema first delivery.
func (t *Tracker) HandleCallResult(messageID string, payload json.RawMessage) {
	t.mu.Lock()
	p, ok := t.pending[messageID]
	var action string
	if ok {
		action = p.action
	}
	t.mu.Unlock()
	if !ok {
		t.log.Debug("Dropping CALLRESULT for unknown messageId", zap.String("message_id", messageID))
		return
	}

	result := t.registry.ValidateResponse(t.version, action, payload)
	if !result.Valid {
		t.resolve(messageID, Outcome{
			Kind:             OutcomeResponseInvalid,
			ValidationErrors: result.Errors,
		})
		return
	}
	t.resolve(messageID, Outcome{Kind: OutcomeResult, Payload: payload})
}

// HandleCallError resolves a pending CALL with an incoming CALLERROR.
func (t *Tracker) HandleCallError(messageID, code, description string, details json.RawMessage) {
	t.mu.Lock()
	_, ok := t.pending[messageID]
	t.mu.Unlock()
	if !ok {
		t.log.Debug("Dropping CALLERROR for unknown messageId", zap.String("message_id", messageID))
		return
	}
	t.resolve(messageID, Outcome{
		Kind: OutcomeCallError,
		CallError: &ocpp.CallError{
			Code:        code,
			Description: description,
			Details:     details,
		},
	})
}

// resolve removes the pending entry and delivers the outcome. Only the first
// resolution for a messageId wins; later ones find nothing.
func (t *Tracker) resolve(messageID string, outcome Outcome) {
	t.mu.Lock()
	p, ok := t.pending[messageID]
	if ok {
		delete(t.pending, messageID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	telemetry.PendingCalls.Dec()
	p.timer.Stop()
	p.ch <- outcome
}

// Close cancels every pending CALL. Called when the socket goes away.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	pending := t.pending
	t.pending = make(map[string]*pendingCall)
	t.mu.Unlock()

	for _, p := range pending {
		telemetry.PendingCalls.Dec()
		p.timer.Stop()
		p.ch <- Outcome{Kind: OutcomeCancelled}
	}
}

// PendingCount reports how many CALLs are awaiting replies.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
