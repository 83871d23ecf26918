package state

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/ocpp"
)

// Mode controls how the store treats references to unknown transactions.
type Mode string

const (
	// ModeStrict rejects meter values and transaction events that reference
	// transactions the store has never seen.
	ModeStrict Mode = "strict"
	// ModeLenient accepts them and flags the emitted event as orphaned.
	ModeLenient Mode = "lenient"
)

// ConnectorState is the last reported status of a single connector.
type ConnectorState struct {
	Status       string
	ErrorCode    string
	LastStatusAt time.Time
}

// V16Transaction is a 1.6J transaction record.
type V16Transaction struct {
	TransactionID int
	ConnectorID   int
	IDTag         string
	MeterStart    int
	Timestamp     string
	Active        bool
	MeterStop     int
	StopTimestamp string
}

// V2Transaction is a 2.x transaction record keyed by the station-supplied id.
type V2Transaction struct {
	TransactionID string
	EvseID        int
	ConnectorID   int
	IDToken       string
	StartedAt     time.Time
	Active        bool
	LastSeqNo     int
}

type chargePoint struct {
	mu sync.Mutex

	lastBootAt      time.Time
	lastHeartbeatAt time.Time
	connectors      map[int]ConnectorState

	txCounter int
	v16Txs    map[int]*V16Transaction
	v2Txs     map[string]*V2Transaction

	// At most one active transaction per connector.
	v16Active map[int]int
	v2Active  map[int]string
}

// Store holds in-process per-charger state. Each charge point carries its own
// lock; the connection loop is the single writer for a charger, but commands
// and ops endpoints may read concurrently.
type Store struct {
	mu   sync.RWMutex
	cps  map[string]*chargePoint
	mode Mode
	log  *zap.Logger
}

func NewStore(mode Mode, log *zap.Logger) *Store {
	if mode != ModeLenient {
		mode = ModeStrict
	}
	return &Store{
		cps:  make(map[string]*chargePoint),
		mode: mode,
		log:  log,
	}
}

func (s *Store) Mode() Mode { return s.mode }

func (s *Store) chargePoint(id string) *chargePoint {
	s.mu.RLock()
	cp, ok := s.cps[id]
	s.mu.RUnlock()
	if ok {
		return cp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cp, ok = s.cps[id]; ok {
		return cp
	}
	cp = &chargePoint{
		connectors: make(map[int]ConnectorState),
		v16Txs:     make(map[int]*V16Transaction),
		v2Txs:      make(map[string]*V2Transaction),
		v16Active:  make(map[int]int),
		v2Active:   make(map[int]string),
	}
	s.cps[id] = cp
	return cp
}

// RecordBoot stores the last boot time for a charge point.
func (s *Store) RecordBoot(chargePointID string, at time.Time) {
	cp := s.chargePoint(chargePointID)
	cp.mu.Lock()
	cp.lastBootAt = at
	cp.mu.Unlock()
}

// RecordHeartbeat stores the last heartbeat time for a charge point.
func (s *Store) RecordHeartbeat(chargePointID string, at time.Time) {
	cp := s.chargePoint(chargePointID)
	cp.mu.Lock()
	cp.lastHeartbeatAt = at
	cp.mu.Unlock()
}

// SetConnectorStatus updates a connector's reported status and returns the
// previous status string (empty when the connector was unknown).
func (s *Store) SetConnectorStatus(chargePointID string, connectorID int, status, errorCode string, at time.Time) string {
	cp := s.chargePoint(chargePointID)
	cp.mu.Lock()
	defer cp.mu.Unlock()

	prev := cp.connectors[connectorID].Status
	cp.connectors[connectorID] = ConnectorState{
		Status:       status,
		ErrorCode:    errorCode,
		LastStatusAt: at,
	}
	return prev
}

// ConnectorStatus returns the last reported state of a connector.
func (s *Store) ConnectorStatus(chargePointID string, connectorID int) (ConnectorState, bool) {
	s.mu.RLock()
	cp, ok := s.cps[chargePointID]
	s.mu.RUnlock()
	if !ok {
		return ConnectorState{}, false
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cs, ok := cp.connectors[connectorID]
	return cs, ok
}

// StartTxRequest carries the idempotency-relevant fields of a 1.6J
// StartTransaction payload.
type StartTxRequest struct {
	ConnectorID int
	IDTag       string
	MeterStart  int
	Timestamp   string
}

// StartTxResult is the outcome of a 1.6J StartTransaction.
type StartTxResult struct {
	TransactionID int
	Idempotent    bool
	Err           *ocpp.CallError
}

// StartTransaction applies a 1.6J start. A retransmitted identical start
// returns the original transaction id; a conflicting start on a busy
// connector is rejected.
func (s *Store) StartTransaction(chargePointID string, req StartTxRequest) StartTxResult {
	cp := s.chargePoint(chargePointID)
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if activeID, ok := cp.v16Active[req.ConnectorID]; ok {
		tx := cp.v16Txs[activeID]
		if tx.IDTag == req.IDTag && tx.MeterStart == req.MeterStart && tx.Timestamp == req.Timestamp {
			return StartTxResult{TransactionID: activeID, Idempotent: true}
		}
		return StartTxResult{Err: &ocpp.CallError{
			Code:        ocpp.ErrOccurrenceConstraintViolation,
			Description: "Connector already has an active transaction",
			Details:     ocpp.ErrorDetails([]string{fmt.Sprintf("connectorId %d is bound to transaction %d", req.ConnectorID, activeID)}),
		}}
	}

	cp.txCounter++
	tx := &V16Transaction{
		TransactionID: cp.txCounter,
		ConnectorID:   req.ConnectorID,
		IDTag:         req.IDTag,
		MeterStart:    req.MeterStart,
		Timestamp:     req.Timestamp,
		Active:        true,
	}
	cp.v16Txs[tx.TransactionID] = tx
	cp.v16Active[req.ConnectorID] = tx.TransactionID
	return StartTxResult{TransactionID: tx.TransactionID}
}

// StopTxRequest carries the idempotency-relevant fields of a 1.6J
// StopTransaction payload.
type StopTxRequest struct {
	TransactionID int
	MeterStop     int
	Timestamp     string
}

// StopTxResult is the outcome of a 1.6J StopTransaction.
type StopTxResult struct {
	Idempotent bool
	Err        *ocpp.CallError
}

// StopTransaction applies a 1.6J stop. A retransmitted identical stop is
// accepted as idempotent; a stop for an unknown transaction, or a second stop
// with different values, is rejected.
func (s *Store) StopTransaction(chargePointID string, req StopTxRequest) StopTxResult {
	cp := s.chargePoint(chargePointID)
	cp.mu.Lock()
	defer cp.mu.Unlock()

	tx, ok := cp.v16Txs[req.TransactionID]
	if !ok {
		return StopTxResult{Err: unknownTransaction(fmt.Sprintf("transactionId %d", req.TransactionID))}
	}
	if !tx.Active {
		if tx.MeterStop == req.MeterStop && tx.StopTimestamp == req.Timestamp {
			return StopTxResult{Idempotent: true}
		}
		return StopTxResult{Err: &ocpp.CallError{
			Code:        ocpp.ErrOccurrenceConstraintViolation,
			Description: "Transaction already stopped",
			Details:     ocpp.ErrorDetails([]string{fmt.Sprintf("transactionId %d was stopped with different values", req.TransactionID)}),
		}}
	}

	tx.Active = false
	tx.MeterStop = req.MeterStop
	tx.StopTimestamp = req.Timestamp
	if cp.v16Active[tx.ConnectorID] == tx.TransactionID {
		delete(cp.v16Active, tx.ConnectorID)
	}
	return StopTxResult{}
}

// MeterValuesResult is the outcome of a 1.6J MeterValues referencing a
// transaction.
type MeterValuesResult struct {
	Orphaned bool
	Err      *ocpp.CallError
}

// MeterValues checks a 1.6J meter-values transaction reference. A nil
// transaction id is always fine. An unknown id is rejected in strict mode and
// flagged orphaned in lenient mode.
func (s *Store) MeterValues(chargePointID string, transactionID *int) MeterValuesResult {
	if transactionID == nil {
		return MeterValuesResult{}
	}

	cp := s.chargePoint(chargePointID)
	cp.mu.Lock()
	_, known := cp.v16Txs[*transactionID]
	cp.mu.Unlock()

	if known {
		return MeterValuesResult{}
	}
	if s.mode == ModeLenient {
		s.log.Debug("Meter values for unknown transaction",
			zap.String("charge_point_id", chargePointID),
			zap.Int("transaction_id", *transactionID),
		)
		return MeterValuesResult{Orphaned: true}
	}
	return MeterValuesResult{Err: unknownTransaction(fmt.Sprintf("transactionId %d", *transactionID))}
}

// Transaction event types of OCPP 2.x.
const (
	TxEventStarted = "Started"
	TxEventUpdated = "Updated"
	TxEventEnded   = "Ended"
)

// TxEventRequest carries the state-relevant fields of a 2.x TransactionEvent.
type TxEventRequest struct {
	EventType     string
	SeqNo         int
	TransactionID string
	EvseID        int
	ConnectorID   int
	IDToken       string
	Timestamp     time.Time
}

// TxEventResult is the outcome of a 2.x TransactionEvent.
type TxEventResult struct {
	Idempotent bool
	Orphaned   bool
	Err        *ocpp.CallError
}

// TransactionEvent applies a 2.x transaction event. Sequence numbers at or
// below the last seen one for the transaction are treated as retransmissions.
func (s *Store) TransactionEvent(chargePointID string, version ocpp.Version, req TxEventRequest) TxEventResult {
	if req.TransactionID == "" {
		return TxEventResult{Err: &ocpp.CallError{
			Code:        ocpp.FormatErrorCode(version),
			Description: "Missing transactionId",
			Details:     ocpp.ErrorDetails([]string{"transactionInfo.transactionId is required"}),
		}}
	}

	cp := s.chargePoint(chargePointID)
	cp.mu.Lock()
	defer cp.mu.Unlock()

	tx, known := cp.v2Txs[req.TransactionID]
	if known && req.SeqNo <= tx.LastSeqNo {
		return TxEventResult{Idempotent: true}
	}

	switch req.EventType {
	case TxEventStarted:
		if known {
			tx.LastSeqNo = req.SeqNo
			return TxEventResult{Idempotent: true}
		}
		tx = &V2Transaction{
			TransactionID: req.TransactionID,
			EvseID:        req.EvseID,
			ConnectorID:   req.ConnectorID,
			IDToken:       req.IDToken,
			StartedAt:     req.Timestamp,
			Active:        true,
			LastSeqNo:     req.SeqNo,
		}
		cp.v2Txs[req.TransactionID] = tx
		cp.v2Active[req.ConnectorID] = req.TransactionID
		return TxEventResult{}

	case TxEventUpdated, TxEventEnded:
		if !known {
			if s.mode == ModeLenient {
				s.log.Debug("Transaction event for unknown transaction",
					zap.String("charge_point_id", chargePointID),
					zap.String("transaction_id", req.TransactionID),
					zap.String("event_type", req.EventType),
				)
				return TxEventResult{Orphaned: true}
			}
			return TxEventResult{Err: &ocpp.CallError{
				Code:        ocpp.FormatErrorCode(version),
				Description: "Unknown transaction",
				Details:     ocpp.ErrorDetails([]string{"transactionId " + req.TransactionID}),
			}}
		}
		tx.LastSeqNo = req.SeqNo
		if req.EventType == TxEventEnded {
			tx.Active = false
			if cp.v2Active[tx.ConnectorID] == tx.TransactionID {
				delete(cp.v2Active, tx.ConnectorID)
			}
		}
		return TxEventResult{}

	default:
		return TxEventResult{Err: &ocpp.CallError{
			Code:        ocpp.FormatErrorCode(version),
			Description: "Unknown eventType",
			Details:     ocpp.ErrorDetails([]string{"eventType must be Started, Updated or Ended"}),
		}}
	}
}

// ActiveTransaction returns the active 1.6J transaction id for a connector.
func (s *Store) ActiveTransaction(chargePointID string, connectorID int) (int, bool) {
	s.mu.RLock()
	cp, ok := s.cps[chargePointID]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	id, ok := cp.v16Active[connectorID]
	return id, ok
}

func unknownTransaction(detail string) *ocpp.CallError {
	return &ocpp.CallError{
		Code:        ocpp.ErrOccurrenceConstraintViolation,
		Description: "Unknown transaction",
		Details:     ocpp.ErrorDetails([]string{detail}),
	}
}
