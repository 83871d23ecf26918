package command

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/domain"
	"github.com/voltgrid/ocpp-gateway/internal/domain/events"
	"github.com/voltgrid/ocpp-gateway/internal/ports"
)

const (
	auditKeyPrefix       = "command-audit:"
	auditUniqueKeyPrefix = "command-audit:unique:"
)

// AuditStore mirrors the command state machine into the KV store so operators
// can reconstruct what happened to any command id. Failures are logged and
// swallowed; auditing never blocks a dispatch.
type AuditStore struct {
	kv        ports.KV
	ttl       time.Duration
	publisher *events.Publisher
	log       *zap.Logger
}

func NewAuditStore(kv ports.KV, ttl time.Duration, log *zap.Logger) *AuditStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuditStore{kv: kv, ttl: ttl, log: log}
}

// WithEvents mirrors every audit transition onto the audit topic.
func (a *AuditStore) WithEvents(publisher *events.Publisher) *AuditStore {
	a.publisher = publisher
	return a
}

// RecordSent writes the initial Sent record, indexed by both commandId and
// the minted messageId.
func (a *AuditStore) RecordSent(ctx context.Context, record domain.AuditRecord) {
	record.Status = domain.CommandStatusSent
	record.SentAtMs = time.Now().UnixMilli()
	a.put(ctx, record)
	if record.MessageID != "" {
		if err := a.kv.Set(ctx, auditUniqueKeyPrefix+record.MessageID, record.CommandID, a.ttl); err != nil {
			a.log.Warn("Audit messageId index write failed",
				zap.String("command_id", record.CommandID), zap.Error(err))
		}
	}
}

// RecordOutcome moves the record to its terminal status.
func (a *AuditStore) RecordOutcome(ctx context.Context, commandID, status, detail string) {
	record, ok := a.Get(ctx, commandID)
	if !ok {
		record = domain.AuditRecord{CommandID: commandID}
	}
	record.Status = status
	record.Detail = detail
	record.ResolvedAtMs = time.Now().UnixMilli()
	a.put(ctx, record)
}

func (a *AuditStore) put(ctx context.Context, record domain.AuditRecord) {
	data, err := json.Marshal(record)
	if err != nil {
		a.log.Error("Audit record encode failed", zap.String("command_id", record.CommandID), zap.Error(err))
		return
	}
	if err := a.kv.Set(ctx, auditKeyPrefix+record.CommandID, string(data), a.ttl); err != nil {
		a.log.Warn("Audit record write failed", zap.String("command_id", record.CommandID), zap.Error(err))
	}

	if a.publisher != nil {
		env := a.publisher.Factory().New(events.TypeCommandAudit, events.Context{
			ChargePointID: record.ChargePointID,
		}, record).WithCorrelation(record.CommandID)
		a.publisher.EmitEnvelope(ctx, events.TopicAuditEvents, env)
	}
}

// Get fetches the audit record for a command id.
func (a *AuditStore) Get(ctx context.Context, commandID string) (domain.AuditRecord, bool) {
	raw, err := a.kv.Get(ctx, auditKeyPrefix+commandID)
	if err != nil {
		return domain.AuditRecord{}, false
	}
	var record domain.AuditRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return domain.AuditRecord{}, false
	}
	return record, true
}
