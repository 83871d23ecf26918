package command

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/cluster"
	"github.com/voltgrid/ocpp-gateway/internal/domain"
	"github.com/voltgrid/ocpp-gateway/internal/domain/events"
	"github.com/voltgrid/ocpp-gateway/internal/ports"
	"github.com/voltgrid/ocpp-gateway/internal/session"
)

// SharedCommandTopic is the cluster-wide command intake.
const SharedCommandTopic = "cpms.command.requests"

const defaultConsumerGroup = "ocpp-gateway"

const idempotencyKeyPrefix = "command-idempotency:"

// OwnerLookup resolves the session entry for a charger.
type OwnerLookup interface {
	Owner(ctx context.Context, chargePointID string) (*domain.SessionEntry, error)
}

// NodeLookup resolves another node's advertised topics.
type NodeLookup interface {
	Lookup(ctx context.Context, nodeID string) (*domain.NodeEntry, error)
}

// ConnectionLookup finds the live local connection for a charger.
type ConnectionLookup func(chargePointID string) (CallSender, bool)

// Config controls the command consumer.
type Config struct {
	Group          string
	IdempotencyTTL time.Duration
}

// Consumer pulls CommandRequests off the bus, routes them to the owning
// node, and dispatches the locally-owned ones.
type Consumer struct {
	bus        ports.Bus
	kv         ports.KV
	owners     OwnerLookup
	nodes      NodeLookup
	dispatcher *Dispatcher
	audit      *AuditStore
	publisher  *events.Publisher
	local      ConnectionLookup
	nodeID     string
	cfg        Config
	log        *zap.Logger

	subs []ports.Subscription
}

func NewConsumer(bus ports.Bus, kv ports.KV, owners OwnerLookup, nodes NodeLookup,
	dispatcher *Dispatcher, audit *AuditStore, publisher *events.Publisher,
	local ConnectionLookup, nodeID string, cfg Config, log *zap.Logger) *Consumer {
	if cfg.Group == "" {
		cfg.Group = defaultConsumerGroup
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &Consumer{
		bus:        bus,
		kv:         kv,
		owners:     owners,
		nodes:      nodes,
		dispatcher: dispatcher,
		audit:      audit,
		publisher:  publisher,
		local:      local,
		nodeID:     nodeID,
		cfg:        cfg,
		log:        log,
	}
}

// Start subscribes to the shared topic and this node's own topic. The node
// topic uses a node-scoped group so routed commands are never shared with
// other nodes.
func (c *Consumer) Start() error {
	shared, err := c.bus.Subscribe(SharedCommandTopic, c.cfg.Group, c.handle)
	if err != nil {
		return err
	}
	c.subs = append(c.subs, shared)

	own, err := c.bus.Subscribe(cluster.CommandTopic(c.nodeID), c.cfg.Group+"-"+c.nodeID, c.handle)
	if err != nil {
		return err
	}
	c.subs = append(c.subs, own)
	return nil
}

func (c *Consumer) Stop() {
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.log.Warn("Command consumer unsubscribe failed", zap.Error(err))
		}
	}
	c.subs = nil
}

func (c *Consumer) handle(ctx context.Context, data []byte) error {
	var req domain.CommandRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.log.Warn("Dropping unparseable command request", zap.Error(err))
		return nil
	}

	if req.ChargePointID == "" {
		c.emitOutcome(ctx, req, events.TypeCommandFailed, "Missing chargePointId")
		return nil
	}

	routed, err := c.routeIfForeignOwner(ctx, req, data)
	if err != nil {
		return err
	}
	if routed {
		return nil
	}

	claimed, err := c.kv.SetNX(ctx, idempotencyKeyPrefix+req.CommandID, c.nodeID, c.cfg.IdempotencyTTL)
	if err != nil {
		c.log.Warn("Idempotency claim failed", zap.String("command_id", req.CommandID), zap.Error(err))
		return err
	}
	if !claimed {
		c.emitOutcome(ctx, req, events.TypeCommandDuplicate, "")
		return nil
	}

	sender, ok := c.local(req.ChargePointID)
	if !ok {
		c.audit.RecordOutcome(ctx, req.CommandID, domain.CommandStatusFailed, "Charge point offline")
		c.emitOutcome(ctx, req, events.TypeCommandFailed, "Charge point offline")
		return nil
	}

	c.emitOutcome(ctx, req, events.TypeCommandDispatched, "")
	result := c.dispatcher.Dispatch(ctx, sender, req)
	c.finish(ctx, req, result)
	return nil
}

// routeIfForeignOwner republishes the command to the owner's node topic when
// the session lives elsewhere.
func (c *Consumer) routeIfForeignOwner(ctx context.Context, req domain.CommandRequest, raw []byte) (bool, error) {
	owner, err := c.owners.Owner(ctx, req.ChargePointID)
	if err != nil {
		c.log.Warn("Owner lookup failed", zap.String("charge_point_id", req.ChargePointID), zap.Error(err))
		return false, err
	}
	if owner == nil || owner.NodeID == c.nodeID {
		return false, nil
	}

	topic := cluster.CommandTopic(owner.NodeID)
	if entry, err := c.nodes.Lookup(ctx, owner.NodeID); err == nil && entry != nil && entry.CommandTopic != "" {
		topic = entry.CommandTopic
	}

	if err := c.bus.Publish(ctx, topic, req.ChargePointID, raw); err != nil {
		c.log.Warn("Command routing publish failed",
			zap.String("command_id", req.CommandID),
			zap.String("owner_node", owner.NodeID),
			zap.Error(err),
		)
		return false, err
	}

	env := c.publisher.Factory().New(events.TypeCommandRouted, c.eventContext(req), map[string]string{
		"ownerNodeId": owner.NodeID,
		"topic":       topic,
	}).WithCorrelation(req.CommandID)
	c.publisher.EmitEnvelope(ctx, events.TopicCommandEvents, env)
	return true, nil
}

func (c *Consumer) finish(ctx context.Context, req domain.CommandRequest, result domain.CommandResult) {
	c.audit.RecordOutcome(ctx, req.CommandID, result.Status, result.ErrorCode)

	eventType := events.TypeCommandRejected
	switch result.Status {
	case domain.CommandStatusAccepted:
		eventType = events.TypeCommandAccepted
	case domain.CommandStatusTimeout:
		eventType = events.TypeCommandTimeout
	case domain.CommandStatusFailed:
		eventType = events.TypeCommandFailed
	}

	env := c.publisher.Factory().New(eventType, c.eventContext(req), result).WithCorrelation(req.CommandID)
	c.publisher.EmitEnvelope(ctx, events.TopicCommandEvents, env)
}

func (c *Consumer) emitOutcome(ctx context.Context, req domain.CommandRequest, eventType, detail string) {
	payload := map[string]string{}
	if detail != "" {
		payload["detail"] = detail
	}
	env := c.publisher.Factory().New(eventType, c.eventContext(req), payload).WithCorrelation(req.CommandID)
	c.publisher.EmitEnvelope(ctx, events.TopicCommandEvents, env)
}

func (c *Consumer) eventContext(req domain.CommandRequest) events.Context {
	return events.Context{
		ChargePointID: req.ChargePointID,
		TenantID:      req.TenantID,
	}
}

// _ asserts the session directory satisfies OwnerLookup.
var _ OwnerLookup = (*session.Directory)(nil)
