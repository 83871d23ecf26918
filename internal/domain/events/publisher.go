package events

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/ports"
)

// Outbound bus topics.
const (
	TopicStationEvents = "ocpp.station.events"
	TopicSessionEvents = "ocpp.session.events"
	TopicCommandEvents = "ocpp.command.events"
	TopicAuditEvents   = "cpms.audit.events"
)

// Publisher emits event envelopes onto the bus, partitioned by charge point.
// Publish failures are logged and swallowed: event emission must never stall
// a charger's receive loop.
type Publisher struct {
	bus     ports.Bus
	factory *Factory
	log     *zap.Logger
}

func NewPublisher(bus ports.Bus, factory *Factory, log *zap.Logger) *Publisher {
	return &Publisher{bus: bus, factory: factory, log: log}
}

// Factory exposes the envelope factory for callers that decorate envelopes
// before emitting them.
func (p *Publisher) Factory() *Factory { return p.factory }

// Emit builds and publishes an event in one step.
func (p *Publisher) Emit(ctx context.Context, topic, eventType string, evCtx Context, payload interface{}) {
	p.EmitEnvelope(ctx, topic, p.factory.New(eventType, evCtx, payload))
}

// EmitEnvelope publishes a prepared envelope.
func (p *Publisher) EmitEnvelope(ctx context.Context, topic string, env *Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		p.log.Error("Failed to encode event", zap.String("event_type", env.EventType), zap.Error(err))
		return
	}
	if err := p.bus.Publish(ctx, topic, env.PartitionKey(), data); err != nil {
		p.log.Warn("Failed to publish event",
			zap.String("topic", topic),
			zap.String("event_type", env.EventType),
			zap.String("charge_point_id", env.ChargePointID),
			zap.Error(err),
		)
	}
}

// Decode parses an envelope back from its wire form.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	return &env, nil
}
