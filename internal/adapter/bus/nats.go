package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/ports"
)

// PartitionKeyHeader carries the partition key on every published message so
// downstream bridges keep one charger's events in order.
const PartitionKeyHeader = "Partition-Key"

// BreakerConfig tunes the circuit breaker guarding publishes.
type BreakerConfig struct {
	ConsecutiveFailures uint32
	CooldownSeconds     int
	HalfOpenSuccesses   uint32
}

// withDefaults fills unset fields. A zero ConsecutiveFailures would make
// ReadyToTrip fire on the first failure, and a zero cooldown falls back to
// gobreaker's 60s open interval, so both get explicit floors.
func (bc BreakerConfig) withDefaults() BreakerConfig {
	if bc.ConsecutiveFailures == 0 {
		bc.ConsecutiveFailures = 5
	}
	if bc.CooldownSeconds <= 0 {
		bc.CooldownSeconds = 30
	}
	if bc.HalfOpenSuccesses == 0 {
		bc.HalfOpenSuccesses = 1
	}
	return bc
}

// NATSBus implements ports.Bus on a NATS connection. Queue groups provide the
// shared-work semantics for consumer groups.
type NATSBus struct {
	conn    *nats.Conn
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// NewNATSBus connects to NATS.
func NewNATSBus(url string, bc BreakerConfig, log *zap.Logger) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	bc = bc.withDefaults()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "nats",
		MaxRequests: bc.HalfOpenSuccesses,
		Timeout:     time.Duration(bc.CooldownSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Bus circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	log.Info("Successfully connected to NATS", zap.String("url", url))
	return &NATSBus{conn: nc, breaker: breaker, log: log}, nil
}

func (b *NATSBus) Publish(ctx context.Context, topic, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.breaker.Execute(func() (interface{}, error) {
		msg := &nats.Msg{Subject: topic, Data: data}
		if key != "" {
			msg.Header = nats.Header{PartitionKeyHeader: []string{key}}
		}
		return nil, b.conn.PublishMsg(msg)
	})
	return err
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }

func (b *NATSBus) Subscribe(topic, group string, handler ports.BusHandler) (ports.Subscription, error) {
	cb := func(msg *nats.Msg) {
		if err := handler(context.Background(), msg.Data); err != nil {
			b.log.Error("Error processing bus message",
				zap.String("topic", topic),
				zap.String("group", group),
				zap.Error(err),
			)
		}
	}

	var sub *nats.Subscription
	var err error
	if group != "" {
		sub, err = b.conn.QueueSubscribe(topic, group, cb)
	} else {
		sub, err = b.conn.Subscribe(topic, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}

// IsCircuitOpen reports whether an error came from an open breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
