package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/ports"
)

// rabbitConsumer records one live subscription so it can be re-established
// after a reconnect.
type rabbitConsumer struct {
	id      uint64
	topic   string
	group   string
	handler ports.BusHandler
	tag     string
}

// RabbitMQBus implements ports.Bus on RabbitMQ. Each topic maps to a fanout
// exchange; a consumer group maps to a shared durable queue bound to it, so
// group members split the work the way NATS queue groups do. The partition
// key travels as a message header.
type RabbitMQBus struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	url       string
	mu        sync.RWMutex
	consumers map[uint64]*rabbitConsumer
	nextID    uint64
	log       *zap.Logger
	closed    chan struct{}
}

// NewRabbitMQBus connects to RabbitMQ and starts a reconnect monitor.
func NewRabbitMQBus(url string, log *zap.Logger) (*RabbitMQBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	b := &RabbitMQBus{
		conn:      conn,
		channel:   ch,
		url:       url,
		consumers: make(map[uint64]*rabbitConsumer),
		log:       log,
		closed:    make(chan struct{}),
	}
	go b.monitorConnection()

	log.Info("Successfully connected to RabbitMQ", zap.String("url", url))
	return b, nil
}

func (b *RabbitMQBus) Publish(ctx context.Context, topic, key string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.channel == nil {
		return fmt.Errorf("rabbitmq: channel not available")
	}
	if err := b.channel.ExchangeDeclare(topic, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare exchange: %w", err)
	}

	headers := amqp.Table{}
	if key != "" {
		headers[PartitionKeyHeader] = key
	}
	err := b.channel.PublishWithContext(ctx,
		topic, "", false, false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        data,
			Headers:     headers,
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("rabbitmq: publish: %w", err)
	}
	return nil
}

type rabbitSubscription struct {
	bus *RabbitMQBus
	id  uint64
}

func (s *rabbitSubscription) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.consumers[s.id]
	if !ok {
		return nil
	}
	delete(b.consumers, s.id)
	if b.channel == nil {
		return nil
	}
	return b.channel.Cancel(c.tag, false)
}

func (b *RabbitMQBus) Subscribe(topic, group string, handler ports.BusHandler) (ports.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := &rabbitConsumer{id: b.nextID, topic: topic, group: group, handler: handler}
	b.nextID++
	if err := b.startConsumer(c); err != nil {
		return nil, err
	}
	b.consumers[c.id] = c

	b.log.Info("Subscribed to RabbitMQ exchange",
		zap.String("exchange", topic),
		zap.String("group", group),
	)
	return &rabbitSubscription{bus: b, id: c.id}, nil
}

// startConsumer declares the exchange and queue and begins delivering to the
// handler. Caller holds b.mu.
func (b *RabbitMQBus) startConsumer(c *rabbitConsumer) error {
	if b.channel == nil {
		return fmt.Errorf("rabbitmq: channel not available")
	}
	if err := b.channel.ExchangeDeclare(c.topic, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare exchange: %w", err)
	}

	// A named durable queue shared by the group; an exclusive anonymous queue
	// when no group is given.
	var queue amqp.Queue
	var err error
	if c.group != "" {
		queue, err = b.channel.QueueDeclare(c.topic+"."+c.group, true, false, false, false, nil)
	} else {
		queue, err = b.channel.QueueDeclare("", false, true, true, false, nil)
	}
	if err != nil {
		return fmt.Errorf("rabbitmq: declare queue: %w", err)
	}
	if err := b.channel.QueueBind(queue.Name, "", c.topic, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: bind queue: %w", err)
	}

	c.tag = fmt.Sprintf("%s.%d", queue.Name, c.id)
	msgs, err := b.channel.Consume(queue.Name, c.tag, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: consume: %w", err)
	}

	go func() {
		// The deliveries channel closes when the connection drops; the
		// reconnect monitor starts a replacement consumer.
		for msg := range msgs {
			if err := c.handler(context.Background(), msg.Body); err != nil {
				b.log.Error("Error processing RabbitMQ message",
					zap.String("exchange", c.topic),
					zap.String("group", c.group),
					zap.Error(err),
				)
			}
		}
	}()
	return nil
}

func (b *RabbitMQBus) Close() error {
	close(b.closed)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *RabbitMQBus) monitorConnection() {
	for {
		b.mu.RLock()
		notify := b.conn.NotifyClose(make(chan *amqp.Error, 1))
		b.mu.RUnlock()

		select {
		case <-b.closed:
			return
		case reason, ok := <-notify:
			if !ok {
				return
			}
			b.log.Warn("RabbitMQ connection lost, reconnecting...", zap.String("reason", reason.Reason))
		}

		for {
			select {
			case <-b.closed:
				return
			default:
			}
			time.Sleep(5 * time.Second)
			conn, err := amqp.Dial(b.url)
			if err != nil {
				b.log.Error("Failed to reconnect to RabbitMQ", zap.Error(err))
				continue
			}
			ch, err := conn.Channel()
			if err != nil {
				conn.Close()
				continue
			}

			b.mu.Lock()
			b.conn = conn
			b.channel = ch
			restored := 0
			for _, c := range b.consumers {
				if err := b.startConsumer(c); err != nil {
					b.log.Error("Failed to restore RabbitMQ subscription",
						zap.String("exchange", c.topic),
						zap.String("group", c.group),
						zap.Error(err),
					)
					continue
				}
				restored++
			}
			b.mu.Unlock()

			b.log.Info("Successfully reconnected to RabbitMQ", zap.Int("subscriptions_restored", restored))
			break
		}
	}
}
