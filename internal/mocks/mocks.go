package mocks

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/voltgrid/ocpp-gateway/internal/domain"
	"github.com/voltgrid/ocpp-gateway/internal/ports"
)

// MockKV is a mock implementation of ports.KV backed by a map; individual
// methods can be overridden with function fields.
type MockKV struct {
	mu   sync.Mutex
	data map[string]string

	GetFunc    func(ctx context.Context, key string) (string, error)
	SetFunc    func(ctx context.Context, key, value string, ttl time.Duration) error
	SetNXFunc  func(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	DeleteFunc func(ctx context.Context, key string) error
	IncrFunc   func(ctx context.Context, key string) (int64, error)
	ExpireFunc func(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

func NewMockKV() *MockKV {
	return &MockKV{data: make(map[string]string)}
}

func (m *MockKV) Get(ctx context.Context, key string) (string, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if val, ok := m.data[key]; ok {
		return val, nil
	}
	return "", ports.ErrNotFound
}

func (m *MockKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MockKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if m.SetNXFunc != nil {
		return m.SetNXFunc(ctx, key, value, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *MockKV) Delete(ctx context.Context, key string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MockKV) Incr(ctx context.Context, key string) (int64, error) {
	if m.IncrFunc != nil {
		return m.IncrFunc(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(0)
	if val, ok := m.data[key]; ok {
		n, _ = strconv.ParseInt(val, 10, 64)
	}
	n++
	m.data[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *MockKV) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if m.ExpireFunc != nil {
		return m.ExpireFunc(ctx, key, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *MockKV) Ping(ctx context.Context) error { return nil }
func (m *MockKV) Close() error                   { return nil }

// Seed stores a value directly, bypassing the function fields.
func (m *MockKV) Seed(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

// MockIdentityProvider is a mock identity source.
type MockIdentityProvider struct {
	LookupFunc func(ctx context.Context, chargePointID string) (*domain.Identity, error)
}

func (m *MockIdentityProvider) Lookup(ctx context.Context, chargePointID string) (*domain.Identity, error) {
	if m.LookupFunc != nil {
		return m.LookupFunc(ctx, chargePointID)
	}
	return nil, ports.ErrNotFound
}

// PublishedMessage records one Publish call on MockBus.
type PublishedMessage struct {
	Topic string
	Key   string
	Data  []byte
}

// MockBus is a mock implementation of ports.Bus. It records published
// messages and delivers them synchronously to matching subscribers.
type MockBus struct {
	mu          sync.Mutex
	Published   []PublishedMessage
	subscribers map[string][]ports.BusHandler

	PublishFunc func(ctx context.Context, topic, key string, data []byte) error
}

func NewMockBus() *MockBus {
	return &MockBus{subscribers: make(map[string][]ports.BusHandler)}
}

func (m *MockBus) Publish(ctx context.Context, topic, key string, data []byte) error {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, topic, key, data)
	}
	m.mu.Lock()
	m.Published = append(m.Published, PublishedMessage{Topic: topic, Key: key, Data: data})
	handlers := append([]ports.BusHandler(nil), m.subscribers[topic]...)
	m.mu.Unlock()

	for _, h := range handlers {
		_ = h(ctx, data)
	}
	return nil
}

type mockSubscription struct{}

func (mockSubscription) Unsubscribe() error { return nil }

func (m *MockBus) Subscribe(topic, group string, handler ports.BusHandler) (ports.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[topic] = append(m.subscribers[topic], handler)
	return mockSubscription{}, nil
}

func (m *MockBus) Close() error { return nil }

// TopicMessages returns the payloads published to one topic.
func (m *MockBus) TopicMessages(topic string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	for _, p := range m.Published {
		if p.Topic == topic {
			out = append(out, p.Data)
		}
	}
	return out
}
