package ports

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by KV.Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// KV is the key/value store the gateway keeps its cluster-shared state in:
// identities, session entries, response cache, rate counters, idempotency
// claims and audit records.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	// SetNX stores the value only if the key is absent. Returns true when the
	// claim succeeded.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// Incr atomically increments a counter key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets a TTL on an existing key. Returns false if the key is gone.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// ClaimStatus is the outcome of a session ownership claim.
type ClaimStatus int

const (
	ClaimFresh ClaimStatus = iota
	ClaimRefreshed
	ClaimTakeover
	ClaimDenied
)

func (s ClaimStatus) String() string {
	switch s {
	case ClaimFresh:
		return "fresh"
	case ClaimRefreshed:
		return "refreshed"
	case ClaimTakeover:
		return "takeover"
	case ClaimDenied:
		return "denied"
	}
	return "unknown"
}

// ClaimResult reports the arbitration outcome for one claim attempt.
type ClaimResult struct {
	Status            ClaimStatus
	Epoch             int64
	PreviousOwnerNode string
}

// SessionCAS is the single cluster-wide arbitration primitive: an atomic
// compare-and-set over one session key. Redis implements it with a Lua
// script; the in-memory store implements it under a lock.
type SessionCAS interface {
	// ClaimSession writes entryJSON under key per the ownership protocol.
	// entryJSON must carry "nodeId"; the store rewrites its "epoch" and
	// "lastSeenAtMs" fields according to the arbitration outcome.
	ClaimSession(ctx context.Context, key, nodeID string, nowMs, staleMs int64, ttl time.Duration, entryJSON string) (ClaimResult, error)
}

// BusHandler consumes one message. A non-nil error is logged by the adapter;
// redelivery semantics are the broker's.
type BusHandler func(ctx context.Context, data []byte) error

// Subscription is a live bus subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the durable event bus. Publish partitions by key so one charger's
// events stay ordered for downstream consumers. Subscribe with a group makes
// members of the same group share work; distinct groups each see every
// message.
type Bus interface {
	Publish(ctx context.Context, topic, key string, data []byte) error
	Subscribe(topic, group string, handler BusHandler) (Subscription, error)
	Close() error
}
