package respcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/ports"
)

const defaultLocalSize = 4096

// Config controls the response cache.
type Config struct {
	// TTL for cached replies. Zero or negative disables the cache entirely.
	TTL time.Duration
	// LocalSize caps the in-process level.
	LocalSize int
}

// Cache stores the exact reply bytes sent for a CALL, keyed by
// (chargePointId, messageId), so retransmitted CALLs get the original reply
// back without re-running the pipeline. The in-process level always runs;
// the shared KV level is optional and lets replays hit after a reconnect
// lands on another node.
type Cache struct {
	local *expirable.LRU[string, []byte]
	kv    ports.KV
	ttl   time.Duration
	log   *zap.Logger
}

// New builds a response cache. kv may be nil for a process-local cache.
func New(cfg Config, kv ports.KV, log *zap.Logger) *Cache {
	if cfg.TTL <= 0 {
		return &Cache{log: log}
	}
	size := cfg.LocalSize
	if size <= 0 {
		size = defaultLocalSize
	}
	return &Cache{
		local: expirable.NewLRU[string, []byte](size, nil, cfg.TTL),
		kv:    kv,
		ttl:   cfg.TTL,
		log:   log,
	}
}

// Enabled reports whether caching is active.
func (c *Cache) Enabled() bool { return c.local != nil }

func cacheKey(chargePointID, messageID string) string {
	return fmt.Sprintf("respcache:%s:%s", chargePointID, messageID)
}

// Get returns the cached reply for a messageId, if any.
func (c *Cache) Get(ctx context.Context, chargePointID, messageID string) ([]byte, bool) {
	if c.local == nil {
		return nil, false
	}
	key := cacheKey(chargePointID, messageID)
	if reply, ok := c.local.Get(key); ok {
		return reply, true
	}
	if c.kv == nil {
		return nil, false
	}
	reply, err := c.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ports.ErrNotFound) {
			c.log.Warn("Response cache KV lookup failed",
				zap.String("charge_point_id", chargePointID),
				zap.Error(err),
			)
		}
		return nil, false
	}
	b := []byte(reply)
	c.local.Add(key, b)
	return b, true
}

// Put stores the reply bytes exactly as they were sent.
func (c *Cache) Put(ctx context.Context, chargePointID, messageID string, reply []byte) {
	if c.local == nil {
		return
	}
	key := cacheKey(chargePointID, messageID)
	c.local.Add(key, reply)
	if c.kv == nil {
		return
	}
	if err := c.kv.Set(ctx, key, string(reply), c.ttl); err != nil {
		c.log.Warn("Response cache KV store failed",
			zap.String("charge_point_id", chargePointID),
			zap.Error(err),
		)
	}
}
