package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/ports"
)

// FloodLogger suppresses repeated log lines per key so a misbehaving source
// cannot flood the logs. Suppression state lives in the KV store under
// log:flood:{key} with the cooldown as TTL, so a source is logged at most
// once per cooldown across the whole cluster. Without a KV store it degrades
// to process-local suppression.
type FloodLogger struct {
	log      *zap.Logger
	kv       ports.KV
	cooldown time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

const floodKeyPrefix = "log:flood:"

func NewFloodLogger(log *zap.Logger, cooldown time.Duration) *FloodLogger {
	return NewKVFloodLogger(log, nil, cooldown)
}

func NewKVFloodLogger(log *zap.Logger, kv ports.KV, cooldown time.Duration) *FloodLogger {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &FloodLogger{
		log:      log,
		kv:       kv,
		cooldown: cooldown,
		seen:     make(map[string]time.Time),
	}
}

// Warn logs the message at warn level unless the key is inside its cooldown.
func (f *FloodLogger) Warn(key, msg string, fields ...zap.Field) {
	if !f.shouldLog(key) {
		return
	}
	f.log.Warn(msg, fields...)
}

func (f *FloodLogger) shouldLog(key string) bool {
	if f.kv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ok, err := f.kv.SetNX(ctx, floodKeyPrefix+key, "1", f.cooldown)
		if err == nil {
			return ok
		}
		// KV trouble must not silence the log.
	}

	now := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	if last, ok := f.seen[key]; ok && now.Sub(last) < f.cooldown {
		return false
	}
	f.seen[key] = now

	if len(f.seen) > 10000 {
		cutoff := now.Add(-f.cooldown)
		for k, t := range f.seen {
			if t.Before(cutoff) {
				delete(f.seen, k)
			}
		}
	}
	return true
}
