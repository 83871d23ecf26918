package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/ports"
)

// claimScript is the single cluster-wide arbitration point. It runs atomically
// on the Redis side so two nodes racing for the same charger cannot both win.
//
// Cases: absent key -> FRESH (epoch 1); same node -> REFRESHED (epoch kept);
// stale entry -> TAKEOVER (epoch+1); otherwise DENIED (entry untouched).
var claimScript = redis.NewScript(`
local key = KEYS[1]
local nodeId = ARGV[1]
local nowMs = tonumber(ARGV[2])
local staleMs = tonumber(ARGV[3])
local ttlSec = tonumber(ARGV[4])
local entry = cjson.decode(ARGV[5])

local cur = redis.call('GET', key)
if not cur then
  entry['epoch'] = 1
  entry['lastSeenAtMs'] = nowMs
  redis.call('SET', key, cjson.encode(entry), 'EX', ttlSec)
  return {'FRESH', '', 1}
end

local c = cjson.decode(cur)
if c['nodeId'] == nodeId then
  entry['epoch'] = c['epoch']
  entry['lastSeenAtMs'] = nowMs
  redis.call('SET', key, cjson.encode(entry), 'EX', ttlSec)
  return {'REFRESHED', c['nodeId'], c['epoch']}
end

if staleMs > 0 and (nowMs - tonumber(c['lastSeenAtMs'])) > staleMs then
  entry['epoch'] = c['epoch'] + 1
  entry['lastSeenAtMs'] = nowMs
  redis.call('SET', key, cjson.encode(entry), 'EX', ttlSec)
  return {'TAKEOVER', c['nodeId'], c['epoch'] + 1}
end

return {'DENIED', c['nodeId'], c['epoch']}
`)

// BreakerConfig tunes the circuit breaker guarding each Redis round-trip.
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

// RedisStore implements ports.KV and ports.SessionCAS on Redis. Every call
// carries a short fail-fast deadline and passes through a circuit breaker so
// a degraded Redis cannot stall the receive loops.
type RedisStore struct {
	client    *redis.Client
	breaker   *gobreaker.CircuitBreaker
	opTimeout time.Duration
	log       *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(url string, opTimeout time.Duration, bc BreakerConfig, log *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	bc = bc.withDefaults()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis",
		MaxRequests: bc.HalfOpenSuccesses,
		Timeout:     time.Duration(bc.CooldownSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ports.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("KV circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	log.Info("Successfully connected to Redis")
	return &RedisStore{client: client, breaker: breaker, opTimeout: opTimeout, log: log}, nil
}

func (s *RedisStore) run(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	return s.breaker.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		return fn(opCtx)
	})
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.run(ctx, func(ctx context.Context) (interface{}, error) {
		val, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return "", ports.ErrNotFound
		}
		return val, err
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.run(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	return err
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	v, err := s.run(ctx, func(ctx context.Context) (interface{}, error) {
		return s.client.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	_, err := s.run(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.client.Del(ctx, key).Err()
	})
	return err
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.run(ctx, func(ctx context.Context) (interface{}, error) {
		return s.client.Incr(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	v, err := s.run(ctx, func(ctx context.Context) (interface{}, error) {
		return s.client.Expire(ctx, key, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	_, err := s.run(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// ClaimSession runs the ownership CAS script.
func (s *RedisStore) ClaimSession(ctx context.Context, key, nodeID string, nowMs, staleMs int64, ttl time.Duration, entryJSON string) (ports.ClaimResult, error) {
	ttlSec := int64(ttl / time.Second)
	if ttlSec < 1 {
		ttlSec = 1
	}
	v, err := s.run(ctx, func(ctx context.Context) (interface{}, error) {
		return claimScript.Run(ctx, s.client, []string{key}, nodeID, nowMs, staleMs, ttlSec, entryJSON).Result()
	})
	if err != nil {
		return ports.ClaimResult{}, fmt.Errorf("session claim script failed: %w", err)
	}

	parts, ok := v.([]interface{})
	if !ok || len(parts) != 3 {
		return ports.ClaimResult{}, fmt.Errorf("unexpected claim script reply: %v", v)
	}
	status, _ := parts[0].(string)
	prev, _ := parts[1].(string)
	epoch, _ := parts[2].(int64)

	res := ports.ClaimResult{Epoch: epoch, PreviousOwnerNode: prev}
	switch status {
	case "FRESH":
		res.Status = ports.ClaimFresh
	case "REFRESHED":
		res.Status = ports.ClaimRefreshed
	case "TAKEOVER":
		res.Status = ports.ClaimTakeover
	case "DENIED":
		res.Status = ports.ClaimDenied
	default:
		return ports.ClaimResult{}, fmt.Errorf("unknown claim status %q", status)
	}
	return res, nil
}
