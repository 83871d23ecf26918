package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/observability/telemetry"
	"github.com/voltgrid/ocpp-gateway/internal/ocpp"
	"github.com/voltgrid/ocpp-gateway/internal/ports"
)

// Limit is a sliding-window cap for one action.
type Limit struct {
	PerChargePoint int
	Global         int
	Window         time.Duration
}

// Config maps action names to their limits. Actions absent from the map are
// never limited.
type Config struct {
	Limits map[string]Limit
}

// DefaultConfig limits the two high-volume notification actions.
func DefaultConfig() Config {
	return Config{Limits: map[string]Limit{
		"MeterValues":        {PerChargePoint: 60, Global: 5000, Window: time.Minute},
		"StatusNotification": {PerChargePoint: 60, Global: 5000, Window: time.Minute},
	}}
}

// Limiter counts calls per action in KV windows shared across the cluster.
type Limiter struct {
	kv  ports.KV
	cfg Config
	log *zap.Logger
}

func NewLimiter(kv ports.KV, cfg Config, log *zap.Logger) *Limiter {
	return &Limiter{kv: kv, cfg: cfg, log: log}
}

// Allow checks an inbound CALL against the per-charger and global windows.
// A nil return means the call may proceed; otherwise the CallError carries
// the rate-limit rejection to put on the wire. KV failures fail open: a
// broken limiter must not take chargers offline.
func (l *Limiter) Allow(ctx context.Context, chargePointID, action string) *ocpp.CallError {
	limit, ok := l.cfg.Limits[action]
	if !ok {
		return nil
	}

	if limit.PerChargePoint > 0 {
		key := fmt.Sprintf("rate:%s:cp:%s", action, chargePointID)
		if callErr := l.check(ctx, key, "charge_point", chargePointID, action, limit.PerChargePoint, limit.Window); callErr != nil {
			return callErr
		}
	}
	if limit.Global > 0 {
		key := fmt.Sprintf("rate:%s:global", action)
		if callErr := l.check(ctx, key, "global", "", action, limit.Global, limit.Window); callErr != nil {
			return callErr
		}
	}
	return nil
}

func (l *Limiter) check(ctx context.Context, key, scope, scopeID, action string, limit int, window time.Duration) *ocpp.CallError {
	count, err := l.kv.Incr(ctx, key)
	if err != nil {
		l.log.Warn("Rate limiter counter unavailable", zap.String("key", key), zap.Error(err))
		return nil
	}
	if count == 1 {
		if _, err := l.kv.Expire(ctx, key, window); err != nil {
			l.log.Warn("Rate limiter expiry failed", zap.String("key", key), zap.Error(err))
		}
	}
	if count <= int64(limit) {
		return nil
	}

	telemetry.RateLimitedTotal.WithLabelValues(action, scope).Inc()
	details, _ := detailsJSON(scope, scopeID, action, limit, window)
	return &ocpp.CallError{
		Code:        ocpp.ErrOccurrenceConstraintViolation,
		Description: "Rate limit exceeded",
		Details:     details,
	}
}
