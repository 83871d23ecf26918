package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/mocks"
	"github.com/voltgrid/ocpp-gateway/internal/ocpp"
)

func TestAllow_UnlimitedAction(t *testing.T) {
	limiter := NewLimiter(mocks.NewMockKV(), DefaultConfig(), zap.NewNop())

	for i := 0; i < 1000; i++ {
		if callErr := limiter.Allow(context.Background(), "CP-1", "BootNotification"); callErr != nil {
			t.Fatalf("expected unlimited action to pass, got %v", callErr)
		}
	}
}

func TestAllow_PerChargePointLimit(t *testing.T) {
	cfg := Config{Limits: map[string]Limit{
		"MeterValues": {PerChargePoint: 3, Global: 100, Window: time.Minute},
	}}
	limiter := NewLimiter(mocks.NewMockKV(), cfg, zap.NewNop())

	for i := 0; i < 3; i++ {
		if callErr := limiter.Allow(context.Background(), "CP-1", "MeterValues"); callErr != nil {
			t.Fatalf("call %d: expected pass, got %v", i+1, callErr)
		}
	}

	callErr := limiter.Allow(context.Background(), "CP-1", "MeterValues")
	if callErr == nil {
		t.Fatal("expected fourth call to be limited")
	}
	if callErr.Code != ocpp.ErrOccurrenceConstraintViolation {
		t.Errorf("expected OccurrenceConstraintViolation, got %s", callErr.Code)
	}
	if callErr.Description != "Rate limit exceeded" {
		t.Errorf("expected 'Rate limit exceeded', got '%s'", callErr.Description)
	}

	var details limitDetails
	if err := json.Unmarshal(callErr.Details, &details); err != nil {
		t.Fatalf("details not valid JSON: %v", err)
	}
	if details.Limit != 3 || details.Action != "MeterValues" || details.WindowSeconds != 60 {
		t.Errorf("unexpected details: %+v", details)
	}
}

func TestAllow_PerChargePointIsolation(t *testing.T) {
	cfg := Config{Limits: map[string]Limit{
		"StatusNotification": {PerChargePoint: 1, Window: time.Minute},
	}}
	limiter := NewLimiter(mocks.NewMockKV(), cfg, zap.NewNop())

	limiter.Allow(context.Background(), "CP-1", "StatusNotification")
	if callErr := limiter.Allow(context.Background(), "CP-1", "StatusNotification"); callErr == nil {
		t.Fatal("expected CP-1 to be limited")
	}
	if callErr := limiter.Allow(context.Background(), "CP-2", "StatusNotification"); callErr != nil {
		t.Fatalf("expected CP-2 to be unaffected, got %v", callErr)
	}
}

func TestAllow_GlobalLimit(t *testing.T) {
	cfg := Config{Limits: map[string]Limit{
		"MeterValues": {PerChargePoint: 100, Global: 2, Window: time.Minute},
	}}
	limiter := NewLimiter(mocks.NewMockKV(), cfg, zap.NewNop())

	limiter.Allow(context.Background(), "CP-1", "MeterValues")
	limiter.Allow(context.Background(), "CP-2", "MeterValues")

	if callErr := limiter.Allow(context.Background(), "CP-3", "MeterValues"); callErr == nil {
		t.Fatal("expected global window to limit a third charger")
	}
}

func TestAllow_KVFailureFailsOpen(t *testing.T) {
	kv := mocks.NewMockKV()
	kv.IncrFunc = func(ctx context.Context, key string) (int64, error) {
		return 0, errors.New("redis down")
	}
	cfg := Config{Limits: map[string]Limit{
		"MeterValues": {PerChargePoint: 1, Window: time.Minute},
	}}
	limiter := NewLimiter(kv, cfg, zap.NewNop())

	if callErr := limiter.Allow(context.Background(), "CP-1", "MeterValues"); callErr != nil {
		t.Fatalf("expected fail-open on KV error, got %v", callErr)
	}
}

func TestFloodLogger_SuppressesWithinCooldown(t *testing.T) {
	kv := mocks.NewMockKV()
	flood := NewKVFloodLogger(zap.NewNop(), kv, time.Minute)

	if !flood.shouldLog("unauthorized:1.2.3.4") {
		t.Fatal("expected first occurrence to log")
	}
	if flood.shouldLog("unauthorized:1.2.3.4") {
		t.Error("expected second occurrence to be suppressed")
	}
	if !flood.shouldLog("unauthorized:5.6.7.8") {
		t.Error("expected a different key to log")
	}
}
