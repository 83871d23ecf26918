package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/adapter/kv"
	"github.com/voltgrid/ocpp-gateway/internal/domain"
	"github.com/voltgrid/ocpp-gateway/internal/ports"
)

func newTestDirectory(store *kv.MemoryStore, nodeID string, stale time.Duration) *Directory {
	return NewDirectory(store, store, nodeID, Config{TTL: 5 * time.Minute, Stale: stale}, zap.NewNop())
}

func entryFor(cpID, version string) domain.SessionEntry {
	return domain.SessionEntry{ChargePointID: cpID, OCPPVersion: version}
}

func TestClaim_FreshThenRefreshed(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	defer store.Close()
	dir := newTestDirectory(store, "node-a", time.Minute)

	first, err := dir.Claim(context.Background(), entryFor("CP-1", "1.6J"))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first.Status != ports.ClaimFresh {
		t.Errorf("expected FRESH, got %s", first.Status)
	}
	if first.Epoch != 1 {
		t.Errorf("expected epoch 1, got %d", first.Epoch)
	}

	second, err := dir.Claim(context.Background(), entryFor("CP-1", "1.6J"))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if second.Status != ports.ClaimRefreshed {
		t.Errorf("expected REFRESHED, got %s", second.Status)
	}
	if second.Epoch != 1 {
		t.Errorf("expected epoch to stay at 1, got %d", second.Epoch)
	}
}

func TestClaim_DeniedWhileFresh(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	defer store.Close()
	dirA := newTestDirectory(store, "node-a", time.Minute)
	dirB := newTestDirectory(store, "node-b", time.Minute)

	if _, err := dirA.Claim(context.Background(), entryFor("CP-1", "1.6J")); err != nil {
		t.Fatalf("claim: %v", err)
	}

	res, err := dirB.Claim(context.Background(), entryFor("CP-1", "1.6J"))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Status != ports.ClaimDenied {
		t.Errorf("expected DENIED, got %s", res.Status)
	}
}

func TestClaim_TakeoverWhenStale(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	defer store.Close()
	dirA := newTestDirectory(store, "node-a", 50*time.Millisecond)
	dirB := newTestDirectory(store, "node-b", 50*time.Millisecond)

	if _, err := dirA.Claim(context.Background(), entryFor("CP-1", "1.6J")); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Pretend node-a went silent long enough for staleness to trip.
	dirB.now = func() time.Time { return time.Now().Add(time.Second) }

	res, err := dirB.Claim(context.Background(), entryFor("CP-1", "1.6J"))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Status != ports.ClaimTakeover {
		t.Errorf("expected TAKEOVER, got %s", res.Status)
	}
	if res.Epoch != 2 {
		t.Errorf("expected epoch 2 after takeover, got %d", res.Epoch)
	}
	if res.PreviousOwnerNode != "node-a" {
		t.Errorf("expected previous owner node-a, got %s", res.PreviousOwnerNode)
	}
}

func TestTouch_OnlyOwnerAdvances(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	defer store.Close()
	dirA := newTestDirectory(store, "node-a", time.Minute)
	dirB := newTestDirectory(store, "node-b", time.Minute)

	if _, err := dirA.Claim(context.Background(), entryFor("CP-1", "1.6J")); err != nil {
		t.Fatalf("claim: %v", err)
	}

	raw, _ := store.Get(context.Background(), "sessions:CP-1")
	var before domain.SessionEntry
	json.Unmarshal([]byte(raw), &before)

	// A non-owner touch must not steal or modify the entry.
	if err := dirB.Touch(context.Background(), "CP-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	raw, _ = store.Get(context.Background(), "sessions:CP-1")
	var after domain.SessionEntry
	json.Unmarshal([]byte(raw), &after)
	if after.NodeID != "node-a" || after.LastSeenAtMs != before.LastSeenAtMs {
		t.Errorf("expected entry unchanged by foreign touch, got %+v", after)
	}

	dirA.now = func() time.Time { return time.Now().Add(time.Second) }
	if err := dirA.Touch(context.Background(), "CP-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	raw, _ = store.Get(context.Background(), "sessions:CP-1")
	json.Unmarshal([]byte(raw), &after)
	if after.LastSeenAtMs <= before.LastSeenAtMs {
		t.Error("expected owner touch to advance lastSeenAtMs")
	}
}

func TestUnregister_OnlyOwnerDeletes(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	defer store.Close()
	dirA := newTestDirectory(store, "node-a", time.Minute)
	dirB := newTestDirectory(store, "node-b", time.Minute)

	if _, err := dirA.Claim(context.Background(), entryFor("CP-1", "1.6J")); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := dirB.Unregister(context.Background(), "CP-1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := store.Get(context.Background(), "sessions:CP-1"); err != nil {
		t.Fatal("expected entry to survive a foreign unregister")
	}

	if err := dirA.Unregister(context.Background(), "CP-1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := store.Get(context.Background(), "sessions:CP-1"); err == nil {
		t.Fatal("expected entry to be deleted by the owner")
	}
}

func TestOwner_ReturnsEntry(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	defer store.Close()
	dir := newTestDirectory(store, "node-a", time.Minute)

	owner, err := dir.Owner(context.Background(), "CP-1")
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if owner != nil {
		t.Fatal("expected nil owner before any claim")
	}

	if _, err := dir.Claim(context.Background(), entryFor("CP-1", "2.0.1")); err != nil {
		t.Fatalf("claim: %v", err)
	}
	owner, err = dir.Owner(context.Background(), "CP-1")
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if owner == nil || owner.NodeID != "node-a" {
		t.Errorf("expected node-a to own the session, got %+v", owner)
	}
}
