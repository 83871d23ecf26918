package kv

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/ports"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && e.expiresAt.Before(now)
}

// MemoryStore implements ports.KV and ports.SessionCAS on a process-local
// map. Used in tests and single-node development runs where no Redis is
// available; all cluster guarantees degrade to process scope.
type MemoryStore struct {
	data   map[string]memoryEntry
	mu     sync.Mutex
	log    *zap.Logger
	stopCh chan struct{}
}

// NewMemoryStore creates an in-memory store with periodic expiry cleanup.
func NewMemoryStore(cleanupInterval time.Duration, log *zap.Logger) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	s := &MemoryStore{
		data:   make(map[string]memoryEntry),
		log:    log,
		stopCh: make(chan struct{}),
	}
	go s.cleanupLoop(cleanupInterval)
	return s
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[key]
	if !ok || entry.expired(time.Now()) {
		return "", ports.ErrNotFound
	}
	return entry.value, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(key, value, ttl)
	return nil
}

func (s *MemoryStore) set(key, value string, ttl time.Duration) {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.data[key] = entry
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.data[key]; ok && !entry.expired(time.Now()) {
		return false, nil
	}
	s.set(key, value, ttl)
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if entry, ok := s.data[key]; ok && !entry.expired(time.Now()) {
		n, _ = strconv.ParseInt(entry.value, 10, 64)
		// keep the existing expiry
		n++
		entry.value = strconv.FormatInt(n, 10)
		s.data[key] = entry
		return n, nil
	}
	s.set(key, "1", 0)
	return 1, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[key]
	if !ok || entry.expired(time.Now()) {
		return false, nil
	}
	entry.expiresAt = time.Now().Add(ttl)
	s.data[key] = entry
	return true, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	close(s.stopCh)
	return nil
}

// ClaimSession mirrors the Redis Lua script under the store lock.
func (s *MemoryStore) ClaimSession(ctx context.Context, key, nodeID string, nowMs, staleMs int64, ttl time.Duration, entryJSON string) (ports.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(entryJSON), &entry); err != nil {
		return ports.ClaimResult{}, err
	}

	write := func(epoch int64) error {
		entry["epoch"] = epoch
		entry["lastSeenAtMs"] = nowMs
		b, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		s.set(key, string(b), ttl)
		return nil
	}

	cur, ok := s.data[key]
	if !ok || cur.expired(time.Now()) {
		if err := write(1); err != nil {
			return ports.ClaimResult{}, err
		}
		return ports.ClaimResult{Status: ports.ClaimFresh, Epoch: 1}, nil
	}

	var existing struct {
		NodeID       string `json:"nodeId"`
		LastSeenAtMs int64  `json:"lastSeenAtMs"`
		Epoch        int64  `json:"epoch"`
	}
	if err := json.Unmarshal([]byte(cur.value), &existing); err != nil {
		return ports.ClaimResult{}, err
	}

	switch {
	case existing.NodeID == nodeID:
		if err := write(existing.Epoch); err != nil {
			return ports.ClaimResult{}, err
		}
		return ports.ClaimResult{Status: ports.ClaimRefreshed, Epoch: existing.Epoch, PreviousOwnerNode: existing.NodeID}, nil
	case staleMs > 0 && nowMs-existing.LastSeenAtMs > staleMs:
		if err := write(existing.Epoch + 1); err != nil {
			return ports.ClaimResult{}, err
		}
		return ports.ClaimResult{Status: ports.ClaimTakeover, Epoch: existing.Epoch + 1, PreviousOwnerNode: existing.NodeID}, nil
	default:
		return ports.ClaimResult{Status: ports.ClaimDenied, Epoch: existing.Epoch, PreviousOwnerNode: existing.NodeID}, nil
	}
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for key, entry := range s.data {
		if entry.expired(now) {
			delete(s.data, key)
		}
	}
}
