package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/domain"
	"github.com/voltgrid/ocpp-gateway/internal/ports"
)

const sessionKeyPrefix = "sessions:"

// Config controls session-entry lifetimes.
type Config struct {
	// TTL of the session entry in the KV store.
	TTL time.Duration
	// Stale is how long an entry may go untouched before another node may
	// take the session over. Zero disables takeover.
	Stale time.Duration
}

// Directory owns the cluster-wide session entries. All takeover arbitration
// happens inside the store's compare-and-set; the directory never decides
// ownership on its own.
type Directory struct {
	kv     ports.KV
	cas    ports.SessionCAS
	nodeID string
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

func NewDirectory(kv ports.KV, cas ports.SessionCAS, nodeID string, cfg Config, log *zap.Logger) *Directory {
	return &Directory{
		kv:     kv,
		cas:    cas,
		nodeID: nodeID,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

func sessionKey(chargePointID string) string {
	return sessionKeyPrefix + chargePointID
}

// Claim attempts to take ownership of a charger's session for this node.
func (d *Directory) Claim(ctx context.Context, entry domain.SessionEntry) (ports.ClaimResult, error) {
	now := d.now().UnixMilli()
	entry.NodeID = d.nodeID
	entry.ConnectedAtMs = now
	entry.LastSeenAtMs = now

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return ports.ClaimResult{}, fmt.Errorf("encode session entry: %w", err)
	}

	result, err := d.cas.ClaimSession(ctx, sessionKey(entry.ChargePointID), d.nodeID,
		now, d.cfg.Stale.Milliseconds(), d.cfg.TTL, string(entryJSON))
	if err != nil {
		return ports.ClaimResult{}, fmt.Errorf("claim session %s: %w", entry.ChargePointID, err)
	}

	d.log.Info("Session claim",
		zap.String("charge_point_id", entry.ChargePointID),
		zap.String("status", result.Status.String()),
		zap.Int64("epoch", result.Epoch),
		zap.String("previous_owner", result.PreviousOwnerNode),
	)
	return result, nil
}

// Touch advances lastSeenAtMs and resets the TTL, but only while this node
// still owns the entry. A foreign owner is never overwritten.
func (d *Directory) Touch(ctx context.Context, chargePointID string) error {
	key := sessionKey(chargePointID)
	raw, err := d.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("touch session %s: %w", chargePointID, err)
	}

	var entry domain.SessionEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return fmt.Errorf("decode session entry %s: %w", chargePointID, err)
	}
	if entry.NodeID != d.nodeID {
		d.log.Debug("Skipping touch for session owned elsewhere",
			zap.String("charge_point_id", chargePointID),
			zap.String("owner", entry.NodeID),
		)
		return nil
	}

	entry.LastSeenAtMs = d.now().UnixMilli()
	updated, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode session entry: %w", err)
	}
	if err := d.kv.Set(ctx, key, string(updated), d.cfg.TTL); err != nil {
		return fmt.Errorf("touch session %s: %w", chargePointID, err)
	}
	return nil
}

// Unregister deletes the session entry, but only while this node owns it.
func (d *Directory) Unregister(ctx context.Context, chargePointID string) error {
	key := sessionKey(chargePointID)
	raw, err := d.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("unregister session %s: %w", chargePointID, err)
	}

	var entry domain.SessionEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return fmt.Errorf("decode session entry %s: %w", chargePointID, err)
	}
	if entry.NodeID != d.nodeID {
		d.log.Debug("Skipping unregister for session owned elsewhere",
			zap.String("charge_point_id", chargePointID),
			zap.String("owner", entry.NodeID),
		)
		return nil
	}
	return d.kv.Delete(ctx, key)
}

// Owner returns the current session entry for a charger, or nil when none
// exists.
func (d *Directory) Owner(ctx context.Context, chargePointID string) (*domain.SessionEntry, error) {
	raw, err := d.kv.Get(ctx, sessionKey(chargePointID))
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup session %s: %w", chargePointID, err)
	}
	var entry domain.SessionEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode session entry %s: %w", chargePointID, err)
	}
	return &entry, nil
}
