package cluster

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

const nodeKeyPrefix = "nodes:"

// CommandTopic returns the node-specific command topic.
func CommandTopic(nodeID string) string {
	return "cpms.command.requests.node." + nodeID
}

// Config controls the node directory heartbeat.
type Config struct {
	TTL       time.Duration
	Heartbeat time.Duration
}

// NodeDirectory advertises this node in the KV store so command routing can
// find the topics of a session's owner. Entries expire on their own when a
// node dies; the heartbeat keeps live ones fresh.
type NodeDirectory struct {
	kv                  ports.KV
	nodeID              string
	commandTopic        string
	sessionControlTopic string
	cfg                 Config
	log                 *zap.Logger
	startedAt           int64
	stopCh              chan struct{}
}

func NewNodeDirectory(kv ports.KV, nodeID, commandTopic, sessionControlTopic string, cfg Config, log *zap.Logger) *NodeDirectory {
	return &NodeDirectory{
		kv:                  kv,
		nodeID:              nodeID,
		commandTopic:        commandTopic,
		sessionControlTopic: sessionControlTopic,
		cfg:                 cfg,
		log:                 log,
		stopCh:              make(chan struct{}),
	}
}

// Start writes the node entry and begins the heartbeat loop.
func (d *NodeDirectory) Start(ctx context.Context) error {
	d.startedAt = time.Now().UnixMilli()
	if err := d.register(ctx); err != nil {
		return err
	}
	go d.heartbeatLoop()
	return nil
}

func (d *NodeDirectory) register(ctx context.Context) error {
	entry := domain.NodeEntry{
		NodeID:              d.nodeID,
		CommandTopic:        d.commandTopic,
		SessionControlTopic: d.sessionControlTopic,
		StartedAt:           d.startedAt,
		LastSeenAt:          time.Now().UnixMilli(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode node entry: %w", err)
	}
	if err := d.kv.Set(ctx, nodeKeyPrefix+d.nodeID, string(data), d.cfg.TTL); err != nil {
		return fmt.Errorf("register node %s: %w", d.nodeID, err)
	}
	return nil
}

func (d *NodeDirectory) heartbeatLoop() {
	interval := d.cfg.Heartbeat
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := d.register(ctx); err != nil {
				d.log.Warn("Node heartbeat failed", zap.Error(err))
			}
			cancel()
		case <-d.stopCh:
			return
		}
	}
}

// Stop ends the heartbeat and removes the node entry.
func (d *NodeDirectory) Stop(ctx context.Context) {
	close(d.stopCh)
	if err := d.kv.Delete(ctx, nodeKeyPrefix+d.nodeID); err != nil {
		d.log.Warn("Node deregistration failed", zap.Error(err))
	}
}

// Lookup returns another node's directory entry, or nil when it has expired.
// Callers fall back to the deterministic topic names in that case.
func (d *NodeDirectory) Lookup(ctx context.Context, nodeID string) (*domain.NodeEntry, error) {
	raw, err := d.kv.Get(ctx, nodeKeyPrefix+nodeID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup node %s: %w", nodeID, err)
	}
	var entry domain.NodeEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode node entry %s: %w", nodeID, err)
	}
	return &entry, nil
}
