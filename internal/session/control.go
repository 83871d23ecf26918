package session

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/domain"
	"github.com/voltgrid/ocpp-gateway/internal/ports"
)

// SessionControlTopic returns the session-control topic for a node.
func SessionControlTopic(nodeID string) string {
	return "ocpp.session.control.node." + nodeID
}

// LocalCloser is the gateway-side hook the control consumer uses to drop a
// local socket.
type LocalCloser interface {
	// SessionEpoch returns the epoch of the local connection for a charger,
	// if one exists on this node.
	SessionEpoch(chargePointID string) (int64, bool)
	// CloseTransferred closes the local socket with a "session transferred"
	// close code.
	CloseTransferred(chargePointID, reason string)
}

// Control publishes ForceDisconnect messages to other nodes and consumes
// them for this node.
type Control struct {
	bus    ports.Bus
	nodeID string
	closer LocalCloser
	log    *zap.Logger
	sub    ports.Subscription
}

func NewControl(bus ports.Bus, nodeID string, closer LocalCloser, log *zap.Logger) *Control {
	return &Control{bus: bus, nodeID: nodeID, closer: closer, log: log}
}

// PublishForceDisconnect tells the previous owner to drop its socket for a
// charger this node has just taken over.
func (c *Control) PublishForceDisconnect(ctx context.Context, previousOwner string, msg domain.ForceDisconnect) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode force-disconnect: %w", err)
	}
	if err := c.bus.Publish(ctx, SessionControlTopic(previousOwner), msg.ChargePointID, data); err != nil {
		return fmt.Errorf("publish force-disconnect to %s: %w", previousOwner, err)
	}
	c.log.Info("Published force-disconnect",
		zap.String("charge_point_id", msg.ChargePointID),
		zap.String("previous_owner", previousOwner),
		zap.Int64("new_epoch", msg.NewEpoch),
	)
	return nil
}

// Start subscribes to this node's control topic.
func (c *Control) Start() error {
	sub, err := c.bus.Subscribe(SessionControlTopic(c.nodeID), "", c.handle)
	if err != nil {
		return fmt.Errorf("subscribe session control: %w", err)
	}
	c.sub = sub
	return nil
}

func (c *Control) Stop() {
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.log.Warn("Session control unsubscribe failed", zap.Error(err))
		}
	}
}

func (c *Control) handle(ctx context.Context, data []byte) error {
	var msg domain.ForceDisconnect
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("Dropping malformed force-disconnect", zap.Error(err))
		return nil
	}

	epoch, ok := c.closer.SessionEpoch(msg.ChargePointID)
	if !ok {
		return nil
	}
	// An echo of our own takeover must not close the session we just won.
	if epoch >= msg.NewEpoch {
		c.log.Debug("Ignoring stale force-disconnect",
			zap.String("charge_point_id", msg.ChargePointID),
			zap.Int64("local_epoch", epoch),
			zap.Int64("new_epoch", msg.NewEpoch),
		)
		return nil
	}

	c.log.Info("Closing session transferred to another node",
		zap.String("charge_point_id", msg.ChargePointID),
		zap.String("new_owner", msg.NewOwnerNodeID),
		zap.Int64("new_epoch", msg.NewEpoch),
	)
	c.closer.CloseTransferred(msg.ChargePointID, msg.Reason)
	return nil
}
