package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/observability/telemetry"
	"github.com/voltgrid/ocpp-gateway/internal/ocpp"
)

const writeTimeout = 10 * time.Second

// Connection is one charger's WebSocket session on this node.
type Connection struct {
	conn    *websocket.Conn
	tracker *Tracker
	log     *zap.Logger

	cctx  ocpp.CallContext
	epoch int64
	ip    string

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(conn *websocket.Conn, tracker *Tracker, cctx ocpp.CallContext, ip string, log *zap.Logger) *Connection {
	return &Connection{
		conn:    conn,
		tracker: tracker,
		log:     log,
		cctx:    cctx,
		ip:      ip,
		done:    make(chan struct{}),
	}
}

// Context returns the call context stamped on this connection.
func (c *Connection) Context() ocpp.CallContext { return c.cctx }

// Epoch returns the session epoch won at claim time.
func (c *Connection) Epoch() int64 { return c.epoch }

func (c *Connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SendCall emits an outbound CALL and returns the tracker future for its
// reply.
func (c *Connection) SendCall(messageID, action string, payload []byte, timeout time.Duration, auditCommandID string) (<-chan Outcome, error) {
	frame, err := ocpp.MarshalCall(messageID, action, payload)
	if err != nil {
		return nil, fmt.Errorf("marshal CALL %s: %w", action, err)
	}
	future, err := c.tracker.Register(messageID, action, timeout, auditCommandID)
	if err != nil {
		return nil, err
	}
	if err := c.write(frame); err != nil {
		c.tracker.resolve(messageID, Outcome{Kind: OutcomeCancelled})
		return nil, fmt.Errorf("write CALL %s: %w", action, err)
	}
	telemetry.MessagesTotal.WithLabelValues(action, "outbound", c.cctx.Version.String()).Inc()
	return future, nil
}

// closeWithCode sends a close frame and tears the socket down. Safe to call
// more than once.
func (c *Connection) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeTimeout)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		c.writeMu.Unlock()
		c.conn.Close()
		c.tracker.Close()
		close(c.done)
	})
}

// Done is closed when the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }
