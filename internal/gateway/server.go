package gateway

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/auth"
	"github.com/voltgrid/ocpp-gateway/internal/domain"
	"github.com/voltgrid/ocpp-gateway/internal/domain/events"
	"github.com/voltgrid/ocpp-gateway/internal/observability/telemetry"
	"github.com/voltgrid/ocpp-gateway/internal/ocpp"
	"github.com/voltgrid/ocpp-gateway/internal/ocpp/schema"
	"github.com/voltgrid/ocpp-gateway/internal/ports"
	"github.com/voltgrid/ocpp-gateway/internal/ratelimit"
	"github.com/voltgrid/ocpp-gateway/internal/session"
)

var (
	pathPattern         = regexp.MustCompile(`^/ocpp/([^/]+)/([\w-]{3,})$`)
	suspiciousFragments = []string{
		".env", "/etc/passwd", "admin", "login", "wp-admin",
		"phpmyadmin", "xmlrpc", "select%20", "select ", "..",
	}
)

// Config holds the connection-level knobs.
type Config struct {
	// MaxPayloadBytes caps one inbound frame.
	MaxPayloadBytes int64
	// PendingMessageLimit bounds frames queued before admission completes.
	PendingMessageLimit int
	// TrustProxy resolves client addresses from forwarding headers.
	TrustProxy bool
}

// Server owns the WebSocket endpoint and the per-connection session loops.
type Server struct {
	engine        *Engine
	authenticator *auth.Authenticator
	directory     *session.Directory
	control       *session.Control
	registry      *schema.Registry
	publisher     *events.Publisher
	flood         *ratelimit.FloodLogger
	nodeID        string
	cfg           Config
	log           *zap.Logger

	mu    sync.RWMutex
	conns map[string]*Connection

	upgrader websocket.Upgrader
}

func NewServer(engine *Engine, authenticator *auth.Authenticator, directory *session.Directory,
	registry *schema.Registry, publisher *events.Publisher, flood *ratelimit.FloodLogger,
	nodeID string, cfg Config, log *zap.Logger) *Server {
	s := &Server{
		engine:        engine,
		authenticator: authenticator,
		directory:     directory,
		registry:      registry,
		publisher:     publisher,
		flood:         flood,
		nodeID:        nodeID,
		cfg:           cfg,
		log:           log,
		conns:         make(map[string]*Connection),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// SetControl wires the session-control publisher used on takeovers.
func (s *Server) SetControl(control *session.Control) { s.control = control }

// ServeHTTP upgrades charger connections on /ocpp/{version}/{chargePointId}.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := auth.ClientIP(r.RemoteAddr, r.Header, s.cfg.TrustProxy)

	if s.isSuspiciousPath(r.URL.Path) {
		s.flood.Warn("suspicious:"+clientIP, "Rejected suspicious path",
			zap.String("path", r.URL.Path),
			zap.String("source_ip", clientIP),
		)
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	m := pathPattern.FindStringSubmatch(r.URL.Path)
	if m == nil {
		s.flood.Warn("suspicious:"+clientIP, "Rejected malformed OCPP path",
			zap.String("path", r.URL.Path),
			zap.String("source_ip", clientIP),
		)
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	version := ocpp.ParseVersion(m[1])
	chargePointID := m[2]
	if version == ocpp.VersionUnknown {
		http.Error(w, "unsupported protocol version", http.StatusBadRequest)
		return
	}

	subprotocol := negotiateSubprotocol(version, websocket.Subprotocols(r))
	if subprotocol == "" {
		s.log.Warn("Subprotocol negotiation failed",
			zap.String("charge_point_id", chargePointID),
			zap.Strings("offered", websocket.Subprotocols(r)),
		)
		http.Error(w, "unsupported subprotocol", http.StatusBadRequest)
		return
	}

	authReq := auth.Request{
		ChargePointID: chargePointID,
		Version:       version,
		RemoteAddr:    r.RemoteAddr,
		Header:        r.Header,
		TLS:           r.TLS,
	}

	conn, err := s.upgrader.Upgrade(w, r, http.Header{"Sec-WebSocket-Protocol": {subprotocol}})
	if err != nil {
		s.log.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	go s.runSession(conn, authReq, chargePointID, version, clientIP)
}

func (s *Server) isSuspiciousPath(path string) bool {
	lower := strings.ToLower(path)
	for _, fragment := range suspiciousFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// negotiateSubprotocol picks the first offered subprotocol valid for the
// version. The client must offer at least one.
func negotiateSubprotocol(version ocpp.Version, offered []string) string {
	allowed := version.Subprotocols()
	for _, o := range offered {
		for _, a := range allowed {
			if strings.EqualFold(o, a) {
				return a
			}
		}
	}
	return ""
}

// runSession owns one charger connection from upgrade to teardown. Admission
// (auth + ownership claim) runs while early frames queue up to the pending
// limit.
func (s *Server) runSession(wsConn *websocket.Conn, authReq auth.Request, chargePointID string, version ocpp.Version, clientIP string) {
	if s.cfg.MaxPayloadBytes > 0 {
		wsConn.SetReadLimit(s.cfg.MaxPayloadBytes)
	}

	cctx := ocpp.CallContext{ChargePointID: chargePointID, Version: version}
	conn := newConnection(wsConn, NewTracker(s.registry, version, s.log), cctx, clientIP, s.log)

	frames := make(chan []byte, s.pendingLimit())
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer close(frames)
		for {
			_, data, err := wsConn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Debug("WebSocket read ended", zap.String("charge_point_id", chargePointID), zap.Error(err))
				}
				return
			}
			select {
			case frames <- data:
			default:
				// Admission is still running and the queue is full.
				s.log.Warn("Pre-auth message queue overflow",
					zap.String("charge_point_id", chargePointID),
				)
				conn.closeWithCode(websocket.CloseTryAgainLater, "backpressure")
				return
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	identity, claim, ok := s.admit(ctx, conn, authReq)
	if !ok {
		<-readDone
		return
	}
	conn.cctx.StationID = identity.StationID
	conn.cctx.TenantID = identity.TenantID
	conn.epoch = claim.Epoch

	s.register(conn)
	telemetry.ConnectedChargePoints.WithLabelValues(version.String()).Inc()
	defer telemetry.ConnectedChargePoints.WithLabelValues(version.String()).Dec()
	defer s.teardown(ctx, conn)

	evCtx := events.Context{
		ChargePointID: chargePointID,
		StationID:     identity.StationID,
		TenantID:      identity.TenantID,
		OCPPVersion:   version.String(),
	}
	s.publisher.Emit(ctx, events.TopicSessionEvents, events.TypeChargePointConnected, evCtx, map[string]interface{}{
		"nodeId": s.nodeID,
		"epoch":  claim.Epoch,
		"ip":     clientIP,
	})

	for frame := range frames {
		if err := s.directory.Touch(ctx, chargePointID); err != nil {
			s.log.Warn("Session touch failed", zap.String("charge_point_id", chargePointID), zap.Error(err))
		}
		reply := s.engine.Process(ctx, conn.cctx, conn.tracker, frame)
		if reply == nil {
			continue
		}
		if err := conn.write(reply); err != nil {
			s.log.Warn("Write failed, dropping connection",
				zap.String("charge_point_id", chargePointID), zap.Error(err))
			break
		}
	}

	s.publisher.Emit(ctx, events.TopicSessionEvents, events.TypeChargePointDisconnected, evCtx, map[string]interface{}{
		"nodeId": s.nodeID,
	})
}

func (s *Server) pendingLimit() int {
	if s.cfg.PendingMessageLimit > 0 {
		return s.cfg.PendingMessageLimit
	}
	return 32
}

// admit runs authentication and the ownership claim. On failure the socket
// is closed with the protocol-appropriate code and ok is false.
func (s *Server) admit(ctx context.Context, conn *Connection, authReq auth.Request) (*domain.Identity, ports.ClaimResult, bool) {
	identity, err := s.authenticator.Authenticate(ctx, authReq)
	if err != nil {
		telemetry.RejectedUpgradesTotal.WithLabelValues("unauthorized").Inc()
		conn.closeWithCode(websocket.ClosePolicyViolation, "unauthorized")
		return nil, ports.ClaimResult{}, false
	}

	claim, err := s.directory.Claim(ctx, domain.SessionEntry{
		ChargePointID: authReq.ChargePointID,
		OCPPVersion:   authReq.Version.String(),
		StationID:     identity.StationID,
		TenantID:      identity.TenantID,
	})
	if err != nil {
		s.log.Error("Session claim failed", zap.String("charge_point_id", authReq.ChargePointID), zap.Error(err))
		conn.closeWithCode(websocket.CloseTryAgainLater, "session claim unavailable")
		return nil, ports.ClaimResult{}, false
	}

	switch claim.Status {
	case ports.ClaimDenied:
		telemetry.RejectedUpgradesTotal.WithLabelValues("already_connected").Inc()
		conn.closeWithCode(websocket.CloseTryAgainLater, "already connected")
		return nil, ports.ClaimResult{}, false
	case ports.ClaimTakeover:
		telemetry.SessionTakeoversTotal.Inc()
		s.notifyTakeover(ctx, authReq.ChargePointID, claim, identity)
	}
	return identity, claim, true
}

func (s *Server) notifyTakeover(ctx context.Context, chargePointID string, claim ports.ClaimResult, identity *domain.Identity) {
	if s.control != nil && claim.PreviousOwnerNode != "" && claim.PreviousOwnerNode != s.nodeID {
		err := s.control.PublishForceDisconnect(ctx, claim.PreviousOwnerNode, domain.ForceDisconnect{
			ChargePointID:  chargePointID,
			NewEpoch:       claim.Epoch,
			NewOwnerNodeID: s.nodeID,
			Reason:         "session transferred",
		})
		if err != nil {
			s.log.Warn("Force-disconnect publish failed",
				zap.String("charge_point_id", chargePointID), zap.Error(err))
		}
	}
	s.publisher.Emit(ctx, events.TopicSessionEvents, events.TypeSessionTakenOver, events.Context{
		ChargePointID: chargePointID,
		StationID:     identity.StationID,
		TenantID:      identity.TenantID,
	}, map[string]interface{}{
		"previousOwnerNodeId": claim.PreviousOwnerNode,
		"newOwnerNodeId":      s.nodeID,
		"epoch":               claim.Epoch,
	})
}

// register replaces any older local connection for the same charger.
func (s *Server) register(conn *Connection) {
	id := conn.cctx.ChargePointID
	s.mu.Lock()
	old, exists := s.conns[id]
	s.conns[id] = conn
	s.mu.Unlock()

	if exists && old != conn {
		old.closeWithCode(websocket.CloseTryAgainLater, "superseded by new connection")
	}
}

func (s *Server) teardown(ctx context.Context, conn *Connection) {
	id := conn.cctx.ChargePointID
	s.mu.Lock()
	if s.conns[id] == conn {
		delete(s.conns, id)
	}
	s.mu.Unlock()

	conn.closeWithCode(websocket.CloseNormalClosure, "")
	if err := s.directory.Unregister(ctx, id); err != nil {
		s.log.Warn("Session unregister failed", zap.String("charge_point_id", id), zap.Error(err))
	}
	s.log.Info("Charge point disconnected", zap.String("charge_point_id", id))
}

// Connection returns the live local connection for a charger.
func (s *Server) Connection(chargePointID string) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[chargePointID]
	return conn, ok
}

// SessionEpoch implements session.LocalCloser.
func (s *Server) SessionEpoch(chargePointID string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if conn, ok := s.conns[chargePointID]; ok {
		return conn.epoch, true
	}
	return 0, false
}

// CloseTransferred implements session.LocalCloser.
func (s *Server) CloseTransferred(chargePointID, reason string) {
	if conn, ok := s.Connection(chargePointID); ok {
		conn.closeWithCode(websocket.CloseServiceRestart, reason)
	}
}

// Shutdown drains every connection for a graceful restart.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.closeWithCode(websocket.CloseServiceRestart, "node shutting down")
	}
	// Give close frames a moment to flush.
	time.Sleep(100 * time.Millisecond)
}
