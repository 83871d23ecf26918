package ops

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/command"
	"github.com/voltgrid/ocpp-gateway/internal/domain"
	"github.com/voltgrid/ocpp-gateway/internal/ports"
)

// OwnerLookup resolves the session entry for a charger.
type OwnerLookup interface {
	Owner(ctx context.Context, chargePointID string) (*domain.SessionEntry, error)
}

// Disconnector pushes a force-disconnect to the node owning a session.
type Disconnector interface {
	PublishForceDisconnect(ctx context.Context, previousOwner string, msg domain.ForceDisconnect) error
}

// AuditReader looks up command audit records.
type AuditReader interface {
	Get(ctx context.Context, commandID string) (domain.AuditRecord, bool)
}

var knownCommands = map[string]bool{
	domain.CommandReset:               true,
	domain.CommandRemoteStart:         true,
	domain.CommandRemoteStop:          true,
	domain.CommandUnlockConnector:     true,
	domain.CommandChangeConfiguration: true,
	domain.CommandTriggerMessage:      true,
	domain.CommandUpdateFirmware:      true,
}

// Handler exposes the operator-facing REST surface: command submission,
// command status, session lookup and force disconnect.
type Handler struct {
	bus     ports.Bus
	audit   AuditReader
	owners  OwnerLookup
	control Disconnector
	log     *zap.Logger
}

// NewHandler creates the ops API handler.
func NewHandler(bus ports.Bus, audit AuditReader, owners OwnerLookup, control Disconnector, log *zap.Logger) *Handler {
	return &Handler{
		bus:     bus,
		audit:   audit,
		owners:  owners,
		control: control,
		log:     log,
	}
}

// Register mounts the ops routes on the app.
func (h *Handler) Register(app *fiber.App) {
	api := app.Group("/api/v1")
	api.Post("/stations/:id/commands", h.SubmitCommand)
	api.Get("/stations/:id/session", h.GetSession)
	api.Post("/stations/:id/disconnect", h.ForceDisconnect)
	api.Get("/commands/:id", h.GetCommand)
}

// SubmitCommandRequest is the body for POST /api/v1/stations/:id/commands.
type SubmitCommandRequest struct {
	CommandType    string          `json:"command_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	TenantID       string          `json:"tenant_id,omitempty"`
}

// SubmitCommand publishes a command request onto the shared intake topic.
// The consumer on the owning node picks it up, so submission succeeds on
// any node regardless of where the charger is connected.
func (h *Handler) SubmitCommand(c *fiber.Ctx) error {
	chargePointID := c.Params("id")

	var req SubmitCommandRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if !knownCommands[req.CommandType] {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown command_type",
		})
	}

	owner, err := h.owners.Owner(c.Context(), chargePointID)
	if err != nil {
		h.log.Error("Owner lookup failed",
			zap.String("charge_point_id", chargePointID),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Session lookup failed",
		})
	}
	if owner == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Charge point is not connected",
		})
	}

	cmd := domain.CommandRequest{
		CommandID:      uuid.NewString(),
		ChargePointID:  chargePointID,
		CommandType:    req.CommandType,
		Payload:        req.Payload,
		TimeoutSeconds: req.TimeoutSeconds,
		CorrelationID:  req.CorrelationID,
		TenantID:       req.TenantID,
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to encode command",
		})
	}

	if err := h.bus.Publish(c.Context(), command.SharedCommandTopic, chargePointID, data); err != nil {
		h.log.Error("Command publish failed",
			zap.String("charge_point_id", chargePointID),
			zap.String("command_type", req.CommandType),
			zap.Error(err),
		)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Command intake unavailable",
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"command_id":      cmd.CommandID,
		"charge_point_id": chargePointID,
		"status":          "Queued",
	})
}

// GetCommand returns the audit record for a previously submitted command.
func (h *Handler) GetCommand(c *fiber.Ctx) error {
	commandID := c.Params("id")

	record, ok := h.audit.Get(c.Context(), commandID)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Command not found",
		})
	}

	return c.JSON(record)
}

// GetSession returns the cluster session entry for a charger.
func (h *Handler) GetSession(c *fiber.Ctx) error {
	chargePointID := c.Params("id")

	owner, err := h.owners.Owner(c.Context(), chargePointID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Session lookup failed",
		})
	}
	if owner == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No active session",
		})
	}

	return c.JSON(owner)
}

// ForceDisconnectRequest is the body for POST /api/v1/stations/:id/disconnect.
type ForceDisconnectRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ForceDisconnect tells the owning node to close the charger's socket.
func (h *Handler) ForceDisconnect(c *fiber.Ctx) error {
	chargePointID := c.Params("id")

	var req ForceDisconnectRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}
	if req.Reason == "" {
		req.Reason = "OperatorRequested"
	}

	owner, err := h.owners.Owner(c.Context(), chargePointID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Session lookup failed",
		})
	}
	if owner == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No active session",
		})
	}

	// The control consumer drops anything at or below its local epoch, so an
	// operator-driven disconnect has to outrank the live session.
	msg := domain.ForceDisconnect{
		ChargePointID: chargePointID,
		NewEpoch:      owner.Epoch + 1,
		Reason:        req.Reason,
	}
	if err := h.control.PublishForceDisconnect(c.Context(), owner.NodeID, msg); err != nil {
		h.log.Error("Force disconnect publish failed",
			zap.String("charge_point_id", chargePointID),
			zap.String("owner_node", owner.NodeID),
			zap.Error(err),
		)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Session control unavailable",
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"charge_point_id": chargePointID,
		"owner_node":      owner.NodeID,
		"status":          "DisconnectRequested",
	})
}
