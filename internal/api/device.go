package api

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfleet/controlplane/internal/audit"
	"github.com/openfleet/controlplane/internal/command"
	"github.com/openfleet/controlplane/internal/device"
	"github.com/openfleet/controlplane/internal/eventbus"
	"github.com/openfleet/controlplane/internal/httputil"
	"github.com/openfleet/controlplane/internal/telemetry"
)

// DeviceHandler serves device lifecycle, command queue and telemetry
// ingest endpoints.
type DeviceHandler struct {
	devices   device.Repository
	commands  command.Repository
	telemetry telemetry.Repository
	bus       *eventbus.Bus
	audit     audit.Repository
	log       zerolog.Logger
}

// NewDeviceHandler creates a new device handler.
func NewDeviceHandler(devices device.Repository, commands command.Repository, tel telemetry.Repository, bus *eventbus.Bus, auditLog audit.Repository, log zerolog.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, commands: commands, telemetry: tel, bus: bus, audit: auditLog, log: log.With().Str("component", "api.device").Logger()}
}

func deviceResponse(d *device.Device, now time.Time) fiber.Map {
	return fiber.Map{
		"id":           d.ID,
		"displayName":  d.DisplayName,
		"model":        d.Model,
		"platform":     d.Platform,
		"policyId":     d.PolicyID,
		"compliance":   d.Compliance,
		"enrolledAt":   d.EnrolledAt.UnixMilli(),
		"lastSeen":     d.LastSeen.UnixMilli(),
		"agentVersion": d.AgentVersion,
		"os":           d.OS,
		"arch":         d.Arch,
		"hostname":     d.Hostname,
		"online":       d.Online(now),
	}
}

// List handles GET /api/devices.
func (h *DeviceHandler) List(c fiber.Ctx) error {
	devices, err := h.devices.List(c.Context())
	if err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not list devices")
	}
	now := time.Now().UTC()
	out := make([]fiber.Map, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceResponse(d, now))
	}
	return httputil.Success(c, out)
}

// Get handles GET /api/devices/:id.
func (h *DeviceHandler) Get(c fiber.Ctx) error {
	d, err := h.devices.Get(c.Context(), c.Params("id"))
	if err != nil {
		return deviceErr(c, err)
	}
	return httputil.Success(c, deviceResponse(d, time.Now().UTC()))
}

type updateDeviceRequest struct {
	DisplayName string `json:"displayName"`
}

// Update handles PATCH /api/devices/:id.
func (h *DeviceHandler) Update(c fiber.Ctx) error {
	var body updateDeviceRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid request body")
	}
	deviceID := c.Params("id")
	if err := h.devices.UpdateDisplayName(c.Context(), deviceID, body.DisplayName); err != nil {
		return deviceErr(c, err)
	}
	recordAudit(c, h.audit, "device.rename", "device", deviceID)
	return httputil.SuccessStatus(c, fiber.StatusNoContent, nil)
}

// Delete handles DELETE /api/devices/:id.
func (h *DeviceHandler) Delete(c fiber.Ctx) error {
	deviceID := c.Params("id")
	if err := h.devices.Delete(c.Context(), deviceID); err != nil {
		return deviceErr(c, err)
	}
	recordAudit(c, h.audit, "device.unenroll", "device", deviceID)
	return httputil.SuccessStatus(c, fiber.StatusNoContent, nil)
}

type assignPolicyRequest struct {
	PolicyID *uuid.UUID `json:"policyId"`
}

// AssignPolicy handles PUT /api/devices/:id/policy. A null policyId clears the device's policy assignment.
func (h *DeviceHandler) AssignPolicy(c fiber.Ctx) error {
	var body assignPolicyRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid request body")
	}
	deviceID := c.Params("id")
	if err := h.devices.AssignPolicy(c.Context(), deviceID, body.PolicyID); err != nil {
		return deviceErr(c, err)
	}
	recordAudit(c, h.audit, "device.assign_policy", "device", deviceID)
	return httputil.SuccessStatus(c, fiber.StatusNoContent, nil)
}

// Heartbeat handles POST /api/devices/:id/heartbeat. It refreshes last_seen
// and queues a SYNC_APPS command whenever the device has no pending command
// of any type. The device's installed apps are not consulted, so a device
// whose earlier commands have all been delivered gets a new SYNC_APPS on each
// heartbeat.
func (h *DeviceHandler) Heartbeat(c fiber.Ctx) error {
	deviceID := c.Params("id")
	now := time.Now().UTC()

	if err := h.devices.Touch(c.Context(), deviceID, now, nil); err != nil {
		return deviceErr(c, err)
	}

	pendingStatus := command.StatusPending
	pending, err := h.commands.History(c.Context(), deviceID, command.HistoryFilter{Status: &pendingStatus}, command.Paging{Limit: 1})
	if err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not check pending commands")
	}
	if len(pending) == 0 {
		if _, err := h.commands.Queue(c.Context(), deviceID, command.TypeSyncApps, json.RawMessage(`{}`)); err != nil {
			h.log.Warn().Err(err).Str("device_id", deviceID).Msg("auto-queue sync-apps on heartbeat")
		}
	}

	return httputil.SuccessStatus(c, fiber.StatusNoContent, nil)
}

// PendingCommands handles GET /api/devices/:id/commands/pending.
func (h *DeviceHandler) PendingCommands(c fiber.Ctx) error {
	deviceID := c.Params("id")
	cmds, err := h.commands.PollPending(c.Context(), deviceID, time.Now().UTC())
	if err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not poll pending commands")
	}

	out := make([]fiber.Map, 0, len(cmds))
	for _, cmd := range cmds {
		out = append(out, fiber.Map{
			"id":      cmd.ID,
			"type":    cmd.Type,
			"payload": cmd.Payload,
		})
	}
	return httputil.Success(c, out)
}

type ackCommandRequest struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// AcknowledgeCommand handles PATCH /api/devices/:id/commands/:cid.
func (h *DeviceHandler) AcknowledgeCommand(c fiber.Ctx) error {
	var body ackCommandRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid request body")
	}

	cid, err := uuid.Parse(c.Params("cid"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid command id")
	}

	var errMsg *string
	if body.Error != "" {
		errMsg = &body.Error
	}

	result, err := h.commands.Acknowledge(c.Context(), cid, command.Status(body.Status), errMsg, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, command.ErrNotFound):
			return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "command not found")
		case errors.Is(err, command.ErrInvalidStatus):
			return httputil.Fail(c, fiber.StatusConflict, httputil.Conflict, "invalid command state transition")
		default:
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not acknowledge command")
		}
	}

	if !result.NoOp {
		h.bus.Publish(eventbus.Event{
			DeviceID:  c.Params("id"),
			EventType: "command-" + string(result.Command.Status),
			Severity:  "info",
			CreatedAt: time.Now().UTC().UnixMilli(),
		})
	}

	return httputil.SuccessStatus(c, fiber.StatusNoContent, nil)
}

type telemetryRequest struct {
	BatteryLevel    *int     `json:"batteryLevel"`
	BatteryCharging *bool    `json:"batteryCharging"`
	CPUPercent      *float64 `json:"cpuPercent"`
	MemoryPercent   *float64 `json:"memoryPercent"`
	NetworkType     string   `json:"networkType"`
}

// IngestTelemetry handles POST /api/devices/:id/telemetry.
func (h *DeviceHandler) IngestTelemetry(c fiber.Ctx) error {
	var body telemetryRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid request body")
	}

	deviceID := c.Params("id")
	snap := telemetry.Snapshot{
		DeviceID:        deviceID,
		BatteryLevel:    body.BatteryLevel,
		BatteryCharging: body.BatteryCharging,
		CPUPercent:      body.CPUPercent,
		MemoryPercent:   body.MemoryPercent,
		NetworkType:     body.NetworkType,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := h.telemetry.Upsert(c.Context(), snap); err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not store telemetry")
	}

	for _, eventType := range telemetry.EvaluateBatteryEvents(body.BatteryLevel) {
		h.bus.Publish(eventbus.Event{
			DeviceID:  deviceID,
			EventType: eventType,
			Severity:  "warning",
			CreatedAt: snap.UpdatedAt.UnixMilli(),
		})
	}

	return httputil.SuccessStatus(c, fiber.StatusNoContent, nil)
}

func deviceErr(c fiber.Ctx, err error) error {
	if errors.Is(err, device.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "device not found")
	}
	return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "device operation failed")
}
