package api

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"

	"github.com/openfleet/controlplane/internal/httputil"
	"github.com/openfleet/controlplane/internal/pairing"
)

// PairingHandler serves the phone-pairing endpoints.
type PairingHandler struct {
	store     *pairing.Store
	signalURL string
}

// NewPairingHandler creates a new pairing handler. signalURL is the base
// WebSocket URL (e.g. "ws://host") reported to a controller once pairing
// completes.
func NewPairingHandler(store *pairing.Store, signalURL string) *PairingHandler {
	return &PairingHandler{store: store, signalURL: signalURL}
}

type pairInitiateRequest struct {
	DeviceName string `json:"deviceName"`
}

// Initiate handles POST /api/pair/initiate.
func (h *PairingHandler) Initiate(c fiber.Ctx) error {
	var body pairInitiateRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid request body")
	}

	sess, err := h.store.Initiate(c.Context(), body.DeviceName)
	if err != nil {
		return httputil.Fail(c, fiber.StatusServiceUnavailable, httputil.InternalError, "could not allocate pairing code")
	}

	return httputil.Success(c, fiber.Map{
		"deviceId":    sess.DeviceID,
		"pairingCode": sess.Code,
		"qrCodeData":  fmt.Sprintf("android-remote://pair?code=%s&device=%s", sess.Code, sess.DeviceID),
		"expiresAt":   sess.ExpiresAt.UnixMilli(),
	})
}

type pairCompleteRequest struct {
	PairingCode         string `json:"pairingCode"`
	ControllerPublicKey string `json:"controllerPublicKey"`
}

// Complete handles POST /api/pair/complete.
func (h *PairingHandler) Complete(c fiber.Ctx) error {
	var body pairCompleteRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid request body")
	}

	sess, err := h.store.CompleteByCode(c.Context(), body.PairingCode, body.ControllerPublicKey)
	if err != nil {
		if errors.Is(err, pairing.ErrInvalidCode) {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid or expired pairing code")
		}
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not complete pairing")
	}

	return httputil.Success(c, fiber.Map{
		"sessionToken":    sess.SessionToken,
		"deviceId":        sess.DeviceID,
		"deviceName":      fmt.Sprintf("Android Device (%s)", shortID(sess.DeviceID)),
		"devicePublicKey": sess.DevicePublicKey,
	})
}

// Status handles GET /api/pair/status/:deviceId.
func (h *PairingHandler) Status(c fiber.Ctx) error {
	deviceID := c.Params("deviceId")

	sess, err := h.store.StatusByDeviceID(c.Context(), deviceID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "pairing session not found")
	}

	resp := fiber.Map{
		"status":   statusWireName(sess.Status),
		"deviceId": sess.DeviceID,
	}
	if sess.Status == pairing.StatusPaired {
		resp["sessionToken"] = sess.SessionToken
		resp["serverUrl"] = h.signalURL
	}
	return httputil.Success(c, resp)
}

// statusWireName maps the internal pairing status to the wire name used by
// the polling contract ("completed" rather than "paired").
func statusWireName(s pairing.Status) string {
	if s == pairing.StatusPaired {
		return "completed"
	}
	return string(s)
}

// shortID trims a "device-<uuid>" id down to its last 8 characters for display.
func shortID(deviceID string) string {
	if len(deviceID) <= 8 {
		return deviceID
	}
	return deviceID[len(deviceID)-8:]
}
