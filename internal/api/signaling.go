package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/openfleet/controlplane/internal/signaling"
)

// SignalingHandler serves the WebRTC signaling switchboard upgrade endpoint.
type SignalingHandler struct {
	switchboard *signaling.Switchboard
}

// NewSignalingHandler creates a new signaling handler.
func NewSignalingHandler(sb *signaling.Switchboard) *SignalingHandler {
	return &SignalingHandler{switchboard: sb}
}

// Upgrade handles GET /ws/signaling. The peer's device id and role (device
// or controller) are carried in the join message the switchboard reads
// first, not in the URL.
func (h *SignalingHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.switchboard.Serve(conn.Conn)
	})(c)
}
