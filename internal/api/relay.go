package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/openfleet/controlplane/internal/protocol"
	"github.com/openfleet/controlplane/internal/relay"
)

// RelayHandler serves the agent and viewer WebSocket upgrade endpoints.
type RelayHandler struct {
	relay *relay.Relay
}

// NewRelayHandler creates a new relay handler.
func NewRelayHandler(r *relay.Relay) *RelayHandler {
	return &RelayHandler{relay: r}
}

// Upgrade handles GET /ws/relay: the single relay socket endpoint. Mode is
// selected by query string, not by path: a request carrying deviceId,
// session and token is a viewer opening a session against an already
// connected agent; any other request is an agent socket waiting for
// AUTH_REQUEST.
func (h *RelayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	deviceID := c.Query("deviceId")
	sessionType := c.Query("session")
	token := c.Query("token")

	if deviceID == "" || sessionType == "" || token == "" {
		ctx := c.Context()
		return websocket.New(func(conn *websocket.Conn) {
			h.relay.ServeAgent(ctx, conn.Conn)
		})(c)
	}

	return websocket.New(func(conn *websocket.Conn) {
		h.relay.ServeViewer(conn.Conn.Context(), conn.Conn, deviceID, protocol.SessionType(sessionType), token)
	})(c)
}
