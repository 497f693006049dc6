package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/openfleet/controlplane/internal/adminauth"
	"github.com/openfleet/controlplane/internal/adminsocket"
	"github.com/openfleet/controlplane/internal/httputil"
)

// AdminSocketHandler serves the admin event-subscription WebSocket.
type AdminSocketHandler struct {
	server *adminsocket.Server
	auth   *adminauth.Service
}

// NewAdminSocketHandler creates a new admin socket handler.
func NewAdminSocketHandler(server *adminsocket.Server, auth *adminauth.Service) *AdminSocketHandler {
	return &AdminSocketHandler{server: server, auth: auth}
}

// Upgrade handles GET /ws/admin/events?token=<jwt>. The token is validated
// before the upgrade since the WebSocket handshake has no later opportunity
// to reject a connection with a structured error body.
func (h *AdminSocketHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if _, err := h.auth.ValidateAccessToken(c.Query("token")); err != nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.Unauthorized, "invalid or expired token")
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.server.Serve(conn.Conn)
	})(c)
}
