package api

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/openfleet/controlplane/internal/httputil"
	"github.com/openfleet/controlplane/internal/session"
)

// RequireDeviceSession returns middleware that validates a device session
// bearer token and checks it matches the ":id" route parameter, so a device
// cannot check in, poll commands, or report telemetry on another device's
// behalf.
func RequireDeviceSession(sessions session.Store) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.Unauthorized, "missing authorization header")
		}
		token := header[len(prefix):]

		deviceID, err := sessions.Validate(c.Context(), token)
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.Unauthorized, "invalid session token")
		}
		if deviceID != c.Params("id") {
			return httputil.Fail(c, fiber.StatusForbidden, httputil.Unauthorized, "session token does not match device")
		}

		return c.Next()
	}
}
