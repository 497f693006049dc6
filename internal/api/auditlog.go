package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openfleet/controlplane/internal/audit"
)

// recordAudit appends an audit entry for an admin-initiated mutation. The actor is read from the authenticated
// request's userID local, set by adminauth.RequireAuth; anonymous callers (should not reach these routes) are
// recorded with a nil actor. Failures only get logged — an audit write must never fail the request it describes.
func recordAudit(c fiber.Ctx, repo audit.Repository, action, targetType, targetID string) {
	if repo == nil {
		return
	}
	var actorID *uuid.UUID
	if id, ok := c.Locals("userID").(uuid.UUID); ok {
		actorID = &id
	}
	err := repo.Record(c.Context(), audit.RecordParams{
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
	})
	if err != nil {
		log.Warn().Err(err).Str("action", action).Str("target_type", targetType).Msg("could not record audit entry")
	}
}
