package api

import (
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/openfleet/controlplane/internal/audit"
	"github.com/openfleet/controlplane/internal/httputil"
)

// AuditHandler serves the append-only administrative audit log.
type AuditHandler struct {
	log audit.Repository
}

// NewAuditHandler creates a new audit log handler.
func NewAuditHandler(log audit.Repository) *AuditHandler {
	return &AuditHandler{log: log}
}

func auditEntryResponse(e audit.Entry) fiber.Map {
	var actorID any
	if e.ActorID != nil {
		actorID = e.ActorID.String()
	}
	return fiber.Map{
		"id":         e.ID,
		"actorId":    actorID,
		"action":     e.Action,
		"targetType": e.TargetType,
		"targetId":   e.TargetID,
		"metadata":   e.Metadata,
		"createdAt":  e.CreatedAt.UnixMilli(),
	}
}

// List handles GET /api/audit?targetType=&targetId=&before=&limit=.
func (h *AuditHandler) List(c fiber.Ctx) error {
	var beforeID int64
	if raw := c.Query("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid before cursor")
		}
		beforeID = parsed
	}

	limit := audit.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid limit")
		}
		limit = parsed
	}

	filter := audit.Filter{TargetType: c.Query("targetType"), TargetID: c.Query("targetId")}
	entries, err := h.log.List(c.Context(), filter, beforeID, limit)
	if err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not list audit log")
	}

	out := make([]fiber.Map, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse(e))
	}
	return httputil.Success(c, out)
}
