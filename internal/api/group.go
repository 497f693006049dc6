package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/openfleet/controlplane/internal/audit"
	"github.com/openfleet/controlplane/internal/group"
	"github.com/openfleet/controlplane/internal/httputil"
)

// GroupHandler serves device group CRUD and membership endpoints.
type GroupHandler struct {
	groups group.Repository
	audit  audit.Repository
}

// NewGroupHandler creates a new group handler.
func NewGroupHandler(groups group.Repository, auditLog audit.Repository) *GroupHandler {
	return &GroupHandler{groups: groups, audit: auditLog}
}

func groupResponse(g *group.Group) fiber.Map {
	return fiber.Map{
		"id":          g.ID,
		"name":        g.Name,
		"description": g.Description,
		"createdAt":   g.CreatedAt.UnixMilli(),
	}
}

// List handles GET /api/groups.
func (h *GroupHandler) List(c fiber.Ctx) error {
	groups, err := h.groups.List(c.Context())
	if err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not list groups")
	}
	out := make([]fiber.Map, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupResponse(&g))
	}
	return httputil.Success(c, out)
}

type createGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Create handles POST /api/groups.
func (h *GroupHandler) Create(c fiber.Ctx) error {
	var body createGroupRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid request body")
	}

	name, err := group.ValidateNameRequired(body.Name)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, err.Error())
	}
	if err := group.ValidateDescription(&body.Description); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, err.Error())
	}

	g, err := h.groups.Create(c.Context(), group.CreateParams{Name: name, Description: body.Description})
	if err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not create group")
	}
	recordAudit(c, h.audit, "group.create", "group", g.ID.String())
	return httputil.SuccessStatus(c, fiber.StatusCreated, groupResponse(g))
}

// Get handles GET /api/groups/:id.
func (h *GroupHandler) Get(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid group id")
	}
	g, err := h.groups.GetByID(c.Context(), id)
	if err != nil {
		return groupErr(c, err)
	}
	return httputil.Success(c, groupResponse(g))
}

type updateGroupRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// Update handles PATCH /api/groups/:id.
func (h *GroupHandler) Update(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid group id")
	}
	var body updateGroupRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid request body")
	}
	if err := group.ValidateName(body.Name); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, err.Error())
	}
	if err := group.ValidateDescription(body.Description); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, err.Error())
	}

	g, err := h.groups.Update(c.Context(), id, group.UpdateParams{Name: body.Name, Description: body.Description})
	if err != nil {
		return groupErr(c, err)
	}
	recordAudit(c, h.audit, "group.update", "group", g.ID.String())
	return httputil.Success(c, groupResponse(g))
}

// Delete handles DELETE /api/groups/:id.
func (h *GroupHandler) Delete(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid group id")
	}
	if err := h.groups.Delete(c.Context(), id); err != nil {
		return groupErr(c, err)
	}
	recordAudit(c, h.audit, "group.delete", "group", id.String())
	return httputil.SuccessStatus(c, fiber.StatusNoContent, nil)
}

// ListMembers handles GET /api/groups/:id/members.
func (h *GroupHandler) ListMembers(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid group id")
	}
	members, err := h.groups.ListMembers(c.Context(), id)
	if err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not list group members")
	}
	return httputil.Success(c, members)
}

type addMemberRequest struct {
	DeviceID string `json:"deviceId"`
}

// AddMember handles POST /api/groups/:id/members.
func (h *GroupHandler) AddMember(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid group id")
	}
	var body addMemberRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid request body")
	}

	if err := h.groups.AddMember(c.Context(), id, body.DeviceID); err != nil {
		switch {
		case errors.Is(err, group.ErrDeviceNotFound):
			return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "device not found")
		case errors.Is(err, group.ErrAlreadyMember):
			return httputil.Fail(c, fiber.StatusConflict, httputil.Conflict, "device is already a member")
		default:
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not add member")
		}
	}
	recordAudit(c, h.audit, "group.add_member", "device", body.DeviceID)
	return httputil.SuccessStatus(c, fiber.StatusNoContent, nil)
}

// RemoveMember handles DELETE /api/groups/:id/members/:deviceId.
func (h *GroupHandler) RemoveMember(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid group id")
	}
	deviceID := c.Params("deviceId")
	if err := h.groups.RemoveMember(c.Context(), id, deviceID); err != nil {
		if errors.Is(err, group.ErrNotMember) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "device is not a member of this group")
		}
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not remove member")
	}
	recordAudit(c, h.audit, "group.remove_member", "device", deviceID)
	return httputil.SuccessStatus(c, fiber.StatusNoContent, nil)
}

func groupErr(c fiber.Ctx, err error) error {
	if errors.Is(err, group.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "group not found")
	}
	return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "group operation failed")
}
