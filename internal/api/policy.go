package api

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/openfleet/controlplane/internal/audit"
	"github.com/openfleet/controlplane/internal/httputil"
	"github.com/openfleet/controlplane/internal/policy"
)

// PolicyHandler serves named permission/config bundle CRUD endpoints.
type PolicyHandler struct {
	policies policy.Repository
	audit    audit.Repository
}

// NewPolicyHandler creates a new policy handler.
func NewPolicyHandler(policies policy.Repository, auditLog audit.Repository) *PolicyHandler {
	return &PolicyHandler{policies: policies, audit: auditLog}
}

func policyResponse(p *policy.Policy) fiber.Map {
	return fiber.Map{
		"id":          p.ID,
		"name":        p.Name,
		"permissions": p.Permissions,
		"settings":    p.Settings,
		"createdAt":   p.CreatedAt.UnixMilli(),
		"updatedAt":   p.UpdatedAt.UnixMilli(),
	}
}

// List handles GET /api/policies.
func (h *PolicyHandler) List(c fiber.Ctx) error {
	policies, err := h.policies.List(c.Context())
	if err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not list policies")
	}
	out := make([]fiber.Map, 0, len(policies))
	for _, p := range policies {
		out = append(out, policyResponse(&p))
	}
	return httputil.Success(c, out)
}

type createPolicyRequest struct {
	Name        string          `json:"name"`
	Permissions int64           `json:"permissions"`
	Settings    json.RawMessage `json:"settings"`
}

// Create handles POST /api/policies.
func (h *PolicyHandler) Create(c fiber.Ctx) error {
	var body createPolicyRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid request body")
	}
	name, err := policy.ValidateNameRequired(body.Name)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, err.Error())
	}

	p, err := h.policies.Create(c.Context(), policy.CreateParams{
		Name:        name,
		Permissions: body.Permissions,
		Settings:    body.Settings,
	})
	if err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not create policy")
	}
	recordAudit(c, h.audit, "policy.create", "policy", p.ID.String())
	return httputil.SuccessStatus(c, fiber.StatusCreated, policyResponse(p))
}

// Get handles GET /api/policies/:id.
func (h *PolicyHandler) Get(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid policy id")
	}
	p, err := h.policies.GetByID(c.Context(), id)
	if err != nil {
		return policyErr(c, err)
	}
	return httputil.Success(c, policyResponse(p))
}

type updatePolicyRequest struct {
	Name        *string         `json:"name"`
	Permissions *int64          `json:"permissions"`
	Settings    json.RawMessage `json:"settings"`
}

// Update handles PATCH /api/policies/:id.
func (h *PolicyHandler) Update(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid policy id")
	}
	var body updatePolicyRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid request body")
	}
	if body.Name != nil {
		trimmed, err := policy.ValidateNameRequired(*body.Name)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, err.Error())
		}
		body.Name = &trimmed
	}

	p, err := h.policies.Update(c.Context(), id, policy.UpdateParams{
		Name:        body.Name,
		Permissions: body.Permissions,
		Settings:    body.Settings,
	})
	if err != nil {
		return policyErr(c, err)
	}
	recordAudit(c, h.audit, "policy.update", "policy", p.ID.String())
	return httputil.Success(c, policyResponse(p))
}

// Delete handles DELETE /api/policies/:id.
func (h *PolicyHandler) Delete(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid policy id")
	}
	if err := h.policies.Delete(c.Context(), id); err != nil {
		return policyErr(c, err)
	}
	recordAudit(c, h.audit, "policy.delete", "policy", id.String())
	return httputil.SuccessStatus(c, fiber.StatusNoContent, nil)
}

func policyErr(c fiber.Ctx, err error) error {
	if errors.Is(err, policy.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "policy not found")
	}
	return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "policy operation failed")
}
