package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/openfleet/controlplane/internal/device"
	"github.com/openfleet/controlplane/internal/enrollment"
	"github.com/openfleet/controlplane/internal/httputil"
	"github.com/openfleet/controlplane/internal/session"
)

// EnrollmentHandler serves enrollment token management and device enrollment.
type EnrollmentHandler struct {
	tokens      enrollment.Repository
	devices     device.Repository
	sessions    session.Store
	baseURL     string
	defaultTTL  time.Duration
	defaultUses int
}

// NewEnrollmentHandler creates a new enrollment handler.
func NewEnrollmentHandler(tokens enrollment.Repository, devices device.Repository, sessions session.Store, baseURL string, defaultTTL time.Duration, defaultUses int) *EnrollmentHandler {
	return &EnrollmentHandler{
		tokens:      tokens,
		devices:     devices,
		sessions:    sessions,
		baseURL:     baseURL,
		defaultTTL:  defaultTTL,
		defaultUses: defaultUses,
	}
}

type createTokenRequest struct {
	MaxUses int `json:"maxUses"`
	TTLSecs int `json:"ttlSeconds"`
}

func tokenResponse(t *enrollment.Token) fiber.Map {
	return fiber.Map{
		"id":        t.ID,
		"code":      t.Code,
		"maxUses":   t.MaxUses,
		"usedCount": t.UsedCount,
		"status":    t.Status,
		"expiresAt": t.ExpiresAt.UnixMilli(),
		"createdAt": t.CreatedAt.UnixMilli(),
	}
}

// CreateToken handles POST /api/enroll/tokens.
func (h *EnrollmentHandler) CreateToken(c fiber.Ctx) error {
	var body createTokenRequest
	_ = c.Bind().Body(&body) // an empty body is valid; defaults apply below

	maxUses := body.MaxUses
	if maxUses == 0 {
		maxUses = h.defaultUses
	}
	ttl := h.defaultTTL
	if body.TTLSecs > 0 {
		ttl = time.Duration(body.TTLSecs) * time.Second
	}

	tok, err := h.tokens.Create(c.Context(), enrollment.CreateParams{MaxUses: maxUses, TTL: ttl})
	if err != nil {
		if errors.Is(err, enrollment.ErrInvalidMaxUses) {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "maxUses must be positive")
		}
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not create enrollment token")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, tokenResponse(tok))
}

// ListTokens handles GET /api/enroll/tokens.
func (h *EnrollmentHandler) ListTokens(c fiber.Ctx) error {
	toks, err := h.tokens.List(c.Context())
	if err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not list enrollment tokens")
	}

	out := make([]fiber.Map, 0, len(toks))
	for i := range toks {
		out = append(out, tokenResponse(&toks[i]))
	}
	return httputil.Success(c, out)
}

// RevokeToken handles DELETE /api/enroll/tokens/:id.
func (h *EnrollmentHandler) RevokeToken(c fiber.Ctx) error {
	id := c.Params("id")
	if err := h.tokens.Revoke(c.Context(), id); err != nil {
		if errors.Is(err, enrollment.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "enrollment token not found")
		}
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not revoke enrollment token")
	}
	return httputil.SuccessStatus(c, fiber.StatusNoContent, nil)
}

type enrollDeviceRequest struct {
	Code        string `json:"code"`
	DisplayName string `json:"displayName"`
	Model       string `json:"model"`
	Platform    string `json:"platform"`
}

// EnrollDevice handles POST /api/enroll/device: it redeems an enrollment
// token, creates the device row and issues its first session token.
func (h *EnrollmentHandler) EnrollDevice(c fiber.Ctx) error {
	var body enrollDeviceRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid request body")
	}

	now := time.Now().UTC()
	if _, err := h.tokens.Redeem(c.Context(), body.Code, now); err != nil {
		switch {
		case errors.Is(err, enrollment.ErrNotFound):
			return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "enrollment code not found")
		case errors.Is(err, enrollment.ErrExpired):
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "enrollment code has expired")
		case errors.Is(err, enrollment.ErrExhausted):
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "enrollment code has been used the maximum number of times")
		case errors.Is(err, enrollment.ErrRevoked):
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "enrollment code has been revoked")
		default:
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not redeem enrollment code")
		}
	}

	d := &device.Device{
		ID:          "device-" + uuid.NewString(),
		DisplayName: body.DisplayName,
		Model:       body.Model,
		Platform:    device.Platform(body.Platform),
		EnrolledAt:  now,
		LastSeen:    now,
	}
	if err := h.devices.Create(c.Context(), d); err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not create device")
	}

	token, err := h.sessions.Create(c.Context(), d.ID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not issue session token")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{
		"deviceId":     d.ID,
		"sessionToken": token,
		"baseUrl":      h.baseURL,
	})
}
