package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/openfleet/controlplane/internal/adminauth"
	"github.com/openfleet/controlplane/internal/httputil"
)

// AdminAuthHandler serves the web console's authentication endpoints.
type AdminAuthHandler struct {
	svc *adminauth.Service
}

// NewAdminAuthHandler creates a new admin auth handler.
func NewAdminAuthHandler(svc *adminauth.Service) *AdminAuthHandler {
	return &AdminAuthHandler{svc: svc}
}

func tokenPairResponse(tp *adminauth.TokenPair) fiber.Map {
	return fiber.Map{
		"accessToken":  tp.AccessToken,
		"refreshToken": tp.RefreshToken,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login handles POST /api/admin/auth/login.
func (h *AdminAuthHandler) Login(c fiber.Ctx) error {
	var body loginRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid request body")
	}

	result, err := h.svc.Login(c.Context(), body.Email, body.Password)
	if err != nil {
		if errors.Is(err, adminauth.ErrInvalidCredentials) {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.Unauthorized, "invalid email or password")
		}
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "login failed")
	}

	if result.MFARequired {
		return httputil.Success(c, fiber.Map{"mfaRequired": true, "ticket": result.Ticket})
	}
	return httputil.Success(c, tokenPairResponse(result.Tokens))
}

type verifyMFARequest struct {
	Ticket string `json:"ticket"`
	Code   string `json:"code"`
}

// VerifyMFA handles POST /api/admin/auth/mfa/verify.
func (h *AdminAuthHandler) VerifyMFA(c fiber.Ctx) error {
	var body verifyMFARequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid request body")
	}

	tokens, err := h.svc.VerifyMFA(c.Context(), body.Ticket, body.Code)
	if err != nil {
		if errors.Is(err, adminauth.ErrInvalidMFACode) || errors.Is(err, adminauth.ErrInvalidToken) {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.Unauthorized, "invalid MFA code or ticket")
		}
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "MFA verification failed")
	}
	return httputil.Success(c, tokenPairResponse(tokens))
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Refresh handles POST /api/admin/auth/refresh.
func (h *AdminAuthHandler) Refresh(c fiber.Ctx) error {
	var body refreshRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid request body")
	}

	tokens, err := h.svc.Refresh(c.Context(), body.RefreshToken)
	if err != nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.Unauthorized, "invalid or reused refresh token")
	}
	return httputil.Success(c, tokenPairResponse(tokens))
}

type beginMFASetupRequest struct {
	Password string `json:"password"`
}

// BeginMFASetup handles POST /api/admin/users/@me/mfa/enable.
func (h *AdminAuthHandler) BeginMFASetup(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.Unauthorized, "missing authenticated user")
	}

	var body beginMFASetupRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid request body")
	}

	result, err := h.svc.BeginMFASetup(c.Context(), userID, body.Password, "", "")
	if err != nil {
		return mfaSetupErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"secret": result.Secret, "uri": result.URI})
}

type confirmMFASetupRequest struct {
	Code string `json:"code"`
}

// ConfirmMFASetup handles POST /api/admin/users/@me/mfa/confirm.
func (h *AdminAuthHandler) ConfirmMFASetup(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.Unauthorized, "missing authenticated user")
	}

	var body confirmMFASetupRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid request body")
	}

	codes, err := h.svc.ConfirmMFASetup(c.Context(), userID, body.Code)
	if err != nil {
		return mfaSetupErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"recoveryCodes": codes})
}

type disableMFARequest struct {
	Password string `json:"password"`
}

// DisableMFA handles POST /api/admin/users/@me/mfa/disable.
func (h *AdminAuthHandler) DisableMFA(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.Unauthorized, "missing authenticated user")
	}

	var body disableMFARequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid request body")
	}

	if err := h.svc.DisableMFA(c.Context(), userID, body.Password); err != nil {
		return mfaSetupErr(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusNoContent, nil)
}

func mfaSetupErr(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, adminauth.ErrInvalidCredentials):
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.Unauthorized, "invalid password")
	case errors.Is(err, adminauth.ErrMFAAlreadyEnabled):
		return httputil.Fail(c, fiber.StatusConflict, httputil.Conflict, "MFA is already enabled")
	case errors.Is(err, adminauth.ErrMFANotEnabled):
		return httputil.Fail(c, fiber.StatusConflict, httputil.Conflict, "MFA is not enabled")
	case errors.Is(err, adminauth.ErrInvalidMFACode):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid MFA code")
	case errors.Is(err, adminauth.ErrMFANotConfigured):
		return httputil.Fail(c, fiber.StatusServiceUnavailable, httputil.InternalError, "MFA is not configured on this server")
	default:
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "MFA operation failed")
	}
}
