package httputil

import (
	"github.com/gofiber/fiber/v3"
)

// Code is a stable machine-readable error identifier returned alongside a
// human-readable message, so API clients can branch on error kind without
// parsing message text.
type Code string

// Error codes, grouped by the taxonomy in the error-handling design: each
// maps to exactly one HTTP status in practice, but the mapping is the
// caller's responsibility (Fail takes status explicitly).
const (
	ValidationError Code = "validation_error"
	Unauthorized    Code = "unauthorized"
	TokenExpired    Code = "token_expired"
	NotFound        Code = "not_found"
	Conflict        Code = "conflict"
	RateLimited     Code = "rate_limited"
	InternalError   Code = "internal_error"
)

// SuccessResponse wraps successful API responses.
type SuccessResponse struct {
	Data any `json:"data"`
}

// ErrorBody holds structured error details.
type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps failed API responses.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Success sends a 200 JSON response with the given data.
func Success(c fiber.Ctx, data any) error {
	return c.JSON(SuccessResponse{Data: data})
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(SuccessResponse{Data: data})
}

// Fail sends a JSON error response with the given status, code, and message.
func Fail(c fiber.Ctx, status int, code Code, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
		},
	})
}
