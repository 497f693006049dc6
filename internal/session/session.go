// Package session manages the opaque bearer tokens devices present to
// authenticate relay and HTTP calls, created at enrollment completion (and
// reused by the pairing flow, which binds a phone the same way).
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrInvalidToken is returned by Validate for an unknown or revoked token.
var ErrInvalidToken = errors.New("invalid session token")

// Store issues and validates device session tokens.
type Store interface {
	// Create mints a new token bound to deviceID and returns it.
	Create(ctx context.Context, deviceID string) (string, error)

	// Validate resolves a bearer token to its bound device id.
	Validate(ctx context.Context, token string) (string, error)

	// Revoke invalidates every token bound to deviceID (used on unenrollment).
	Revoke(ctx context.Context, deviceID string) error
}

// NewToken generates a 32-byte base64url-encoded random token.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
