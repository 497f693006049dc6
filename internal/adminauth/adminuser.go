// Package adminauth implements authentication for the web console: admin
// accounts, password + optional TOTP MFA login, JWT access tokens, and
// Valkey-backed refresh token rotation.
package adminauth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the adminauth package.
var (
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrMFARequired          = errors.New("multi-factor authentication is required")
	ErrInvalidMFACode       = errors.New("invalid MFA code")
	ErrMFANotEnabled        = errors.New("MFA is not enabled on this account")
	ErrMFAAlreadyEnabled    = errors.New("MFA is already enabled on this account")
	ErrMFANotConfigured     = errors.New("MFA is not configured on this server")
	ErrInvalidToken         = errors.New("invalid or expired token")
	ErrRefreshTokenReused   = errors.New("refresh token reused")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrEmailAlreadyTaken    = errors.New("email already taken")
	ErrNotFound             = errors.New("admin user not found")
)

// AdminUser is one web-console operator account.
type AdminUser struct {
	ID             uuid.UUID
	Email          string
	PasswordHash   string
	MFAEnabled     bool
	MFASecret      string // encrypted, empty until MFA setup completes
	RecoveryHashes []string
	CreatedAt      time.Time
}

// Repository persists AdminUser rows.
type Repository interface {
	Create(ctx context.Context, email, passwordHash string) (*AdminUser, error)
	GetByEmail(ctx context.Context, email string) (*AdminUser, error)
	GetByID(ctx context.Context, id uuid.UUID) (*AdminUser, error)
	SetMFASecret(ctx context.Context, id uuid.UUID, encryptedSecret string, recoveryHashes []string) error
	EnableMFA(ctx context.Context, id uuid.UUID) error
	DisableMFA(ctx context.Context, id uuid.UUID) error
	ConsumeRecoveryCode(ctx context.Context, id uuid.UUID, hash string) error
}
