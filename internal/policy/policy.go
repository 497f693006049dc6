// Package policy manages named permission/config bundles assignable to
// devices, either directly or through group membership.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Permission bits. Bit layout is arbitrary; only the control plane's own
// handlers interpret them.
const (
	PermInstallApp int64 = 1 << iota
	PermUninstallApp
	PermLock
	PermWipe
	PermChangeSettings
	PermViewScreen
	PermRemoteControl
)

// Sentinel errors for the policy package.
var (
	ErrNotFound           = errors.New("policy not found")
	ErrNameLength         = errors.New("policy name must be between 1 and 100 characters")
	ErrInvalidPermissions = errors.New("permissions value is out of range")
)

// Policy holds the fields read from the database.
type Policy struct {
	ID          uuid.UUID
	Name        string
	Permissions int64
	Settings    json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateParams groups the inputs for creating a new policy.
type CreateParams struct {
	Name        string
	Permissions int64
	Settings    json.RawMessage
}

// UpdateParams groups the optional fields for updating a policy.
type UpdateParams struct {
	Name        *string
	Permissions *int64
	Settings    json.RawMessage
}

// ValidateNameRequired validates and trims a name that must be present.
func ValidateNameRequired(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// Has reports whether the policy's permission bitfield includes perm.
func (p *Policy) Has(perm int64) bool {
	return p.Permissions&perm == perm
}

// Repository defines the data-access contract for policy operations.
type Repository interface {
	List(ctx context.Context) ([]Policy, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Policy, error)
	Create(ctx context.Context, params CreateParams) (*Policy, error)
	Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*Policy, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
