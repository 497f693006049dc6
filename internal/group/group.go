// Package group manages named collections of devices used to apply
// policies and commands to many devices at once.
package group

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sentinel errors for the group package.
var (
	ErrNotFound       = errors.New("group not found")
	ErrNameLength     = errors.New("group name must be between 1 and 100 characters")
	ErrDescLength     = errors.New("group description must be 1024 characters or fewer")
	ErrDeviceNotFound = errors.New("device not found")
	ErrAlreadyMember  = errors.New("device is already a member of this group")
	ErrNotMember      = errors.New("device is not a member of this group")
)

// Group holds the fields read from the database.
type Group struct {
	ID          uuid.UUID
	Name        string
	Description string
	CreatedAt   time.Time
}

// CreateParams groups the inputs for creating a new group.
type CreateParams struct {
	Name        string
	Description string
}

// UpdateParams groups the optional fields for updating a group.
type UpdateParams struct {
	Name        *string
	Description *string
}

// ValidateName checks that a non-nil name is between 1 and 100 characters (runes) after trimming whitespace. A nil
// pointer means "no change." On success the pointed-to value is replaced with the trimmed result.
func ValidateName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return ErrNameLength
	}
	*name = trimmed
	return nil
}

// ValidateNameRequired validates and trims a name that must be present.
func ValidateNameRequired(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateDescription checks that a non-nil description is 1024 characters or fewer. A nil pointer means "no
// change."
func ValidateDescription(desc *string) error {
	if desc == nil {
		return nil
	}
	if utf8.RuneCountInString(*desc) > 1024 {
		return ErrDescLength
	}
	return nil
}

// Repository defines the data-access contract for group operations.
type Repository interface {
	List(ctx context.Context) ([]Group, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Group, error)
	Create(ctx context.Context, params CreateParams) (*Group, error)
	Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*Group, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// AddMember adds deviceID to the group. Returns ErrAlreadyMember if it is already a member.
	AddMember(ctx context.Context, groupID uuid.UUID, deviceID string) error

	// RemoveMember removes deviceID from the group. Returns ErrNotMember if it was not a member.
	RemoveMember(ctx context.Context, groupID uuid.UUID, deviceID string) error

	// ListMembers returns the device IDs belonging to the group.
	ListMembers(ctx context.Context, groupID uuid.UUID) ([]string, error)

	// ListGroupsForDevice returns the groups a device belongs to.
	ListGroupsForDevice(ctx context.Context, deviceID string) ([]Group, error)
}
