// Package audit records an append-only log of administrative actions
// taken against devices, groups, policies, and apps.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Pagination defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Entry holds a single audit log record.
type Entry struct {
	ID         int64
	ActorID    *uuid.UUID
	Action     string
	TargetType string
	TargetID   string
	Metadata   json.RawMessage
	CreatedAt  time.Time
}

// RecordParams groups the inputs for appending a new audit entry.
type RecordParams struct {
	ActorID    *uuid.UUID
	Action     string
	TargetType string
	TargetID   string
	Metadata   json.RawMessage
}

// Filter narrows a list query to entries matching a target type and/or ID. Zero values mean "no filter."
type Filter struct {
	TargetType string
	TargetID   string
}

// Repository defines the data-access contract for audit log operations.
type Repository interface {
	// Record appends a new entry. It never fails the caller's primary operation; the repository itself may choose
	// to log-and-swallow write errors, but the interface surfaces them so callers can decide.
	Record(ctx context.Context, params RecordParams) error

	// List returns entries matching the filter, most recent first, up to limit rows starting after the row with
	// id beforeID (0 means start from the newest entry).
	List(ctx context.Context, filter Filter, beforeID int64, limit int) ([]Entry, error)
}
