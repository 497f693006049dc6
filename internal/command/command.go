// Package command implements the durable per-device command FIFO: queuing,
// polling for delivery, and status-guarded acknowledgment.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the command package.
var (
	ErrNotFound        = errors.New("command not found")
	ErrInvalidStatus   = errors.New("invalid status for acknowledge")
	ErrNotPending      = errors.New("command is not pending")
	ErrAlreadyTerminal = errors.New("command is already in a terminal state")
)

// Type is the closed enum of command kinds.
type Type string

const (
	TypeInstallAPK   Type = "INSTALL_APK"
	TypeUninstallApp Type = "UNINSTALL_APP"
	TypeStartRemote  Type = "START_REMOTE"
	TypeSyncApps     Type = "SYNC_APPS"
	TypeSyncPolicy   Type = "SYNC_POLICY"
)

// Status is the closed enum of a command's lifecycle state. Status only
// advances; completed, failed and cancelled are terminal sinks.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether s is a sink state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// validPredecessors lists, for each acknowledge target status, which current
// statuses may transition into it.
var validPredecessors = map[Status]map[Status]bool{
	StatusExecuting: {StatusPending: true, StatusDelivered: true, StatusExecuting: true},
	StatusCompleted: {StatusPending: true, StatusDelivered: true, StatusExecuting: true},
	StatusFailed:    {StatusPending: true, StatusDelivered: true, StatusExecuting: true},
}

// Command is one queued action for a device.
type Command struct {
	ID          uuid.UUID
	DeviceID    string
	Type        Type
	Payload     json.RawMessage
	Status      Status
	Error       *string
	CreatedAt   time.Time
	DeliveredAt *time.Time
	CompletedAt *time.Time
}

// HistoryFilter narrows the history query.
type HistoryFilter struct {
	Status *Status
}

// Paging bounds a history query.
type Paging struct {
	Limit  int
	Offset int
}

// AckResult reports the outcome of Acknowledge, distinguishing a fresh
// transition from a repeated, idempotent-safe no-op on an already-terminal
// command.
type AckResult struct {
	Command *Command
	NoOp    bool
}

// Repository is the durable command store.
type Repository interface {
	// Queue appends a new command in status pending.
	Queue(ctx context.Context, deviceID string, typ Type, payload json.RawMessage) (*Command, error)

	// PollPending atomically reads every pending command for a device
	// ordered by created_at, transitioning each to delivered in the same
	// transaction so a concurrent poll cannot observe the same row twice.
	PollPending(ctx context.Context, deviceID string, now time.Time) ([]*Command, error)

	// Acknowledge transitions a command to the given terminal or
	// in-progress status. It is idempotent: acknowledging an
	// already-terminal command returns AckResult.NoOp = true rather than an
	// error, so agents can retry network failures without penalty.
	Acknowledge(ctx context.Context, id uuid.UUID, status Status, errMsg *string, now time.Time) (*AckResult, error)

	// Cancel deletes a command, but only while it is still pending.
	Cancel(ctx context.Context, id uuid.UUID) error

	// History returns commands for a device matching filter, newest first.
	History(ctx context.Context, deviceID string, filter HistoryFilter, paging Paging) ([]*Command, error)

	// Get returns a single command by id.
	Get(ctx context.Context, id uuid.UUID) (*Command, error)
}
