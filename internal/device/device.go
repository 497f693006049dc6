// Package device holds the persistent identity of enrolled endpoints: the
// Device row plus the heartbeat/telemetry-driven mutations the rest of the
// control plane makes to it.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the device package.
var (
	ErrNotFound = errors.New("device not found")
)

// OnlineThreshold is the staleness bound used to compute Device.Online: a
// device is online iff now - LastSeen < OnlineThreshold.
const OnlineThreshold = 120 * time.Second

// Platform is the closed enum of endpoint kinds.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "windows"
	PlatformOther   Platform = "other"
)

// ComplianceStatus is the closed enum of policy-compliance states.
type ComplianceStatus string

const (
	CompliancePending    ComplianceStatus = "pending"
	ComplianceCompliant  ComplianceStatus = "compliant"
	ComplianceNonCompliant ComplianceStatus = "non-compliant"
)

// Device is the persistent identity of an endpoint.
type Device struct {
	ID               string
	DisplayName      string
	Model            string
	Platform         Platform
	PolicyID         *uuid.UUID
	Compliance       ComplianceStatus
	EnrolledAt       time.Time
	LastSeen         time.Time
	AgentVersion     string
	OS               string
	Arch             string
	Hostname         string
}

// Online reports whether the device is considered online as of now. Online
// status is always computed, never stored.
func (d *Device) Online(now time.Time) bool {
	return now.Sub(d.LastSeen) < OnlineThreshold
}

// HeartbeatUpdate groups the fields a heartbeat call may refresh.
type HeartbeatUpdate struct {
	AgentVersion string
	OS           string
	Arch         string
	Hostname     string
}

// Repository persists Device rows and the handful of queries the core needs.
type Repository interface {
	// Create inserts a new device row, typically immediately after an
	// enrollment token redemption.
	Create(ctx context.Context, d *Device) error

	// Get returns the device with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Device, error)

	// List returns every enrolled device, newest first.
	List(ctx context.Context) ([]*Device, error)

	// Touch updates last_seen to now and, when upd is non-nil, refreshes the
	// platform/agent columns in the same statement.
	Touch(ctx context.Context, id string, now time.Time, upd *HeartbeatUpdate) error

	// MarkOffline is invoked by the connection registry when an agent socket
	// is removed; it does not alter last_seen, only lets callers record the
	// transition explicitly if storage needs it (the default Postgres
	// implementation is a no-op since online is always computed).
	MarkOffline(ctx context.Context, id string) error

	// UpdateDisplayName sets the admin-editable display name.
	UpdateDisplayName(ctx context.Context, id, name string) error

	// AssignPolicy sets or clears the device's policy reference.
	AssignPolicy(ctx context.Context, id string, policyID *uuid.UUID) error

	// Delete removes the device row; callers are responsible for cascading
	// to commands/events/telemetry and tearing down any live connection.
	Delete(ctx context.Context, id string) error
}
