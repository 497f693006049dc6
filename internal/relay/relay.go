package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfleet/controlplane/internal/command"
	"github.com/openfleet/controlplane/internal/device"
	"github.com/openfleet/controlplane/internal/eventbus"
	"github.com/openfleet/controlplane/internal/registry"
	"github.com/openfleet/controlplane/internal/session"
	"github.com/openfleet/controlplane/internal/telemetry"
)

// Config bundles the relay's timing constants.
type Config struct {
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	StaleScanInterval time.Duration
	MaxPayloadBytes   int
}

// DefaultConfig returns the timings named in spec.md §4.F/§5.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:       10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		StaleScanInterval: 30 * time.Second,
		MaxPayloadBytes:   16 * 1024 * 1024,
	}
}

// AdminTokenValidator resolves an admin bearer (JWT) token to a subject
// identifier. It is the second half of the viewer "token" open question in
// spec.md §9: a viewer credential may be a device session token (handled by
// the session.Store) or an admin JWT (handled here).
type AdminTokenValidator interface {
	ValidateAccessToken(token string) (subject string, err error)
}

// Relay orchestrates the agent/viewer socket lifecycles over the shared
// connection registry, command queue and event bus.
type Relay struct {
	Registry  *registry.Registry
	Sessions  session.Store
	Devices   device.Repository
	Commands  command.Repository
	Telemetry telemetry.Repository
	Bus       *eventbus.Bus
	AdminAuth AdminTokenValidator
	Config    Config
	Log       zerolog.Logger
}

// New constructs a Relay. AdminAuth may be nil, in which case viewer
// connections only accept device session tokens.
func New(reg *registry.Registry, sessions session.Store, devices device.Repository, commands command.Repository, tel telemetry.Repository, bus *eventbus.Bus, adminAuth AdminTokenValidator, cfg Config, log zerolog.Logger) *Relay {
	return &Relay{
		Registry:  reg,
		Sessions:  sessions,
		Devices:   devices,
		Commands:  commands,
		Telemetry: tel,
		Bus:       bus,
		AdminAuth: adminAuth,
		Config:    cfg,
		Log:       log.With().Str("component", "relay").Logger(),
	}
}

// RunStaleScanner blocks, evicting agent connections whose heartbeat has
// gone silent for longer than cfg.HeartbeatTimeout, until ctx is cancelled.
func (r *Relay) RunStaleScanner(ctx context.Context) {
	ticker := time.NewTicker(r.Config.StaleScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			stale := r.Registry.CleanupStale(now, r.Config.HeartbeatTimeout)
			for _, id := range stale {
				r.Log.Info().Str("device_id", id).Msg("evicted stale agent connection")
				if err := r.Devices.MarkOffline(ctx, id); err != nil {
					r.Log.Warn().Err(err).Str("device_id", id).Msg("mark device offline after stale eviction")
				}
			}
		}
	}
}
