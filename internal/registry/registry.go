// Package registry implements the Agent Connection Registry: the single
// in-memory structure mapping a device id to its live relay socket and the
// viewer sessions multiplexed over it.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfleet/controlplane/internal/protocol"
)

// AgentSocket is the subset of a relay agent connection the registry needs
// in order to evict or close it. The relay package supplies the concrete
// implementation; the registry deliberately does not import relay to avoid a
// cycle.
type AgentSocket interface {
	Close(reason string) error
	// Send forwards a frame to the agent (used for session-open and
	// session-close control notifications driven by viewer lifecycle).
	Send(frame protocol.Frame) error
}

// ViewerSocket is the subset of a relay viewer connection the registry needs.
type ViewerSocket interface {
	Close(reason string) error
	// Send forwards an agent-originated frame to this viewer (used for
	// control-channel broadcasts and channel-specific routing).
	Send(frame protocol.Frame) error
}

// Info carries the agent-supplied identification fields.
type Info struct {
	AgentVersion string
	OS           string
	Arch         string
	Hostname     string
}

// ViewerSession is one multiplexed viewer connection bound to an
// AgentConnection.
type ViewerSession struct {
	ChannelID   uint16
	SessionType protocol.SessionType
	UserID      string
	Socket      ViewerSocket
}

// AgentConnection is one live relay socket.
type AgentConnection struct {
	DeviceID      string
	Socket        AgentSocket
	Info          Info
	LastHeartbeat time.Time
	nextChannelID uint16
	sessions      map[uint16]*ViewerSession
	mu            *sync.Mutex // the owning Registry's mutex
}

// Sessions returns a snapshot slice of the connection's active viewer
// sessions, safe to range over without holding the registry lock.
func (a *AgentConnection) Sessions() []*ViewerSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*ViewerSession, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s)
	}
	return out
}

// Session returns the viewer session for a channel id, if any.
func (a *AgentConnection) Session(channelID uint16) (*ViewerSession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[channelID]
	return s, ok
}

// Registry is the agent-connection map. A single mutex serializes every
// mutation; reads of a connection's session map also go through it so that
// observers always see a consistent snapshot.
type Registry struct {
	mu    sync.Mutex
	byDev map[string]*AgentConnection
	log   zerolog.Logger
}

// New returns an empty Registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{byDev: make(map[string]*AgentConnection), log: log.With().Str("component", "registry").Logger()}
}

// Add installs a new agent connection for deviceID, closing and discarding
// any prior connection (and its viewer sessions) for the same device first.
func (r *Registry) Add(deviceID string, socket AgentSocket, info Info, now time.Time) {
	r.mu.Lock()
	prior := r.byDev[deviceID]
	conn := &AgentConnection{
		DeviceID:      deviceID,
		Socket:        socket,
		Info:          info,
		LastHeartbeat: now,
		nextChannelID: 0,
		sessions:      make(map[uint16]*ViewerSession),
		mu:            &r.mu,
	}
	r.byDev[deviceID] = conn
	r.mu.Unlock()

	if prior != nil {
		r.evict(prior, "replaced by new connection")
	}
}

// evict closes conn's socket and every one of its viewer sockets. It must be
// called without the registry lock held, since socket Close calls may block.
func (r *Registry) evict(conn *AgentConnection, agentReason string) {
	for _, s := range conn.Sessions() {
		if err := s.Socket.Close("agent disconnected"); err != nil {
			r.log.Debug().Err(err).Msg("close viewer socket during eviction")
		}
	}
	if err := conn.Socket.Close(agentReason); err != nil {
		r.log.Debug().Err(err).Msg("close agent socket during eviction")
	}
}

// Remove drops deviceID's connection, closing its socket and every viewer
// session. Returns false if no connection was present.
func (r *Registry) Remove(deviceID string) bool {
	r.mu.Lock()
	conn, ok := r.byDev[deviceID]
	if ok {
		delete(r.byDev, deviceID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.evict(conn, "agent disconnected")
	return true
}

// Get returns the live connection for deviceID, if any.
func (r *Registry) Get(deviceID string) (*AgentConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byDev[deviceID]
	return conn, ok
}

// AllocateChannel assigns the next monotonic channel id for deviceID's
// connection and registers the viewer session under it. Returns false if the
// agent is not connected. Channel ids are never reused within a single
// AgentConnection, even after a viewer disconnects.
func (r *Registry) AllocateChannel(deviceID string, socket ViewerSocket, sessionType protocol.SessionType, userID string) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byDev[deviceID]
	if !ok {
		return 0, false
	}

	conn.nextChannelID++
	channelID := conn.nextChannelID
	conn.sessions[channelID] = &ViewerSession{
		ChannelID:   channelID,
		SessionType: sessionType,
		UserID:      userID,
		Socket:      socket,
	}
	return channelID, true
}

// RemoveSession drops the viewer session for a channel, if present.
func (r *Registry) RemoveSession(deviceID string, channelID uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byDev[deviceID]
	if !ok {
		return
	}
	delete(conn.sessions, channelID)
}

// UpdateHeartbeat refreshes last-heartbeat for deviceID's connection, if any.
func (r *Registry) UpdateHeartbeat(deviceID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.byDev[deviceID]; ok {
		conn.LastHeartbeat = now
	}
}

// CleanupStale evicts every connection whose last heartbeat is older than
// threshold relative to now, returning the device ids removed.
func (r *Registry) CleanupStale(now time.Time, threshold time.Duration) []string {
	r.mu.Lock()
	var stale []*AgentConnection
	var ids []string
	for id, conn := range r.byDev {
		if now.Sub(conn.LastHeartbeat) > threshold {
			stale = append(stale, conn)
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(r.byDev, id)
	}
	r.mu.Unlock()

	for _, conn := range stale {
		r.evict(conn, "heartbeat timeout")
	}
	return ids
}

// Count returns the number of live agent connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byDev)
}
