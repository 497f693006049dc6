// Package signaling implements the WebRTC signaling switchboard: a room
// registry keyed by device id, admitting at most one device peer and one
// controller peer per room, relaying offer/answer/ICE messages between
// them without any knowledge of their contents.
package signaling

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Role identifies which slot of a room a peer occupies.
type Role string

const (
	RoleDevice     Role = "device"
	RoleController Role = "controller"
)

// WSConn is the subset of a WebSocket connection the switchboard depends on.
type WSConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// TextMessage mirrors the gorilla/fasthttp websocket constant; signaling
// messages are always sent as UTF-8 JSON text.
const TextMessage = 1

var errClosed = errors.New("signaling: socket closed")

// joinEnvelope is the subset of a join message the switchboard needs to
// admit a peer. Offer/answer/ice-candidate messages are never unmarshaled:
// they are relayed as the raw bytes the peer sent.
type joinEnvelope struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	Role     Role   `json:"role"`
}

type peerJoinedMessage struct {
	Type string `json:"type"`
	Role Role   `json:"role"`
}

type peerLeftMessage struct {
	Type string `json:"type"`
	Role Role   `json:"role"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// socket serializes writes to one peer connection so a join confirmation and
// a concurrently-forwarded relay message never interleave on the wire.
type socket struct {
	mu   sync.Mutex
	conn WSConn
}

func (s *socket) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.sendRaw(b)
}

func (s *socket) sendRaw(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(TextMessage, b)
}

func (s *socket) close() error {
	return s.conn.Close()
}

// peer is one occupant of a room slot.
type peer struct {
	role   Role
	socket *socket
}

// room holds the at-most-one-device, at-most-one-controller pairing for a
// device id.
type room struct {
	device     *peer
	controller *peer
}

func (r *room) slot(role Role) **peer {
	if role == RoleDevice {
		return &r.device
	}
	return &r.controller
}

func (r *room) empty() bool {
	return r.device == nil && r.controller == nil
}

func (r *room) complement(role Role) *peer {
	if role == RoleDevice {
		return r.controller
	}
	return r.device
}

// Switchboard is the room registry. A single mutex serializes every room
// mutation; message relay for an admitted peer proceeds without the lock.
type Switchboard struct {
	mu    sync.Mutex
	rooms map[string]*room
	log   zerolog.Logger
}

// New returns an empty Switchboard.
func New(log zerolog.Logger) *Switchboard {
	return &Switchboard{rooms: make(map[string]*room), log: log.With().Str("component", "signaling").Logger()}
}

// Serve runs the lifecycle of one signaling connection: it blocks waiting
// for a join message, admits the peer into its room if the requested role
// is free, then relays offer/answer/ice-candidate messages to the
// complementary peer until the connection closes.
func (sb *Switchboard) Serve(conn WSConn) {
	sock := &socket{conn: conn}

	deviceID, role, ok := sb.awaitJoin(conn, sock)
	if !ok {
		return
	}

	defer sb.leave(deviceID, role)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sb.relay(deviceID, role, data)
	}
}

func (sb *Switchboard) awaitJoin(conn WSConn, sock *socket) (deviceID string, role Role, ok bool) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", "", false
	}

	var env joinEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "join" {
		_ = sock.sendJSON(errorMessage{Type: "error", Error: "expected join message"})
		_ = sock.close()
		return "", "", false
	}
	if env.Role != RoleDevice && env.Role != RoleController {
		_ = sock.sendJSON(errorMessage{Type: "error", Error: "role must be device or controller"})
		_ = sock.close()
		return "", "", false
	}

	if !sb.join(env.DeviceID, env.Role, sock) {
		_ = sock.sendJSON(errorMessage{Type: "error", Error: "role " + string(env.Role) + " already taken"})
		_ = sock.close()
		return "", "", false
	}

	return env.DeviceID, env.Role, true
}

// join admits sock into deviceID's room under role, returning false if that
// slot is already occupied. On success, if the complementary peer is
// already present, both peers are notified with peer-joined.
func (sb *Switchboard) join(deviceID string, role Role, sock *socket) bool {
	sb.mu.Lock()
	r, ok := sb.rooms[deviceID]
	if !ok {
		r = &room{}
		sb.rooms[deviceID] = r
	}
	slot := r.slot(role)
	if *slot != nil {
		sb.mu.Unlock()
		return false
	}
	*slot = &peer{role: role, socket: sock}
	complement := r.complement(role)
	sb.mu.Unlock()

	if complement != nil {
		_ = sock.sendJSON(peerJoinedMessage{Type: "peer-joined", Role: complement.role})
		_ = complement.socket.sendJSON(peerJoinedMessage{Type: "peer-joined", Role: role})
	}
	return true
}

// relay forwards data verbatim to the complementary peer of (deviceID,
// role), silently dropping it if that peer is absent.
func (sb *Switchboard) relay(deviceID string, role Role, data []byte) {
	sb.mu.Lock()
	r, ok := sb.rooms[deviceID]
	var complement *peer
	if ok {
		complement = r.complement(role)
	}
	sb.mu.Unlock()

	if complement == nil {
		return
	}
	_ = complement.socket.sendRaw(data)
}

// leave removes role's peer from deviceID's room, notifies any remaining
// complementary peer with peer-left, and garbage-collects the room if both
// slots are now empty.
func (sb *Switchboard) leave(deviceID string, role Role) {
	sb.mu.Lock()
	r, ok := sb.rooms[deviceID]
	if !ok {
		sb.mu.Unlock()
		return
	}
	*r.slot(role) = nil
	complement := r.complement(role)
	gc := r.empty()
	if gc {
		delete(sb.rooms, deviceID)
	}
	sb.mu.Unlock()

	if complement != nil {
		_ = complement.socket.sendJSON(peerLeftMessage{Type: "peer-left", Role: role})
	}
}

// RoomCount returns the number of non-empty rooms, used by tests and
// diagnostics.
func (sb *Switchboard) RoomCount() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.rooms)
}
