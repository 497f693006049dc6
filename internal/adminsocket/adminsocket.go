// Package adminsocket implements the admin event-subscription WebSocket: a
// filtered fan-out of the in-process event bus to connected admin-console
// clients.
package adminsocket

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfleet/controlplane/internal/eventbus"
)

// WSConn is the subset of a WebSocket connection the admin socket depends on.
type WSConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// TextMessage mirrors the gorilla/fasthttp websocket constant.
const TextMessage = 1

// clientMessage is the shape of every inbound message: subscribe/unsubscribe
// carry additive filter sets, ping carries nothing.
type clientMessage struct {
	Type       string   `json:"type"`
	DeviceIDs  []string `json:"deviceIds,omitempty"`
	EventTypes []string `json:"eventTypes,omitempty"`
	GroupIDs   []string `json:"groupIds,omitempty"`
}

type subscriptionState struct {
	Type       string   `json:"type"`
	DeviceIDs  []string `json:"deviceIds"`
	EventTypes []string `json:"eventTypes"`
	GroupIDs   []string `json:"groupIds"`
}

type pongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type eventMessage struct {
	Type      string          `json:"type"`
	DeviceID  string          `json:"deviceId"`
	EventType string          `json:"eventType"`
	Severity  string          `json:"severity"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt int64           `json:"createdAt"`
}

// filterSet holds one additive filter dimension: empty means match all.
type filterSet map[string]struct{}

func (f filterSet) matches(v string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[v]
	return ok
}

func addAll(f filterSet, values []string) {
	for _, v := range values {
		f[v] = struct{}{}
	}
}

func sortedKeys(f filterSet) []string {
	out := make([]string, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// client is one connected admin socket's subscription state.
type client struct {
	mu         sync.Mutex
	conn       WSConn
	deviceIDs  filterSet
	eventTypes filterSet
	groupIDs   filterSet
}

func newClient(conn WSConn) *client {
	return &client{
		conn:       conn,
		deviceIDs:  filterSet{},
		eventTypes: filterSet{},
		groupIDs:   filterSet{},
	}
}

func (c *client) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(TextMessage, b)
}

// matches reports whether e passes this client's deviceIds and eventTypes
// filters. groupIds are stored and echoed in the subscription state but are
// not used for matching.
func (c *client) matches(e eventbus.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceIDs.matches(e.DeviceID) && c.eventTypes.matches(e.EventType)
}

func (c *client) applySubscribe(msg clientMessage) subscriptionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	addAll(c.deviceIDs, msg.DeviceIDs)
	addAll(c.eventTypes, msg.EventTypes)
	addAll(c.groupIDs, msg.GroupIDs)
	return c.stateLocked()
}

func (c *client) applyUnsubscribe(msg clientMessage) subscriptionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range msg.DeviceIDs {
		delete(c.deviceIDs, v)
	}
	for _, v := range msg.EventTypes {
		delete(c.eventTypes, v)
	}
	for _, v := range msg.GroupIDs {
		delete(c.groupIDs, v)
	}
	return c.stateLocked()
}

func (c *client) stateLocked() subscriptionState {
	return subscriptionState{
		Type:       "subscription-state",
		DeviceIDs:  sortedKeys(c.deviceIDs),
		EventTypes: sortedKeys(c.eventTypes),
		GroupIDs:   sortedKeys(c.groupIDs),
	}
}

// Server fans device events out to connected admin sockets, each filtered by
// its own additive subscription state.
type Server struct {
	bus *eventbus.Bus
	log zerolog.Logger
}

// New returns a Server publishing from bus.
func New(bus *eventbus.Bus, log zerolog.Logger) *Server {
	return &Server{bus: bus, log: log.With().Str("component", "adminsocket").Logger()}
}

// Serve runs the lifecycle of one admin socket connection: it subscribes to
// the event bus immediately (with an empty, match-all filter) and processes
// subscribe/unsubscribe/ping messages until the connection closes.
func (s *Server) Serve(conn WSConn) {
	c := newClient(conn)

	subID := s.bus.Subscribe(func(e eventbus.Event) {
		if !c.matches(e) {
			return
		}
		_ = c.send(eventMessage{
			Type:      "event",
			DeviceID:  e.DeviceID,
			EventType: e.EventType,
			Severity:  e.Severity,
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt,
		})
	})
	defer s.bus.Unsubscribe(subID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug().Err(err).Msg("malformed admin socket message dropped")
			continue
		}

		switch msg.Type {
		case "subscribe":
			_ = c.send(c.applySubscribe(msg))
		case "unsubscribe":
			_ = c.send(c.applyUnsubscribe(msg))
		case "ping":
			_ = c.send(pongMessage{Type: "pong", Timestamp: time.Now().UTC().UnixMilli()})
		default:
			s.log.Debug().Str("type", msg.Type).Msg("unknown admin socket message type dropped")
		}
	}
}
