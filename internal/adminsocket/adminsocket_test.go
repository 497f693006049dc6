package adminsocket

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfleet/controlplane/internal/eventbus"
)

type fakeConn struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 32), out: make(chan []byte, 32), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-f.in:
		return TextMessage, m, nil
	case <-f.closed:
		return 0, nil, io.EOF
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case f.out <- data:
		return nil
	case <-f.closed:
		return io.ErrClosedPipe
	}
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.in <- b
}

func (f *fakeConn) recv(t *testing.T) map[string]any {
	t.Helper()
	select {
	case b := <-f.out:
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func (f *fakeConn) expectNone(t *testing.T) {
	t.Helper()
	select {
	case got := <-f.out:
		t.Fatalf("expected no message, got %s", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestAdminSocketPing(t *testing.T) {
	t.Parallel()

	bus := eventbus.New(zerolog.Nop())
	srv := New(bus, zerolog.Nop())

	conn := newFakeConn()
	go srv.Serve(conn)

	conn.send(t, map[string]any{"type": "ping"})
	pong := conn.recv(t)
	if pong["type"] != "pong" {
		t.Fatalf("got %+v, want pong", pong)
	}
}

func TestAdminSocketSubscribeFiltersDeliveries(t *testing.T) {
	t.Parallel()

	bus := eventbus.New(zerolog.Nop())
	srv := New(bus, zerolog.Nop())

	conn := newFakeConn()
	go srv.Serve(conn)

	conn.send(t, map[string]any{"type": "subscribe", "deviceIds": []string{"device-1"}})
	state := conn.recv(t)
	if state["type"] != "subscription-state" {
		t.Fatalf("got %+v, want subscription-state", state)
	}

	bus.Publish(eventbus.Event{DeviceID: "device-2", EventType: "battery-low"})
	conn.expectNone(t)

	bus.Publish(eventbus.Event{DeviceID: "device-1", EventType: "battery-low"})
	evt := conn.recv(t)
	if evt["type"] != "event" || evt["deviceId"] != "device-1" {
		t.Fatalf("got %+v, want event for device-1", evt)
	}
}

func TestAdminSocketUnsubscribeReopensToAll(t *testing.T) {
	t.Parallel()

	bus := eventbus.New(zerolog.Nop())
	srv := New(bus, zerolog.Nop())

	conn := newFakeConn()
	go srv.Serve(conn)

	conn.send(t, map[string]any{"type": "subscribe", "deviceIds": []string{"device-1"}})
	conn.recv(t) // subscription-state

	conn.send(t, map[string]any{"type": "unsubscribe", "deviceIds": []string{"device-1"}})
	state := conn.recv(t)
	if ids, _ := state["deviceIds"].([]any); len(ids) != 0 {
		t.Fatalf("deviceIds = %v, want empty after unsubscribe", ids)
	}

	bus.Publish(eventbus.Event{DeviceID: "device-2", EventType: "battery-low"})
	evt := conn.recv(t)
	if evt["deviceId"] != "device-2" {
		t.Fatalf("got %+v, want event for device-2 now that filter is empty", evt)
	}
}
