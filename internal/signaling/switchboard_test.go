package signaling

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
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

func TestSignalingRoundTrip(t *testing.T) {
	t.Parallel()

	sb := New(zerolog.Nop())

	deviceConn := newFakeConn()
	go sb.Serve(deviceConn)
	deviceConn.send(t, map[string]any{"type": "join", "deviceId": "D", "role": "device"})

	controllerConn := newFakeConn()
	go sb.Serve(controllerConn)
	controllerConn.send(t, map[string]any{"type": "join", "deviceId": "D", "role": "controller"})

	deviceJoined := deviceConn.recv(t)
	if deviceJoined["type"] != "peer-joined" || deviceJoined["role"] != "controller" {
		t.Fatalf("device got %+v, want peer-joined/controller", deviceJoined)
	}
	controllerJoined := controllerConn.recv(t)
	if controllerJoined["type"] != "peer-joined" || controllerJoined["role"] != "device" {
		t.Fatalf("controller got %+v, want peer-joined/device", controllerJoined)
	}

	deviceConn.send(t, map[string]any{"type": "offer", "sdp": "X"})
	offer := controllerConn.recv(t)
	if offer["type"] != "offer" || offer["sdp"] != "X" {
		t.Fatalf("controller got %+v, want offer/X", offer)
	}

	controllerConn.send(t, map[string]any{"type": "answer", "sdp": "Y"})
	answer := deviceConn.recv(t)
	if answer["type"] != "answer" || answer["sdp"] != "Y" {
		t.Fatalf("device got %+v, want answer/Y", answer)
	}

	deviceConn.Close()
	left := controllerConn.recv(t)
	if left["type"] != "peer-left" || left["role"] != "device" {
		t.Fatalf("controller got %+v, want peer-left/device", left)
	}
}

func TestSignalingRoleAlreadyTaken(t *testing.T) {
	t.Parallel()

	sb := New(zerolog.Nop())

	first := newFakeConn()
	go sb.Serve(first)
	first.send(t, map[string]any{"type": "join", "deviceId": "D", "role": "device"})

	second := newFakeConn()
	go sb.Serve(second)
	second.send(t, map[string]any{"type": "join", "deviceId": "D", "role": "device"})

	errMsg := second.recv(t)
	if errMsg["type"] != "error" {
		t.Fatalf("got %+v, want error", errMsg)
	}

	select {
	case <-second.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected second connection to be closed")
	}
}

func TestSignalingOfferDroppedWithNoComplement(t *testing.T) {
	t.Parallel()

	sb := New(zerolog.Nop())

	deviceConn := newFakeConn()
	go sb.Serve(deviceConn)
	deviceConn.send(t, map[string]any{"type": "join", "deviceId": "D", "role": "device"})
	deviceConn.send(t, map[string]any{"type": "offer", "sdp": "X"})

	select {
	case got := <-deviceConn.out:
		t.Fatalf("expected no message, got %s", got)
	case <-time.After(200 * time.Millisecond):
	}

	if sb.RoomCount() != 1 {
		t.Fatalf("RoomCount() = %d, want 1", sb.RoomCount())
	}
}
