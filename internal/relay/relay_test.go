package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfleet/controlplane/internal/command"
	"github.com/openfleet/controlplane/internal/device"
	"github.com/openfleet/controlplane/internal/eventbus"
	"github.com/openfleet/controlplane/internal/protocol"
	"github.com/openfleet/controlplane/internal/registry"
	"github.com/openfleet/controlplane/internal/session"
	"github.com/openfleet/controlplane/internal/telemetry"
)

// fakeConn is an in-memory WSConn used to drive the relay from tests without
// a real network socket.
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
		return BinaryMessage, m, nil
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

func (f *fakeConn) sendFrame(t *testing.T, fr protocol.Frame) {
	t.Helper()
	var buf bytes.Buffer
	if err := protocol.Encode(&buf, fr); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	f.in <- buf.Bytes()
}

func (f *fakeConn) recvFrame(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case b := <-f.out:
		fr, err := protocol.DecodeOne(b, protocol.DefaultMaxPayloadSize)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return protocol.Frame{}
	}
}

// fakeDeviceRepo is a minimal in-memory device.Repository for relay tests.
type fakeDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]*device.Device
}

func newFakeDeviceRepo() *fakeDeviceRepo {
	return &fakeDeviceRepo{devices: make(map[string]*device.Device)}
}

func (f *fakeDeviceRepo) Create(ctx context.Context, d *device.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[d.ID] = d
	return nil
}
func (f *fakeDeviceRepo) Get(ctx context.Context, id string) (*device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return nil, device.ErrNotFound
	}
	return d, nil
}
func (f *fakeDeviceRepo) List(ctx context.Context) ([]*device.Device, error) { return nil, nil }
func (f *fakeDeviceRepo) Touch(ctx context.Context, id string, now time.Time, upd *device.HeartbeatUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		d = &device.Device{ID: id}
		f.devices[id] = d
	}
	d.LastSeen = now
	if upd != nil {
		d.AgentVersion, d.OS, d.Arch, d.Hostname = upd.AgentVersion, upd.OS, upd.Arch, upd.Hostname
	}
	return nil
}
func (f *fakeDeviceRepo) MarkOffline(ctx context.Context, id string) error           { return nil }
func (f *fakeDeviceRepo) UpdateDisplayName(ctx context.Context, id, name string) error { return nil }
func (f *fakeDeviceRepo) AssignPolicy(ctx context.Context, id string, policyID *uuid.UUID) error {
	return nil
}
func (f *fakeDeviceRepo) Delete(ctx context.Context, id string) error { return nil }

// fakeTelemetryRepo is a minimal in-memory telemetry.Repository.
type fakeTelemetryRepo struct {
	mu     sync.Mutex
	latest map[string]telemetry.Snapshot
}

func newFakeTelemetryRepo() *fakeTelemetryRepo {
	return &fakeTelemetryRepo{latest: make(map[string]telemetry.Snapshot)}
}
func (f *fakeTelemetryRepo) Upsert(ctx context.Context, snap telemetry.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest[snap.DeviceID] = snap
	return nil
}
func (f *fakeTelemetryRepo) Latest(ctx context.Context, deviceID string) (*telemetry.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.latest[deviceID]
	if !ok {
		return nil, telemetry.ErrNotFound
	}
	return &s, nil
}
func (f *fakeTelemetryRepo) History(ctx context.Context, deviceID string, limit int) ([]telemetry.Snapshot, error) {
	return nil, nil
}

func newTestRelay() (*Relay, *session.MemoryStore) {
	sessions := session.NewMemoryStore()
	rl := New(
		registry.New(zerolog.Nop()),
		sessions,
		newFakeDeviceRepo(),
		command.NewMemoryRepository(),
		newFakeTelemetryRepo(),
		eventbus.New(zerolog.Nop()),
		nil,
		DefaultConfig(),
		zerolog.Nop(),
	)
	return rl, sessions
}

func TestAgentAuthThenViewerDesktopFrameRoundTrip(t *testing.T) {
	t.Parallel()

	rl, sessions := newTestRelay()
	ctx := context.Background()

	token, err := sessions.Create(ctx, "device-1")
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}

	agentConn := newFakeConn()
	go rl.ServeAgent(ctx, agentConn)

	authPayload, _ := json.Marshal(protocol.AuthRequest{Token: token, AgentVersion: "1.0", OS: "android"})
	agentConn.sendFrame(t, protocol.Frame{Type: protocol.OpAuthRequest, Payload: authPayload})

	resp := agentConn.recvFrame(t)
	if resp.Type != protocol.OpAuthResponse {
		t.Fatalf("got frame type %v, want AUTH_RESPONSE", resp.Type)
	}
	var authResp protocol.AuthResponse
	if err := json.Unmarshal(resp.Payload, &authResp); err != nil {
		t.Fatalf("unmarshal auth response: %v", err)
	}
	if !authResp.Success {
		t.Fatalf("auth failed: %+v", authResp)
	}

	viewerConn := newFakeConn()
	go rl.ServeViewer(ctx, viewerConn, "device-1", protocol.SessionDesktop, token)

	open := agentConn.recvFrame(t)
	if open.Type != protocol.OpDesktopOpen || open.Channel != 1 {
		t.Fatalf("got %+v, want DESKTOP_OPEN on channel 1", open)
	}
	var openPayload protocol.DesktopOpen
	if err := json.Unmarshal(open.Payload, &openPayload); err != nil {
		t.Fatalf("unmarshal desktop open: %v", err)
	}
	if openPayload.Quality != 70 || openPayload.FPS != 15 || openPayload.Encoding != "jpeg" {
		t.Fatalf("unexpected desktop open payload: %+v", openPayload)
	}

	framePayload := []byte{1, 2, 3, 4}
	agentConn.sendFrame(t, protocol.Frame{Type: protocol.OpDesktopFrame, Channel: 1, Payload: framePayload})

	got := viewerConn.recvFrame(t)
	if got.Type != protocol.OpDesktopFrame || !bytes.Equal(got.Payload, framePayload) {
		t.Fatalf("viewer did not receive identical frame: %+v", got)
	}
}

func TestAgentReplacementEvictsOldConnectionAndViewers(t *testing.T) {
	t.Parallel()

	rl, sessions := newTestRelay()
	ctx := context.Background()
	token, _ := sessions.Create(ctx, "device-1")

	firstAgent := newFakeConn()
	go rl.ServeAgent(ctx, firstAgent)
	authPayload, _ := json.Marshal(protocol.AuthRequest{Token: token})
	firstAgent.sendFrame(t, protocol.Frame{Type: protocol.OpAuthRequest, Payload: authPayload})
	firstAgent.recvFrame(t) // AUTH_RESPONSE

	viewerConn := newFakeConn()
	go rl.ServeViewer(ctx, viewerConn, "device-1", protocol.SessionTerminal, token)
	firstAgent.recvFrame(t) // TERMINAL_OPEN

	secondAgent := newFakeConn()
	go rl.ServeAgent(ctx, secondAgent)
	secondAgent.sendFrame(t, protocol.Frame{Type: protocol.OpAuthRequest, Payload: authPayload})
	secondAgent.recvFrame(t) // AUTH_RESPONSE

	select {
	case <-firstAgent.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected first agent connection to be closed on replacement")
	}

	select {
	case <-viewerConn.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected viewer connection to be closed when its agent was replaced")
	}
}

func TestAgentOriginatedHeartbeatIsAcked(t *testing.T) {
	t.Parallel()

	rl, sessions := newTestRelay()
	ctx := context.Background()
	token, _ := sessions.Create(ctx, "device-1")

	agentConn := newFakeConn()
	go rl.ServeAgent(ctx, agentConn)
	authPayload, _ := json.Marshal(protocol.AuthRequest{Token: token})
	agentConn.sendFrame(t, protocol.Frame{Type: protocol.OpAuthRequest, Payload: authPayload})
	agentConn.recvFrame(t) // AUTH_RESPONSE

	agentConn.sendFrame(t, protocol.Frame{Type: protocol.OpHeartbeat})
	ack := agentConn.recvFrame(t)
	if ack.Type != protocol.OpHeartbeatAck {
		t.Fatalf("got %v, want HEARTBEAT_ACK", ack.Type)
	}
}
