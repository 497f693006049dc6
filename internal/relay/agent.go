package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openfleet/controlplane/internal/device"
	"github.com/openfleet/controlplane/internal/eventbus"
	"github.com/openfleet/controlplane/internal/protocol"
	"github.com/openfleet/controlplane/internal/registry"
	"github.com/openfleet/controlplane/internal/telemetry"
)

// agentSocket adapts a WSConn to registry.AgentSocket.
type agentSocket struct {
	*socket
	deviceID string
}

func (a *agentSocket) Close(reason string) error {
	// reason is carried in the close frame by the caller that owns the
	// WebSocket close-code mapping (ServeAgent); here we only need to stop
	// the pumps and release the connection.
	return a.close()
}

// ServeAgent runs the full lifecycle of one agent connection: unauthenticated
// accept, AUTH_REQUEST handling, heartbeat bookkeeping and steady-state
// agent-to-viewer routing. It blocks until the connection closes.
func (r *Relay) ServeAgent(ctx context.Context, conn WSConn) {
	sock := &agentSocket{socket: newSocket(conn)}
	go sock.writePump()
	defer sock.close()

	authTimedOut := make(chan struct{})
	authTimer := time.AfterFunc(r.Config.AuthTimeout, func() { close(authTimedOut) })

	frame, err := r.readFrame(conn)
	if err != nil {
		authTimer.Stop()
		return
	}
	authTimer.Stop()

	select {
	case <-authTimedOut:
		r.closeWithCode(conn, CloseAuthTimeout)
		return
	default:
	}

	if frame.Type != protocol.OpAuthRequest || frame.Channel != 0 {
		r.closeWithCode(conn, CloseAuthFailed)
		return
	}

	var req protocol.AuthRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		r.closeWithCode(conn, CloseAuthFailed)
		return
	}

	deviceID, err := r.Sessions.Validate(ctx, req.Token)
	if err != nil {
		r.sendAuthResponse(sock, protocol.AuthResponse{Success: false, Error: "invalid session token"})
		r.closeWithCode(conn, CloseAuthFailed)
		return
	}

	sock.deviceID = deviceID
	now := time.Now().UTC()

	r.Registry.Add(deviceID, sock, registry.Info{
		AgentVersion: req.AgentVersion,
		OS:           req.OS,
		Arch:         req.Arch,
		Hostname:     req.Hostname,
	}, now)

	if err := r.Devices.Touch(ctx, deviceID, now, &device.HeartbeatUpdate{
		AgentVersion: req.AgentVersion, OS: req.OS, Arch: req.Arch, Hostname: req.Hostname,
	}); err != nil {
		r.Log.Warn().Err(err).Str("device_id", deviceID).Msg("touch device at auth")
	}

	r.sendAuthResponse(sock, protocol.AuthResponse{Success: true, DeviceID: deviceID})

	defer func() {
		r.Registry.Remove(deviceID)
		if err := r.Devices.MarkOffline(context.Background(), deviceID); err != nil {
			r.Log.Warn().Err(err).Str("device_id", deviceID).Msg("mark device offline on disconnect")
		}
	}()

	r.agentSteadyState(ctx, conn, sock, deviceID)
}

func (r *Relay) sendAuthResponse(sock *agentSocket, resp protocol.AuthResponse) {
	payload, err := jsonPayload(resp)
	if err != nil {
		return
	}
	_ = sock.Send(protocol.Frame{Type: protocol.OpAuthResponse, Payload: payload})
}

// agentSteadyState is the blocking read loop for an authenticated agent
// connection.
func (r *Relay) agentSteadyState(ctx context.Context, conn WSConn, sock *agentSocket, deviceID string) {
	for {
		frame, err := r.readFrame(conn)
		if err != nil {
			return
		}
		r.dispatchAgentFrame(ctx, sock, deviceID, frame)
	}
}

func (r *Relay) dispatchAgentFrame(ctx context.Context, sock *agentSocket, deviceID string, frame protocol.Frame) {
	now := time.Now().UTC()

	switch {
	case frame.Type == protocol.OpHeartbeat:
		r.Registry.UpdateHeartbeat(deviceID, now)
		_ = r.Devices.Touch(ctx, deviceID, now, nil)
		_ = sock.Send(protocol.Frame{Type: protocol.OpHeartbeatAck})

	case frame.Type == protocol.OpHeartbeatAck:
		r.Registry.UpdateHeartbeat(deviceID, now)
		_ = r.Devices.Touch(ctx, deviceID, now, nil)

	case frame.Type == protocol.OpAgentInfo:
		var info protocol.AgentInfo
		if err := json.Unmarshal(frame.Payload, &info); err == nil {
			_ = r.Devices.Touch(ctx, deviceID, now, &device.HeartbeatUpdate{
				AgentVersion: info.AgentVersion, OS: info.OS, Arch: info.Arch, Hostname: info.Hostname,
			})
		}

	case frame.Channel == 0 && protocol.IsControl(frame.Type):
		r.handleControlBroadcast(ctx, deviceID, frame)

	case frame.Channel > 0:
		r.routeToViewer(deviceID, frame)

	default:
		r.Log.Debug().Uint8("type", uint8(frame.Type)).Msg("unknown frame type dropped")
	}
}

// handleControlBroadcast handles COMMAND_RESULT and TELEMETRY_DATA: both are
// broadcast to every active viewer session of the agent, per spec.md §4.F
// (an Open Question flags this as possibly better routed by request_id; see
// DESIGN.md for why the spec's literal broadcast behavior is kept).
func (r *Relay) handleControlBroadcast(ctx context.Context, deviceID string, frame protocol.Frame) {
	if frame.Type == protocol.OpTelemetryData {
		r.ingestTelemetry(ctx, deviceID, frame.Payload)
	}

	conn, ok := r.Registry.Get(deviceID)
	if !ok {
		return
	}
	for _, viewer := range conn.Sessions() {
		_ = viewer.Socket.Send(frame)
	}
}

func (r *Relay) ingestTelemetry(ctx context.Context, deviceID string, payload []byte) {
	var t protocol.TelemetryPayload
	if err := json.Unmarshal(payload, &t); err != nil {
		r.Log.Warn().Err(err).Str("device_id", deviceID).Msg("malformed telemetry payload")
		return
	}

	snap := telemetry.Snapshot{
		DeviceID:        deviceID,
		BatteryLevel:    t.BatteryLevel,
		BatteryCharging: t.BatteryCharging,
		CPUPercent:      t.CPUPercent,
		MemoryPercent:   t.MemoryPercent,
		NetworkType:     t.NetworkType,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := r.Telemetry.Upsert(ctx, snap); err != nil {
		r.Log.Warn().Err(err).Str("device_id", deviceID).Msg("upsert telemetry")
		return
	}

	for _, eventType := range telemetry.EvaluateBatteryEvents(t.BatteryLevel) {
		r.publishDeviceEvent(deviceID, eventType, "warning", payload)
	}
}

// routeToViewer forwards a session-channel frame to the viewer bound to that
// channel, dropping it silently if the channel has no viewer.
func (r *Relay) routeToViewer(deviceID string, frame protocol.Frame) {
	conn, ok := r.Registry.Get(deviceID)
	if !ok {
		return
	}
	session, ok := conn.Session(frame.Channel)
	if !ok {
		return
	}
	_ = session.Socket.Send(frame)
}

func (r *Relay) publishDeviceEvent(deviceID, eventType, severity string, payload []byte) {
	if r.Bus == nil {
		return
	}
	r.Bus.Publish(eventBusEvent(deviceID, eventType, severity, payload))
}

func (r *Relay) readFrame(conn WSConn) (protocol.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	return protocol.DecodeOne(data, r.Config.MaxPayloadBytes)
}

func (r *Relay) closeWithCode(conn WSConn, code int) {
	_ = conn.WriteMessage(closeMessageType, closeFramePayload(code))
	_ = conn.Close()
}

// closeMessageType mirrors gorilla/fasthttp websocket's CloseMessage constant.
const closeMessageType = 8

func closeFramePayload(code int) []byte {
	return []byte{byte(code >> 8), byte(code)}
}

func eventBusEvent(deviceID, eventType, severity string, payload []byte) eventbus.Event {
	return eventbus.Event{
		DeviceID:  deviceID,
		EventType: eventType,
		Severity:  severity,
		Payload:   payload,
		CreatedAt: time.Now().UTC().UnixMilli(),
	}
}
