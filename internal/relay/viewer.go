package relay

import (
	"context"

	"github.com/openfleet/controlplane/internal/protocol"
)

// viewerSocket adapts a WSConn to registry.ViewerSocket.
type viewerSocket struct {
	*socket
}

func (v *viewerSocket) Close(reason string) error {
	return v.close()
}

// resolveViewerUser resolves a viewer's credential, accepting either a device
// session token or an admin JWT, per the Open Question in spec.md §9. The
// resulting user id is either "agent-session" for a device session token or
// the JWT subject.
func (r *Relay) resolveViewerUser(ctx context.Context, token string) (userID string, ok bool) {
	if _, err := r.Sessions.Validate(ctx, token); err == nil {
		return "agent-session", true
	}
	if r.AdminAuth != nil {
		if subject, err := r.AdminAuth.ValidateAccessToken(token); err == nil {
			return subject, true
		}
	}
	return "", false
}

// ServeViewer runs the lifecycle of one viewer connection: immediate
// authentication, channel allocation against the already-connected agent,
// a session-open notification, and steady-state viewer-to-agent routing
// with channel rewriting. It blocks until the connection closes.
func (r *Relay) ServeViewer(ctx context.Context, conn WSConn, deviceID string, sessionType protocol.SessionType, token string) {
	userID, ok := r.resolveViewerUser(ctx, token)
	if !ok {
		r.closeWithCode(conn, CloseAuthFailed)
		return
	}

	agentConn, ok := r.Registry.Get(deviceID)
	if !ok {
		r.closeWithCode(conn, CloseAgentNotConnected)
		return
	}

	vsock := &viewerSocket{socket: newSocket(conn)}
	go vsock.writePump()
	defer vsock.close()

	channelID, ok := r.Registry.AllocateChannel(deviceID, vsock, sessionType, userID)
	if !ok {
		r.closeWithCode(conn, CloseChannelAllocFailed)
		return
	}

	defer func() {
		r.Registry.RemoveSession(deviceID, channelID)
		if closeOp, has := protocol.CloseOpcodeFor(sessionType); has {
			if conn, ok := r.Registry.Get(deviceID); ok {
				_ = conn.Socket.Send(protocol.Frame{Type: closeOp, Channel: channelID})
			}
		}
	}()

	openPayload, err := sessionOpenPayload(sessionType)
	if err == nil {
		openOp, _ := sessionOpenOpcode(sessionType)
		_ = agentConn.Socket.Send(protocol.Frame{Type: openOp, Channel: channelID, Payload: openPayload})
	}

	for {
		frame, err := r.readFrame(conn)
		if err != nil {
			return
		}
		frame.Channel = channelID
		if conn, ok := r.Registry.Get(deviceID); ok {
			_ = conn.Socket.Send(frame)
		}
	}
}

func sessionOpenOpcode(t protocol.SessionType) (protocol.Opcode, bool) {
	switch t {
	case protocol.SessionDesktop:
		return protocol.OpDesktopOpen, true
	case protocol.SessionTerminal:
		return protocol.OpTerminalOpen, true
	case protocol.SessionFiles:
		return protocol.OpFilesOpen, true
	default:
		return 0, false
	}
}

func sessionOpenPayload(t protocol.SessionType) ([]byte, error) {
	switch t {
	case protocol.SessionDesktop:
		return jsonPayload(protocol.DesktopOpen{Quality: 70, FPS: 15, Encoding: "jpeg"})
	case protocol.SessionTerminal:
		return jsonPayload(protocol.TerminalOpen{Cols: 80, Rows: 24})
	case protocol.SessionFiles:
		return jsonPayload(protocol.FilesOpen{Path: "/"})
	default:
		return nil, errUnknownSessionType
	}
}
