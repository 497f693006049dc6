// Package relay implements the binary relay: per-agent socket lifecycle
// (accept, authenticate, heartbeat, steady-state routing) and the matching
// per-viewer socket lifecycle, multiplexed through the Agent Connection
// Registry.
package relay

import (
	"encoding/json"
	"sync"

	"github.com/openfleet/controlplane/internal/protocol"
)

// WSConn is the subset of a WebSocket connection the relay depends on. The
// production implementation is *websocket.Conn from
// github.com/gofiber/contrib/v3/websocket (itself backed by
// github.com/fasthttp/websocket); tests supply an in-memory fake.
type WSConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// BinaryMessage mirrors the gorilla/fasthttp websocket constant; relay
// frames are always sent as binary messages.
const BinaryMessage = 2

// sendBufferSize bounds the per-socket outbound queue. A slow consumer whose
// buffer fills is dropped rather than allowed to back-pressure the whole
// relay, matching the teacher gateway's enqueue policy.
const sendBufferSize = 256

// socket is the shared send-queue/writer-goroutine machinery used by both the
// agent and viewer connection wrappers.
type socket struct {
	conn      WSConn
	send      chan protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newSocket(conn WSConn) *socket {
	return &socket{
		conn: conn,
		send: make(chan protocol.Frame, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Send enqueues a frame for the writer goroutine. Non-blocking: if the
// buffer is full the socket is closed, matching the teacher's
// drop-and-close backpressure policy.
func (s *socket) Send(f protocol.Frame) error {
	select {
	case <-s.done:
		return errClosed
	default:
	}

	select {
	case s.send <- f:
		return nil
	default:
		_ = s.close()
		return errClosed
	}
}

func (s *socket) close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// writePump drains the send queue onto the underlying connection until done
// is closed. Must run on its own goroutine.
func (s *socket) writePump() {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.send:
			buf, err := encodeFrame(f)
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(BinaryMessage, buf); err != nil {
				_ = s.close()
				return
			}
		}
	}
}

func encodeFrame(f protocol.Frame) ([]byte, error) {
	var buf bufWriter
	if err := protocol.Encode(&buf, f); err != nil {
		return nil, err
	}
	return buf.b, nil
}

// bufWriter is a minimal io.Writer accumulating a single contiguous frame,
// avoiding a bytes.Buffer import for what is always exactly one Write call.
type bufWriter struct{ b []byte }

func (w *bufWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func jsonPayload(v any) ([]byte, error) {
	return json.Marshal(v)
}
