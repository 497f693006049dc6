package relay

import "errors"

// Sentinel errors for the relay package.
var (
	errClosed            = errors.New("relay: socket closed")
	errUnknownSessionType = errors.New("relay: unknown session type")
)

// Close codes sent on the WebSocket close frame, per spec.md §6.
const (
	CloseAuthTimeout          = 4001
	CloseAuthFailed           = 4003
	CloseAgentNotConnected    = 4004
	CloseChannelAllocFailed   = 4005
)
