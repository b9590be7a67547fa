package tcp

import "errors"

// Fatal session failures are latched on the connection and delivered exactly
// once through the socket error callback; every later operation returns the
// same error.
var (
	// ErrConnectionReset reports an RST received from the peer.
	ErrConnectionReset = errors.New("tcp: connection reset by peer")

	// ErrConnectionRefused reports an RST in response to our SYN.
	ErrConnectionRefused = errors.New("tcp: connection refused")

	// ErrConnectionTimeout reports retransmission exhaustion.
	ErrConnectionTimeout = errors.New("tcp: connection timed out")

	// ErrConnectionClosed reports an operation on a locally closed socket.
	ErrConnectionClosed = errors.New("tcp: connection closed")

	// ErrTooManyConnections reports a full connection table.
	ErrTooManyConnections = errors.New("tcp: connection table full")

	// ErrInvalidState reports an operation not valid in the current state.
	ErrInvalidState = errors.New("tcp: operation invalid in current state")

	// ErrPortInUse reports a Listen on an occupied port.
	ErrPortInUse = errors.New("tcp: port already in use")
)
