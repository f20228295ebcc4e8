package ws

import "errors"

var (
	// ErrConnectionClosed is returned to calls still pending when their connection goes away.
	ErrConnectionClosed = errors.New("ws: connection closed")

	// ErrNotConnected is returned when no open connection is available for a call.
	ErrNotConnected = errors.New("ws: not connected")

	// ErrCallTimeout is returned when no response arrives before the call's deadline.
	ErrCallTimeout = errors.New("ws: request timeout")
)

// RemoteError is an application error reported by the backend with ok:false.
// Error returns the backend's message verbatim.
type RemoteError struct {
	Action  string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}
