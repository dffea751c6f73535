// internal/syncerr/errors.go
package syncerr

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every layer of the engine. Callers match them
// with errors.Is; concrete failures wrap them with fmt.Errorf("...: %w").
var (
	// ErrAuth means the credential was rejected. Never retried automatically.
	ErrAuth = errors.New("authentication rejected")
	// ErrNetwork covers dial failures and dropped transports.
	ErrNetwork = errors.New("network error")
	// ErrTimeout is returned when a handshake or action outlives its bound.
	ErrTimeout = errors.New("timed out")
	// ErrRoomFull is returned by the handshake when the room has no free seat.
	ErrRoomFull = errors.New("room is full")

	// ErrStaleEvent marks an event older than (or equal to) the last applied sequence.
	ErrStaleEvent = errors.New("stale event dropped")
	// ErrUnknownReference marks an event that names a player the room does not know.
	ErrUnknownReference = errors.New("unknown reference ignored")
	// ErrResyncRequired marks a sequence gap; a full snapshot is requested.
	ErrResyncRequired = errors.New("resync required")

	// ErrActionRejected is the recoverable, user-facing outcome of a failed action.
	ErrActionRejected = errors.New("action rejected")
	// ErrPrecondition is a local fast-fail before anything is sent.
	ErrPrecondition = errors.New("action precondition failed")

	ErrNotConnected       = errors.New("not connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrSessionClosed      = errors.New("session closed")
)

// Handshake error codes sent by the server in an "error" message.
const (
	CodeAuth     = "auth"
	CodeRoomFull = "room_full"
)

// HandshakeError is the server's refusal of a hello message.
type HandshakeError struct {
	Code    string
	Message string
}

func (e *HandshakeError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("handshake refused [%s]", e.Code)
	}
	return fmt.Sprintf("handshake refused [%s]: %s", e.Code, e.Message)
}

// Unwrap maps the server code onto the sentinel taxonomy.
func (e *HandshakeError) Unwrap() error {
	switch e.Code {
	case CodeAuth:
		return ErrAuth
	case CodeRoomFull:
		return ErrRoomFull
	default:
		return ErrNetwork
	}
}

// ActionRejectedError reports that an optimistic action was rolled back,
// either because the server refused it or because it timed out.
type ActionRejectedError struct {
	CorrelationID string
	Kind          string
	Reason        string
	Timeout       bool
}

func (e *ActionRejectedError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("action %s (%s) timed out", e.Kind, e.CorrelationID)
	}
	return fmt.Sprintf("action %s (%s) rejected: %s", e.Kind, e.CorrelationID, e.Reason)
}

func (e *ActionRejectedError) Is(target error) bool {
	if target == ErrActionRejected {
		return true
	}
	return e.Timeout && target == ErrTimeout
}

// Recoverable reports whether err is something presentation may show and
// the user may retry, as opposed to a terminal session failure.
func Recoverable(err error) bool {
	if err == nil {
		return true
	}
	return !errors.Is(err, ErrAuth) && !errors.Is(err, ErrReconnectExhausted) && !errors.Is(err, ErrSessionClosed)
}
