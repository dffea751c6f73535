// internal/conn/state.go
package conn

// State is the lifecycle of a connection manager.
type State int

const (
	// StateIdle means Connect has not been called yet.
	StateIdle State = iota
	// StateConnecting covers dial and handshake of an explicit Connect or Reconnect.
	StateConnecting
	// StateConnected means the handshake succeeded and messages flow.
	StateConnected
	// StateDisconnected means the transport dropped; a reconnect follows unless it was the initial connect.
	StateDisconnected
	// StateReconnecting means the backoff loop is running.
	StateReconnecting
	// StateFailed is terminal until Reconnect is called: credential rejected or attempts exhausted.
	StateFailed
	// StateClosed means Close was called.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
