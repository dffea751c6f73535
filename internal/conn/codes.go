// internal/conn/codes.go
package conn

import "github.com/coder/websocket"

// Custom WebSocket close codes exchanged with the room server. The 3000
// range is reserved for registered application codes.
const (
	StatusBadSubprotocol   websocket.StatusCode = 3000 // Client did not speak the room subprotocol.
	StatusInvalidAuthToken websocket.StatusCode = 3001 // Credential invalid or expired after upgrade.
	StatusInvalidPlayerID  websocket.StatusCode = 3002 // Player id derived from the credential was rejected.
	StatusInvalidRoomID    websocket.StatusCode = 3003 // Room does not exist or already ended.
	StatusHeartbeatLost    websocket.StatusCode = 3004 // Sent by the client when the server went silent.

	// StatusLeaving is used when the player leaves the room on purpose.
	StatusLeaving = websocket.StatusNormalClosure
)

// Subprotocol is negotiated on every upgrade.
const Subprotocol = "room"

// authStatus reports whether a close code from the server means the
// credential was refused, so a reconnect with it cannot succeed.
func authStatus(code websocket.StatusCode) bool {
	return code == StatusInvalidAuthToken || code == StatusInvalidPlayerID
}
