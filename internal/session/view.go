// internal/session/view.go
package session

import (
	"time"

	"github.com/Sorok-Dva/project42-sync/internal/action"
	"github.com/Sorok-Dva/project42-sync/internal/clocksync"
	"github.com/Sorok-Dva/project42-sync/internal/conn"
	"github.com/Sorok-Dva/project42-sync/internal/ingress"
	"github.com/Sorok-Dva/project42-sync/internal/models"
	"github.com/Sorok-Dva/project42-sync/internal/phaseclock"
)

// View is what the presentation layer renders: canonical state with the
// local player's pending actions merged in.
type View struct {
	RoomID   string
	PlayerID string

	Snapshot models.Snapshot
	Pending  []action.Pending
	// QuickEndLocked is set once the quick-end quorum was reached in the
	// current phase.
	QuickEndLocked bool

	Connection  conn.State
	Reconciling bool
	Remaining   time.Duration
}

// samePhase reports whether v and next describe the same room phase.
func (v View) samePhase(next View) bool {
	a, b := v.Snapshot.Room, next.Snapshot.Room
	return v.RoomID == next.RoomID && a.Status == b.Status && a.PhaseKey() == b.PhaseKey()
}

// Optimistic reports whether the view differs from canonical state.
func (v View) Optimistic() bool {
	return len(v.Pending) > 0
}

type AlertKind string

const (
	AlertPhaseExpiring      AlertKind = "phase_expiring"
	AlertActionRejected     AlertKind = "action_rejected"
	AlertConnection         AlertKind = "connection"
	AlertReconnectExhausted AlertKind = "reconnect_exhausted"
)

// Alert is a discrete notification for the notification layer. Unlike
// views, alerts are never coalesced.
type Alert struct {
	Kind   AlertKind
	At     time.Time
	RoomID string

	// Expiry is set for AlertPhaseExpiring.
	Expiry phaseclock.Expiry
	// Result is set for AlertActionRejected.
	Result action.Result
	// State is set for AlertConnection and AlertReconnectExhausted.
	State conn.State
	Err   error
}

// Info describes the joined room for diagnostics.
type Info struct {
	SessionID   string    `json:"sessionId"`
	RoomID      string    `json:"roomId"`
	PlayerID    string    `json:"playerId"`
	Fingerprint string    `json:"fingerprint"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`

	Connection conn.State       `json:"connection"`
	LastSeq    uint64           `json:"lastSeq"`
	Ingress    ingress.Stats    `json:"ingress"`
	Clock      clocksync.Offset `json:"clock"`
}
