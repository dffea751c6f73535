// internal/protocol/events.go
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Sorok-Dva/project42-sync/internal/models"
)

// EventKind names an inbound server message.
type EventKind string

// Room events. Every one of them except heartbeat may carry a sequence number.
const (
	EventSnapshot            EventKind = "snapshot"
	EventPhaseChanged        EventKind = "phaseChanged"
	EventPlayerJoined        EventKind = "playerJoined"
	EventPlayerLeft          EventKind = "playerLeft"
	EventPlayerReadyChanged  EventKind = "playerReadyChanged"
	EventVoteCast            EventKind = "voteCast"
	EventVoteRetracted       EventKind = "voteRetracted"
	EventVoteTallyUpdated    EventKind = "voteTallyUpdated"
	EventEliminationResolved EventKind = "eliminationResolved"
	EventRoleRevealed        EventKind = "roleRevealed"
	EventAbilityUsed         EventKind = "abilityUsed"
	EventQuickEndVoteUpdated EventKind = "quickEndVoteUpdated"
	EventGameEnded           EventKind = "gameEnded"
	EventHeartbeat           EventKind = "heartbeat"
)

// Control messages. They are never sequenced and never touch room state.
const (
	EventWelcome        EventKind = "welcome"
	EventError          EventKind = "error"
	EventPong           EventKind = "pong"
	EventActionRejected EventKind = "actionRejected"
)

// IsControl reports whether k bypasses sequencing.
func (k EventKind) IsControl() bool {
	switch k {
	case EventHeartbeat, EventWelcome, EventError, EventPong, EventActionRejected:
		return true
	}
	return false
}

// Event is the envelope of every inbound message.
type Event struct {
	Kind          EventKind       `json:"type"`
	Seq           uint64          `json:"seq,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	SentAt        time.Time       `json:"sentAt,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`

	// Receipt is the local, monotonically increasing arrival order.
	Receipt uint64 `json:"-"`
}

// DecodeEvent parses one raw frame into an envelope.
func DecodeEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Kind == "" {
		return Event{}, fmt.Errorf("decode event: missing type")
	}
	return ev, nil
}

// --- Payloads ---

// SnapshotPayload is the full authoritative room state.
type SnapshotPayload struct {
	Room    models.RoomState     `json:"room"`
	Players []models.PlayerState `json:"players"`
	Votes   models.VoteState     `json:"votes"`
}

// PhaseChangedPayload starts a new phase. Quorums are refreshed every phase.
type PhaseChangedPayload struct {
	Phase          int               `json:"phase"`
	Deadline       time.Time         `json:"deadline"`
	Round          int               `json:"round"`
	Status         models.RoomStatus `json:"status,omitempty"`
	VoteQuorum     int               `json:"voteQuorum"`
	QuickEndQuorum int               `json:"quickEndQuorum"`
	CaptainID      *string           `json:"captainId,omitempty"`
}

type PlayerJoinedPayload struct {
	Player models.PlayerState `json:"player"`
}

type PlayerRefPayload struct {
	PlayerID string `json:"playerId"`
}

type PlayerReadyChangedPayload struct {
	PlayerID string `json:"playerId"`
	Ready    bool   `json:"ready"`
}

type VoteCastPayload struct {
	VoterID  string `json:"voterId"`
	TargetID string `json:"targetId"`
}

type VoteRetractedPayload struct {
	VoterID string `json:"voterId"`
}

// VoteTallyUpdatedPayload is the server's count; it overrides the local recount.
type VoteTallyUpdatedPayload struct {
	Tally  map[string]int `json:"tally"`
	Quorum *int           `json:"quorum,omitempty"`
}

type EliminationResolvedPayload struct {
	PlayerID string `json:"playerId"`
	Cause    string `json:"cause"`
}

type RoleRevealedPayload struct {
	PlayerID string         `json:"playerId"`
	Role     string         `json:"role"`
	Faction  models.Faction `json:"faction"`
}

// StatusChange is a server decided flag change that rides on an ability event.
type StatusChange struct {
	PlayerID string              `json:"playerId"`
	Status   models.PlayerStatus `json:"status"`
}

type AbilityUsedPayload struct {
	PlayerID string            `json:"playerId"`
	Ability  string            `json:"ability"`
	TargetID string            `json:"targetId,omitempty"`
	Slots    *models.RoomSlots `json:"slots,omitempty"`
	Statuses []StatusChange    `json:"statuses,omitempty"`
}

type QuickEndVoteUpdatedPayload struct {
	Voters []string `json:"voters"`
	Quorum *int     `json:"quorum,omitempty"`
}

type GameEndedPayload struct {
	WinningFaction models.Faction       `json:"winningFaction"`
	Players        []models.PlayerState `json:"players"`
}

type WelcomePayload struct {
	PlayerID   string    `json:"playerId"`
	ServerTime time.Time `json:"serverTime"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongPayload struct {
	ProbeID    string    `json:"probeId"`
	ServerTime time.Time `json:"serverTime"`
}

type ActionRejectedPayload struct {
	Reason string `json:"reason"`
}

// ParsePayload decodes the data of ev into the struct matching its kind.
// Heartbeats and unknown kinds return (nil, nil).
func ParsePayload(ev Event) (interface{}, error) {
	var payload interface{}
	switch ev.Kind {
	case EventSnapshot:
		payload = &SnapshotPayload{}
	case EventPhaseChanged:
		payload = &PhaseChangedPayload{}
	case EventPlayerJoined:
		payload = &PlayerJoinedPayload{}
	case EventPlayerLeft:
		payload = &PlayerRefPayload{}
	case EventPlayerReadyChanged:
		payload = &PlayerReadyChangedPayload{}
	case EventVoteCast:
		payload = &VoteCastPayload{}
	case EventVoteRetracted:
		payload = &VoteRetractedPayload{}
	case EventVoteTallyUpdated:
		payload = &VoteTallyUpdatedPayload{}
	case EventEliminationResolved:
		payload = &EliminationResolvedPayload{}
	case EventRoleRevealed:
		payload = &RoleRevealedPayload{}
	case EventAbilityUsed:
		payload = &AbilityUsedPayload{}
	case EventQuickEndVoteUpdated:
		payload = &QuickEndVoteUpdatedPayload{}
	case EventGameEnded:
		payload = &GameEndedPayload{}
	case EventWelcome:
		payload = &WelcomePayload{}
	case EventError:
		payload = &ErrorPayload{}
	case EventPong:
		payload = &PongPayload{}
	case EventActionRejected:
		payload = &ActionRejectedPayload{}
	default:
		return nil, nil
	}
	if len(ev.Data) == 0 {
		return nil, fmt.Errorf("event %s: empty payload", ev.Kind)
	}
	if err := json.Unmarshal(ev.Data, payload); err != nil {
		return nil, fmt.Errorf("event %s: %w", ev.Kind, err)
	}
	return payload, nil
}

// NewEvent builds an envelope around payload. Used by test servers and tools.
func NewEvent(kind EventKind, seq uint64, payload interface{}) (Event, error) {
	ev := Event{Kind: kind, Seq: seq}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		ev.Data = data
	}
	return ev, nil
}
