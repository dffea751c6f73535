// internal/models/room.go
package models

import (
	"slices"
	"time"
)

// RoomStatus is the lifecycle of a room as reported by the server.
type RoomStatus string

const (
	StatusWaiting    RoomStatus = "waiting"
	StatusInProgress RoomStatus = "in_progress"
	StatusCompleted  RoomStatus = "completed"
)

// RoomSlots are the per-round special assignments of the room.
type RoomSlots struct {
	CaptainID     string   `json:"captainId,omitempty"`
	ProtectedID   string   `json:"protectedId,omitempty"`
	ElixirTargets []string `json:"elixirTargets,omitempty"`
	Lovers        []string `json:"lovers,omitempty"`
}

// QuickEndState is the early-termination ballot, distinct from the
// elimination vote. Quorum is supplied by the server every phase.
type QuickEndState struct {
	Voters []string `json:"voters,omitempty"`
	Quorum int      `json:"quorum"`
}

// Has reports whether playerID flagged the phase for early end.
func (q QuickEndState) Has(playerID string) bool {
	return slices.Contains(q.Voters, playerID)
}

// QuorumReached is false while the server has not supplied a quorum.
func (q QuickEndState) QuorumReached() bool {
	return q.Quorum > 0 && len(q.Voters) >= q.Quorum
}

// RoomState is the canonical mirror of the server room.
type RoomState struct {
	ID            string     `json:"id"`
	Status        RoomStatus `json:"status"`
	Phase         int        `json:"phase"`
	PhaseDeadline time.Time  `json:"phaseDeadline"`
	Round         int        `json:"round"`
	MaxRounds     int        `json:"maxRounds"`

	Slots    RoomSlots     `json:"slots"`
	QuickEnd QuickEndState `json:"quickEnd"`

	PointsMultiplier float64 `json:"pointsMultiplier"`
	WinningFaction   Faction `json:"winningFaction,omitempty"`

	// Epoch counts phase transitions applied locally, so two phases that
	// share a phase and round number still differ.
	Epoch uint64 `json:"-"`
}

// PhaseKey identifies one phase instance.
type PhaseKey struct {
	Epoch uint64
	Phase int
	Round int
}

func (r RoomState) PhaseKey() PhaseKey {
	return PhaseKey{Epoch: r.Epoch, Phase: r.Phase, Round: r.Round}
}

func (r RoomState) clone() RoomState {
	out := r
	out.Slots.ElixirTargets = slices.Clone(r.Slots.ElixirTargets)
	out.Slots.Lovers = slices.Clone(r.Slots.Lovers)
	out.QuickEnd.Voters = slices.Clone(r.QuickEnd.Voters)
	return out
}
