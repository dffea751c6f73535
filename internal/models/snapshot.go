// internal/models/snapshot.go
package models

import "slices"

// Snapshot is an immutable view of the reconciled room. Every published
// snapshot is a deep copy, so readers never need a lock.
type Snapshot struct {
	// Version increments on every applied change.
	Version uint64 `json:"version"`
	// Seq is the server sequence of the last applied event.
	Seq uint64 `json:"seq"`

	Room    RoomState     `json:"room"`
	Players []PlayerState `json:"players"`
	Votes   VoteState     `json:"votes"`
}

// Player returns the state of one participant.
func (s Snapshot) Player(id string) (PlayerState, bool) {
	i := s.playerIndex(id)
	if i < 0 {
		return PlayerState{}, false
	}
	return s.Players[i], true
}

// AliveCount returns how many players are still in the game.
func (s Snapshot) AliveCount() int {
	n := 0
	for _, p := range s.Players {
		if p.Alive {
			n++
		}
	}
	return n
}

// Clone deep-copies the snapshot so the result can be edited freely.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Version: s.Version,
		Seq:     s.Seq,
		Room:    s.Room.clone(),
		Votes:   s.Votes.clone(),
	}
	if s.Players != nil {
		out.Players = slices.Clone(s.Players)
	}
	return out
}

// UpdatePlayer applies fn to the player with the given id on a snapshot
// the caller owns (a Clone). It reports whether the player exists.
func (s *Snapshot) UpdatePlayer(id string, fn func(*PlayerState)) bool {
	i := s.playerIndex(id)
	if i < 0 {
		return false
	}
	fn(&s.Players[i])
	return true
}

func (s Snapshot) playerIndex(id string) int {
	return slices.IndexFunc(s.Players, func(p PlayerState) bool { return p.ID == id })
}
