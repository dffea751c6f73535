// internal/models/player.go
package models

// Faction is the hidden team a player belongs to. It stays empty until the
// server reveals it; the engine never infers it.
type Faction string

const (
	FactionUnknown     Faction = ""
	FactionAliens      Faction = "aliens"
	FactionStation     Faction = "station"
	FactionIndependent Faction = "independent"
)

// PlayerStatus holds the persistent status flags that survive phase changes
// until an explicit event clears them.
type PlayerStatus struct {
	InLove   bool `json:"inLove,omitempty"`
	Charmed  bool `json:"charmed,omitempty"`
	Infected bool `json:"infected,omitempty"`

	// SiblingPair is the id of the sibling group the player belongs to, if any.
	SiblingPair string `json:"siblingPair,omitempty"`
}

// PlayerState mirrors one participant of the room.
type PlayerState struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Alive       bool   `json:"alive"`
	Ready       bool   `json:"ready"`

	// Role is an opaque reference, empty until revealed.
	Role    string       `json:"role,omitempty"`
	Faction Faction      `json:"faction,omitempty"`
	Status  PlayerStatus `json:"status"`

	// AbilityUsed is per round and cleared on every phase change.
	AbilityUsed bool `json:"abilityUsed"`
	// VoteTarget is the player this one currently votes against in the phase.
	VoteTarget string `json:"voteTarget,omitempty"`

	EliminationCause string `json:"eliminationCause,omitempty"`
}
