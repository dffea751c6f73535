// internal/models/vote.go
package models

import "maps"

// VoteState is scoped to one phase: voter -> target, last write wins.
type VoteState struct {
	Votes  map[string]string `json:"votes,omitempty"`
	Tally  map[string]int    `json:"tally,omitempty"`
	Quorum int               `json:"quorum"`
}

// NewVoteState returns an empty ballot with the given quorum.
func NewVoteState(quorum int) VoteState {
	return VoteState{
		Votes:  map[string]string{},
		Tally:  map[string]int{},
		Quorum: quorum,
	}
}

// Cast records voter's target, replacing any earlier vote in the phase.
// The tally is adjusted by one rather than recounted so a weighted tally
// from the server survives later votes.
func (v *VoteState) Cast(voter, target string) {
	if v.Votes == nil {
		v.Votes = map[string]string{}
	}
	prev, had := v.Votes[voter]
	if had && prev == target {
		return
	}
	v.Votes[voter] = target
	if had {
		v.adjust(prev, -1)
	}
	v.adjust(target, 1)
}

// Retract removes voter's vote. It reports whether there was one.
func (v *VoteState) Retract(voter string) bool {
	prev, ok := v.Votes[voter]
	if !ok {
		return false
	}
	delete(v.Votes, voter)
	v.adjust(prev, -1)
	return true
}

// Recount rebuilds the tally from the declared votes. Only used when the
// server sent no tally.
func (v *VoteState) Recount() {
	v.Tally = make(map[string]int, len(v.Votes))
	for _, target := range v.Votes {
		v.Tally[target]++
	}
}

func (v *VoteState) adjust(target string, delta int) {
	if v.Tally == nil {
		v.Tally = map[string]int{}
	}
	n := v.Tally[target] + delta
	if n <= 0 {
		delete(v.Tally, target)
		return
	}
	v.Tally[target] = n
}

// Leader returns the target with the most votes and whether it meets quorum.
// Ties return the empty string.
func (v VoteState) Leader() (string, bool) {
	var leader string
	best, tie := 0, false
	for target, n := range v.Tally {
		switch {
		case n > best:
			leader, best, tie = target, n, false
		case n == best:
			tie = true
		}
	}
	if tie {
		return "", false
	}
	return leader, v.Quorum > 0 && best >= v.Quorum
}

func (v VoteState) clone() VoteState {
	return VoteState{
		Votes:  maps.Clone(v.Votes),
		Tally:  maps.Clone(v.Tally),
		Quorum: v.Quorum,
	}
}
