// internal/action/action.go
package action

import (
	"fmt"

	"github.com/Sorok-Dva/project42-sync/internal/protocol"
)

// Action is a player intent submitted to the coordinator.
type Action struct {
	Kind protocol.OutboundKind `json:"kind"`
	// Target is the vote target or the ability target.
	Target string `json:"target,omitempty"`
	// Ability names the ability for useAbility.
	Ability string `json:"ability,omitempty"`
	// Ready is the value for setReady.
	Ready bool `json:"ready,omitempty"`
}

func Vote(target string) Action {
	return Action{Kind: protocol.ActionCastVote, Target: target}
}

func RetractVote() Action {
	return Action{Kind: protocol.ActionRetractVote}
}

func Ready(value bool) Action {
	return Action{Kind: protocol.ActionSetReady, Ready: value}
}

func UseAbility(ability, target string) Action {
	return Action{Kind: protocol.ActionUseAbility, Ability: ability, Target: target}
}

func QuickEnd() Action {
	return Action{Kind: protocol.ActionCastQuickEndVote}
}

func (a Action) String() string {
	switch a.Kind {
	case protocol.ActionCastVote:
		return fmt.Sprintf("vote(%s)", a.Target)
	case protocol.ActionSetReady:
		return fmt.Sprintf("ready(%t)", a.Ready)
	case protocol.ActionUseAbility:
		return fmt.Sprintf("ability(%s->%s)", a.Ability, a.Target)
	default:
		return string(a.Kind)
	}
}

func (a Action) outbound(correlationID string) (protocol.Outbound, error) {
	switch a.Kind {
	case protocol.ActionCastVote:
		return protocol.CastVote(correlationID, a.Target), nil
	case protocol.ActionRetractVote:
		return protocol.RetractVote(correlationID), nil
	case protocol.ActionSetReady:
		return protocol.SetReady(correlationID, a.Ready), nil
	case protocol.ActionUseAbility:
		return protocol.UseAbility(correlationID, a.Ability, a.Target), nil
	case protocol.ActionCastQuickEndVote:
		return protocol.CastQuickEndVote(correlationID), nil
	}
	return protocol.Outbound{}, fmt.Errorf("unknown action kind %q", a.Kind)
}

// lane groups kinds that share the one-in-flight rule.
type lane int

const (
	laneVote lane = iota
	laneReady
	laneAbility
	laneQuickEnd
	laneCount
)

func laneOf(k protocol.OutboundKind) (lane, bool) {
	switch k {
	case protocol.ActionCastVote, protocol.ActionRetractVote:
		return laneVote, true
	case protocol.ActionSetReady:
		return laneReady, true
	case protocol.ActionUseAbility:
		return laneAbility, true
	case protocol.ActionCastQuickEndVote:
		return laneQuickEnd, true
	}
	return 0, false
}
