// internal/protocol/actions.go
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutboundKind names a message the client sends.
type OutboundKind string

// Player actions. Every one carries a correlation id.
const (
	ActionCastVote         OutboundKind = "castVote"
	ActionRetractVote      OutboundKind = "retractVote"
	ActionSetReady         OutboundKind = "setReady"
	ActionUseAbility       OutboundKind = "useAbility"
	ActionCastQuickEndVote OutboundKind = "castQuickEndVote"
)

// Control messages sent by the connection layer and clock sync.
const (
	OutboundHello           OutboundKind = "hello"
	OutboundRequestSnapshot OutboundKind = "requestSnapshot"
	OutboundPing            OutboundKind = "ping"
)

// Outbound is the envelope of every message the client writes.
type Outbound struct {
	Kind          OutboundKind `json:"type"`
	CorrelationID string       `json:"correlationId,omitempty"`
	Data          interface{}  `json:"data,omitempty"`
}

// Encode serializes the message for a text frame.
func (o Outbound) Encode() ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", o.Kind, err)
	}
	return data, nil
}

type CastVoteData struct {
	Target string `json:"target"`
}

type SetReadyData struct {
	Value bool `json:"value"`
}

type UseAbilityData struct {
	Kind   string `json:"kind"`
	Target string `json:"target,omitempty"`
}

type HelloData struct {
	RoomID string `json:"roomId"`
	Token  string `json:"token"`
}

type PingData struct {
	ProbeID      string    `json:"probeId"`
	ClientSentAt time.Time `json:"clientSentAt"`
}

func CastVote(correlationID, target string) Outbound {
	return Outbound{Kind: ActionCastVote, CorrelationID: correlationID, Data: CastVoteData{Target: target}}
}

func RetractVote(correlationID string) Outbound {
	return Outbound{Kind: ActionRetractVote, CorrelationID: correlationID}
}

func SetReady(correlationID string, value bool) Outbound {
	return Outbound{Kind: ActionSetReady, CorrelationID: correlationID, Data: SetReadyData{Value: value}}
}

func UseAbility(correlationID, kind, target string) Outbound {
	return Outbound{Kind: ActionUseAbility, CorrelationID: correlationID, Data: UseAbilityData{Kind: kind, Target: target}}
}

func CastQuickEndVote(correlationID string) Outbound {
	return Outbound{Kind: ActionCastQuickEndVote, CorrelationID: correlationID}
}

func Hello(roomID, token string) Outbound {
	return Outbound{Kind: OutboundHello, Data: HelloData{RoomID: roomID, Token: token}}
}

func RequestSnapshot() Outbound {
	return Outbound{Kind: OutboundRequestSnapshot}
}

func Ping(probeID string, sentAt time.Time) Outbound {
	return Outbound{Kind: OutboundPing, Data: PingData{ProbeID: probeID, ClientSentAt: sentAt}}
}
