package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Sorok-Dva/project42-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEventAndParsePayload(t *testing.T) {
	raw := []byte(`{"type":"voteCast","seq":12,"correlationId":"c-1","data":{"voterId":"a","targetId":"b"}}`)
	ev, err := DecodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, EventVoteCast, ev.Kind)
	assert.Equal(t, uint64(12), ev.Seq)
	assert.Equal(t, "c-1", ev.CorrelationID)

	payload, err := ParsePayload(ev)
	require.NoError(t, err)
	vote, ok := payload.(*VoteCastPayload)
	require.True(t, ok)
	assert.Equal(t, "a", vote.VoterID)
	assert.Equal(t, "b", vote.TargetID)
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	_, err := DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
	_, err = DecodeEvent([]byte(`{"seq":3}`))
	assert.Error(t, err)
}

func TestParsePayloadHeartbeatAndUnknown(t *testing.T) {
	payload, err := ParsePayload(Event{Kind: EventHeartbeat})
	assert.NoError(t, err)
	assert.Nil(t, payload)

	payload, err = ParsePayload(Event{Kind: "somethingNew", Data: json.RawMessage(`{}`)})
	assert.NoError(t, err)
	assert.Nil(t, payload)

	_, err = ParsePayload(Event{Kind: EventPlayerLeft})
	assert.Error(t, err, "known kind without data")
}

func TestControlKinds(t *testing.T) {
	for _, k := range []EventKind{EventHeartbeat, EventWelcome, EventError, EventPong, EventActionRejected} {
		assert.True(t, k.IsControl(), k)
	}
	for _, k := range []EventKind{EventSnapshot, EventPhaseChanged, EventVoteCast, EventGameEnded} {
		assert.False(t, k.IsControl(), k)
	}
}

func TestNewEventRoundTrip(t *testing.T) {
	deadline := time.Date(2026, 10, 15, 20, 0, 0, 0, time.UTC)
	ev, err := NewEvent(EventPhaseChanged, 7, PhaseChangedPayload{Phase: 2, Deadline: deadline, Round: 1, QuickEndQuorum: 6})
	require.NoError(t, err)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	back, err := DecodeEvent(data)
	require.NoError(t, err)
	payload, err := ParsePayload(back)
	require.NoError(t, err)
	phase := payload.(*PhaseChangedPayload)
	assert.Equal(t, 2, phase.Phase)
	assert.True(t, deadline.Equal(phase.Deadline))
	assert.Equal(t, 6, phase.QuickEndQuorum)
}

func TestOutboundEncoding(t *testing.T) {
	data, err := CastVote("corr", "p2").Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"castVote","correlationId":"corr","data":{"target":"p2"}}`, string(data))

	data, err = RetractVote("corr").Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"retractVote","correlationId":"corr"}`, string(data))

	data, err = UseAbility("c", "protect", "p3").Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"useAbility","correlationId":"c","data":{"kind":"protect","target":"p3"}}`, string(data))

	data, err = RequestSnapshot().Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"requestSnapshot"}`, string(data))
}

func TestSnapshotPayloadDecodes(t *testing.T) {
	raw := []byte(`{"type":"snapshot","seq":40,"data":{
		"room":{"id":"r1","status":"in_progress","phase":3,"round":2,"maxRounds":5,"quickEnd":{"voters":["a"],"quorum":4}},
		"players":[{"id":"a","displayName":"Ann","alive":true},{"id":"b","displayName":"Bo","alive":false}],
		"votes":{"votes":{"a":"b"},"tally":{"b":1},"quorum":2}}}`)
	ev, err := DecodeEvent(raw)
	require.NoError(t, err)
	payload, err := ParsePayload(ev)
	require.NoError(t, err)
	snap := payload.(*SnapshotPayload)
	assert.Equal(t, models.StatusInProgress, snap.Room.Status)
	assert.Equal(t, 4, snap.Room.QuickEnd.Quorum)
	require.Len(t, snap.Players, 2)
	assert.False(t, snap.Players[1].Alive)
	assert.Equal(t, "b", snap.Votes.Votes["a"])
}
