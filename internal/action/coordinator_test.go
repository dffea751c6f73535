package action

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sorok-Dva/project42-sync/internal/models"
	"github.com/Sorok-Dva/project42-sync/internal/protocol"
	"github.com/Sorok-Dva/project42-sync/internal/syncerr"
)

// mockSender collects outbound messages, like a broadcaster double.
type mockSender struct {
	mu   sync.Mutex
	sent []protocol.Outbound
	err  error
}

func (m *mockSender) Send(msg protocol.Outbound) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockSender) messages() []protocol.Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Outbound{}, m.sent...)
}

type fixedSource struct {
	mu   sync.Mutex
	snap models.Snapshot
}

func (f *fixedSource) Snapshot() models.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fixedSource) set(s models.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = s
}

type resultLog struct {
	mu      sync.Mutex
	results []Result
	changes int
}

func (r *resultLog) add(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *resultLog) all() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result{}, r.results...)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// room returns an in-progress phase-3 room with players p1..pN, all alive.
func room(n int) models.Snapshot {
	s := models.Snapshot{
		Version: 7,
		Seq:     40,
		Room: models.RoomState{
			ID:       "r1",
			Status:   models.StatusInProgress,
			Phase:    3,
			Round:    2,
			QuickEnd: models.QuickEndState{Quorum: 6},
		},
		Votes: models.NewVoteState(3),
	}
	for i := 1; i <= n; i++ {
		s.Players = append(s.Players, models.PlayerState{ID: fmt.Sprintf("p%d", i), Alive: true})
	}
	return s
}

type fixture struct {
	coord  *Coordinator
	sender *mockSender
	source *fixedSource
	clock  *clockwork.FakeClock
	log    *resultLog
}

func newFixture(t *testing.T, snap models.Snapshot) *fixture {
	f := &fixture{
		sender: &mockSender{},
		source: &fixedSource{snap: snap},
		clock:  clockwork.NewFakeClock(),
		log:    &resultLog{},
	}
	f.coord = NewCoordinator(DefaultConfig(), f.sender, f.source, f.clock, quietLogger())
	f.coord.SetLocalPlayer("p1")
	f.coord.OnResult(f.log.add)
	f.coord.OnChange(func() {
		f.log.mu.Lock()
		f.log.changes++
		f.log.mu.Unlock()
	})
	t.Cleanup(func() { f.coord.CancelAll("test over") })
	return f
}

func rejection(t *testing.T, correlationID, reason string) protocol.Event {
	t.Helper()
	ev, err := protocol.NewEvent(protocol.EventActionRejected, 0, protocol.ActionRejectedPayload{Reason: reason})
	require.NoError(t, err)
	ev.CorrelationID = correlationID
	return ev
}

func TestOptimisticVoteThenRejectionRestoresSnapshot(t *testing.T) {
	canonical := room(4)
	f := newFixture(t, canonical)

	id, err := f.coord.Submit(Vote("p2"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	view := f.coord.Overlay(canonical)
	me, _ := view.Player("p1")
	assert.Equal(t, "p2", me.VoteTarget)
	assert.Equal(t, 1, view.Votes.Tally["p2"])
	assert.Empty(t, canonical.Votes.Votes, "canonical state is never written")

	msgs := f.sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.ActionCastVote, msgs[0].Kind)
	assert.Equal(t, id, msgs[0].CorrelationID)

	f.coord.OnControl(rejection(t, id, "target invalid"))
	assert.Equal(t, canonical, f.coord.Overlay(canonical))

	results := f.log.all()
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, syncerr.ErrActionRejected)
	var rej *syncerr.ActionRejectedError
	require.ErrorAs(t, results[0].Err, &rej)
	assert.Equal(t, "target invalid", rej.Reason)
	assert.True(t, syncerr.Recoverable(results[0].Err))
}

func TestRejectionRevertsToPriorVote(t *testing.T) {
	canonical := room(4)
	canonical.Votes.Cast("p1", "p3")
	canonical.UpdatePlayer("p1", func(p *models.PlayerState) { p.VoteTarget = "p3" })
	f := newFixture(t, canonical)

	id, err := f.coord.Submit(Vote("p2"))
	require.NoError(t, err)
	me, _ := f.coord.Overlay(canonical).Player("p1")
	assert.Equal(t, "p2", me.VoteTarget)

	f.coord.OnControl(rejection(t, id, ""))
	me, _ = f.coord.Overlay(canonical).Player("p1")
	assert.Equal(t, "p3", me.VoteTarget)
}

func TestConfirmationDiscardsOverlay(t *testing.T) {
	canonical := room(4)
	f := newFixture(t, canonical)

	id, err := f.coord.Submit(Ready(false))
	require.Error(t, err, "already not ready")
	assert.ErrorIs(t, err, syncerr.ErrPrecondition)

	id, err = f.coord.Submit(Ready(true))
	require.NoError(t, err)
	assert.Len(t, f.coord.Pending(), 1)

	confirmed := canonical.Clone()
	confirmed.UpdatePlayer("p1", func(p *models.PlayerState) { p.Ready = true })
	f.source.set(confirmed)
	ev, err := protocol.NewEvent(protocol.EventPlayerReadyChanged, 41, protocol.PlayerReadyChangedPayload{PlayerID: "p1", Ready: true})
	require.NoError(t, err)
	ev.CorrelationID = id
	f.coord.Observe(ev, confirmed)

	assert.Empty(t, f.coord.Pending())
	assert.Equal(t, confirmed, f.coord.Overlay(confirmed))
	results := f.log.all()
	require.Len(t, results, 1)
	assert.True(t, results[0].Confirmed())

	// A late rejection for a settled action changes nothing.
	f.coord.OnControl(rejection(t, id, "late"))
	assert.Len(t, f.log.all(), 1)
}

func TestTimeoutIsRejection(t *testing.T) {
	canonical := room(3)
	f := newFixture(t, canonical)

	_, err := f.coord.Submit(UseAbility("protect", "p2"))
	require.NoError(t, err)
	me, _ := f.coord.Overlay(canonical).Player("p1")
	assert.True(t, me.AbilityUsed)

	f.clock.Advance(DefaultConfig().AbilityTimeout)
	require.Eventually(t, func() bool { return len(f.log.all()) == 1 }, time.Second, 5*time.Millisecond)

	res := f.log.all()[0]
	assert.ErrorIs(t, res.Err, syncerr.ErrTimeout)
	assert.ErrorIs(t, res.Err, syncerr.ErrActionRejected)
	assert.Equal(t, canonical, f.coord.Overlay(canonical))
}

func TestOneInFlightPerLane(t *testing.T) {
	canonical := room(5)
	f := newFixture(t, canonical)

	first, err := f.coord.Submit(Vote("p2"))
	require.NoError(t, err)
	second, err := f.coord.Submit(Vote("p3"))
	require.NoError(t, err)
	third, err := f.coord.Submit(Vote("p4"))
	require.NoError(t, err)

	require.Len(t, f.sender.messages(), 1, "only the first vote is on the wire")
	me, _ := f.coord.Overlay(canonical).Player("p1")
	assert.Equal(t, "p4", me.VoteTarget, "latest submission wins locally")

	results := f.log.all()
	require.Len(t, results, 1)
	assert.Equal(t, second, results[0].CorrelationID)
	assert.True(t, results[0].Superseded)

	// Other lanes are independent.
	_, err = f.coord.Submit(Ready(true))
	require.NoError(t, err)
	require.Len(t, f.sender.messages(), 2)

	ev, err := protocol.NewEvent(protocol.EventVoteCast, 41, protocol.VoteCastPayload{VoterID: "p1", TargetID: "p2"})
	require.NoError(t, err)
	ev.CorrelationID = first
	f.coord.Observe(ev, canonical)

	msgs := f.sender.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, third, msgs[2].CorrelationID, "queued vote is sent once the in-flight one resolves")
	assert.Equal(t, protocol.CastVoteData{Target: "p4"}, msgs[2].Data)
}

func TestPreconditions(t *testing.T) {
	canonical := room(4)
	canonical.UpdatePlayer("p4", func(p *models.PlayerState) { p.Alive = false })
	f := newFixture(t, canonical)

	for name, a := range map[string]Action{
		"dead target":      Vote("p4"),
		"unknown target":   Vote("ghost"),
		"nothing to undo":  RetractVote(),
		"no ability kind":  UseAbility("", "p2"),
		"unknown kind":     {Kind: "dance"},
		"ability on ghost": UseAbility("scan", "ghost"),
	} {
		_, err := f.coord.Submit(a)
		assert.ErrorIs(t, err, syncerr.ErrPrecondition, name)
	}

	_, err := f.coord.Submit(Vote("p2"))
	require.NoError(t, err)
	_, err = f.coord.Submit(Vote("p2"))
	assert.ErrorIs(t, err, syncerr.ErrPrecondition, "same target already in effect")
	_, err = f.coord.Submit(RetractVote())
	assert.NoError(t, err, "retracting an optimistic vote is allowed")

	_, err = f.coord.Submit(UseAbility("scan", "p2"))
	require.NoError(t, err)
	_, err = f.coord.Submit(UseAbility("scan", "p3"))
	assert.ErrorIs(t, err, syncerr.ErrPrecondition, "ability already used this round")

	assert.Empty(t, f.log.all(), "fast-fails never produce results")
}

func TestEliminatedOrWaitingRoom(t *testing.T) {
	dead := room(3)
	dead.UpdatePlayer("p1", func(p *models.PlayerState) { p.Alive = false })
	f := newFixture(t, dead)
	_, err := f.coord.Submit(Vote("p2"))
	assert.ErrorIs(t, err, syncerr.ErrPrecondition)

	waiting := room(3)
	waiting.Room.Status = models.StatusWaiting
	f = newFixture(t, waiting)
	_, err = f.coord.Submit(Vote("p2"))
	assert.ErrorIs(t, err, syncerr.ErrPrecondition)
	_, err = f.coord.Submit(Ready(true))
	assert.NoError(t, err, "ready is allowed before the game starts")

	f.coord.SetLocalPlayer("")
	_, err = f.coord.Submit(Ready(false))
	assert.ErrorIs(t, err, syncerr.ErrPrecondition)
}

func TestSendFailureRollsBackImmediately(t *testing.T) {
	canonical := room(3)
	f := newFixture(t, canonical)
	f.sender.err = fmt.Errorf("send: %w", syncerr.ErrNotConnected)

	_, err := f.coord.Submit(Vote("p2"))
	assert.ErrorIs(t, err, syncerr.ErrNotConnected)
	assert.Empty(t, f.coord.Pending())
	assert.Equal(t, canonical, f.coord.Overlay(canonical))
}

func TestPhaseChangeRollsBackPending(t *testing.T) {
	canonical := room(3)
	f := newFixture(t, canonical)

	_, err := f.coord.Submit(Vote("p2"))
	require.NoError(t, err)

	next := canonical.Clone()
	next.Room.Phase = 4
	f.source.set(next)
	ev, err := protocol.NewEvent(protocol.EventPhaseChanged, 41, protocol.PhaseChangedPayload{Phase: 4})
	require.NoError(t, err)
	f.coord.Observe(ev, next)

	assert.Empty(t, f.coord.Pending())
	results := f.log.all()
	require.Len(t, results, 1)
	var rej *syncerr.ActionRejectedError
	require.True(t, errors.As(results[0].Err, &rej))
	assert.Equal(t, "phase ended", rej.Reason)
}

// Quick-end: 6 of 8 with quorum 6 locks local toggles until the next phase.
func TestQuickEndQuorumLocksUntilPhaseChange(t *testing.T) {
	canonical := room(8)
	canonical.Room.QuickEnd.Voters = []string{"p2", "p3", "p4", "p5"}
	f := newFixture(t, canonical)

	id, err := f.coord.Submit(QuickEnd())
	require.NoError(t, err)
	view := f.coord.Overlay(canonical)
	assert.True(t, view.Room.QuickEnd.Has("p1"))
	assert.False(t, view.Room.QuickEnd.QuorumReached())
	assert.False(t, f.coord.QuickEndLocked())

	reached := canonical.Clone()
	reached.Room.QuickEnd.Voters = []string{"p1", "p2", "p3", "p4", "p5", "p6"}
	f.source.set(reached)
	ev, err := protocol.NewEvent(protocol.EventQuickEndVoteUpdated, 41, protocol.QuickEndVoteUpdatedPayload{Voters: reached.Room.QuickEnd.Voters})
	require.NoError(t, err)
	ev.CorrelationID = id
	f.coord.Observe(ev, reached)

	assert.True(t, f.coord.QuickEndLocked())
	assert.Equal(t, 3, reached.Room.Phase, "reaching quorum does not end the phase")
	_, err = f.coord.Submit(QuickEnd())
	assert.ErrorIs(t, err, syncerr.ErrPrecondition)

	// A voter dropping out does not unlock within the phase.
	dropped := reached.Clone()
	dropped.Room.QuickEnd.Voters = dropped.Room.QuickEnd.Voters[:5]
	f.source.set(dropped)
	f.coord.Observe(protocol.Event{Kind: protocol.EventQuickEndVoteUpdated, Seq: 42}, dropped)
	assert.True(t, f.coord.QuickEndLocked())

	next := dropped.Clone()
	next.Room.Phase = 4
	next.Room.QuickEnd = models.QuickEndState{Quorum: 5}
	f.source.set(next)
	f.coord.Observe(protocol.Event{Kind: protocol.EventPhaseChanged, Seq: 43}, next)
	assert.False(t, f.coord.QuickEndLocked())
	_, err = f.coord.Submit(QuickEnd())
	assert.NoError(t, err)
}

func TestQuickEndUnlocksOnRepeatedPhaseNumber(t *testing.T) {
	canonical := room(8)
	canonical.Room.QuickEnd.Voters = []string{"p1", "p2", "p3", "p4", "p5", "p6"}
	f := newFixture(t, canonical)
	assert.True(t, f.coord.QuickEndLocked())

	_, err := f.coord.Submit(Ready(true))
	require.NoError(t, err)

	// The server restarts phase 3 of round 2; only the epoch moves.
	next := canonical.Clone()
	next.Room.Epoch++
	next.Room.QuickEnd = models.QuickEndState{Quorum: 6}
	f.source.set(next)
	f.coord.Observe(protocol.Event{Kind: protocol.EventPhaseChanged, Seq: 41}, next)

	assert.False(t, f.coord.QuickEndLocked())
	assert.Empty(t, f.coord.Pending(), "pending actions do not survive the transition")
	require.Len(t, f.log.all(), 1)

	_, err = f.coord.Submit(QuickEnd())
	assert.NoError(t, err)
}

func TestOverlayKeepsWeightedTally(t *testing.T) {
	canonical := room(4)
	canonical.Votes.Votes = map[string]string{"p2": "p3"}
	canonical.Votes.Tally = map[string]int{"p3": 2}
	f := newFixture(t, canonical)

	_, err := f.coord.Submit(Vote("p4"))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"p3": 2, "p4": 1}, f.coord.Overlay(canonical).Votes.Tally)
	assert.Equal(t, map[string]int{"p3": 2}, canonical.Votes.Tally)
}

func TestQuickEndToggleOff(t *testing.T) {
	canonical := room(8)
	canonical.Room.QuickEnd.Voters = []string{"p1", "p2"}
	f := newFixture(t, canonical)

	_, err := f.coord.Submit(QuickEnd())
	require.NoError(t, err)
	assert.False(t, f.coord.Overlay(canonical).Room.QuickEnd.Has("p1"))

	_, err = f.coord.Submit(QuickEnd())
	require.NoError(t, err)
	assert.True(t, f.coord.Overlay(canonical).Room.QuickEnd.Has("p1"), "queued toggle flips back")
	assert.Equal(t, []string{"p1", "p2"}, canonical.Room.QuickEnd.Voters)
}

func TestCancelAllReportsEveryPendingAction(t *testing.T) {
	canonical := room(4)
	f := newFixture(t, canonical)

	_, err := f.coord.Submit(Vote("p2"))
	require.NoError(t, err)
	_, err = f.coord.Submit(Vote("p3"))
	require.NoError(t, err)
	_, err = f.coord.Submit(Ready(true))
	require.NoError(t, err)

	f.coord.CancelAll("left the room")
	assert.Empty(t, f.coord.Pending())
	assert.Equal(t, canonical, f.coord.Overlay(canonical))

	results := f.log.all()
	require.Len(t, results, 3)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, syncerr.ErrActionRejected)
	}
	assert.Len(t, f.sender.messages(), 2, "the queued vote was never sent")
}
