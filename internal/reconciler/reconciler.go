// internal/reconciler/reconciler.go
package reconciler

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/Sorok-Dva/project42-sync/internal/models"
	"github.com/Sorok-Dva/project42-sync/internal/protocol"
	"github.com/Sorok-Dva/project42-sync/internal/syncerr"
)

// Reconciler owns the canonical room state. Apply is the only writer;
// readers get immutable snapshots through an atomic pointer.
type Reconciler struct {
	log *logrus.Entry

	mu       sync.Mutex
	notifyMu sync.Mutex
	current  atomic.Pointer[models.Snapshot]

	listenerMu sync.Mutex
	listeners  []listener
	nextID     uint64
}

type listener struct {
	id uint64
	fn func(models.Snapshot)
}

// New returns a reconciler holding an empty room.
func New(logger *logrus.Logger) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Reconciler{log: logger.WithField("component", "reconciler")}
	empty := models.Snapshot{Votes: models.NewVoteState(0)}
	r.current.Store(&empty)
	return r
}

// Snapshot returns the last published state. The returned value shares
// memory with other readers and must not be modified; Clone it first.
func (r *Reconciler) Snapshot() models.Snapshot {
	return *r.current.Load()
}

// Subscribe registers fn for every published snapshot, in application
// order. fn is called synchronously from Apply and must not block.
func (r *Reconciler) Subscribe(fn func(models.Snapshot)) (cancel func()) {
	r.listenerMu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners = append(r.listeners, listener{id: id, fn: fn})
	r.listenerMu.Unlock()

	return func() {
		r.listenerMu.Lock()
		defer r.listenerMu.Unlock()
		r.listeners = slices.DeleteFunc(r.listeners, func(l listener) bool { return l.id == id })
	}
}

// Apply folds ev into the canonical state and returns the resulting
// snapshot. It never fails: malformed, stale and unknown-reference events
// are logged and leave the state untouched.
func (r *Reconciler) Apply(ev protocol.Event) models.Snapshot {
	r.mu.Lock()
	cur := *r.current.Load()

	if ev.Kind != protocol.EventSnapshot && ev.Seq > 0 && ev.Seq <= cur.Seq {
		r.mu.Unlock()
		r.log.WithFields(logrus.Fields{"type": ev.Kind, "seq": ev.Seq, "applied": cur.Seq}).
			Debug(syncerr.ErrStaleEvent.Error())
		return cur
	}

	payload, err := protocol.ParsePayload(ev)
	if err != nil {
		r.mu.Unlock()
		r.log.WithError(err).WithField("seq", ev.Seq).Warn("Malformed event ignored")
		return cur
	}
	if payload == nil {
		r.mu.Unlock()
		return cur
	}

	next := cur.Clone()
	if err := mutate(&next, payload); err != nil {
		r.mu.Unlock()
		r.log.WithFields(logrus.Fields{"type": ev.Kind, "seq": ev.Seq}).WithError(err).Warn("Event ignored")
		return cur
	}
	if ev.Seq > 0 || ev.Kind == protocol.EventSnapshot {
		next.Seq = ev.Seq
	}
	next.Version = cur.Version + 1
	r.current.Store(&next)

	// Hand over to the notify lock so listeners see snapshots in order.
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()

	r.listenerMu.Lock()
	fns := make([]func(models.Snapshot), len(r.listeners))
	for i, l := range r.listeners {
		fns[i] = l.fn
	}
	r.listenerMu.Unlock()
	for _, fn := range fns {
		fn(next)
	}
	return next
}

func unknownPlayer(id string) error {
	return fmt.Errorf("player %q: %w", id, syncerr.ErrUnknownReference)
}

// mutate applies one decoded payload to s, which the caller owns.
func mutate(s *models.Snapshot, payload interface{}) error {
	switch p := payload.(type) {
	case *protocol.SnapshotPayload:
		replaceAll(s, p)

	case *protocol.PhaseChangedPayload:
		prevRound := s.Room.Round
		s.Room.Epoch++
		s.Room.Phase = p.Phase
		s.Room.PhaseDeadline = p.Deadline
		s.Room.Round = p.Round
		if p.Status != "" {
			s.Room.Status = p.Status
		}
		if p.Round > prevRound {
			s.Room.Slots.ProtectedID = ""
			s.Room.Slots.ElixirTargets = nil
		}
		if p.CaptainID != nil {
			s.Room.Slots.CaptainID = *p.CaptainID
		}
		s.Room.QuickEnd = models.QuickEndState{Quorum: p.QuickEndQuorum}
		s.Votes = models.NewVoteState(p.VoteQuorum)
		for i := range s.Players {
			s.Players[i].AbilityUsed = false
			s.Players[i].VoteTarget = ""
		}

	case *protocol.PlayerJoinedPayload:
		if !s.UpdatePlayer(p.Player.ID, func(ps *models.PlayerState) { *ps = p.Player }) {
			s.Players = append(s.Players, p.Player)
		}

	case *protocol.PlayerRefPayload:
		if _, ok := s.Player(p.PlayerID); !ok {
			return unknownPlayer(p.PlayerID)
		}
		s.Players = slices.DeleteFunc(s.Players, func(ps models.PlayerState) bool { return ps.ID == p.PlayerID })
		s.Votes.Retract(p.PlayerID)
		s.Room.QuickEnd.Voters = slices.DeleteFunc(s.Room.QuickEnd.Voters, func(id string) bool { return id == p.PlayerID })

	case *protocol.PlayerReadyChangedPayload:
		if !s.UpdatePlayer(p.PlayerID, func(ps *models.PlayerState) { ps.Ready = p.Ready }) {
			return unknownPlayer(p.PlayerID)
		}

	case *protocol.VoteCastPayload:
		if _, ok := s.Player(p.TargetID); !ok {
			return unknownPlayer(p.TargetID)
		}
		if !s.UpdatePlayer(p.VoterID, func(ps *models.PlayerState) { ps.VoteTarget = p.TargetID }) {
			return unknownPlayer(p.VoterID)
		}
		s.Votes.Cast(p.VoterID, p.TargetID)

	case *protocol.VoteRetractedPayload:
		if !s.UpdatePlayer(p.VoterID, func(ps *models.PlayerState) { ps.VoteTarget = "" }) {
			return unknownPlayer(p.VoterID)
		}
		s.Votes.Retract(p.VoterID)

	case *protocol.VoteTallyUpdatedPayload:
		s.Votes.Tally = maps.Clone(p.Tally)
		if s.Votes.Tally == nil {
			s.Votes.Tally = map[string]int{}
		}
		if p.Quorum != nil {
			s.Votes.Quorum = *p.Quorum
		}

	case *protocol.EliminationResolvedPayload:
		if !s.UpdatePlayer(p.PlayerID, func(ps *models.PlayerState) {
			ps.Alive = false
			ps.EliminationCause = p.Cause
		}) {
			return unknownPlayer(p.PlayerID)
		}

	case *protocol.RoleRevealedPayload:
		if !s.UpdatePlayer(p.PlayerID, func(ps *models.PlayerState) {
			ps.Role = p.Role
			ps.Faction = p.Faction
		}) {
			return unknownPlayer(p.PlayerID)
		}

	case *protocol.AbilityUsedPayload:
		if !s.UpdatePlayer(p.PlayerID, func(ps *models.PlayerState) { ps.AbilityUsed = true }) {
			return unknownPlayer(p.PlayerID)
		}
		if p.Slots != nil {
			s.Room.Slots = *p.Slots
			s.Room.Slots.ElixirTargets = slices.Clone(p.Slots.ElixirTargets)
			s.Room.Slots.Lovers = slices.Clone(p.Slots.Lovers)
		}
		for _, sc := range p.Statuses {
			st := sc.Status
			// Status changes for players no longer in the room are dropped individually.
			s.UpdatePlayer(sc.PlayerID, func(ps *models.PlayerState) { ps.Status = st })
		}

	case *protocol.QuickEndVoteUpdatedPayload:
		s.Room.QuickEnd.Voters = slices.Clone(p.Voters)
		if p.Quorum != nil {
			s.Room.QuickEnd.Quorum = *p.Quorum
		}

	case *protocol.GameEndedPayload:
		s.Room.Status = models.StatusCompleted
		s.Room.WinningFaction = p.WinningFaction
		if len(p.Players) > 0 {
			s.Players = dedupePlayers(p.Players)
		}

	default:
		return fmt.Errorf("no reconciliation for %T", payload)
	}
	return nil
}

// replaceAll overwrites everything with a server snapshot.
func replaceAll(s *models.Snapshot, p *protocol.SnapshotPayload) {
	fresh := models.Snapshot{
		Room:    p.Room,
		Players: dedupePlayers(p.Players),
		Votes:   p.Votes,
	}
	// Detach from the decoded payload.
	fresh = fresh.Clone()
	if fresh.Votes.Votes == nil {
		fresh.Votes.Votes = map[string]string{}
	}
	if fresh.Votes.Tally == nil {
		fresh.Votes.Recount()
	}
	for i := range fresh.Players {
		fresh.Players[i].VoteTarget = fresh.Votes.Votes[fresh.Players[i].ID]
	}
	fresh.Room.Epoch = s.Room.Epoch
	if fresh.Room.Phase != s.Room.Phase || fresh.Room.Round != s.Room.Round {
		fresh.Room.Epoch++
	}
	fresh.Version, fresh.Seq = s.Version, s.Seq
	*s = fresh
}

// dedupePlayers keeps exactly one entry per id; the last one wins.
func dedupePlayers(in []models.PlayerState) []models.PlayerState {
	out := make([]models.PlayerState, 0, len(in))
	index := make(map[string]int, len(in))
	for _, p := range in {
		if i, ok := index[p.ID]; ok {
			out[i] = p
			continue
		}
		index[p.ID] = len(out)
		out = append(out, p)
	}
	return out
}
