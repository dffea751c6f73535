// internal/action/coordinator.go
package action

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/Sorok-Dva/project42-sync/internal/models"
	"github.com/Sorok-Dva/project42-sync/internal/protocol"
	"github.com/Sorok-Dva/project42-sync/internal/syncerr"
)

// Sender delivers an outbound message without blocking.
type Sender interface {
	Send(msg protocol.Outbound) error
}

// SnapshotSource returns the current canonical snapshot.
type SnapshotSource interface {
	Snapshot() models.Snapshot
}

// Config holds the fixed per-kind acknowledgement bounds.
type Config struct {
	VoteTimeout     time.Duration
	ReadyTimeout    time.Duration
	AbilityTimeout  time.Duration
	QuickEndTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		VoteTimeout:     5 * time.Second,
		ReadyTimeout:    5 * time.Second,
		AbilityTimeout:  8 * time.Second,
		QuickEndTimeout: 5 * time.Second,
	}
}

func (c Config) timeout(l lane) time.Duration {
	switch l {
	case laneVote:
		return c.VoteTimeout
	case laneReady:
		return c.ReadyTimeout
	case laneAbility:
		return c.AbilityTimeout
	default:
		return c.QuickEndTimeout
	}
}

// Result is the terminal outcome of a submitted action.
type Result struct {
	CorrelationID string
	Action        Action
	// Err is nil when the server confirmed the action. Otherwise it is an
	// *syncerr.ActionRejectedError.
	Err error
	// Superseded is set when a newer submission replaced this one before it
	// was ever sent.
	Superseded bool
}

// Confirmed reports whether the server acknowledged the action.
func (r Result) Confirmed() bool {
	return r.Err == nil && !r.Superseded
}

// Pending describes an unresolved action for presentation.
type Pending struct {
	CorrelationID string    `json:"correlationId"`
	Action        Action    `json:"action"`
	SubmittedAt   time.Time `json:"submittedAt"`
	InFlight      bool      `json:"inFlight"`
}

type pending struct {
	id        string
	action    Action
	lane      lane
	submitted time.Time
	phase     models.PhaseKey
	timer     clockwork.Timer
	// quickEndMember is the membership this toggle produces, fixed at submit.
	quickEndMember bool
}

type laneSlot struct {
	inflight *pending
	queued   *pending
}

// Coordinator runs optimistic action submission. Each lane has at most
// one message in flight; a newer submission replaces the queued one and
// is sent when the in-flight one resolves. Pending effects live in an
// overlay that is merged into views and never written into canonical state.
type Coordinator struct {
	cfg    Config
	sender Sender
	source SnapshotSource
	clock  clockwork.Clock
	log    *logrus.Entry

	mu       sync.Mutex
	localID  string
	lanes    [laneCount]laneSlot
	byID     map[string]*pending
	phase    models.PhaseKey
	latched  bool
	onResult []func(Result)
	onChange []func()
}

// NewCoordinator builds a coordinator. A nil clock uses the real one.
func NewCoordinator(cfg Config, sender Sender, source SnapshotSource, clock clockwork.Clock, logger *logrus.Logger) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Coordinator{
		cfg:    cfg,
		sender: sender,
		source: source,
		clock:  clock,
		log:    logger.WithField("component", "action"),
		byID:   make(map[string]*pending),
	}
}

// SetLocalPlayer sets the id the optimistic effects apply to.
func (c *Coordinator) SetLocalPlayer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localID = id
}

// OnResult registers fn for every terminal outcome.
func (c *Coordinator) OnResult(fn func(Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResult = append(c.onResult, fn)
}

// OnChange registers fn for every change of the overlay.
func (c *Coordinator) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// Submit checks local preconditions, records the optimistic effect and
// sends the action, or queues it behind the lane's in-flight message. It
// returns the correlation id without waiting for the server.
func (c *Coordinator) Submit(a Action) (string, error) {
	l, ok := laneOf(a.Kind)
	if !ok {
		return "", fmt.Errorf("submit: unknown action kind %q: %w", a.Kind, syncerr.ErrPrecondition)
	}

	snap := c.source.Snapshot()

	c.mu.Lock()
	results := c.syncPhaseLocked(snap)
	effective := c.overlayLocked(snap)
	if err := c.checkLocked(a, snap, effective); err != nil {
		c.mu.Unlock()
		c.emit(results, len(results) > 0)
		return "", fmt.Errorf("submit %s: %w", a, err)
	}

	p := &pending{
		id:        uuid.NewString(),
		action:    a,
		lane:      l,
		submitted: c.clock.Now(),
		phase:     snap.Room.PhaseKey(),
	}
	if a.Kind == protocol.ActionCastQuickEndVote {
		p.quickEndMember = !effective.Room.QuickEnd.Has(c.localID)
	}

	slot := &c.lanes[l]
	if slot.inflight == nil {
		if err := c.sendLocked(p); err != nil {
			c.mu.Unlock()
			c.emit(results, len(results) > 0)
			return "", fmt.Errorf("submit %s: %w", a, err)
		}
		slot.inflight = p
	} else {
		if old := slot.queued; old != nil {
			delete(c.byID, old.id)
			results = append(results, Result{CorrelationID: old.id, Action: old.action, Superseded: true})
		}
		slot.queued = p
	}
	c.byID[p.id] = p
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"action": a.String(), "correlation": p.id}).Debug("Action submitted")
	c.emit(results, true)
	return p.id, nil
}

// Observe is fed every applied event with the resulting snapshot. A
// sequenced event carrying a pending correlation id confirms it; a phase
// change rolls back whatever is still pending from the previous phase.
func (c *Coordinator) Observe(ev protocol.Event, snap models.Snapshot) {
	var results []Result

	c.mu.Lock()
	if ev.CorrelationID != "" {
		if p, ok := c.byID[ev.CorrelationID]; ok {
			results = append(results, c.resolveLocked(p, nil)...)
		}
	}
	results = append(results, c.syncPhaseLocked(snap)...)
	changed := len(results) > 0
	c.mu.Unlock()

	c.emit(results, changed)
}

// OnControl handles actionRejected messages.
func (c *Coordinator) OnControl(ev protocol.Event) {
	if ev.Kind != protocol.EventActionRejected || ev.CorrelationID == "" {
		return
	}
	reason := "rejected"
	if payload, err := protocol.ParsePayload(ev); err == nil && payload != nil {
		if r := payload.(*protocol.ActionRejectedPayload).Reason; r != "" {
			reason = r
		}
	}

	c.mu.Lock()
	p, ok := c.byID[ev.CorrelationID]
	if !ok {
		c.mu.Unlock()
		c.log.WithField("correlation", ev.CorrelationID).Debug("Rejection for unknown action ignored")
		return
	}
	results := c.resolveLocked(p, &syncerr.ActionRejectedError{
		CorrelationID: p.id,
		Kind:          string(p.action.Kind),
		Reason:        reason,
	})
	c.mu.Unlock()

	c.emit(results, true)
}

// CancelAll rolls back every pending action and reports each one.
func (c *Coordinator) CancelAll(reason string) {
	c.mu.Lock()
	results := c.dropLocked(func(*pending) bool { return true }, reason)
	c.mu.Unlock()
	c.emit(results, len(results) > 0)
}

// Overlay merges the pending effects into snap. With nothing pending snap
// is returned as is.
func (c *Coordinator) Overlay(snap models.Snapshot) models.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlayLocked(snap)
}

// Pending lists unresolved actions, in-flight first per lane.
func (c *Coordinator) Pending() []Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Pending
	for _, slot := range c.lanes {
		for _, p := range []*pending{slot.inflight, slot.queued} {
			if p != nil {
				out = append(out, Pending{CorrelationID: p.id, Action: p.action, SubmittedAt: p.submitted, InFlight: p == slot.inflight})
			}
		}
	}
	return out
}

// QuickEndLocked reports whether quick-end toggles are refused until the
// next phase.
func (c *Coordinator) QuickEndLocked() bool {
	snap := c.source.Snapshot()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quickEndLockedLocked(snap)
}

func (c *Coordinator) quickEndLockedLocked(snap models.Snapshot) bool {
	return snap.Room.QuickEnd.QuorumReached() || (c.latched && c.phase == snap.Room.PhaseKey())
}

func (c *Coordinator) overlayLocked(snap models.Snapshot) models.Snapshot {
	if len(c.byID) == 0 || c.localID == "" {
		return snap
	}
	var effects []*pending
	for _, slot := range c.lanes {
		for _, p := range []*pending{slot.inflight, slot.queued} {
			// Effects never leak into a phase they were not submitted in.
			if p != nil && p.phase == snap.Room.PhaseKey() {
				effects = append(effects, p)
			}
		}
	}
	if len(effects) == 0 {
		return snap
	}
	out := snap.Clone()
	for _, p := range effects {
		c.applyEffect(&out, p)
	}
	return out
}

func (c *Coordinator) applyEffect(s *models.Snapshot, p *pending) {
	me := c.localID
	switch p.action.Kind {
	case protocol.ActionCastVote:
		s.UpdatePlayer(me, func(ps *models.PlayerState) { ps.VoteTarget = p.action.Target })
		s.Votes.Cast(me, p.action.Target)
	case protocol.ActionRetractVote:
		s.UpdatePlayer(me, func(ps *models.PlayerState) { ps.VoteTarget = "" })
		s.Votes.Retract(me)
	case protocol.ActionSetReady:
		s.UpdatePlayer(me, func(ps *models.PlayerState) { ps.Ready = p.action.Ready })
	case protocol.ActionUseAbility:
		s.UpdatePlayer(me, func(ps *models.PlayerState) { ps.AbilityUsed = true })
	case protocol.ActionCastQuickEndVote:
		voters := slices.DeleteFunc(s.Room.QuickEnd.Voters, func(id string) bool { return id == me })
		if p.quickEndMember {
			voters = append(voters, me)
		}
		s.Room.QuickEnd.Voters = voters
	}
}

// checkLocked is a client-side fast-fail. The server stays authoritative.
func (c *Coordinator) checkLocked(a Action, canonical, effective models.Snapshot) error {
	if c.localID == "" {
		return fmt.Errorf("local player unknown: %w", syncerr.ErrPrecondition)
	}
	me, ok := effective.Player(c.localID)
	if !ok {
		return fmt.Errorf("local player %q not in room: %w", c.localID, syncerr.ErrPrecondition)
	}

	status := canonical.Room.Status
	if a.Kind == protocol.ActionSetReady {
		if status != models.StatusWaiting && status != models.StatusInProgress {
			return fmt.Errorf("room is %s: %w", status, syncerr.ErrPrecondition)
		}
	} else if status != models.StatusInProgress {
		return fmt.Errorf("room is %q: %w", status, syncerr.ErrPrecondition)
	}
	if !me.Alive {
		return fmt.Errorf("eliminated players cannot act: %w", syncerr.ErrPrecondition)
	}

	switch a.Kind {
	case protocol.ActionCastVote:
		target, ok := effective.Player(a.Target)
		if !ok {
			return fmt.Errorf("unknown target %q: %w", a.Target, syncerr.ErrPrecondition)
		}
		if !target.Alive {
			return fmt.Errorf("target %q is eliminated: %w", a.Target, syncerr.ErrPrecondition)
		}
		if me.VoteTarget == a.Target {
			return fmt.Errorf("already voted for %q: %w", a.Target, syncerr.ErrPrecondition)
		}
	case protocol.ActionRetractVote:
		if me.VoteTarget == "" {
			return fmt.Errorf("no vote to retract: %w", syncerr.ErrPrecondition)
		}
	case protocol.ActionSetReady:
		if me.Ready == a.Ready {
			return fmt.Errorf("ready already %t: %w", a.Ready, syncerr.ErrPrecondition)
		}
	case protocol.ActionUseAbility:
		if a.Ability == "" {
			return fmt.Errorf("ability kind missing: %w", syncerr.ErrPrecondition)
		}
		if me.AbilityUsed {
			return fmt.Errorf("ability already used this round: %w", syncerr.ErrPrecondition)
		}
		if a.Target != "" {
			if _, ok := effective.Player(a.Target); !ok {
				return fmt.Errorf("unknown target %q: %w", a.Target, syncerr.ErrPrecondition)
			}
		}
	case protocol.ActionCastQuickEndVote:
		if c.quickEndLockedLocked(canonical) {
			return fmt.Errorf("quick-end quorum reached, waiting for the phase to end: %w", syncerr.ErrPrecondition)
		}
	}
	return nil
}

// syncPhaseLocked tracks the phase and the quick-end latch. When the
// phase moved on, whatever is still pending from earlier phases is rolled
// back.
func (c *Coordinator) syncPhaseLocked(snap models.Snapshot) []Result {
	var results []Result
	if key := snap.Room.PhaseKey(); key != c.phase {
		c.phase = key
		c.latched = false
		results = c.dropLocked(func(p *pending) bool { return p.phase != key }, "phase ended")
	}
	if snap.Room.QuickEnd.QuorumReached() {
		c.latched = true
	}
	return results
}

func (c *Coordinator) sendLocked(p *pending) error {
	msg, err := p.action.outbound(p.id)
	if err != nil {
		return err
	}
	if err := c.sender.Send(msg); err != nil {
		return err
	}
	id := p.id
	if d := c.cfg.timeout(p.lane); d > 0 {
		p.timer = c.clock.AfterFunc(d, func() { c.expire(id) })
	}
	return nil
}

// expire runs on the timer goroutine; a timeout counts as a rejection.
func (c *Coordinator) expire(id string) {
	c.mu.Lock()
	p, ok := c.byID[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	results := c.resolveLocked(p, &syncerr.ActionRejectedError{
		CorrelationID: p.id,
		Kind:          string(p.action.Kind),
		Reason:        "no acknowledgement",
		Timeout:       true,
	})
	c.mu.Unlock()
	c.emit(results, true)
}

// resolveLocked settles the in-flight action p and promotes the queued one.
func (c *Coordinator) resolveLocked(p *pending, err error) []Result {
	slot := &c.lanes[p.lane]
	if slot.inflight != p {
		// Queued actions were never sent; nothing can acknowledge them.
		return nil
	}
	c.forgetLocked(p)
	slot.inflight = nil
	results := []Result{{CorrelationID: p.id, Action: p.action, Err: err}}

	for slot.queued != nil {
		next := slot.queued
		slot.queued = nil
		if sendErr := c.sendLocked(next); sendErr != nil {
			c.forgetLocked(next)
			results = append(results, Result{CorrelationID: next.id, Action: next.action, Err: &syncerr.ActionRejectedError{
				CorrelationID: next.id,
				Kind:          string(next.action.Kind),
				Reason:        sendErr.Error(),
			}})
			continue
		}
		slot.inflight = next
	}
	return results
}

// dropLocked rolls back every pending action matching match.
func (c *Coordinator) dropLocked(match func(*pending) bool, reason string) []Result {
	var results []Result
	for i := range c.lanes {
		slot := &c.lanes[i]
		for _, p := range []*pending{slot.inflight, slot.queued} {
			if p == nil || !match(p) {
				continue
			}
			c.forgetLocked(p)
			if slot.inflight == p {
				slot.inflight = nil
			} else {
				slot.queued = nil
			}
			results = append(results, Result{CorrelationID: p.id, Action: p.action, Err: &syncerr.ActionRejectedError{
				CorrelationID: p.id,
				Kind:          string(p.action.Kind),
				Reason:        reason,
			}})
		}
		// A surviving queued action moves up if its in-flight one was dropped.
		if slot.inflight == nil && slot.queued != nil {
			next := slot.queued
			slot.queued = nil
			if err := c.sendLocked(next); err != nil {
				c.forgetLocked(next)
				results = append(results, Result{CorrelationID: next.id, Action: next.action, Err: &syncerr.ActionRejectedError{
					CorrelationID: next.id, Kind: string(next.action.Kind), Reason: err.Error(),
				}})
				continue
			}
			slot.inflight = next
		}
	}
	return results
}

func (c *Coordinator) forgetLocked(p *pending) {
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(c.byID, p.id)
}

// emit delivers results and the change notification outside c.mu.
func (c *Coordinator) emit(results []Result, changed bool) {
	if len(results) == 0 && !changed {
		return
	}
	c.mu.Lock()
	onResult := append([]func(Result){}, c.onResult...)
	onChange := append([]func(){}, c.onChange...)
	c.mu.Unlock()

	for _, r := range results {
		entry := c.log.WithFields(logrus.Fields{"action": r.Action.String(), "correlation": r.CorrelationID})
		var rejected *syncerr.ActionRejectedError
		switch {
		case r.Superseded:
			entry.Debug("Action superseded before sending")
		case errors.As(r.Err, &rejected):
			entry.WithError(r.Err).Info("Action rolled back")
		default:
			entry.Debug("Action confirmed")
		}
		for _, fn := range onResult {
			fn(r)
		}
	}
	if changed {
		for _, fn := range onChange {
			fn()
		}
	}
}
