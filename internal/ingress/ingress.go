// internal/ingress/ingress.go
package ingress

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/Sorok-Dva/project42-sync/internal/models"
	"github.com/Sorok-Dva/project42-sync/internal/protocol"
	"github.com/Sorok-Dva/project42-sync/internal/syncerr"
)

// Applier is the canonical state writer.
type Applier interface {
	Apply(ev protocol.Event) models.Snapshot
}

// SnapshotRequester asks the server for a full resync.
type SnapshotRequester interface {
	RequestSnapshot() error
}

// Hooks are optional callbacks. They run on the caller's goroutine after
// the ingress lock is released.
type Hooks struct {
	// Control receives heartbeat, welcome, error, pong and actionRejected messages.
	Control func(ev protocol.Event)
	// Applied receives every event handed to the applier with the resulting snapshot.
	Applied func(ev protocol.Event, snap models.Snapshot)
	// Resync reports entering and leaving the reconciling state.
	Resync func(reconciling bool)
}

// Stats counts what happened to inbound messages.
type Stats struct {
	Received    uint64
	Applied     uint64
	Duplicates  uint64
	Stale       uint64
	Gaps        uint64
	Dropped     uint64
	Undecodable uint64
}

// Ingress turns the raw inbound stream into one ordered sequence of
// applications. Sequenced events apply exactly once and in order; a gap
// suspends application until a snapshot rebases the stream.
type Ingress struct {
	applier   Applier
	requester SnapshotRequester
	clock     clockwork.Clock
	retry     time.Duration
	log       *logrus.Entry
	hooks     Hooks

	mu       sync.Mutex
	receipt  uint64
	lastSeq  uint64
	awaiting bool
	timer    clockwork.Timer
	stats    Stats
}

// New builds an ingress that waits for a first snapshot. retry is how
// long to wait for a requested snapshot before asking again.
func New(applier Applier, requester SnapshotRequester, retry time.Duration, clock clockwork.Clock, logger *logrus.Logger, hooks Hooks) *Ingress {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Ingress{
		applier:   applier,
		requester: requester,
		clock:     clock,
		retry:     retry,
		log:       logger.WithField("component", "ingress"),
		hooks:     hooks,
		awaiting:  true,
	}
}

// OnEvent handles one raw frame. It is safe to call from any goroutine
// but frames must arrive in transport order.
func (in *Ingress) OnEvent(raw []byte) {
	ev, err := protocol.DecodeEvent(raw)

	in.mu.Lock()
	in.stats.Received++
	if err != nil {
		in.stats.Undecodable++
		in.mu.Unlock()
		in.log.WithError(err).Warn("Undecodable frame dropped")
		return
	}
	in.receipt++
	ev.Receipt = in.receipt

	if ev.Kind.IsControl() {
		in.mu.Unlock()
		if in.hooks.Control != nil {
			in.hooks.Control(ev)
		}
		return
	}

	if ev.Kind == protocol.EventSnapshot {
		snap := in.applier.Apply(ev)
		wasAwaiting := in.awaiting
		in.lastSeq = ev.Seq
		in.awaiting = false
		in.stopTimerLocked()
		in.stats.Applied++
		in.mu.Unlock()

		in.log.WithFields(logrus.Fields{"seq": ev.Seq, "version": snap.Version}).Debug("Snapshot applied")
		if wasAwaiting && in.hooks.Resync != nil {
			in.hooks.Resync(false)
		}
		if in.hooks.Applied != nil {
			in.hooks.Applied(ev, snap)
		}
		return
	}

	fields := logrus.Fields{"type": ev.Kind, "seq": ev.Seq, "last": in.lastSeq}
	switch {
	case in.awaiting:
		in.stats.Dropped++
		in.mu.Unlock()
		in.log.WithFields(fields).Debug("Event dropped while awaiting snapshot")
		return

	case ev.Seq == 0:
		// Unsequenced state events apply in receipt order.

	case ev.Seq == in.lastSeq:
		in.stats.Duplicates++
		in.mu.Unlock()
		in.log.WithFields(fields).Debug("Duplicate event dropped")
		return

	case ev.Seq < in.lastSeq:
		in.stats.Stale++
		in.mu.Unlock()
		in.log.WithFields(fields).Debug(syncerr.ErrStaleEvent.Error())
		return

	case ev.Seq > in.lastSeq+1:
		in.stats.Gaps++
		in.awaiting = true
		in.armTimerLocked()
		in.mu.Unlock()
		in.log.WithFields(fields).Info(syncerr.ErrResyncRequired.Error())
		in.requestSnapshot()
		if in.hooks.Resync != nil {
			in.hooks.Resync(true)
		}
		return
	}

	snap := in.applier.Apply(ev)
	if ev.Seq > 0 {
		in.lastSeq = ev.Seq
	}
	in.stats.Applied++
	in.mu.Unlock()

	if in.hooks.Applied != nil {
		in.hooks.Applied(ev, snap)
	}
}

// ExpectSnapshot suspends sequenced application until the next snapshot.
// It is called on every (re)connect; the connection asks for the snapshot.
func (in *Ingress) ExpectSnapshot() {
	in.mu.Lock()
	was := in.awaiting
	in.awaiting = true
	in.armTimerLocked()
	in.mu.Unlock()

	if !was && in.hooks.Resync != nil {
		in.hooks.Resync(true)
	}
}

// Reconciling reports whether application is suspended.
func (in *Ingress) Reconciling() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.awaiting
}

// LastSeq is the sequence number of the last applied event.
func (in *Ingress) LastSeq() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastSeq
}

func (in *Ingress) Stats() Stats {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stats
}

// Stop cancels the resync retry timer.
func (in *Ingress) Stop() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.stopTimerLocked()
}

func (in *Ingress) armTimerLocked() {
	in.stopTimerLocked()
	if in.retry <= 0 {
		return
	}
	in.timer = in.clock.AfterFunc(in.retry, in.retryResync)
}

func (in *Ingress) stopTimerLocked() {
	if in.timer != nil {
		in.timer.Stop()
		in.timer = nil
	}
}

// retryResync runs on the timer goroutine. It only re-requests; it never
// touches state.
func (in *Ingress) retryResync() {
	in.mu.Lock()
	if !in.awaiting {
		in.mu.Unlock()
		return
	}
	in.armTimerLocked()
	in.mu.Unlock()

	in.log.Info("Snapshot still missing, asking again")
	in.requestSnapshot()
}

func (in *Ingress) requestSnapshot() {
	if in.requester == nil {
		return
	}
	if err := in.requester.RequestSnapshot(); err != nil {
		in.log.WithError(err).Debug("Snapshot request not sent")
	}
}
