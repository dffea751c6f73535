// internal/phaseclock/phaseclock.go
package phaseclock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/Sorok-Dva/project42-sync/internal/models"
)

// OffsetSource supplies the current server-minus-local clock delta.
type OffsetSource interface {
	Offset() time.Duration
}

// Expiry describes a phase whose deadline has passed.
type Expiry struct {
	Phase    int
	Round    int
	Deadline time.Time
}

// Clock counts down the active phase deadline in server time.
type Clock struct {
	clock  clockwork.Clock
	offset OffsetSource
	log    *logrus.Entry

	mu        sync.Mutex
	key       models.PhaseKey
	deadline  time.Time
	fired     bool
	timer     clockwork.Timer
	listeners []func(Expiry)
}

// New builds a Clock. A nil offset source means the local clock is trusted.
func New(clock clockwork.Clock, offset OffsetSource, logger *logrus.Logger) *Clock {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Clock{
		clock:  clock,
		offset: offset,
		log:    logger.WithField("component", "phaseclock"),
	}
}

// Remaining is deadline minus the estimated server now, never negative.
// Without an active deadline it is zero.
func (c *Clock) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remainingLocked()
}

// Deadline returns the tracked deadline in server time.
func (c *Clock) Deadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

// OnExpiring registers fn for the one-shot expiry of each phase. fn runs on
// a timer goroutine.
func (c *Clock) OnExpiring(fn func(Expiry)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Track follows the room's phase and deadline. Only a running room has a
// deadline; anything else stops the countdown.
func (c *Clock) Track(room models.RoomState) {
	c.mu.Lock()
	deadline := room.PhaseDeadline
	if room.Status != models.StatusInProgress {
		deadline = time.Time{}
	}
	key := room.PhaseKey()
	if key == c.key && deadline.Equal(c.deadline) {
		c.mu.Unlock()
		return
	}
	if key != c.key {
		c.fired = false
	}
	c.key, c.deadline = key, deadline
	exp, due := c.scheduleLocked()
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"phase": room.Phase, "round": room.Round, "deadline": deadline}).Debug("Tracking phase deadline")
	if due {
		c.fire(exp)
	}
}

// Reschedule re-arms the expiry timer, typically after the offset estimate
// changed.
func (c *Clock) Reschedule() {
	c.mu.Lock()
	exp, due := c.scheduleLocked()
	c.mu.Unlock()
	if due {
		c.fire(exp)
	}
}

// Stop cancels the pending expiry notification and forgets the deadline.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
	c.key, c.deadline = models.PhaseKey{}, time.Time{}
	c.fired = false
}

func (c *Clock) remainingLocked() time.Duration {
	if c.deadline.IsZero() {
		return 0
	}
	now := c.clock.Now()
	if c.offset != nil {
		now = now.Add(c.offset.Offset())
	}
	if left := c.deadline.Sub(now); left > 0 {
		return left
	}
	return 0
}

// scheduleLocked arms the timer for the current deadline. It reports an
// expiry that is already due so the caller can deliver it unlocked.
func (c *Clock) scheduleLocked() (Expiry, bool) {
	c.stopTimerLocked()
	if c.deadline.IsZero() || c.fired {
		return Expiry{}, false
	}
	left := c.remainingLocked()
	if left <= 0 {
		c.fired = true
		return Expiry{Phase: c.key.Phase, Round: c.key.Round, Deadline: c.deadline}, true
	}
	c.timer = c.clock.AfterFunc(left, c.check)
	return Expiry{}, false
}

func (c *Clock) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// check runs when the timer fires. The offset may have moved since it was
// armed, so the deadline is evaluated again.
func (c *Clock) check() {
	c.mu.Lock()
	exp, due := c.scheduleLocked()
	c.mu.Unlock()
	if due {
		c.fire(exp)
	}
}

func (c *Clock) fire(exp Expiry) {
	c.mu.Lock()
	listeners := append([]func(Expiry){}, c.listeners...)
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"phase": exp.Phase, "round": exp.Round}).Info("Phase deadline reached")
	for _, fn := range listeners {
		fn(exp)
	}
}
