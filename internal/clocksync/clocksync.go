// internal/clocksync/clocksync.go
package clocksync

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/Sorok-Dva/project42-sync/internal/protocol"
)

// Config bounds the probing behaviour.
type Config struct {
	// Interval between probes.
	Interval time.Duration
	// MaxRTT discards samples whose round trip is longer than this.
	MaxRTT time.Duration
	// Window is how many accepted samples are kept; the lowest RTT wins.
	Window int
}

// DefaultConfig returns probe settings suited to an interactive room.
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Second,
		MaxRTT:   2 * time.Second,
		Window:   8,
	}
}

// Offset is the estimated server-minus-local delta.
type Offset struct {
	Value time.Duration
	// Uncertainty is half the round trip of the sample the estimate comes from.
	Uncertainty time.Duration
	SampledAt   time.Time
	Samples     int
}

// Valid reports whether at least one probe has been accepted.
func (o Offset) Valid() bool {
	return o.Samples > 0
}

type sample struct {
	rtt    time.Duration
	offset time.Duration
	at     time.Time
}

// Sender is the part of the connection manager used to emit probes.
type Sender interface {
	Send(msg protocol.Outbound) error
}

// Sync estimates the offset between the local and the server clock from
// ping/pong round trips, using the midpoint of each probe.
type Sync struct {
	cfg   Config
	clock clockwork.Clock
	log   *logrus.Entry

	mu        sync.Mutex
	pending   map[string]time.Time
	window    []sample
	current   Offset
	listeners []func(Offset)
}

// New builds a Sync. A nil clock uses the real one.
func New(cfg Config, clock clockwork.Clock, logger *logrus.Logger) *Sync {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Window <= 0 {
		cfg.Window = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Sync{
		cfg:     cfg,
		clock:   clock,
		log:     logger.WithField("component", "clocksync"),
		pending: make(map[string]time.Time),
	}
}

// NewProbe records a probe and returns the ping to send.
func (s *Sync) NewProbe() protocol.Outbound {
	id := uuid.NewString()
	now := s.clock.Now()

	s.mu.Lock()
	s.prunePendingLocked(now)
	s.pending[id] = now
	s.mu.Unlock()

	return protocol.Ping(id, now)
}

// Observe folds a pong into the estimate. It reports whether the sample
// was accepted; unknown probes and slow round trips are discarded.
func (s *Sync) Observe(pong protocol.PongPayload) (Offset, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	sentAt, ok := s.pending[pong.ProbeID]
	if !ok {
		cur := s.current
		s.mu.Unlock()
		s.log.WithField("probe", pong.ProbeID).Debug("pong for unknown probe ignored")
		return cur, false
	}
	delete(s.pending, pong.ProbeID)

	rtt := now.Sub(sentAt)
	if rtt < 0 || (s.cfg.MaxRTT > 0 && rtt > s.cfg.MaxRTT) {
		cur := s.current
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{"probe": pong.ProbeID, "rtt": rtt}).Debug("clock sample discarded")
		return cur, false
	}

	// The server stamped the pong halfway through the round trip.
	midpoint := sentAt.Add(rtt / 2)
	s.window = append(s.window, sample{rtt: rtt, offset: pong.ServerTime.Sub(midpoint), at: now})
	if len(s.window) > s.cfg.Window {
		s.window = s.window[len(s.window)-s.cfg.Window:]
	}

	best := s.window[0]
	for _, smp := range s.window[1:] {
		if smp.rtt < best.rtt {
			best = smp
		}
	}
	s.current = Offset{
		Value:       best.offset,
		Uncertainty: best.rtt / 2,
		SampledAt:   best.at,
		Samples:     len(s.window),
	}
	cur := s.current
	listeners := append([]func(Offset){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(cur)
	}
	return cur, true
}

// Offset returns the current server-minus-local delta, zero before the
// first accepted sample.
func (s *Sync) Offset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Value
}

// Estimate returns the full current estimate.
func (s *Sync) Estimate() Offset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Age returns how long ago the current estimate was sampled.
func (s *Sync) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current.Valid() {
		return 0
	}
	return s.clock.Since(s.current.SampledAt)
}

// ServerNow is the local clock corrected by the offset.
func (s *Sync) ServerNow() time.Time {
	return s.clock.Now().Add(s.Offset())
}

// OnUpdate registers fn to be called after every accepted sample.
func (s *Sync) OnUpdate(fn func(Offset)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reset drops samples, e.g. after a reconnect to a different server node.
func (s *Sync) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[string]time.Time)
	s.window = nil
	s.current = Offset{}
}

// Run sends a probe immediately and then every Interval until ctx ends.
// Send failures are logged; the next tick tries again.
func (s *Sync) Run(ctx context.Context, sender Sender) {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.probe(sender)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.probe(sender)
		}
	}
}

func (s *Sync) probe(sender Sender) {
	if err := sender.Send(s.NewProbe()); err != nil {
		s.log.WithError(err).Debug("clock probe not sent")
	}
}

// prunePendingLocked forgets probes that can no longer produce a valid sample.
func (s *Sync) prunePendingLocked(now time.Time) {
	if s.cfg.MaxRTT <= 0 {
		return
	}
	for id, sentAt := range s.pending {
		if now.Sub(sentAt) > s.cfg.MaxRTT {
			delete(s.pending, id)
		}
	}
}
