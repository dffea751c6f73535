// internal/session/session.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sorok-Dva/project42-sync/internal/action"
	"github.com/Sorok-Dva/project42-sync/internal/auth"
	"github.com/Sorok-Dva/project42-sync/internal/clocksync"
	"github.com/Sorok-Dva/project42-sync/internal/conn"
	"github.com/Sorok-Dva/project42-sync/internal/ingress"
	"github.com/Sorok-Dva/project42-sync/internal/models"
	"github.com/Sorok-Dva/project42-sync/internal/phaseclock"
	"github.com/Sorok-Dva/project42-sync/internal/protocol"
	"github.com/Sorok-Dva/project42-sync/internal/reconciler"
	"github.com/Sorok-Dva/project42-sync/internal/syncerr"
)

// Config groups the settings of every component of a session.
type Config struct {
	ServerURL   string
	Conn        conn.Config
	Actions     action.Config
	ClockSync   clocksync.Config
	ResyncRetry time.Duration
}

func DefaultConfig() Config {
	return Config{
		ServerURL:   "ws://localhost:8080/ws",
		Conn:        conn.DefaultConfig(),
		Actions:     action.DefaultConfig(),
		ClockSync:   clocksync.DefaultConfig(),
		ResyncRetry: 5 * time.Second,
	}
}

// Journal records every applied event of a room. Record must not block.
type Journal interface {
	Record(roomID string, ev protocol.Event)
}

type Option func(*Session)

// WithDialer replaces the WebSocket dialer built from Config.ServerURL.
func WithDialer(d conn.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Session) { s.clock = c }
}

func WithLogger(l *logrus.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithJournal(j Journal) Option {
	return func(s *Session) { s.journal = j }
}

// Session is the facade the presentation layer talks to. It owns one
// connection manager per joined room and every component fed by it.
type Session struct {
	cfg     Config
	dialer  conn.Dialer
	clock   clockwork.Clock
	logger  *logrus.Logger
	journal Journal

	mu  sync.Mutex
	cur *room

	subMu   sync.Mutex
	views   map[uint64]*mailbox[View]
	alerts  []*mailbox[Alert]
	nextSub uint64

	// publishMu orders view computation with delivery.
	publishMu sync.Mutex
}

// room is everything that lives between Join and Leave.
type room struct {
	id       string
	roomID   string
	cred     auth.Credential
	joinedAt time.Time
	log      *logrus.Entry

	mgr   *conn.Manager
	in    *ingress.Ingress
	rec   *reconciler.Reconciler
	coord *action.Coordinator
	pc    *phaseclock.Clock
	cs    *clocksync.Sync

	cancel context.CancelFunc
	group  *errgroup.Group
	gctx   context.Context

	mu          sync.Mutex
	probeCancel context.CancelFunc
	left        bool
}

// New builds an idle session.
func New(cfg Config, opts ...Option) *Session {
	s := &Session{
		cfg:   cfg,
		views: make(map[uint64]*mailbox[View]),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	if s.dialer == nil {
		s.dialer = &conn.WSDialer{URL: cfg.ServerURL}
	}
	return s
}

// Join inspects the credential, connects to roomID and blocks until the
// handshake completes. State follows once the first snapshot arrives.
func (s *Session) Join(ctx context.Context, roomID, credential string) error {
	cred, err := auth.Inspect(credential, s.clock.Now())
	if err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}

	s.mu.Lock()
	if s.cur != nil && !s.cur.hasLeft() {
		current := s.cur.roomID
		s.mu.Unlock()
		return fmt.Errorf("join room %s: already in room %s", roomID, current)
	}
	r := s.newRoom(roomID, cred)
	s.cur = r
	s.mu.Unlock()

	r.log.WithField("credential", cred.Fingerprint()).Info("Joining room")
	if err := r.mgr.Connect(ctx, roomID, cred.Token); err != nil {
		s.teardown(r, "join failed")
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	return nil
}

func (s *Session) newRoom(roomID string, cred auth.Credential) *room {
	life, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(life)

	r := &room{
		id:       uuid.NewString(),
		roomID:   roomID,
		cred:     cred,
		joinedAt: s.clock.Now(),
		cancel:   cancel,
		group:    group,
		gctx:     gctx,
	}
	r.log = s.logger.WithFields(logrus.Fields{"component": "session", "room": roomID, "session": r.id})

	r.rec = reconciler.New(s.logger)
	r.mgr = conn.NewManager(s.cfg.Conn, s.dialer, s.clock, s.logger)
	r.cs = clocksync.New(s.cfg.ClockSync, s.clock, s.logger)
	r.pc = phaseclock.New(s.clock, r.cs, s.logger)
	r.coord = action.NewCoordinator(s.cfg.Actions, r.mgr, r.rec, s.clock, s.logger)
	r.in = ingress.New(r.rec, r.mgr, s.cfg.ResyncRetry, s.clock, s.logger, ingress.Hooks{
		Control: func(ev protocol.Event) { s.onControl(r, ev) },
		Applied: func(ev protocol.Event, snap models.Snapshot) { s.onApplied(r, ev, snap) },
		Resync:  func(bool) { s.publish(r) },
	})

	r.coord.OnResult(func(res action.Result) { s.onResult(r, res) })
	r.coord.OnChange(func() { s.publish(r) })
	r.cs.OnUpdate(func(clocksync.Offset) {
		r.pc.Reschedule()
		s.publish(r)
	})
	r.pc.OnExpiring(func(exp phaseclock.Expiry) { s.onExpiring(r, exp) })
	r.mgr.OnStateChange(func(st conn.State, err error) { s.onState(r, st, err) })
	r.mgr.Subscribe(r.in.OnEvent)
	if cred.Subject != "" {
		r.coord.SetLocalPlayer(cred.Subject)
	}
	return r
}

// Leave rolls back pending actions, stops reconnection and releases the
// transport. The session can join again afterwards.
func (s *Session) Leave() error {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r == nil || r.hasLeft() {
		return nil
	}
	r.log.Info("Leaving room")
	return s.teardown(r, "left room")
}

func (s *Session) teardown(r *room, reason string) error {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return nil
	}
	r.left = true
	r.mu.Unlock()

	r.coord.CancelAll(reason)
	err := r.mgr.Close()
	r.in.Stop()
	r.pc.Stop()
	r.cancel()
	if gerr := r.group.Wait(); gerr != nil && !errors.Is(gerr, context.Canceled) {
		r.log.WithError(gerr).Warn("Background task ended with error")
	}
	s.publish(r)
	return err
}

// Close leaves the room and stops every view and alert delivery.
func (s *Session) Close() error {
	err := s.Leave()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, mb := range s.views {
		mb.close()
		delete(s.views, id)
	}
	for _, mb := range s.alerts {
		mb.close()
	}
	s.alerts = nil
	return err
}

// Subscribe registers fn for views. fn runs on its own goroutine and views
// arrive in order. A slow fn skips intermediate views of the same phase but
// sees at least one view of every phase, round and room status.
func (s *Session) Subscribe(fn func(View)) (cancel func()) {
	mb := newMailbox(fn, View.samePhase)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.views[id] = mb
	s.subMu.Unlock()

	if r := s.current(); r != nil {
		s.publishMu.Lock()
		mb.put(s.view(r))
		s.publishMu.Unlock()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.views, id)
			s.subMu.Unlock()
			mb.close()
		})
	}
}

// OnAlert registers fn for alerts, delivered in order on its own goroutine.
func (s *Session) OnAlert(fn func(Alert)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.alerts = append(s.alerts, newMailbox[Alert](fn, nil))
}

// Dispatch submits a as an optimistic action and returns its correlation
// id. Outcomes arrive through views and, for rejections, alerts.
func (s *Session) Dispatch(a action.Action) (string, error) {
	r := s.current()
	if r == nil {
		return "", fmt.Errorf("dispatch %s: %w", a, syncerr.ErrNotConnected)
	}
	if r.hasLeft() {
		return "", fmt.Errorf("dispatch %s: %w", a, syncerr.ErrSessionClosed)
	}
	return r.coord.Submit(a)
}

// ConnectionState is Idle before the first Join.
func (s *Session) ConnectionState() conn.State {
	r := s.current()
	if r == nil {
		return conn.StateIdle
	}
	return r.mgr.State()
}

// RemainingPhaseTime is the time left in the current phase, in server time.
func (s *Session) RemainingPhaseTime() time.Duration {
	r := s.current()
	if r == nil {
		return 0
	}
	return r.pc.Remaining()
}

// Reconnect retries a Failed or Disconnected connection right away.
func (s *Session) Reconnect(ctx context.Context) error {
	r := s.current()
	if r == nil {
		return fmt.Errorf("reconnect: %w", syncerr.ErrNotConnected)
	}
	if r.hasLeft() {
		return fmt.Errorf("reconnect: %w", syncerr.ErrSessionClosed)
	}
	return r.mgr.Reconnect(ctx)
}

// Info is the empty Info before the first Join.
func (s *Session) Info() Info {
	r := s.current()
	if r == nil {
		return Info{Connection: conn.StateIdle}
	}
	return Info{
		SessionID:   r.id,
		RoomID:      r.roomID,
		PlayerID:    r.playerID(),
		Fingerprint: r.cred.Fingerprint(),
		ExpiresAt:   r.cred.ExpiresAt,
		JoinedAt:    r.joinedAt,
		Connection:  r.mgr.State(),
		LastSeq:     r.in.LastSeq(),
		Ingress:     r.in.Stats(),
		Clock:       r.cs.Estimate(),
	}
}

// View returns the current view without subscribing.
func (s *Session) View() View {
	r := s.current()
	if r == nil {
		return View{Connection: conn.StateIdle}
	}
	return s.view(r)
}

func (s *Session) current() *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *Session) view(r *room) View {
	snap := r.rec.Snapshot()
	return View{
		RoomID:         r.roomID,
		PlayerID:       r.playerID(),
		Snapshot:       r.coord.Overlay(snap),
		Pending:        r.coord.Pending(),
		QuickEndLocked: r.coord.QuickEndLocked(),
		Connection:     r.mgr.State(),
		Reconciling:    r.in.Reconciling(),
		Remaining:      r.pc.Remaining(),
	}
}

func (s *Session) publish(r *room) {
	if s.current() != r {
		return
	}
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	v := s.view(r)
	s.subMu.Lock()
	for _, mb := range s.views {
		mb.put(v)
	}
	s.subMu.Unlock()
}

func (s *Session) alert(a Alert) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, mb := range s.alerts {
		mb.put(a)
	}
}

func (r *room) hasLeft() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.left
}

// playerID prefers the id the server assigned in the handshake.
func (r *room) playerID() string {
	if id := r.mgr.Welcome().PlayerID; id != "" {
		return id
	}
	return r.cred.Subject
}
