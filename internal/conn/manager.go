// internal/conn/manager.go
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/Sorok-Dva/project42-sync/internal/logging"
	"github.com/Sorok-Dva/project42-sync/internal/protocol"
	"github.com/Sorok-Dva/project42-sync/internal/syncerr"
)

// Config holds the connection policy.
type Config struct {
	HandshakeTimeout time.Duration
	// HeartbeatTimeout is the longest silence tolerated from the server.
	HeartbeatTimeout time.Duration
	WriteTimeout     time.Duration

	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ReconnectJitter      float64
	MaxReconnectAttempts int

	// OutboxSize bounds messages queued for the writer.
	OutboxSize int
}

// DefaultConfig returns the policy used by interactive clients.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:     10 * time.Second,
		HeartbeatTimeout:     30 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReconnectBase:        500 * time.Millisecond,
		ReconnectMax:         15 * time.Second,
		ReconnectJitter:      0.2,
		MaxReconnectAttempts: 8,
		OutboxSize:           64,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = def.ReconnectBase
	}
	if c.ReconnectMax < c.ReconnectBase {
		c.ReconnectMax = c.ReconnectBase
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = def.OutboxSize
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	return c
}

// Welcome is what the server told us during the last handshake.
type Welcome struct {
	PlayerID   string
	ServerTime time.Time
}

// Manager owns the transport of one room session. It performs the
// handshake, fans inbound messages out to subscribers, drains outbound
// messages from a queue and reconnects with exponential backoff.
type Manager struct {
	cfg    Config
	dialer Dialer
	clock  clockwork.Clock
	logger *logrus.Logger
	log    *logrus.Entry

	mu         sync.Mutex
	state      State
	roomID     string
	token      string
	welcome    Welcome
	transport  Transport
	outbox     chan []byte
	gen        uint64
	connCancel context.CancelFunc
	life       context.Context
	lifeCancel context.CancelFunc
	loopCancel context.CancelFunc
	closed     bool

	subMu    sync.RWMutex
	subs     map[uint64]func([]byte)
	nextSub  uint64
	stateFns []func(State, error)

	wg sync.WaitGroup
}

// NewManager builds a manager. A nil clock uses the real one.
func NewManager(cfg Config, dialer Dialer, clock clockwork.Clock, logger *logrus.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg = cfg.withDefaults()
	life, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		dialer:     dialer,
		clock:      clock,
		logger:     logger,
		log:        logger.WithField("component", "conn"),
		life:       life,
		lifeCancel: cancel,
		subs:       make(map[uint64]func([]byte)),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Welcome returns the data of the last successful handshake.
func (m *Manager) Welcome() Welcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.welcome
}

// Subscribe registers fn for every inbound message. Subscriptions survive
// reconnects. fn runs on the read goroutine and must not block.
func (m *Manager) Subscribe(fn func(raw []byte)) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

// OnStateChange registers fn for every transition. Listeners are called
// synchronously, before any message of a new connection is delivered.
func (m *Manager) OnStateChange(fn func(State, error)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.stateFns = append(m.stateFns, fn)
}

// Connect dials roomID and blocks until the handshake completes or fails.
// A failed initial connect is not retried.
func (m *Manager) Connect(ctx context.Context, roomID, token string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return syncerr.ErrSessionClosed
	}
	if m.state == StateConnecting || m.state == StateConnected || m.state == StateReconnecting {
		m.mu.Unlock()
		return fmt.Errorf("connect room %s: already %s", roomID, m.state)
	}
	m.roomID, m.token = roomID, token
	m.mu.Unlock()

	m.setState(StateConnecting, nil)
	if err := m.establish(ctx); err != nil {
		m.failConnect(err)
		return err
	}
	return nil
}

// Reconnect is the user-initiated retry out of Failed or Disconnected. It
// makes one immediate attempt; on a network failure the backoff loop
// restarts with a fresh attempt budget.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return syncerr.ErrSessionClosed
	}
	if m.roomID == "" {
		m.mu.Unlock()
		return fmt.Errorf("reconnect: %w", syncerr.ErrNotConnected)
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateConnecting {
		m.mu.Unlock()
		return fmt.Errorf("reconnect room %s: connect already in progress", m.roomID)
	}
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
	m.mu.Unlock()

	m.setState(StateConnecting, nil)
	err := m.establish(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, syncerr.ErrAuth) || errors.Is(err, syncerr.ErrSessionClosed) {
		m.failConnect(err)
		return err
	}
	m.setState(StateDisconnected, err)
	m.startReconnectLoop()
	return err
}

// Send queues msg for the writer. It never blocks on the network.
func (m *Manager) Send(msg protocol.Outbound) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.outbox == nil {
		m.log.WithFields(logrus.Fields{
			"type":  msg.Kind,
			"state": m.state,
		}).Warn("Send deferred: not connected")
		return fmt.Errorf("send %s: %w", msg.Kind, syncerr.ErrNotConnected)
	}
	select {
	case m.outbox <- data:
		return nil
	default:
		return fmt.Errorf("send %s: outbox full (%d): %w", msg.Kind, cap(m.outbox), syncerr.ErrNetwork)
	}
}

// RequestSnapshot asks the server for a full state resync.
func (m *Manager) RequestSnapshot() error {
	return m.Send(protocol.RequestSnapshot())
}

// Close stops reconnection and releases the transport. It waits for the
// manager's goroutines, so it must not be called from a subscriber.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.lifeCancel()
	t := m.detachLocked()
	roomID := m.roomID
	m.mu.Unlock()

	var err error
	if t != nil {
		err = t.Close(StatusLeaving, "player left the room")
		logging.LogDisconnect(m.logger, roomID, nil)
	}
	m.setState(StateClosed, nil)
	m.wg.Wait()
	return err
}

// establish dials and performs the handshake, then attaches the transport.
func (m *Manager) establish(ctx context.Context) error {
	m.mu.Lock()
	roomID, token := m.roomID, m.token
	m.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	t, err := m.dialer.Dial(hctx, roomID, token)
	if err != nil {
		if hctx.Err() != nil && !errors.Is(err, syncerr.ErrAuth) {
			return fmt.Errorf("connect room %s: %w: %w", roomID, syncerr.ErrTimeout, err)
		}
		return fmt.Errorf("connect room %s: %w", roomID, err)
	}

	w, err := m.handshake(hctx, t, roomID, token)
	if err != nil {
		t.Close(websocket.StatusPolicyViolation, "handshake failed")
		return fmt.Errorf("connect room %s: %w", roomID, err)
	}
	return m.attach(t, w)
}

func (m *Manager) handshake(ctx context.Context, t Transport, roomID, token string) (Welcome, error) {
	hello, err := protocol.Hello(roomID, token).Encode()
	if err != nil {
		return Welcome{}, err
	}
	if err := t.Write(ctx, hello); err != nil {
		return Welcome{}, fmt.Errorf("handshake: %w", err)
	}

	for {
		raw, err := t.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Welcome{}, fmt.Errorf("handshake: %w", syncerr.ErrTimeout)
			}
			return Welcome{}, fmt.Errorf("handshake: %w", err)
		}
		ev, err := protocol.DecodeEvent(raw)
		if err != nil {
			m.log.WithError(err).Debug("Undecodable frame during handshake")
			continue
		}
		switch ev.Kind {
		case protocol.EventWelcome:
			payload, err := protocol.ParsePayload(ev)
			if err != nil {
				return Welcome{}, fmt.Errorf("handshake: %w: %w", syncerr.ErrNetwork, err)
			}
			wp := payload.(*protocol.WelcomePayload)
			return Welcome{PlayerID: wp.PlayerID, ServerTime: wp.ServerTime}, nil
		case protocol.EventError:
			he := &syncerr.HandshakeError{}
			if payload, err := protocol.ParsePayload(ev); err == nil {
				ep := payload.(*protocol.ErrorPayload)
				he.Code, he.Message = ep.Code, ep.Message
			}
			return Welcome{}, he
		default:
			// Anything the server pushes before welcome belongs to no connection yet.
			continue
		}
	}
}

// attach installs t as the live transport and starts its pumps.
func (m *Manager) attach(t Transport, w Welcome) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		t.Close(StatusLeaving, "session closed")
		return syncerr.ErrSessionClosed
	}
	if m.transport != nil {
		// A concurrent attempt already won.
		m.mu.Unlock()
		t.Close(StatusLeaving, "duplicate connection")
		return nil
	}
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(m.life)
	m.transport = t
	m.outbox = make(chan []byte, m.cfg.OutboxSize)
	m.connCancel = cancel
	m.welcome = w
	m.state = StateConnected
	outbox := m.outbox
	roomID := m.roomID
	m.mu.Unlock()

	logging.LogConnect(m.logger, roomID, w.PlayerID)
	m.notify(StateConnected, nil)

	if err := m.Send(protocol.RequestSnapshot()); err != nil {
		m.log.WithError(err).Warn("Initial snapshot request not queued")
	}

	m.wg.Add(2)
	go m.writePump(ctx, t, outbox, gen)
	go m.readPump(ctx, t, gen)
	return nil
}

func (m *Manager) readPump(ctx context.Context, t Transport, gen uint64) {
	defer m.wg.Done()

	var watchdog clockwork.Timer
	if m.cfg.HeartbeatTimeout > 0 {
		watchdog = m.clock.AfterFunc(m.cfg.HeartbeatTimeout, func() {
			m.connectionLost(gen, fmt.Errorf("no traffic for %s: %w", m.cfg.HeartbeatTimeout, syncerr.ErrTimeout), StatusHeartbeatLost)
		})
		defer watchdog.Stop()
	}

	for {
		raw, err := t.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.connectionLost(gen, err, websocket.StatusGoingAway)
			}
			return
		}
		if watchdog != nil {
			watchdog.Reset(m.cfg.HeartbeatTimeout)
		}

		m.subMu.RLock()
		fns := make([]func([]byte), 0, len(m.subs))
		for id := uint64(0); id < m.nextSub; id++ {
			if fn, ok := m.subs[id]; ok {
				fns = append(fns, fn)
			}
		}
		m.subMu.RUnlock()
		for _, fn := range fns {
			fn(raw)
		}
	}
}

func (m *Manager) writePump(ctx context.Context, t Transport, outbox <-chan []byte, gen uint64) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-outbox:
			wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
			err := t.Write(wctx, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					m.connectionLost(gen, err, websocket.StatusGoingAway)
				}
				return
			}
		}
	}
}

// connectionLost tears down connection gen and starts the reconnect loop.
// Calls for an older generation are ignored.
func (m *Manager) connectionLost(gen uint64, cause error, code websocket.StatusCode) {
	m.mu.Lock()
	if m.closed || gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	t := m.detachLocked()
	m.state = StateDisconnected
	roomID := m.roomID
	m.mu.Unlock()

	if t != nil {
		t.Close(code, "connection lost")
	}
	logging.LogDisconnect(m.logger, roomID, cause)
	m.notify(StateDisconnected, cause)

	if errors.Is(cause, syncerr.ErrAuth) {
		m.setState(StateFailed, cause)
		return
	}
	m.startReconnectLoop()
}

// detachLocked forgets the live transport and stops its pumps.
func (m *Manager) detachLocked() Transport {
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
	t := m.transport
	m.transport = nil
	m.outbox = nil
	return t
}

func (m *Manager) startReconnectLoop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.loopCancel != nil {
		m.loopCancel()
	}
	ctx, cancel := context.WithCancel(m.life)
	m.loopCancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.reconnectLoop(ctx)
}

func (m *Manager) reconnectLoop(ctx context.Context) {
	defer m.wg.Done()

	b := newReconnectBackOff(m.cfg, m.clock)
	m.setState(StateReconnecting, nil)

	var lastErr error
	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		m.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     m.cfg.MaxReconnectAttempts,
			"delay":   delay,
		}).Info("Reconnecting")

		timer := m.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}

		err := m.establish(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		if errors.Is(err, syncerr.ErrAuth) || errors.Is(err, syncerr.ErrSessionClosed) {
			m.failConnect(err)
			return
		}
		m.log.WithError(err).WithField("attempt", attempt).Warn("Reconnect attempt failed")
	}

	if ctx.Err() != nil {
		return
	}
	m.setState(StateFailed, fmt.Errorf("%d attempts, last error %v: %w", m.cfg.MaxReconnectAttempts, lastErr, syncerr.ErrReconnectExhausted))
}

// failConnect records the outcome of a failed explicit or background attempt.
func (m *Manager) failConnect(err error) {
	if errors.Is(err, syncerr.ErrSessionClosed) {
		return
	}
	if errors.Is(err, syncerr.ErrAuth) {
		m.setState(StateFailed, err)
		return
	}
	m.setState(StateDisconnected, err)
}

func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	if m.closed && s != StateClosed {
		m.mu.Unlock()
		return
	}
	if m.state == s && err == nil {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.notify(s, err)
}

func (m *Manager) notify(s State, err error) {
	entry := m.log.WithField("state", s.String())
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("Connection state changed")

	m.subMu.RLock()
	fns := append([]func(State, error){}, m.stateFns...)
	m.subMu.RUnlock()
	for _, fn := range fns {
		fn(s, err)
	}
}
