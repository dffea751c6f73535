// internal/session/handlers.go
package session

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/Sorok-Dva/project42-sync/internal/action"
	"github.com/Sorok-Dva/project42-sync/internal/conn"
	"github.com/Sorok-Dva/project42-sync/internal/models"
	"github.com/Sorok-Dva/project42-sync/internal/phaseclock"
	"github.com/Sorok-Dva/project42-sync/internal/protocol"
	"github.com/Sorok-Dva/project42-sync/internal/syncerr"
)

// onApplied runs on the read goroutine, in stream order, after every
// canonical write.
func (s *Session) onApplied(r *room, ev protocol.Event, snap models.Snapshot) {
	if s.journal != nil {
		s.journal.Record(r.roomID, ev)
	}
	r.coord.Observe(ev, snap)
	r.pc.Track(snap.Room)
	s.publish(r)
}

func (s *Session) onControl(r *room, ev protocol.Event) {
	switch ev.Kind {
	case protocol.EventPong:
		payload, err := protocol.ParsePayload(ev)
		if err != nil {
			r.log.WithError(err).Debug("Bad pong ignored")
			return
		}
		if pong, ok := payload.(*protocol.PongPayload); ok {
			r.cs.Observe(*pong)
		}
	case protocol.EventActionRejected:
		r.coord.OnControl(ev)
	case protocol.EventError:
		payload, err := protocol.ParsePayload(ev)
		if err != nil {
			r.log.WithError(err).Debug("Bad error frame ignored")
			return
		}
		if e, ok := payload.(*protocol.ErrorPayload); ok {
			r.log.WithFields(logrus.Fields{"code": e.Code, "message": e.Message}).Warn("Server reported an error")
		}
	}
}

func (s *Session) onState(r *room, st conn.State, err error) {
	switch st {
	case conn.StateConnected:
		// Anything buffered from before the reconnect is untrusted until
		// the snapshot the manager just asked for arrives.
		r.in.ExpectSnapshot()
		if id := r.mgr.Welcome().PlayerID; id != "" {
			if r.cred.Subject != "" && r.cred.Subject != id {
				r.log.WithFields(logrus.Fields{"subject": r.cred.Subject, "player": id}).Warn("Server assigned a different player id")
			}
			r.coord.SetLocalPlayer(id)
		}
		s.startProbes(r)
	case conn.StateFailed:
		s.stopProbes(r)
		r.coord.CancelAll("connection failed")
	default:
		s.stopProbes(r)
	}

	now := s.clock.Now()
	s.alert(Alert{Kind: AlertConnection, At: now, RoomID: r.roomID, State: st, Err: err})
	if errors.Is(err, syncerr.ErrReconnectExhausted) {
		s.alert(Alert{Kind: AlertReconnectExhausted, At: now, RoomID: r.roomID, State: st, Err: err})
	}
	s.publish(r)
}

func (s *Session) onResult(r *room, res action.Result) {
	if res.Err == nil || res.Superseded {
		return
	}
	s.alert(Alert{Kind: AlertActionRejected, At: s.clock.Now(), RoomID: r.roomID, Result: res, Err: res.Err})
}

func (s *Session) onExpiring(r *room, exp phaseclock.Expiry) {
	s.alert(Alert{Kind: AlertPhaseExpiring, At: s.clock.Now(), RoomID: r.roomID, Expiry: exp})
	s.publish(r)
}

// startProbes runs clock sync for the lifetime of one connection.
func (s *Session) startProbes(r *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.left || r.probeCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.gctx)
	r.probeCancel = cancel
	r.group.Go(func() error {
		r.cs.Run(ctx, r.mgr)
		return nil
	})
}

func (s *Session) stopProbes(r *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.probeCancel != nil {
		r.probeCancel()
		r.probeCancel = nil
	}
}
