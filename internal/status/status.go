// internal/status/status.go
package status

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/Sorok-Dva/project42-sync/internal/logging"
	"github.com/Sorok-Dva/project42-sync/internal/models"
	"github.com/Sorok-Dva/project42-sync/internal/session"
)

// Source is the session being observed.
type Source interface {
	Info() session.Info
	View() session.View
}

// Summary is the body of GET /status.
type Summary struct {
	Session        session.Info      `json:"session"`
	Phase          int               `json:"phase"`
	Round          int               `json:"round"`
	RoomStatus     models.RoomStatus `json:"roomStatus"`
	Remaining      string            `json:"remaining"`
	AlivePlayers   int               `json:"alivePlayers"`
	Pending        int               `json:"pending"`
	QuickEndLocked bool              `json:"quickEndLocked"`
	Reconciling    bool              `json:"reconciling"`
}

// Router serves read-only diagnostics for src: /ping, /status and /view.
func Router(src Source, logger *logrus.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(logging.LogMiddleware(logger))
	r.Use(cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
		AllowedOrigins: []string{"*"},
	}).Handler)

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		v := src.View()
		respondJSON(w, http.StatusOK, Summary{
			Session:        src.Info(),
			Phase:          v.Snapshot.Room.Phase,
			Round:          v.Snapshot.Room.Round,
			RoomStatus:     v.Snapshot.Room.Status,
			Remaining:      v.Remaining.Round(time.Second).String(),
			AlivePlayers:   v.Snapshot.AliveCount(),
			Pending:        len(v.Pending),
			QuickEndLocked: v.QuickEndLocked,
			Reconciling:    v.Reconciling,
		})
	})
	r.Get("/view", func(w http.ResponseWriter, r *http.Request) {
		v := src.View()
		if v.Snapshot.Version == 0 {
			respondError(w, http.StatusServiceUnavailable, "no_snapshot", "no room state received yet")
			return
		}
		respondJSON(w, http.StatusOK, v.Snapshot)
	})
	return r
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}
