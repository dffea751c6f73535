package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sorok-Dva/project42-sync/internal/action"
	"github.com/Sorok-Dva/project42-sync/internal/conn"
	"github.com/Sorok-Dva/project42-sync/internal/models"
	"github.com/Sorok-Dva/project42-sync/internal/session"
)

type fakeSource struct {
	info session.Info
	view session.View
}

func (f fakeSource) Info() session.Info { return f.info }
func (f fakeSource) View() session.View { return f.view }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func connectedSource() fakeSource {
	return fakeSource{
		info: session.Info{
			SessionID:  "s-1",
			RoomID:     "r-42",
			PlayerID:   "p1",
			Connection: conn.StateConnected,
			LastSeq:    17,
		},
		view: session.View{
			RoomID:   "r-42",
			PlayerID: "p1",
			Snapshot: models.Snapshot{
				Version: 3,
				Room:    models.RoomState{ID: "r-42", Status: models.StatusInProgress, Phase: 2, Round: 1},
				Players: []models.PlayerState{{ID: "p1", Alive: true}, {ID: "p2"}},
			},
			Pending:    []action.Pending{{}},
			Connection: conn.StateConnected,
			Remaining:  41*time.Second + 300*time.Millisecond,
		},
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatusSummarizesSession(t *testing.T) {
	h := Router(connectedSource(), quietLogger())
	rec := get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["phase"])
	assert.Equal(t, "in_progress", body["roomStatus"])
	assert.Equal(t, "41s", body["remaining"])
	assert.Equal(t, float64(1), body["alivePlayers"])
	assert.Equal(t, float64(1), body["pending"])

	sess := body["session"].(map[string]interface{})
	assert.Equal(t, "r-42", sess["roomId"])
	assert.Equal(t, "connected", sess["connection"])
	assert.Equal(t, float64(17), sess["lastSeq"])
}

func TestViewNeedsSnapshot(t *testing.T) {
	rec := get(t, Router(fakeSource{}, quietLogger()), "/view")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"no_snapshot","message":"no room state received yet"}`, rec.Body.String())

	rec = get(t, Router(connectedSource(), quietLogger()), "/view")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, uint64(3), snap.Version)
	assert.Len(t, snap.Players, 2)
}

func TestPingAndCORS(t *testing.T) {
	h := Router(fakeSource{}, quietLogger())
	rec := get(t, h, "/ping")
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
