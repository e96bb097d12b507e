package health

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/core"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               { fmt.Printf("DEBUG: %s %v\n", msg, f) }
func (m *mockLogger) Info(msg string, f ...interface{})                { fmt.Printf("INFO: %s %v\n", msg, f) }
func (m *mockLogger) Warn(msg string, f ...interface{})                { fmt.Printf("WARN: %s %v\n", msg, f) }
func (m *mockLogger) Error(msg string, f ...interface{})               { fmt.Printf("ERROR: %s %v\n", msg, f) }
func (m *mockLogger) Fatal(msg string, f ...interface{})               { fmt.Printf("FATAL: %s %v\n", msg, f) }
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

// clockedRegistry returns a registry whose clock the test controls.
func clockedRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(&mockLogger{})
	r.now = func() time.Time { return clock }
	return r, &clock
}

func stateOf(t *testing.T, r *Registry, component string) State {
	t.Helper()
	for _, ch := range r.Snapshot() {
		if ch.Component == component {
			return ch.State
		}
	}
	t.Fatalf("component %s not in snapshot", component)
	return ""
}

func TestGradesByBeatAge(t *testing.T) {
	r, clock := clockedRegistry(t)
	r.Register("connector.paper")

	assert.Equal(t, StateOK, stateOf(t, r, "connector.paper"),
		"registration counts as the first beat")

	*clock = clock.Add(DefaultDegradedAfter + time.Second)
	assert.Equal(t, StateDegraded, stateOf(t, r, "connector.paper"))

	*clock = clock.Add(DefaultDownAfter)
	assert.Equal(t, StateDown, stateOf(t, r, "connector.paper"))

	r.Beat("connector.paper")
	assert.Equal(t, StateOK, stateOf(t, r, "connector.paper"),
		"a fresh beat fully recovers the grade")
}

func TestStickyErrorDegrades(t *testing.T) {
	r, _ := clockedRegistry(t)
	r.Register("reconciler")

	r.SetStatus("reconciler", errors.New("snapshot failed: venue down"))
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StateDegraded, snap[0].State)
	assert.Equal(t, "snapshot failed: venue down", snap[0].Error)

	r.SetStatus("reconciler", nil)
	assert.Equal(t, StateOK, stateOf(t, r, "reconciler"))
}

func TestBeatBeforeRegisterIsKept(t *testing.T) {
	r, _ := clockedRegistry(t)
	r.Beat("worker.strat-1")
	assert.Equal(t, StateOK, stateOf(t, r, "worker.strat-1"))
}

func TestSnapshotSortedAndOverall(t *testing.T) {
	r, clock := clockedRegistry(t)
	r.Register("capital_manager")
	r.Register("alert_notifier")
	r.Register("connector.paper")

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "alert_notifier", snap[0].Component)
	assert.Equal(t, "capital_manager", snap[1].Component)
	assert.Equal(t, "connector.paper", snap[2].Component)
	assert.Equal(t, StateOK, Overall(snap))
	assert.True(t, r.Ready())

	r.SetStatus("connector.paper", errors.New("circuit open"))
	assert.Equal(t, StateDegraded, Overall(r.Snapshot()))
	assert.True(t, r.Ready(), "degraded components are alive and stay ready")

	*clock = clock.Add(DefaultDownAfter + time.Second)
	assert.Equal(t, StateDown, Overall(r.Snapshot()))
	assert.False(t, r.Ready())
}

func TestHealthzHandler(t *testing.T) {
	r, clock := clockedRegistry(t)
	r.Register("capital_manager")
	r.Register("reconciler")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp struct {
		Status     State             `json:"status"`
		Components []ComponentHealth `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StateOK, resp.Status)
	require.Len(t, resp.Components, 2)
	assert.Equal(t, "capital_manager", resp.Components[0].Component)

	// A silent component flips the endpoint to 503.
	*clock = clock.Add(DefaultDownAfter + time.Second)
	r.Beat("capital_manager")

	rec = httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StateDown, resp.Status)
}

type fakeTrigger struct{ calls int }

func (f *fakeTrigger) TriggerManual() { f.calls++ }

func TestTriggerHandler(t *testing.T) {
	trig := &fakeTrigger{}
	h := TriggerHandler(trig, &mockLogger{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reconcile", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"queued"}`, rec.Body.String())
	assert.Equal(t, 1, trig.calls)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reconcile", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, 1, trig.calls, "only POST kicks a run")
}
