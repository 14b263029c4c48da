package api

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pedal.guard/internal/db"
	"github.com/banshee-data/pedal.guard/internal/serialmux"
	"github.com/banshee-data/pedal.guard/internal/testutil"
)

func setupTestDB(t *testing.T) *db.DB {
	database, _ := testutil.NewTestDB(t)
	return database
}

// seedRun stores n cycles one 20 ms step apart and returns the run id.
func seedRun(t *testing.T, database *db.DB, scenario, n int) string {
	t.Helper()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run, err := database.StartRun(scenario, start, `{"t_low_s":1.86}`)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		r := sampleRecord(float64(20+i), i == n-1)
		r.RunID = run.ID
		r.ScenarioID = scenario
		r.Timestamp = start.Add(time.Duration(i) * 20 * time.Millisecond)
		if i == 0 {
			r.TTC = math.Inf(1)
		}
		require.NoError(t, database.RecordCycle(r.Cycle()))
	}
	return run.ID
}

func TestShowStatus(t *testing.T) {
	s := NewServer(nil, nil, nil)
	mux := s.ServeMux()

	rec := testutil.Get(t, mux, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.HasCycle)
	assert.Equal(t, "idle", resp.Lockout)
	assert.Nil(t, resp.Cycle)
	assert.NotEmpty(t, resp.Version)

	s.Hub().Publish(sampleRecord(0, true))
	rec = testutil.Get(t, mux, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.HasCycle)
	assert.Equal(t, "active", resp.Lockout)
	require.NotNil(t, resp.Cycle)
	assert.True(t, resp.Cycle.Misoperation)
}

func TestShowStatus_MethodNotAllowed(t *testing.T) {
	s := NewServer(nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRoutesWithoutDatabase(t *testing.T) {
	mux := NewServer(nil, nil, nil).ServeMux()
	for _, path := range []string{"/api/cycles", "/api/runs", "/api/scenarios", "/api/report"} {
		t.Run(path, func(t *testing.T) {
			rec := testutil.Get(t, mux, path)
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		})
	}
}

func TestRoutesWithoutRuns(t *testing.T) {
	mux := NewServer(nil, setupTestDB(t), nil).ServeMux()

	assert.Equal(t, http.StatusNotFound, testutil.Get(t, mux, "/api/cycles").Code)
	assert.Equal(t, http.StatusNotFound, testutil.Get(t, mux, "/api/report").Code)

	rec := testutil.Get(t, mux, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = testutil.Get(t, mux, "/api/scenarios")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestListCycles(t *testing.T) {
	database := setupTestDB(t)
	older := seedRun(t, database, 1, 2)
	latest := seedRun(t, database, 3, 5)
	mux := NewServer(nil, database, nil).ServeMux()

	rec := testutil.Get(t, mux, "/api/cycles")
	require.Equal(t, http.StatusOK, rec.Code)
	var views []CycleView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 5)
	assert.Equal(t, latest, views[0].RunID)
	assert.Nil(t, views[0].TTC)
	require.NotNil(t, views[1].TTC)
	assert.InDelta(t, 1.5, *views[1].TTC, 1e-9)
	assert.True(t, views[0].Timestamp.Before(views[4].Timestamp))

	rec = testutil.Get(t, mux, "/api/cycles?run="+older+"&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, older, views[0].RunID)
	assert.Equal(t, 21.0, views[0].CommandedPercent)

	for _, bad := range []string{"0", "abc", "10001"} {
		rec = testutil.Get(t, mux, "/api/cycles?limit="+bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", bad)
	}
}

func TestListRunsAndScenarios(t *testing.T) {
	database := setupTestDB(t)
	seedRun(t, database, 1, 2)
	latest := seedRun(t, database, 2, 4)
	mux := NewServer(nil, database, nil).ServeMux()

	rec := testutil.Get(t, mux, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []db.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, latest, runs[0].ID)
	assert.Equal(t, 4, runs[0].Cycles)

	rec = testutil.Get(t, mux, "/api/scenarios")
	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []db.ScenarioSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 2)
	assert.Equal(t, 1, summaries[0].ScenarioID)
	assert.Equal(t, 2, summaries[0].Samples)
	assert.Equal(t, 4, summaries[1].Samples)
	assert.InDelta(t, 0.25, summaries[1].MisoperationRatio, 1e-9)
}

func TestShowReport(t *testing.T) {
	database := setupTestDB(t)
	runID := seedRun(t, database, 2, 6)
	mux := NewServer(nil, database, nil).ServeMux()

	rec := testutil.Get(t, mux, "/api/report?run="+runID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "echarts")
	assert.Contains(t, body, "Throttle RAW vs CMD")
	assert.Contains(t, body, "TTC vs Throttle CMD")

	rec = testutil.Get(t, mux, "/api/report?run=missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendCommandHandler(t *testing.T) {
	m, sim := serialmux.NewMockSerialMux(nil)
	t.Cleanup(func() { sim.Close() })
	mux := NewServer(m, nil, nil).ServeMux()

	form := url.Values{"command": {serialmux.CmdBuzzerOn}}
	req := httptest.NewRequest(http.MethodPost, "/command", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Command sent successfully", rec.Body.String())
	assert.Contains(t, sim.Commands(), serialmux.CmdBuzzerOn)

	req = httptest.NewRequest(http.MethodPost, "/command", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusMethodNotAllowed, testutil.Get(t, mux, "/command").Code)
}

func TestSendCommandHandler_NoBridge(t *testing.T) {
	mux := NewServer(nil, nil, nil).ServeMux()
	req := httptest.NewRequest(http.MethodPost, "/command?command=B1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStreamCycles(t *testing.T) {
	s := NewServer(nil, nil, nil)
	s.Hub().Publish(sampleRecord(30, false))

	srv := httptest.NewServer(LoggingMiddleware(s.ServeMux()))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first CycleView
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, 30.0, first.CommandedPercent)

	require.Eventually(t, func() bool { return s.Hub().Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	s.Hub().Publish(sampleRecord(0, true))

	var next CycleView
	require.NoError(t, conn.ReadJSON(&next))
	assert.True(t, next.Lockout)
	assert.Equal(t, 0.0, next.CommandedPercent)

	conn.Close()
	require.Eventually(t, func() bool { return s.Hub().Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLoggingMiddlewarePassesStatus(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := testutil.Get(t, h, "/x")
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
