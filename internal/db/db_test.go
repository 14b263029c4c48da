package db

import (
	"compress/gzip"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func floatPtr(f float64) *float64 {
	return &f
}

func TestPragmasApplied(t *testing.T) {
	db := setupTestDB(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode=wal, got %s", journalMode)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout=5000, got %d", busyTimeout)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("Failed to query foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("Expected foreign_keys=1, got %d", foreignKeys)
	}
}

func TestStartRunAndRuns(t *testing.T) {
	db := setupTestDB(t)

	first, err := db.StartRun(1, time.Unix(1700000000, 0), "")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	second, err := db.StartRun(3, time.Unix(1700000100, 0), `{"t_low":1.86}`)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if first.ID == second.ID || first.ID == "" {
		t.Fatalf("expected distinct run ids, got %q and %q", first.ID, second.ID)
	}

	if err := db.RecordCycle(Cycle{RunID: first.ID, Timestamp: time.Unix(1700000001, 0), TTC: 2}); err != nil {
		t.Fatalf("RecordCycle failed: %v", err)
	}

	runs, err := db.Runs()
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != second.ID {
		t.Errorf("expected newest run first, got %s", runs[0].ID)
	}
	if runs[0].ConfigJSON != `{"t_low":1.86}` {
		t.Errorf("unexpected config json %q", runs[0].ConfigJSON)
	}
	if runs[1].ConfigJSON != "{}" || runs[1].Cycles != 1 {
		t.Errorf("unexpected first run %+v", runs[1])
	}

	latest, err := db.LatestRun()
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if latest.ScenarioID != 3 {
		t.Errorf("expected scenario 3, got %d", latest.ScenarioID)
	}
}

func TestLatestRunEmpty(t *testing.T) {
	db := setupTestDB(t)
	if _, err := db.LatestRun(); err != ErrRunNotFound {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRecordCycleRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	run, err := db.StartRun(2, time.Unix(1700000000, 0), "")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	base := time.Unix(1700000000, 0)
	want := []Cycle{
		{
			RunID: run.ID, Timestamp: base.Add(500 * time.Millisecond), DistanceCM: floatPtr(150),
			TTC: 3, VelocityAvg: 0.5, VelocityMin: 0, VelocityMax: 0.5, Voltage: 2.1,
			RawPercent: 40, CommandedPercent: 40, Delta: 5, Cap: 100, ScenarioID: 2,
			Accel: true,
		},
		{
			RunID: run.ID, Timestamp: base.Add(time.Second), DistanceCM: nil,
			TTC: math.Inf(1), Voltage: 4.2, RawPercent: 95, CommandedPercent: 0,
			Delta: 55, Cap: 20, ScenarioID: 2, Accel: true, Misoperation: true, Lockout: true,
		},
	}
	for _, c := range want {
		if err := db.RecordCycle(c); err != nil {
			t.Fatalf("RecordCycle failed: %v", err)
		}
	}

	got, err := db.Cycles(run.ID, 0)
	if err != nil {
		t.Fatalf("Cycles failed: %v", err)
	}
	opts := cmp.Options{
		cmpopts.EquateApproxTime(time.Millisecond),
		cmp.Comparer(func(a, b float64) bool {
			if math.IsInf(a, 1) || math.IsInf(b, 1) {
				return a == b
			}
			return math.Abs(a-b) < 1e-9
		}),
	}
	if diff := cmp.Diff(want, got, opts); diff != "" {
		t.Errorf("Cycles mismatch (-want +got):\n%s", diff)
	}
}

func TestCyclesLimitKeepsNewest(t *testing.T) {
	db := setupTestDB(t)
	run, _ := db.StartRun(1, time.Unix(1700000000, 0), "")
	other, _ := db.StartRun(1, time.Unix(1700000000, 0), "")

	for i := 0; i < 5; i++ {
		c := Cycle{RunID: run.ID, Timestamp: time.Unix(1700000000+int64(i), 0), RawPercent: float64(i)}
		if err := db.RecordCycle(c); err != nil {
			t.Fatalf("RecordCycle failed: %v", err)
		}
	}
	if err := db.RecordCycle(Cycle{RunID: other.ID, Timestamp: time.Unix(1700000010, 0)}); err != nil {
		t.Fatalf("RecordCycle failed: %v", err)
	}

	got, err := db.Cycles(run.ID, 2)
	if err != nil {
		t.Fatalf("Cycles failed: %v", err)
	}
	if len(got) != 2 || got[0].RawPercent != 3 || got[1].RawPercent != 4 {
		t.Fatalf("expected the two newest cycles in time order, got %+v", got)
	}

	all, err := db.Cycles("", 0)
	if err != nil {
		t.Fatalf("Cycles failed: %v", err)
	}
	if len(all) != 6 {
		t.Errorf("expected 6 cycles across runs, got %d", len(all))
	}
}

func TestRecordCycleUnknownRun(t *testing.T) {
	db := setupTestDB(t)
	if err := db.RecordCycle(Cycle{RunID: "missing", Timestamp: time.Now()}); err == nil {
		t.Fatal("expected foreign key violation for unknown run")
	}
}

func TestScenarioSummaries(t *testing.T) {
	db := setupTestDB(t)
	run, _ := db.StartRun(1, time.Unix(1700000000, 0), "")

	rows := []Cycle{
		{ScenarioID: 1, TTC: 2, VelocityAvg: 1, Delta: 10, Accel: true},
		{ScenarioID: 1, TTC: math.Inf(1), VelocityAvg: 0, Delta: 0},
		{ScenarioID: 2, TTC: math.Inf(1), Delta: 60, Misoperation: true, Accel: true},
	}
	for i, c := range rows {
		c.RunID = run.ID
		c.Timestamp = time.Unix(1700000000+int64(i), 0)
		if err := db.RecordCycle(c); err != nil {
			t.Fatalf("RecordCycle failed: %v", err)
		}
	}

	got, err := db.ScenarioSummaries()
	if err != nil {
		t.Fatalf("ScenarioSummaries failed: %v", err)
	}
	want := []ScenarioSummary{
		{ScenarioID: 1, Samples: 2, MeanTTC: floatPtr(2), MeanVelocity: 0.5, MeanDelta: 5, AccelRatio: 0.5},
		{ScenarioID: 2, Samples: 1, MeanDelta: 60, MisoperationRatio: 1, AccelRatio: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ScenarioSummaries mismatch (-want +got):\n%s", diff)
	}
}

func TestAttachAdminRoutesBackup(t *testing.T) {
	db := setupTestDB(t)
	if _, err := db.StartRun(1, time.Now(), ""); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment; filename=test-backup-") {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}
	if w.Header().Get("Content-Encoding") != "gzip" {
		t.Errorf("expected gzip encoding, got %q", w.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(w.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if len(data) < 16 || string(data[:15]) != "SQLite format 3" {
		t.Errorf("backup is not an sqlite database")
	}
}

func TestAttachAdminRoutesTailSQL(t *testing.T) {
	db := setupTestDB(t)
	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/tailsql/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code == http.StatusNotFound {
		t.Error("Route /debug/tailsql/ should be registered, got 404")
	}
}
