package db

import (
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/pedal.guard/internal/security"
)

// ErrRunNotFound is returned when a run id has no row.
var ErrRunNotFound = errors.New("run not found")

type DB struct {
	*sql.DB
	path string
}

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(ON)",
}

func dsn(path string) string {
	s := "file:" + path
	for i, p := range pragmas {
		if i == 0 {
			s += "?"
		} else {
			s += "&"
		}
		s += "_pragma=" + p
	}
	return s
}

// OpenDB opens the database without touching the schema. The migrate
// subcommand uses it so it can inspect a database in any state.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// NewDB opens the database and applies all pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Run is one controller session: a scenario label and the configuration
// it ran with.
type Run struct {
	ID         string    `json:"run_id"`
	ScenarioID int       `json:"scenario_id"`
	StartedAt  time.Time `json:"started_at"`
	ConfigJSON string    `json:"config_json"`
	Cycles     int       `json:"cycles"`
}

// StartRun inserts a run row with a fresh id.
func (db *DB) StartRun(scenarioID int, startedAt time.Time, configJSON string) (*Run, error) {
	if configJSON == "" {
		configJSON = "{}"
	}
	run := &Run{
		ID:         uuid.NewString(),
		ScenarioID: scenarioID,
		StartedAt:  startedAt,
		ConfigJSON: configJSON,
	}
	_, err := db.Exec(
		`INSERT INTO runs (run_id, scenario_id, started_unix, config_json) VALUES (?, ?, ?, ?)`,
		run.ID, run.ScenarioID, toUnix(startedAt), run.ConfigJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// Runs lists runs newest first with their cycle counts.
func (db *DB) Runs() ([]Run, error) {
	rows, err := db.Query(`
		SELECT r.run_id, r.scenario_id, r.started_unix, r.config_json, COUNT(c.cycle_id)
		FROM runs r
		LEFT JOIN cycles c ON c.run_id = r.run_id
		GROUP BY r.run_id
		ORDER BY r.started_unix DESC, r.rowid DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started float64
		if err := rows.Scan(&r.ID, &r.ScenarioID, &started, &r.ConfigJSON, &r.Cycles); err != nil {
			return nil, err
		}
		r.StartedAt = fromUnix(started)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recently started run.
func (db *DB) LatestRun() (*Run, error) {
	runs, err := db.Runs()
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrRunNotFound
	}
	return &runs[0], nil
}

// Cycle is one stored control cycle. DistanceCM is nil when the echo timed
// out; an infinite TTC is stored as NULL and read back as +Inf.
type Cycle struct {
	RunID            string    `json:"run_id"`
	Timestamp        time.Time `json:"timestamp"`
	DistanceCM       *float64  `json:"distance_cm"`
	TTC              float64   `json:"-"`
	VelocityAvg      float64   `json:"relative_velocity_avg"`
	VelocityMin      float64   `json:"relative_velocity_min"`
	VelocityMax      float64   `json:"relative_velocity_max"`
	Voltage          float64   `json:"voltage"`
	RawPercent       float64   `json:"raw_percent"`
	CommandedPercent float64   `json:"commanded_percent"`
	Delta            float64   `json:"delta_raw"`
	Cap              float64   `json:"cap_percent"`
	ScenarioID       int       `json:"scenario_id"`
	Accel            bool      `json:"accel_flag"`
	Brake            bool      `json:"brake_flag"`
	Misoperation     bool      `json:"misoperation_flag"`
	Lockout          bool      `json:"lockout"`
}

// RecordCycle appends c to its run.
func (db *DB) RecordCycle(c Cycle) error {
	_, err := db.Exec(`
		INSERT INTO cycles (
			run_id, ts_unix, distance_cm, ttc_s, velocity_avg, velocity_min, velocity_max,
			voltage, raw_percent, commanded_percent, delta_raw, cap_percent,
			scenario_id, accel_flag, brake_flag, misoperation_flag, lockout
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RunID, toUnix(c.Timestamp), nullFloat(c.DistanceCM), finiteOrNull(c.TTC),
		c.VelocityAvg, c.VelocityMin, c.VelocityMax,
		c.Voltage, c.RawPercent, c.CommandedPercent, c.Delta, c.Cap,
		c.ScenarioID, boolInt(c.Accel), boolInt(c.Brake), boolInt(c.Misoperation), boolInt(c.Lockout),
	)
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}
	return nil
}

// Cycles returns the cycles of runID in time order. An empty runID selects
// every run. limit <= 0 returns all rows; otherwise the newest limit rows.
func (db *DB) Cycles(runID string, limit int) ([]Cycle, error) {
	q := `
		SELECT run_id, ts_unix, distance_cm, ttc_s, velocity_avg,
			COALESCE(velocity_min, velocity_avg), COALESCE(velocity_max, velocity_avg),
			voltage, raw_percent, commanded_percent, delta_raw, cap_percent,
			scenario_id, accel_flag, brake_flag, misoperation_flag, lockout
		FROM cycles`
	var args []interface{}
	if runID != "" {
		q += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	q += ` ORDER BY ts_unix DESC, cycle_id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []Cycle
	for rows.Next() {
		var c Cycle
		var ts float64
		var dist, ttc sql.NullFloat64
		var accel, brake, misop, lockout int
		if err := rows.Scan(
			&c.RunID, &ts, &dist, &ttc, &c.VelocityAvg, &c.VelocityMin, &c.VelocityMax,
			&c.Voltage, &c.RawPercent, &c.CommandedPercent, &c.Delta, &c.Cap,
			&c.ScenarioID, &accel, &brake, &misop, &lockout,
		); err != nil {
			return nil, err
		}
		c.Timestamp = fromUnix(ts)
		if dist.Valid {
			d := dist.Float64
			c.DistanceCM = &d
		}
		c.TTC = math.Inf(1)
		if ttc.Valid {
			c.TTC = ttc.Float64
		}
		c.Accel, c.Brake, c.Misoperation, c.Lockout = accel != 0, brake != 0, misop != 0, lockout != 0
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest-first for the LIMIT, oldest-first for callers
	for i, j := 0, len(cycles)-1; i < j; i, j = i+1, j-1 {
		cycles[i], cycles[j] = cycles[j], cycles[i]
	}
	return cycles, nil
}

// ScenarioSummary aggregates every stored cycle of one scenario. MeanTTC
// covers finite values only and is nil when there were none.
type ScenarioSummary struct {
	ScenarioID        int      `json:"scenario_id"`
	Samples           int      `json:"samples"`
	MeanTTC           *float64 `json:"mean_ttc"`
	MeanVelocity      float64  `json:"mean_relative_velocity"`
	MeanDelta         float64  `json:"mean_delta"`
	MisoperationRatio float64  `json:"misoperation_ratio"`
	AccelRatio        float64  `json:"accel_ratio"`
}

func (db *DB) ScenarioSummaries() ([]ScenarioSummary, error) {
	rows, err := db.Query(`
		SELECT scenario_id, COUNT(*), AVG(ttc_s), AVG(velocity_avg), AVG(delta_raw),
			AVG(misoperation_flag), AVG(accel_flag)
		FROM cycles
		GROUP BY scenario_id
		ORDER BY scenario_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScenarioSummary
	for rows.Next() {
		var s ScenarioSummary
		var ttc sql.NullFloat64
		if err := rows.Scan(&s.ScenarioID, &s.Samples, &ttc, &s.MeanVelocity, &s.MeanDelta,
			&s.MisoperationRatio, &s.AccelRatio); err != nil {
			return nil, err
		}
		if ttc.Valid {
			v := ttc.Float64
			s.MeanTTC = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9)))
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func finiteOrNull(v float64) interface{} {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Pedal Guard DB",
	})

	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	label := security.SanitizeFilename(strings.TrimSuffix(filepath.Base(db.path), filepath.Ext(db.path)))
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("%s-backup-%d.db", label, time.Now().UnixNano()))
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			log.Printf("Failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		log.Printf("Failed to write backup: %v", err)
	}
}
