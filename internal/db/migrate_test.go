package db

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
)

func setupMigrationTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "migrate.db")
	db, err := OpenDB(path)
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n); err != nil {
		t.Fatalf("sqlite_master query failed: %v", err)
	}
	return n > 0
}

func TestMigrateUpDownEmbedded(t *testing.T) {
	db, _ := setupMigrationTestDB(t)
	migrations := MigrationsFS()

	if err := db.MigrateUp(migrations); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	latest, err := LatestMigrationVersion(migrations)
	if err != nil {
		t.Fatalf("LatestMigrationVersion failed: %v", err)
	}
	version, dirty, err := db.MigrateVersion(migrations)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != latest || dirty {
		t.Fatalf("expected version %d clean, got %d dirty=%v", latest, version, dirty)
	}
	if !tableExists(t, db, "runs") || !tableExists(t, db, "cycles") {
		t.Fatal("expected runs and cycles tables")
	}

	// A second up is a no-op.
	if err := db.MigrateUp(migrations); err != nil {
		t.Fatalf("second MigrateUp failed: %v", err)
	}

	if err := db.MigrateTo(migrations, 1); err != nil {
		t.Fatalf("MigrateTo(1) failed: %v", err)
	}
	if err := db.MigrateDown(migrations); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	if tableExists(t, db, "cycles") {
		t.Error("cycles should be dropped after rolling back the first migration")
	}
}

func TestMigrateVersionFreshDatabase(t *testing.T) {
	db, _ := setupMigrationTestDB(t)
	version, dirty, err := db.MigrateVersion(MigrationsFS())
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 0 || dirty {
		t.Errorf("expected 0 clean on a fresh database, got %d dirty=%v", version, dirty)
	}
}

func TestMigrateNilFS(t *testing.T) {
	db, _ := setupMigrationTestDB(t)
	if err := db.MigrateUp(nil); err == nil {
		t.Fatal("expected error for nil migrations filesystem")
	}
}

func TestLatestMigrationVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"000001_a.up.sql":   {Data: []byte("SELECT 1;")},
		"000001_a.down.sql": {Data: []byte("SELECT 1;")},
		"000007_b.up.sql":   {Data: []byte("SELECT 1;")},
		"README.md":         {Data: []byte("notes")},
	}
	v, err := LatestMigrationVersion(fsys)
	if err != nil {
		t.Fatalf("LatestMigrationVersion failed: %v", err)
	}
	if v != 7 {
		t.Errorf("expected 7, got %d", v)
	}

	if _, err := LatestMigrationVersion(fstest.MapFS{}); err == nil {
		t.Error("expected error for empty migrations")
	}
}

func TestMigrationStatusReportsTracking(t *testing.T) {
	db, _ := setupMigrationTestDB(t)
	st, err := db.MigrationStatus(MigrationsFS())
	if err != nil {
		t.Fatalf("MigrationStatus failed: %v", err)
	}
	if st.TrackingExists {
		t.Error("fresh database should not have schema_migrations before the first migrate")
	}
	if st.Version != 0 || st.Latest == 0 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestRunMigrateCommand(t *testing.T) {
	_, path := setupMigrationTestDB(t)

	var out bytes.Buffer
	if err := RunMigrateCommand([]string{"up"}, path, &out); err != nil {
		t.Fatalf("migrate up failed: %v", err)
	}
	if !strings.Contains(out.String(), "Dirty: false") {
		t.Errorf("expected status output, got %q", out.String())
	}

	out.Reset()
	if err := RunMigrateCommand([]string{"version", "1"}, path, &out); err != nil {
		t.Fatalf("migrate version failed: %v", err)
	}
	if !strings.Contains(out.String(), "Current version: 1") {
		t.Errorf("expected version 1, got %q", out.String())
	}
	if !strings.Contains(out.String(), "behind") {
		t.Errorf("expected behind notice, got %q", out.String())
	}

	if err := RunMigrateCommand([]string{"version", "x"}, path, &out); err == nil {
		t.Error("expected error for invalid version")
	}
	if err := RunMigrateCommand([]string{"bogus"}, path, &out); !errors.Is(err, ErrUnknownMigrateAction) {
		t.Errorf("expected ErrUnknownMigrateAction, got %v", err)
	}
	if err := RunMigrateCommand(nil, path, &out); !errors.Is(err, ErrUnknownMigrateAction) {
		t.Errorf("expected ErrUnknownMigrateAction for no args, got %v", err)
	}

	out.Reset()
	if err := RunMigrateCommand([]string{"help"}, path, &out); err != nil {
		t.Fatalf("help failed: %v", err)
	}
	if !strings.Contains(out.String(), "Usage: pedalguard migrate") {
		t.Errorf("expected usage, got %q", out.String())
	}
}
