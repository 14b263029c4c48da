// Package testutil provides shared fixtures for handler and command tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/banshee-data/pedal.guard/internal/db"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestDB opens a migrated run database in a per-test directory and
// returns it with its path. It is closed when the test ends.
func NewTestDB(t testing.TB) (*db.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pedal_guard_test.db")
	database, err := db.NewDB(path)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database, path
}

// Get serves a GET for path on h and returns the recorded response.
func Get(t testing.TB, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

// Float64Ptr returns a pointer to v, for optional distance fields.
func Float64Ptr(v float64) *float64 { return &v }
