package testutil

import (
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"
)

func TestAssertStatusCode(t *testing.T) {
	t.Parallel()

	AssertStatusCode(t, http.StatusOK, http.StatusOK)
	AssertStatusCode(t, http.StatusNotFound, http.StatusNotFound)
}

func TestAssertStatusCode_FailurePath(t *testing.T) {
	t.Parallel()

	ok := t.Run("status mismatch", func(t *testing.T) {
		AssertStatusCode(t, http.StatusOK, http.StatusBadRequest)
	})
	if ok {
		t.Fatal("expected subtest to fail on mismatched status code")
	}
}

func TestNewTestDB(t *testing.T) {
	t.Parallel()

	database, path := NewTestDB(t)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file missing: %v", err)
	}
	run, err := database.StartRun(3, time.Unix(1700000000, 0), "{}")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	latest, err := database.LatestRun()
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if latest.ID != run.ID || latest.ScenarioID != 3 {
		t.Errorf("latest = %+v, want run %s scenario 3", latest, run.ID)
	}
}

func TestGet(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, r.Method+" "+r.URL.Path)
	})
	rec := Get(t, h, "/api/status")
	AssertStatusCode(t, rec.Code, http.StatusAccepted)
	if got := rec.Body.String(); got != "GET /api/status" {
		t.Errorf("body = %q", got)
	}
}

func TestFloat64Ptr(t *testing.T) {
	t.Parallel()

	a, b := Float64Ptr(120), Float64Ptr(120)
	if a == b || *a != 120 {
		t.Errorf("Float64Ptr returned %p %p (%v)", a, b, *a)
	}
}
