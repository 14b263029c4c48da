package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	if d := clock.Since(past); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_AfterFunc(t *testing.T) {
	clock := RealClock{}
	done := make(chan struct{})
	clock.AfterFunc(5*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Error("AfterFunc did not run")
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(100 * time.Millisecond):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_AfterFuncOrdering(t *testing.T) {
	start := time.Date(2025, 11, 20, 9, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	var order []time.Duration
	record := func() { order = append(order, clock.Since(start)) }

	clock.AfterFunc(300*time.Millisecond, record)
	clock.AfterFunc(100*time.Millisecond, record)
	clock.AfterFunc(200*time.Millisecond, func() {
		record()
		// Scheduled from inside Advance; still inside the step.
		clock.AfterFunc(50*time.Millisecond, record)
	})

	clock.Advance(260 * time.Millisecond)

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}
	if len(order) != len(want) {
		t.Fatalf("ran %d callbacks, want %d (%v)", len(order), len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("callback %d ran at %v, want %v", i, order[i], want[i])
		}
	}
	if got := clock.Since(start); got != 260*time.Millisecond {
		t.Errorf("clock at %v after Advance, want 260ms", got)
	}
	if clock.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", clock.Pending())
	}
}

func TestMockClock_StopPreventsCall(t *testing.T) {
	clock := NewMockClock(time.Time{})
	called := false
	timer := clock.AfterFunc(time.Second, func() { called = true })

	if !timer.Stop() {
		t.Error("Stop() on a pending call should return true")
	}
	if timer.Stop() {
		t.Error("second Stop() should return false")
	}
	clock.Advance(2 * time.Second)
	if called {
		t.Error("stopped callback ran")
	}
}

func TestMockClock_Ticker(t *testing.T) {
	clock := NewMockClock(time.Time{})
	ticker := clock.NewTicker(500 * time.Millisecond)

	clock.Advance(400 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(100 * time.Millisecond)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire at its period")
	}

	ticker.Stop()
	clock.Advance(time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestMockClock_Set(t *testing.T) {
	clock := NewMockClock(time.Time{})
	newTime := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	clock.Set(newTime)

	if !clock.Now().Equal(newTime) {
		t.Errorf("Now() = %v, want %v", clock.Now(), newTime)
	}
}
