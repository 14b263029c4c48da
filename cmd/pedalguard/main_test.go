package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pedal.guard/internal/config"
	"github.com/banshee-data/pedal.guard/internal/fsutil"
	"github.com/banshee-data/pedal.guard/internal/markers"
	"github.com/banshee-data/pedal.guard/internal/timeutil"
)

func TestPromptScenario(t *testing.T) {
	var out bytes.Buffer
	id, err := promptScenario(strings.NewReader("abc\n-3\n 2 \n"), &out)
	require.NoError(t, err)
	assert.Equal(t, 2, id)
	assert.Equal(t, 3, strings.Count(out.String(), "Enter scenario id: "))
	assert.Equal(t, 2, strings.Count(out.String(), "must be a non-negative integer"))
}

func TestPromptScenarioEOF(t *testing.T) {
	var out bytes.Buffer
	_, err := promptScenario(strings.NewReader("x\n"), &out)
	assert.Error(t, err)
}

func TestVoltageFor(t *testing.T) {
	cfg := config.EmptyControllerConfig()
	assert.InDelta(t, 1.7, voltageFor(cfg, 0), 1e-9)
	assert.InDelta(t, 1.95, voltageFor(cfg, 50), 1e-9)
	assert.InDelta(t, 2.2, voltageFor(cfg, 100), 1e-9)
}

func TestSimulatedApproach(t *testing.T) {
	src := simulatedApproach(time.Now())
	first, ok := src()
	require.True(t, ok)
	assert.LessOrEqual(t, first, 300.0)
	assert.GreaterOrEqual(t, first, 60.0)

	// An hour is a whole number of periods, leaving a 3 s phase.
	d, _ := simulatedApproach(time.Now().Add(-time.Hour - 3*time.Second))()
	assert.InDelta(t, 300-240*3.0/8.0, d, 3.0)
}

func TestApplyFlagOverrides(t *testing.T) {
	saved := [3]string{*listen, *dbFile, *csvFile}
	t.Cleanup(func() { *listen, *dbFile, *csvFile = saved[0], saved[1], saved[2] })

	cfg := config.EmptyControllerConfig()
	*listen, *dbFile, *csvFile = "", "", ""
	applyFlagOverrides(cfg)
	assert.Equal(t, ":8080", cfg.GetListen())
	assert.Equal(t, "pedal_guard.db", cfg.GetDBPath())
	assert.Equal(t, "", cfg.GetCSVPath())

	*listen, *dbFile, *csvFile = "127.0.0.1:9000", "/tmp/x.db", "/tmp/x.csv"
	applyFlagOverrides(cfg)
	assert.Equal(t, "127.0.0.1:9000", cfg.GetListen())
	assert.Equal(t, "/tmp/x.db", cfg.GetDBPath())
	assert.Equal(t, "/tmp/x.csv", cfg.GetCSVPath())
}

func TestWriteMarker(t *testing.T) {
	cfg := config.EmptyControllerConfig()
	mfs := fsutil.NewMemoryFileSystem()
	now := time.Unix(1700000000, 250_000_000)

	path, err := writeMarker(mfs, cfg, "accel", now)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/accel_detected.flag", path)

	data, err := mfs.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1700000000.25", string(data))

	r, err := markers.NewReader(mfs, timeutil.NewMockClock(now.Add(time.Second)), markers.Options{
		Dir:         cfg.GetMarkerDir(),
		AccelMarker: cfg.GetAccelMarker(),
		BrakeMarker: cfg.GetBrakeMarker(),
	})
	require.NoError(t, err)
	assert.Equal(t, markers.Flags{Accel: true}, r.Poll())

	_, err = writeMarker(mfs, cfg, "clutch", now)
	assert.Error(t, err)
}
