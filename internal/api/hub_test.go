package api

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pedal.guard/internal/cyclelog"
)

func sampleRecord(cmd float64, lockout bool) cyclelog.Record {
	dist := 180.0
	return cyclelog.Record{
		RunID:            "run-1",
		Timestamp:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		DistanceCM:       &dist,
		TTC:              1.5,
		VelocityAvg:      120,
		Voltage:          2.4,
		RawPercent:       80,
		CommandedPercent: cmd,
		Delta:            22,
		Cap:              35,
		ScenarioID:       2,
		Accel:            true,
		Misoperation:     lockout,
		Lockout:          lockout,
	}
}

func TestViewOf_InfiniteTTCIsNull(t *testing.T) {
	r := sampleRecord(20, false)
	r.TTC = math.Inf(1)
	r.DistanceCM = nil
	r.VelocityAvg = math.NaN()

	v := ViewOf(r)
	assert.Nil(t, v.TTC)
	assert.Nil(t, v.DistanceCM)
	assert.Equal(t, 0.0, v.VelocityAvg)

	b, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"ttc":null`)
	assert.Contains(t, string(b), `"distance_cm":null`)
}

func TestHub_LatestAndFanOut(t *testing.T) {
	h := NewHub()
	_, ok := h.Latest()
	assert.False(t, ok)

	id, ch := h.Subscribe()
	assert.Equal(t, 1, h.Subscribers())

	h.Publish(sampleRecord(35, false))
	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, 35.0, latest.CommandedPercent)

	var got CycleView
	require.NoError(t, json.Unmarshal(<-ch, &got))
	assert.Equal(t, "run-1", got.RunID)
	require.NotNil(t, got.TTC)
	assert.InDelta(t, 1.5, *got.TTC, 1e-9)

	h.Unsubscribe(id)
	assert.Equal(t, 0, h.Subscribers())
	_, open := <-ch
	assert.False(t, open, "channel should be closed after unsubscribe")

	// A second unsubscribe is a no-op.
	h.Unsubscribe(id)
}

func TestHub_SlowSubscriberDrops(t *testing.T) {
	h := NewHub()
	_, ch := h.Subscribe()

	for i := 0; i < subscriberBuffer+3; i++ {
		h.Publish(sampleRecord(float64(i), false))
	}
	assert.Equal(t, 3, h.Dropped())
	assert.Len(t, ch, subscriberBuffer)

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, float64(subscriberBuffer+2), latest.CommandedPercent)
}
