package fusion

import (
	"fmt"
	"math"
)

// Pedal sensor dead-zone calibration for the SS49E hall sensor.
const (
	DefaultVMin = 1.7
	DefaultVMax = 2.2
)

// Normalizer maps a pedal sensor voltage to a raw throttle percentage.
type Normalizer struct {
	VMin float64
	VMax float64
}

// NewNormalizer validates the calibration span.
func NewNormalizer(vMin, vMax float64) (Normalizer, error) {
	if !(vMax > vMin) {
		return Normalizer{}, fmt.Errorf("invalid calibration: v_max %.3f must exceed v_min %.3f", vMax, vMin)
	}
	return Normalizer{VMin: vMin, VMax: vMax}, nil
}

// Percent clamps at zero only. Values above 100 pass through; the capper
// bounds the commanded value.
func (n Normalizer) Percent(voltage float64) float64 {
	return math.Max(0, (voltage-n.VMin)/(n.VMax-n.VMin)*100)
}

// DeltaTracker measures pedal movement between cycles.
type DeltaTracker struct {
	prev float64
}

// Delta is the absolute change from the previous committed value.
func (d *DeltaTracker) Delta(raw float64) float64 {
	return math.Abs(raw - d.prev)
}

// Commit records raw as the previous value. Called once at the end of every
// cycle, lockout or not.
func (d *DeltaTracker) Commit(raw float64) { d.prev = raw }

// Previous is the last committed raw percent.
func (d *DeltaTracker) Previous() float64 { return d.prev }
