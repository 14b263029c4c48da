package fusion

import "fmt"

// CapCurve maps time to collision onto a throttle ceiling in percent.
type CapCurve struct {
	TLow   float64
	THigh  float64
	CapMin float64
	CapMax float64
}

// DefaultCapCurve returns the calibrated curve: full restriction at or
// below 1.86 s, no restriction above 3 s.
func DefaultCapCurve() CapCurve {
	return CapCurve{TLow: 1.86, THigh: 3.0, CapMin: 20, CapMax: 100}
}

// Validate checks the curve is well formed.
func (c CapCurve) Validate() error {
	if !(c.THigh > c.TLow) || c.TLow < 0 {
		return fmt.Errorf("cap curve: need 0 <= t_low < t_high, got %.3f, %.3f", c.TLow, c.THigh)
	}
	if c.CapMin < 0 || c.CapMax < c.CapMin {
		return fmt.Errorf("cap curve: need 0 <= cap_min <= cap_max, got %.1f, %.1f", c.CapMin, c.CapMax)
	}
	return nil
}

// Cap returns the throttle ceiling for ttc. +Inf maps to CapMax.
func (c CapCurve) Cap(ttc float64) float64 {
	switch {
	case ttc <= c.TLow:
		return c.CapMin
	case ttc <= c.THigh:
		return c.CapMin + (c.CapMax-c.CapMin)*(ttc-c.TLow)/(c.THigh-c.TLow)
	default:
		return c.CapMax
	}
}

// Command limits raw to [0, ceiling].
func Command(raw, ceiling float64) float64 {
	return ClampFloat(raw, 0, ceiling)
}

// ClampFloat clamps value between min and max.
func ClampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
