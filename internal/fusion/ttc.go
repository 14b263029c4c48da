package fusion

import (
	"math"
	"time"
)

const (
	// DefaultVelocityEpsilon is the closing speed (m/s) at or below which
	// the obstacle is treated as not approaching.
	DefaultVelocityEpsilon = 1e-5
	// DefaultVelocityWindow is the number of velocity samples smoothed.
	DefaultVelocityWindow = 10
)

// DistanceSample is one successful ultrasonic range reading.
type DistanceSample struct {
	DistanceCM float64
	CapturedAt time.Time
}

// TTCResult is the outcome of feeding one sample to a TTCEstimator.
type TTCResult struct {
	// TTC is the time to collision in seconds, or +Inf when the obstacle is
	// not closing or there is not yet enough data.
	TTC float64
	// Velocity is the instantaneous closing speed in m/s (positive = closing).
	// Zero when no velocity was computed for this sample.
	Velocity    float64
	VelocityAvg float64
	VelocityMin float64
	VelocityMax float64
	// Accepted is false when the sample was discarded without touching the
	// estimator state.
	Accepted bool
}

// TTCEstimator turns successive range samples into a smoothed closing
// velocity and a time to collision. Its state is reset only by
// constructing a new estimator.
type TTCEstimator struct {
	epsilon   float64
	velocity  *RollingWindow
	prevDistM float64
	prevTime  time.Time
	havePrev  bool
}

// NewTTCEstimator builds an estimator averaging window velocity samples.
func NewTTCEstimator(window int, epsilon float64) *TTCEstimator {
	return &TTCEstimator{
		epsilon:  epsilon,
		velocity: NewRollingWindow(window),
	}
}

// Infinite reports whether ttc is the "no collision risk" sentinel.
func Infinite(ttc float64) bool { return math.IsInf(ttc, 1) }

// Update feeds one sample and returns the resulting TTC.
func (e *TTCEstimator) Update(s DistanceSample) TTCResult {
	res := e.stats()
	res.TTC = math.Inf(1)

	if math.IsNaN(s.DistanceCM) || math.IsInf(s.DistanceCM, 0) || s.DistanceCM <= 0 {
		return res
	}
	distM := s.DistanceCM / 100.0

	if !e.havePrev {
		e.prevDistM, e.prevTime, e.havePrev = distM, s.CapturedAt, true
		res.Accepted = true
		return res
	}

	elapsed := s.CapturedAt.Sub(e.prevTime).Seconds()
	if elapsed <= 0 {
		return res
	}

	v := (e.prevDistM - distM) / elapsed
	e.velocity.Push(v)
	e.prevDistM, e.prevTime = distM, s.CapturedAt

	res = e.stats()
	res.Velocity = v
	res.Accepted = true
	res.TTC = math.Inf(1)
	if v > e.epsilon {
		res.TTC = distM / v
	}
	return res
}

// VelocityStats returns the current rolling average, min and max.
func (e *TTCEstimator) VelocityStats() (avg, min, max float64) {
	return e.velocity.Average(), e.velocity.Min(), e.velocity.Max()
}

func (e *TTCEstimator) stats() TTCResult {
	return TTCResult{
		VelocityAvg: e.velocity.Average(),
		VelocityMin: e.velocity.Min(),
		VelocityMax: e.velocity.Max(),
	}
}
