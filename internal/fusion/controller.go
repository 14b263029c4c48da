// Package fusion holds the pedal misapplication decision pipeline: time to
// collision from range samples, pedal delta tracking, the stomp lockout and
// the risk-based throttle cap.
//
// A Controller is owned by a single goroutine and carries no locks.
package fusion

import (
	"fmt"
	"math"
	"time"
)

// DisplayAction tells the display actuator what to do this cycle.
type DisplayAction int

const (
	DisplayUnchanged DisplayAction = iota
	DisplayLockout
	DisplayClear
)

// Status lines shown while the lockout is active.
const (
	LockoutLine1 = "LOCKOUT ACTIVE"
	LockoutLine2 = "Accelerate: 0%"
)

// Config parameterises a Controller.
type Config struct {
	Normalizer      Normalizer
	Curve           CapCurve
	StompThreshold  float64
	LockoutDuration time.Duration
	VelocityWindow  int
	VelocityEpsilon float64
	// StompRequiresAccel only recognises a stomp on cycles where the
	// accelerator marker was detected.
	StompRequiresAccel bool
}

// DefaultConfig returns the calibrated defaults.
func DefaultConfig() Config {
	return Config{
		Normalizer:      Normalizer{VMin: DefaultVMin, VMax: DefaultVMax},
		Curve:           DefaultCapCurve(),
		StompThreshold:  DefaultStompThreshold,
		LockoutDuration: DefaultLockoutDuration,
		VelocityWindow:  DefaultVelocityWindow,
		VelocityEpsilon: DefaultVelocityEpsilon,
	}
}

// CycleInput is everything sampled for one control cycle.
type CycleInput struct {
	Now time.Time
	// Distance is nil when the range read timed out.
	Distance      *DistanceSample
	Voltage       float64
	AccelDetected bool
	BrakeDetected bool
}

// CycleOutput is the decision for one control cycle.
type CycleOutput struct {
	Now        time.Time
	DistanceCM float64
	DistanceOK bool

	TTC         float64
	Velocity    float64
	VelocityAvg float64
	VelocityMin float64
	VelocityMax float64

	Voltage          float64
	RawPercent       float64
	Delta            float64
	Cap              float64
	CommandedPercent float64

	Lockout    LockoutState
	Transition Transition
	Remaining  time.Duration
	Stomp      bool
	// CollisionRisk is the secondary flag: TTC at or below the low
	// threshold during normal driving.
	CollisionRisk bool
	Misoperation  bool
	Alert         bool
	Display       DisplayAction

	AccelDetected bool
	BrakeDetected bool
}

// Controller is the per-process decision context.
type Controller struct {
	cfg        Config
	normalizer Normalizer
	estimator  *TTCEstimator
	delta      DeltaTracker
	lockout    *LockoutFSM
	lastTTC    float64
	last       TTCResult
}

// NewController validates cfg and returns a controller in the startup state.
func NewController(cfg Config) (*Controller, error) {
	n, err := NewNormalizer(cfg.Normalizer.VMin, cfg.Normalizer.VMax)
	if err != nil {
		return nil, err
	}
	if err := cfg.Curve.Validate(); err != nil {
		return nil, err
	}
	if cfg.StompThreshold <= 0 {
		return nil, fmt.Errorf("stomp threshold must be positive, got %.2f", cfg.StompThreshold)
	}
	if cfg.LockoutDuration <= 0 {
		return nil, fmt.Errorf("lockout duration must be positive, got %s", cfg.LockoutDuration)
	}
	if cfg.VelocityEpsilon < 0 {
		return nil, fmt.Errorf("velocity epsilon must be non-negative, got %g", cfg.VelocityEpsilon)
	}
	return &Controller{
		cfg:        cfg,
		normalizer: n,
		estimator:  NewTTCEstimator(cfg.VelocityWindow, cfg.VelocityEpsilon),
		lockout:    NewLockoutFSM(cfg.StompThreshold, cfg.LockoutDuration),
		lastTTC:    math.Inf(1),
	}, nil
}

// Config returns the controller's configuration.
func (c *Controller) Config() Config { return c.cfg }

// Lockout returns the lockout state and its start time.
func (c *Controller) Lockout() (LockoutState, time.Time) { return c.lockout.State() }

// Step runs one control cycle.
func (c *Controller) Step(in CycleInput) CycleOutput {
	out := CycleOutput{
		Now:           in.Now,
		Voltage:       in.Voltage,
		AccelDetected: in.AccelDetected,
		BrakeDetected: in.BrakeDetected,
	}

	// A timed-out read, or a sample the estimator rejects (non-positive
	// elapsed time, non-positive or non-finite distance), leaves shaping on
	// the previous TTC.
	if in.Distance != nil {
		out.DistanceCM = in.Distance.DistanceCM
		res := c.estimator.Update(*in.Distance)
		if res.Accepted {
			out.DistanceOK = true
			c.lastTTC = res.TTC
			c.last = res
		}
	}
	out.TTC = c.lastTTC
	out.Velocity = c.last.Velocity
	out.VelocityAvg, out.VelocityMin, out.VelocityMax = c.estimator.VelocityStats()

	out.RawPercent = c.normalizer.Percent(in.Voltage)
	out.Delta = c.delta.Delta(out.RawPercent)
	out.Cap = c.cfg.Curve.Cap(out.TTC)

	armed := !c.cfg.StompRequiresAccel || in.AccelDetected
	d := c.lockout.Step(in.Now, out.Delta, armed)
	out.Transition = d.Transition
	out.Stomp = d.Stomp
	out.Remaining = d.Remaining
	out.Lockout, _ = c.lockout.State()

	if d.ForcesZero() {
		out.CommandedPercent = 0
		out.Misoperation = true
		out.Alert = true
		out.Display = DisplayLockout
	} else {
		out.CommandedPercent = Command(out.RawPercent, out.Cap)
		out.CollisionRisk = out.TTC <= c.cfg.Curve.TLow
		out.Misoperation = out.CollisionRisk
		out.Alert = out.CollisionRisk
		if d.Transition == Released {
			out.Display = DisplayClear
		}
	}

	c.delta.Commit(out.RawPercent)
	return out
}
