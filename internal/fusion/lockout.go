package fusion

import "time"

const (
	// DefaultStompThreshold is the single-cycle pedal change, in percentage
	// points, treated as an accidental full depress.
	DefaultStompThreshold = 70.0
	// DefaultLockoutDuration is how long commanded throttle stays at zero
	// after a stomp.
	DefaultLockoutDuration = 3000 * time.Millisecond
)

// LockoutState is the persistent safety state.
type LockoutState int

const (
	Idle LockoutState = iota
	Active
)

func (s LockoutState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Transition names what the lockout machine did in one cycle.
type Transition int

const (
	// NoTransition: Idle stayed Idle.
	NoTransition Transition = iota
	// Engaged: a stomp moved Idle to Active this cycle.
	Engaged
	// Held: Active stayed Active.
	Held
	// Released: Active expired to Idle this cycle.
	Released
)

func (t Transition) String() string {
	switch t {
	case NoTransition:
		return "none"
	case Engaged:
		return "engaged"
	case Held:
		return "held"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

// LockoutDecision is the per-cycle outcome of the lockout machine.
type LockoutDecision struct {
	Transition Transition
	// Stomp is true when this cycle's delta met the threshold and started a
	// lockout.
	Stomp bool
	// Remaining is the lockout time left after this cycle, zero when Idle.
	Remaining time.Duration
}

// ForcesZero reports whether commanded throttle must be zero this cycle.
func (d LockoutDecision) ForcesZero() bool {
	return d.Transition == Engaged || d.Transition == Held
}

// LockoutFSM detects stomps and times the lockout window.
//
// Expiry is evaluated before stomp detection, and stomps are only
// recognised from Idle: a stomp during an active lockout does not extend
// it, but a stomp on the same cycle the lockout expires starts a new one.
type LockoutFSM struct {
	threshold float64
	duration  time.Duration
	state     LockoutState
	start     time.Time
}

// NewLockoutFSM returns an Idle machine.
func NewLockoutFSM(threshold float64, duration time.Duration) *LockoutFSM {
	return &LockoutFSM{threshold: threshold, duration: duration}
}

// State returns the current state and, when Active, its start time.
func (f *LockoutFSM) State() (LockoutState, time.Time) {
	return f.state, f.start
}

// IsStomp reports whether delta meets the stomp threshold.
func (f *LockoutFSM) IsStomp(delta float64) bool {
	return delta >= f.threshold
}

// Step advances the machine to now. armed gates stomp detection; callers
// that do not gate pass true.
func (f *LockoutFSM) Step(now time.Time, delta float64, armed bool) LockoutDecision {
	released := false
	if f.state == Active {
		elapsed := now.Sub(f.start)
		if elapsed < f.duration {
			return LockoutDecision{Transition: Held, Remaining: f.duration - elapsed}
		}
		f.state = Idle
		f.start = time.Time{}
		released = true
	}

	if armed && f.IsStomp(delta) {
		f.state = Active
		f.start = now
		return LockoutDecision{Transition: Engaged, Stomp: true, Remaining: f.duration}
	}

	if released {
		return LockoutDecision{Transition: Released}
	}
	return LockoutDecision{Transition: NoTransition}
}
