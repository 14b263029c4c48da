package sensors

import (
	"sync"
	"time"

	"github.com/banshee-data/pedal.guard/internal/monitoring"
	"github.com/banshee-data/pedal.guard/internal/serialmux"
	"github.com/banshee-data/pedal.guard/internal/timeutil"
)

// Default beep timing.
const (
	DefaultAlertOn  = 200 * time.Millisecond
	DefaultAlertOff = 100 * time.Millisecond
)

// Buzzer is a two-state sound source.
type Buzzer interface {
	On() error
	Off() error
}

// SerialBuzzer drives the bridge's buzzer.
type SerialBuzzer struct {
	Mux serialmux.SerialMuxInterface
}

func (b SerialBuzzer) On() error  { return b.Mux.SendCommand(serialmux.CmdBuzzerOn) }
func (b SerialBuzzer) Off() error { return b.Mux.SendCommand(serialmux.CmdBuzzerOff) }

type beepPhase int

const (
	phaseIdle beepPhase = iota
	phaseOn
	phaseOff
)

// TimedAlert plays one beep per Start: the buzzer sounds for the on hold,
// then stays silent for the off hold before another beep may begin. Start
// during a beep is ignored, so asserting the alert every control cycle
// yields a steady beep pattern. Holds are timed with Clock.AfterFunc and
// never block the caller.
type TimedAlert struct {
	buzzer  Buzzer
	clock   timeutil.Clock
	onHold  time.Duration
	offHold time.Duration

	mu    sync.Mutex
	phase beepPhase
	gen   uint64
	timer timeutil.Timer
	beeps int
}

// NewTimedAlert builds an alert. Non-positive holds take the defaults.
func NewTimedAlert(b Buzzer, clock timeutil.Clock, onHold, offHold time.Duration) *TimedAlert {
	if onHold <= 0 {
		onHold = DefaultAlertOn
	}
	if offHold <= 0 {
		offHold = DefaultAlertOff
	}
	return &TimedAlert{buzzer: b, clock: clock, onHold: onHold, offHold: offHold}
}

// Start begins a beep unless one is already in progress.
func (a *TimedAlert) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != phaseIdle {
		return
	}
	a.buzzerCall(a.buzzer.On)
	a.phase = phaseOn
	a.beeps++
	a.schedule(a.onHold, a.silence)
}

// Stop silences the buzzer immediately and cancels the pattern.
func (a *TimedAlert) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase == phaseIdle {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
	if a.phase == phaseOn {
		a.buzzerCall(a.buzzer.Off)
	}
	a.phase = phaseIdle
}

// Active reports whether a beep or its trailing silence is in progress.
func (a *TimedAlert) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase != phaseIdle
}

// Beeps returns the number of beeps started.
func (a *TimedAlert) Beeps() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.beeps
}

// schedule must be called with a.mu held. The callback runs only if no
// Stop intervened.
func (a *TimedAlert) schedule(d time.Duration, next func()) {
	a.gen++
	gen := a.gen
	a.timer = a.clock.AfterFunc(d, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.gen != gen {
			return
		}
		next()
	})
}

func (a *TimedAlert) silence() {
	a.buzzerCall(a.buzzer.Off)
	a.phase = phaseOff
	a.schedule(a.offHold, func() {
		a.phase = phaseIdle
		a.timer = nil
	})
}

func (a *TimedAlert) buzzerCall(f func() error) {
	if err := f(); err != nil {
		monitoring.Logf("buzzer: %v", err)
	}
}
