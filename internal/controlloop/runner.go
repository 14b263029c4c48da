// Package controlloop runs the pedal guard's periodic control cycle: sample
// the range and the pedal, step the fusion controller, drive the alert,
// display and throttle outputs, then log and publish the cycle.
package controlloop

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/pedal.guard/internal/cyclelog"
	"github.com/banshee-data/pedal.guard/internal/fusion"
	"github.com/banshee-data/pedal.guard/internal/markers"
	"github.com/banshee-data/pedal.guard/internal/monitoring"
	"github.com/banshee-data/pedal.guard/internal/sensors"
	"github.com/banshee-data/pedal.guard/internal/timeutil"
)

// MarkerPoller reports the detector markers seen since the last poll.
type MarkerPoller interface {
	Poll() markers.Flags
}

// Publisher receives every logged cycle. Publish must not block.
type Publisher interface {
	Publish(cyclelog.Record)
}

// Config wires a Runner. Markers, Sink and Publishers are optional.
type Config struct {
	Clock      timeutil.Clock
	Controller *fusion.Controller
	Period     time.Duration

	Distance   sensors.DistanceSampler
	Throttle   sensors.ThrottleSampler
	ADCChannel int
	Markers    MarkerPoller

	Alert     sensors.AlertActuator
	Display   sensors.DisplayActuator
	Commander sensors.ThrottleCommander

	Sink       cyclelog.Sink
	Publishers []Publisher

	RunID      string
	ScenarioID int
}

// Stats are running counters of a Runner.
type Stats struct {
	Cycles         int64
	EchoTimeouts   int64
	PedalErrors    int64
	CommandErrors  int64
	SinkErrors     int64
	Lockouts       int64
	ActuatorErrors int64
	MisopCycles    int64
}

// Runner owns the controller and calls it from a single goroutine.
type Runner struct {
	cfg Config

	cycles         atomic.Int64
	echoTimeouts   atomic.Int64
	pedalErrors    atomic.Int64
	commandErrors  atomic.Int64
	sinkErrors     atomic.Int64
	lockouts       atomic.Int64
	actuatorErrors atomic.Int64
	misopCycles    atomic.Int64
}

// New validates cfg. A zero Period means 500 ms.
func New(cfg Config) (*Runner, error) {
	switch {
	case cfg.Clock == nil:
		return nil, errors.New("controlloop: clock is required")
	case cfg.Controller == nil:
		return nil, errors.New("controlloop: controller is required")
	case cfg.Distance == nil:
		return nil, errors.New("controlloop: distance sampler is required")
	case cfg.Throttle == nil:
		return nil, errors.New("controlloop: throttle sampler is required")
	case cfg.Alert == nil:
		return nil, errors.New("controlloop: alert actuator is required")
	case cfg.Display == nil:
		return nil, errors.New("controlloop: display actuator is required")
	}
	if cfg.Period <= 0 {
		cfg.Period = 500 * time.Millisecond
	}
	if cfg.Commander == nil {
		cfg.Commander = sensors.NopCommander{}
	}
	return &Runner{cfg: cfg}, nil
}

// Run executes one cycle per period until ctx is done. On exit the alert
// is silenced and the display cleared.
func (r *Runner) Run(ctx context.Context) error {
	ticker := r.cfg.Clock.NewTicker(r.cfg.Period)
	defer ticker.Stop()
	defer r.shutdown()

	monitoring.Logf("control loop started: run=%s scenario=%d period=%s", r.cfg.RunID, r.cfg.ScenarioID, r.cfg.Period)
	for {
		select {
		case <-ctx.Done():
			s := r.Stats()
			monitoring.Logf("control loop stopped: cycles=%d lockouts=%d echo_timeouts=%d pedal_errors=%d",
				s.Cycles, s.Lockouts, s.EchoTimeouts, s.PedalErrors)
			return ctx.Err()
		case <-ticker.C():
			if _, err := r.Cycle(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				monitoring.Logf("cycle: %v", err)
			}
		}
	}
}

// Cycle runs one control cycle. A pedal read failure commands 0 % and
// skips the controller step; the error is returned. Output failures are
// logged and counted but do not fail the cycle.
func (r *Runner) Cycle(ctx context.Context) (fusion.CycleOutput, error) {
	in := fusion.CycleInput{}

	ds, err := r.cfg.Distance.Sample(ctx)
	switch {
	case err == nil:
		in.Distance = &ds
	case errors.Is(err, sensors.ErrEchoTimeout):
		r.echoTimeouts.Add(1)
		monitoring.Debugf("echo timeout; reusing previous TTC")
	default:
		if ctx.Err() != nil {
			return fusion.CycleOutput{}, ctx.Err()
		}
		r.echoTimeouts.Add(1)
		monitoring.Logf("distance: %v", err)
	}

	v, err := r.cfg.Throttle.ReadVoltage(ctx, r.cfg.ADCChannel)
	if err != nil {
		r.pedalErrors.Add(1)
		r.command(ctx, sensors.ThrottleCommand{Percent: 0})
		return fusion.CycleOutput{}, fmt.Errorf("read pedal: %w", err)
	}
	in.Voltage = v

	if r.cfg.Markers != nil {
		f := r.cfg.Markers.Poll()
		in.AccelDetected, in.BrakeDetected = f.Accel, f.Brake
	}
	in.Now = r.cfg.Clock.Now()

	out := r.cfg.Controller.Step(in)
	r.cycles.Add(1)
	if out.Misoperation {
		r.misopCycles.Add(1)
	}
	if out.Transition == fusion.Engaged {
		r.lockouts.Add(1)
		monitoring.Logf("lockout engaged: delta=%.1f raw=%.1f%%", out.Delta, out.RawPercent)
	} else if out.Transition == fusion.Released {
		monitoring.Logf("lockout released")
	}

	r.drive(out)
	r.command(ctx, sensors.ThrottleCommand{
		Percent:      out.CommandedPercent,
		Lockout:      out.Lockout == fusion.Active,
		Misoperation: out.Misoperation,
	})

	rec := cyclelog.FromCycle(r.cfg.RunID, r.cfg.ScenarioID, out)
	if r.cfg.Sink != nil {
		if err := r.cfg.Sink.Write(rec); err != nil {
			r.sinkErrors.Add(1)
			monitoring.Logf("cycle log: %v", err)
		}
	}
	for _, p := range r.cfg.Publishers {
		p.Publish(rec)
	}

	monitoring.Debugf("cycle dist=%.1f ttc=%.2f raw=%.1f delta=%.1f cap=%.1f cmd=%.1f lockout=%v",
		out.DistanceCM, out.TTC, out.RawPercent, out.Delta, out.Cap, out.CommandedPercent, out.Lockout == fusion.Active)
	return out, nil
}

func (r *Runner) drive(out fusion.CycleOutput) {
	if out.Alert {
		r.cfg.Alert.Start()
	} else {
		r.cfg.Alert.Stop()
	}

	var err error
	switch out.Display {
	case fusion.DisplayLockout:
		err = errors.Join(
			r.cfg.Display.ShowStatus(fusion.LockoutLine1, fusion.LockoutLine2),
			r.cfg.Display.SetBacklight(true),
		)
	case fusion.DisplayClear:
		err = errors.Join(r.cfg.Display.Clear(), r.cfg.Display.SetBacklight(false))
	}
	if err != nil {
		r.actuatorErrors.Add(1)
		monitoring.Logf("display: %v", err)
	}
}

func (r *Runner) command(ctx context.Context, cmd sensors.ThrottleCommand) {
	if err := r.cfg.Commander.Command(ctx, cmd); err != nil {
		r.commandErrors.Add(1)
		monitoring.Logf("throttle command: %v", err)
	}
}

func (r *Runner) shutdown() {
	r.cfg.Alert.Stop()
	if err := errors.Join(r.cfg.Display.Clear(), r.cfg.Display.SetBacklight(false)); err != nil {
		monitoring.Logf("display: %v", err)
	}
}

// Stats returns the current counters.
func (r *Runner) Stats() Stats {
	return Stats{
		Cycles:         r.cycles.Load(),
		EchoTimeouts:   r.echoTimeouts.Load(),
		PedalErrors:    r.pedalErrors.Load(),
		CommandErrors:  r.commandErrors.Load(),
		SinkErrors:     r.sinkErrors.Load(),
		Lockouts:       r.lockouts.Load(),
		ActuatorErrors: r.actuatorErrors.Load(),
		MisopCycles:    r.misopCycles.Load(),
	}
}
