// Package sensors adapts the pedal guard's hardware to the narrow
// interfaces the control loop consumes: range samples from the pedal I/O
// bridge, pedal voltage from the CAN ADC node, and the buzzer, display and
// throttle-command outputs.
package sensors

import (
	"context"
	"errors"

	"github.com/banshee-data/pedal.guard/internal/fusion"
)

var (
	// ErrEchoTimeout means no echo arrived within the bounded wait. It is
	// recoverable: the cycle proceeds without a range sample.
	ErrEchoTimeout = errors.New("ultrasonic echo timeout")
	// ErrNoSample means no pedal frame has been received for a channel.
	ErrNoSample = errors.New("no pedal sample received")
	// ErrStaleFrame means the latest pedal frame is older than allowed.
	ErrStaleFrame = errors.New("pedal frame is stale")
)

// DistanceSampler produces one range sample per call.
type DistanceSampler interface {
	Sample(ctx context.Context) (fusion.DistanceSample, error)
}

// ThrottleSampler reads the pedal position sensor voltage.
type ThrottleSampler interface {
	ReadVoltage(ctx context.Context, channel int) (float64, error)
}

// AlertActuator drives the audible alert. Start and Stop are idempotent
// and never block.
type AlertActuator interface {
	Start()
	Stop()
}

// DisplayActuator drives the two-line character display.
type DisplayActuator interface {
	ShowStatus(line1, line2 string) error
	Clear() error
	SetBacklight(on bool) error
}

// ThrottleCommander forwards the commanded throttle to the throttle-by-wire
// controller.
type ThrottleCommander interface {
	Command(ctx context.Context, cmd ThrottleCommand) error
}

// ThrottleCommand is one cycle's output to the throttle actuator.
type ThrottleCommand struct {
	Percent      float64
	Lockout      bool
	Misoperation bool
}

// MCP3208 conversion constants.
const (
	ADCMaxCounts = 4095
	ADCVRef      = 3.3
)

// CountsToVolts converts a 12-bit MCP3208 reading to volts.
func CountsToVolts(counts uint16) float64 {
	if counts > ADCMaxCounts {
		counts = ADCMaxCounts
	}
	return float64(counts) / ADCMaxCounts * ADCVRef
}

// VoltsToCounts is the inverse of CountsToVolts, rounded to the nearest
// count.
func VoltsToCounts(v float64) uint16 {
	if v <= 0 {
		return 0
	}
	c := v/ADCVRef*ADCMaxCounts + 0.5
	if c >= ADCMaxCounts {
		return ADCMaxCounts
	}
	return uint16(c)
}

// FixedVoltage is a ThrottleSampler returning a settable voltage. Used in
// dev mode and tests.
type FixedVoltage struct {
	v atomicFloat
}

// NewFixedVoltage returns a sampler reporting v.
func NewFixedVoltage(v float64) *FixedVoltage {
	f := &FixedVoltage{}
	f.Set(v)
	return f
}

// Set changes the reported voltage.
func (f *FixedVoltage) Set(v float64) { f.v.Store(v) }

func (f *FixedVoltage) ReadVoltage(ctx context.Context, _ int) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return f.v.Load(), nil
}

// NopCommander discards throttle commands.
type NopCommander struct{}

func (NopCommander) Command(context.Context, ThrottleCommand) error { return nil }
