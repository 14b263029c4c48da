package sensors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/pedal.guard/internal/fusion"
	"github.com/banshee-data/pedal.guard/internal/monitoring"
	"github.com/banshee-data/pedal.guard/internal/serialmux"
	"github.com/banshee-data/pedal.guard/internal/timeutil"
)

// DefaultEchoTimeout is the bounded wait for a range reply.
const DefaultEchoTimeout = 500 * time.Millisecond

// SerialDistanceSampler asks the pedal I/O bridge for a range measurement
// and waits for its "D:" reply. The bridge times the echo; the sampler
// bounds the whole exchange.
type SerialDistanceSampler struct {
	mux     serialmux.SerialMuxInterface
	clock   timeutil.Clock
	timeout time.Duration
	id      string
	lines   chan string
}

// NewSerialDistanceSampler subscribes to mux. Close releases the
// subscription.
func NewSerialDistanceSampler(mux serialmux.SerialMuxInterface, clock timeutil.Clock, timeout time.Duration) *SerialDistanceSampler {
	if timeout <= 0 {
		timeout = DefaultEchoTimeout
	}
	id, lines := mux.Subscribe()
	return &SerialDistanceSampler{
		mux:     mux,
		clock:   clock,
		timeout: timeout,
		id:      id,
		lines:   lines,
	}
}

// Sample triggers one measurement. It returns ErrEchoTimeout when the
// bridge reports a timeout or nothing arrives within the bounded wait.
func (s *SerialDistanceSampler) Sample(ctx context.Context) (fusion.DistanceSample, error) {
	s.drain()

	expired := make(chan struct{})
	timer := s.clock.AfterFunc(s.timeout, func() { close(expired) })
	defer timer.Stop()

	if err := s.mux.SendCommand(serialmux.CmdMeasure); err != nil {
		return fusion.DistanceSample{}, fmt.Errorf("trigger measurement: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return fusion.DistanceSample{}, ctx.Err()
		case <-expired:
			return fusion.DistanceSample{}, ErrEchoTimeout
		case line, ok := <-s.lines:
			if !ok {
				return fusion.DistanceSample{}, fmt.Errorf("bridge closed")
			}
			cm, timedOut, err := serialmux.ParseDistance(line)
			if errors.Is(err, serialmux.ErrBadDistance) {
				monitoring.Debugf("distance: %v", err)
				return fusion.DistanceSample{}, fmt.Errorf("%w: %v", ErrEchoTimeout, err)
			}
			if err != nil {
				// acknowledgements for other commands share the link
				continue
			}
			if timedOut {
				return fusion.DistanceSample{}, ErrEchoTimeout
			}
			return fusion.DistanceSample{DistanceCM: cm, CapturedAt: s.clock.Now()}, nil
		}
	}
}

// drain discards replies left over from a previous timed-out measurement.
func (s *SerialDistanceSampler) drain() {
	for {
		select {
		case _, ok := <-s.lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Close unsubscribes from the bridge.
func (s *SerialDistanceSampler) Close() {
	s.mux.Unsubscribe(s.id)
}
