package sensors

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"

	"github.com/banshee-data/pedal.guard/internal/monitoring"
	"github.com/banshee-data/pedal.guard/internal/timeutil"
)

// Pedal ADC frame layout: byte 0 is the MCP3208 channel, bytes 1-2 the
// 12-bit count (little endian).
const pedalFrameLength = 3

// Throttle command frame layout: bytes 0-1 commanded percent x100 (little
// endian), byte 2 flags.
const (
	commandFrameLength = 3
	flagLockout        = 1 << 0
	flagMisoperation   = 1 << 1
)

// FrameReceiver is the subset of *socketcan.Receiver the sampler uses.
type FrameReceiver interface {
	Receive() bool
	Frame() can.Frame
	Err() error
}

// FrameTransmitter is the subset of *socketcan.Transmitter the commander
// uses.
type FrameTransmitter interface {
	TransmitFrame(ctx context.Context, frame can.Frame) error
}

type pedalReading struct {
	counts uint16
	at     time.Time
}

// CANThrottleSampler caches the latest pedal ADC frame per channel from
// the CAN bus. Run owns the receive loop; ReadVoltage never blocks on the
// bus.
type CANThrottleSampler struct {
	rx      FrameReceiver
	closer  io.Closer
	frameID uint32
	maxAge  time.Duration
	clock   timeutil.Clock

	mu     sync.Mutex
	latest map[int]pedalReading
}

// DialCANThrottleSampler opens iface and returns a sampler listening for
// frameID.
func DialCANThrottleSampler(ctx context.Context, iface string, frameID uint32, maxAge time.Duration, clock timeutil.Clock) (*CANThrottleSampler, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial %s: %w", iface, err)
	}
	return NewCANThrottleSampler(socketcan.NewReceiver(conn), conn, frameID, maxAge, clock), nil
}

// NewCANThrottleSampler wraps an existing receiver. closer may be nil.
func NewCANThrottleSampler(rx FrameReceiver, closer io.Closer, frameID uint32, maxAge time.Duration, clock timeutil.Clock) *CANThrottleSampler {
	return &CANThrottleSampler{
		rx:      rx,
		closer:  closer,
		frameID: frameID,
		maxAge:  maxAge,
		clock:   clock,
		latest:  make(map[int]pedalReading),
	}
}

// Run receives frames until the receiver fails or ctx is cancelled. Close
// the sampler to unblock a pending receive.
func (s *CANThrottleSampler) Run(ctx context.Context) error {
	for s.rx.Receive() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.HandleFrame(s.rx.Frame())
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := s.rx.Err(); err != nil {
		return fmt.Errorf("can receive: %w", err)
	}
	return nil
}

// HandleFrame records a pedal frame. Other IDs, remote and short frames
// are ignored.
func (s *CANThrottleSampler) HandleFrame(f can.Frame) {
	if f.ID != s.frameID || f.IsRemote || f.Length < pedalFrameLength {
		return
	}
	ch := int(f.Data[0])
	counts := binary.LittleEndian.Uint16(f.Data[1:3]) & 0x0FFF

	s.mu.Lock()
	s.latest[ch] = pedalReading{counts: counts, at: s.clock.Now()}
	s.mu.Unlock()
}

// ReadVoltage returns the newest reading for channel.
func (s *CANThrottleSampler) ReadVoltage(ctx context.Context, channel int) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	r, ok := s.latest[channel]
	s.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("channel %d: %w", channel, ErrNoSample)
	}
	if age := s.clock.Since(r.at); s.maxAge > 0 && age > s.maxAge {
		monitoring.Debugf("pedal channel %d frame %s old", channel, age)
		return 0, fmt.Errorf("channel %d is %s old: %w", channel, age, ErrStaleFrame)
	}
	return CountsToVolts(r.counts), nil
}

// Close closes the underlying socket.
func (s *CANThrottleSampler) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// EncodePedalFrame builds a pedal ADC frame. Used by tests and the bench
// tooling that replays pedal traces onto the bus.
func EncodePedalFrame(frameID uint32, channel int, counts uint16) can.Frame {
	f := can.Frame{ID: frameID, Length: pedalFrameLength}
	f.Data[0] = byte(channel)
	binary.LittleEndian.PutUint16(f.Data[1:3], counts&0x0FFF)
	return f
}

// CANThrottleCommander publishes the commanded throttle each cycle.
type CANThrottleCommander struct {
	tx      FrameTransmitter
	conn    net.Conn
	frameID uint32
}

// DialCANThrottleCommander opens iface for transmitting command frames.
func DialCANThrottleCommander(ctx context.Context, iface string, frameID uint32) (*CANThrottleCommander, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial %s: %w", iface, err)
	}
	return &CANThrottleCommander{tx: socketcan.NewTransmitter(conn), conn: conn, frameID: frameID}, nil
}

// NewCANThrottleCommander wraps an existing transmitter.
func NewCANThrottleCommander(tx FrameTransmitter, frameID uint32) *CANThrottleCommander {
	return &CANThrottleCommander{tx: tx, frameID: frameID}
}

// Command transmits cmd.
func (c *CANThrottleCommander) Command(ctx context.Context, cmd ThrottleCommand) error {
	if err := c.tx.TransmitFrame(ctx, EncodeCommandFrame(c.frameID, cmd)); err != nil {
		return fmt.Errorf("transmit throttle command: %w", err)
	}
	return nil
}

// Close closes the socket if the commander dialled it.
func (c *CANThrottleCommander) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// EncodeCommandFrame packs cmd. The percent is clamped to [0, 655.35].
func EncodeCommandFrame(frameID uint32, cmd ThrottleCommand) can.Frame {
	f := can.Frame{ID: frameID, Length: commandFrameLength}
	scaled := math.Round(cmd.Percent * 100)
	switch {
	case scaled < 0 || math.IsNaN(scaled):
		scaled = 0
	case scaled > math.MaxUint16:
		scaled = math.MaxUint16
	}
	binary.LittleEndian.PutUint16(f.Data[0:2], uint16(scaled))
	if cmd.Lockout {
		f.Data[2] |= flagLockout
	}
	if cmd.Misoperation {
		f.Data[2] |= flagMisoperation
	}
	return f
}

// DecodeCommandFrame unpacks a frame built by EncodeCommandFrame.
func DecodeCommandFrame(f can.Frame) (ThrottleCommand, error) {
	if f.Length < commandFrameLength {
		return ThrottleCommand{}, fmt.Errorf("command frame too short: %d bytes", f.Length)
	}
	return ThrottleCommand{
		Percent:      float64(binary.LittleEndian.Uint16(f.Data[0:2])) / 100,
		Lockout:      f.Data[2]&flagLockout != 0,
		Misoperation: f.Data[2]&flagMisoperation != 0,
	}, nil
}
