package serialmux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// BridgeState is the simulated actuator state of a BridgeSimulator.
type BridgeState struct {
	Buzzer    bool
	Backlight bool
	Line1     string
	Line2     string
}

// BridgeSimulator implements SerialPorter by emulating the pedal I/O bridge
// firmware. Measure commands are answered from the Distance callback; the
// other commands update BridgeState and are acknowledged with "OK".
type BridgeSimulator struct {
	// Distance returns the simulated range in cm, or ok=false for an echo
	// timeout.
	Distance func() (cm float64, ok bool)

	pr      *io.PipeReader
	pw      *io.PipeWriter
	replies chan string
	done    chan struct{}

	mu       sync.Mutex
	state    BridgeState
	commands []string
	pending  string
	closed   bool
}

// NewBridgeSimulator starts a simulator. It must be closed to release its
// reply goroutine.
func NewBridgeSimulator(distance func() (float64, bool)) *BridgeSimulator {
	pr, pw := io.Pipe()
	b := &BridgeSimulator{
		Distance: distance,
		pr:       pr,
		pw:       pw,
		replies:  make(chan string, 64),
		done:     make(chan struct{}),
	}
	go b.writeReplies()
	return b
}

// NewMockSerialMux creates a SerialMux backed by a BridgeSimulator.
func NewMockSerialMux(distance func() (float64, bool)) (*SerialMux[*BridgeSimulator], *BridgeSimulator) {
	sim := NewBridgeSimulator(distance)
	return NewSerialMux(sim), sim
}

func (b *BridgeSimulator) writeReplies() {
	for {
		select {
		case line := <-b.replies:
			if _, err := io.WriteString(b.pw, line+"\n"); err != nil {
				return
			}
		case <-b.done:
			return
		}
	}
}

func (b *BridgeSimulator) Read(p []byte) (int, error) { return b.pr.Read(p) }

// Write accepts newline-terminated commands; partial lines are buffered.
func (b *BridgeSimulator) Write(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, errors.New("serial port closed")
	}
	b.pending += string(p)
	var lines []string
	for {
		i := strings.IndexByte(b.pending, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimSpace(b.pending[:i]))
		b.pending = b.pending[i+1:]
	}
	b.mu.Unlock()

	for _, cmd := range lines {
		b.reply(b.execute(cmd))
	}
	return len(p), nil
}

func (b *BridgeSimulator) reply(line string) {
	select {
	case b.replies <- line:
	case <-b.done:
	}
}

func (b *BridgeSimulator) execute(cmd string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.commands = append(b.commands, cmd)
	switch {
	case cmd == CmdMeasure:
		if b.Distance == nil {
			return distancePrefix + timeoutValue
		}
		b.mu.Unlock()
		cm, ok := b.Distance()
		b.mu.Lock()
		if !ok {
			return distancePrefix + timeoutValue
		}
		return fmt.Sprintf("%s%.1f", distancePrefix, cm)
	case cmd == CmdReset:
		b.state = BridgeState{}
	case cmd == CmdBuzzerOn:
		b.state.Buzzer = true
	case cmd == CmdBuzzerOff:
		b.state.Buzzer = false
	case cmd == CmdBacklightOn:
		b.state.Backlight = true
	case cmd == CmdBacklightOff:
		b.state.Backlight = false
	case cmd == CmdLCDClear:
		b.state.Line1, b.state.Line2 = "", ""
	case strings.HasPrefix(cmd, "L1:"):
		b.state.Line1 = strings.TrimRight(cmd[3:], " ")
	case strings.HasPrefix(cmd, "L2:"):
		b.state.Line2 = strings.TrimRight(cmd[3:], " ")
	default:
		return "ERR:unknown command " + cmd
	}
	return "OK"
}

// Close stops the simulator; pending reads return io.EOF.
func (b *BridgeSimulator) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return b.pw.Close()
}

// State returns the simulated actuator state.
func (b *BridgeSimulator) State() BridgeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Commands returns every command received so far.
func (b *BridgeSimulator) Commands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.commands...)
}

// TestableSerialPort implements SerialPorter with injectable errors for
// testing. Reads block until data is added or the port is closed.
type TestableSerialPort struct {
	mu sync.Mutex

	ReadBuffer  *bytes.Buffer
	WriteBuffer *bytes.Buffer

	// WriteError is returned by the next Write call if set
	WriteError error
	// ShortWrite makes Write report one byte fewer than it was given
	ShortWrite bool
	// CloseError is returned by Close if set
	CloseError error
	Closed     bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.Closed && t.ReadBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.ReadBuffer.Len() == 0 {
		return 0, io.EOF
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	n, err := t.WriteBuffer.Write(p)
	if t.ShortWrite && n > 0 {
		n--
	}
	return n, err
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.WriteString(data)
	t.readCond.Broadcast()
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.WriteBuffer.String()
}
