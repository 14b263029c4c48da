package serialmux

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Line types reported by the pedal I/O bridge.
const (
	EventTypeDistance = "distance"
	EventTypeTimeout  = "timeout"
	EventTypeAck      = "ack"
	EventTypeError    = "error"
	EventTypeUnknown  = "unknown"
)

// Bridge commands. The bridge acknowledges each with "OK" or "ERR:<reason>";
// CmdMeasure is answered with "D:<cm>" or "D:TIMEOUT" instead.
const (
	CmdReset        = "X"
	CmdMeasure      = "M"
	CmdBuzzerOn     = "B1"
	CmdBuzzerOff    = "B0"
	CmdLCDClear     = "LC"
	CmdBacklightOn  = "LB1"
	CmdBacklightOff = "LB0"
)

// LCDWidth is the number of characters per display line.
const LCDWidth = 16

// InitCommands are sent by Initialize, in order.
var InitCommands = []string{CmdReset, CmdBuzzerOff, CmdLCDClear, CmdBacklightOff}

// KnownCommands lists the fixed commands for the admin console.
func KnownCommands() []string {
	return []string{CmdMeasure, CmdBuzzerOn, CmdBuzzerOff, CmdLCDClear, CmdBacklightOn, CmdBacklightOff, "L1:text", "L2:text", CmdReset}
}

const (
	distancePrefix = "D:"
	timeoutValue   = "TIMEOUT"
)

// ErrNotDistance is returned by ParseDistance for non-distance lines.
var ErrNotDistance = errors.New("not a distance line")

// ErrBadDistance is returned by ParseDistance for a distance line whose
// value is not a finite, non-negative number.
var ErrBadDistance = errors.New("bad distance")

// ClassifyPayload returns the line type of a bridge line.
func ClassifyPayload(payload string) string {
	p := strings.TrimSpace(payload)
	switch {
	case p == distancePrefix+timeoutValue:
		return EventTypeTimeout
	case strings.HasPrefix(p, distancePrefix):
		return EventTypeDistance
	case p == "OK":
		return EventTypeAck
	case strings.HasPrefix(p, "ERR"):
		return EventTypeError
	}
	return EventTypeUnknown
}

// ParseDistance decodes a "D:<cm>" line. timedOut is true for "D:TIMEOUT".
func ParseDistance(payload string) (cm float64, timedOut bool, err error) {
	p := strings.TrimSpace(payload)
	if !strings.HasPrefix(p, distancePrefix) {
		return 0, false, ErrNotDistance
	}
	v := strings.TrimPrefix(p, distancePrefix)
	if v == timeoutValue {
		return 0, true, nil
	}
	cm, err = strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w %q: %v", ErrBadDistance, v, err)
	}
	if math.IsNaN(cm) || math.IsInf(cm, 0) || cm < 0 {
		return 0, false, fmt.Errorf("%w %q", ErrBadDistance, v)
	}
	return cm, false, nil
}

// LCDLineCommand builds the command that writes text to display line 1 or
// 2, padded or truncated to LCDWidth.
func LCDLineCommand(line int, text string) (string, error) {
	if line != 1 && line != 2 {
		return "", fmt.Errorf("invalid LCD line %d", line)
	}
	text = strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return '?'
		}
		return r
	}, text)
	if len(text) > LCDWidth {
		text = text[:LCDWidth]
	}
	return fmt.Sprintf("L%d:%-*s", line, LCDWidth, text), nil
}
