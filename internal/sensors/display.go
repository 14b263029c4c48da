package sensors

import (
	"fmt"

	"github.com/banshee-data/pedal.guard/internal/serialmux"
)

// SerialDisplay drives the 16x2 character LCD attached to the bridge.
type SerialDisplay struct {
	Mux serialmux.SerialMuxInterface
}

// ShowStatus clears the display and writes both lines.
func (d SerialDisplay) ShowStatus(line1, line2 string) error {
	if err := d.Clear(); err != nil {
		return err
	}
	for i, text := range []string{line1, line2} {
		cmd, err := serialmux.LCDLineCommand(i+1, text)
		if err != nil {
			return err
		}
		if err := d.Mux.SendCommand(cmd); err != nil {
			return fmt.Errorf("lcd line %d: %w", i+1, err)
		}
	}
	return nil
}

func (d SerialDisplay) Clear() error {
	if err := d.Mux.SendCommand(serialmux.CmdLCDClear); err != nil {
		return fmt.Errorf("lcd clear: %w", err)
	}
	return nil
}

func (d SerialDisplay) SetBacklight(on bool) error {
	cmd := serialmux.CmdBacklightOff
	if on {
		cmd = serialmux.CmdBacklightOn
	}
	if err := d.Mux.SendCommand(cmd); err != nil {
		return fmt.Errorf("lcd backlight: %w", err)
	}
	return nil
}
