package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/pedal.guard/internal/fusion"
)

// DefaultConfigPath is the path to the canonical controller defaults file.
const DefaultConfigPath = "config/controller.defaults.json"

// Marker consume modes.
const (
	ConsumeAtomic = "atomic"
	ConsumeLegacy = "legacy"
)

// ControllerConfig is the root configuration for the pedal guard. Every
// field is optional; the Get* methods supply defaults for anything omitted,
// so partial files are safe.
type ControllerConfig struct {
	// Control loop
	CyclePeriod *string `json:"cycle_period,omitempty"` // duration string like "500ms"

	// Pedal calibration
	VMin       *float64 `json:"v_min,omitempty"`
	VMax       *float64 `json:"v_max,omitempty"`
	ADCChannel *int     `json:"adc_channel,omitempty"`

	// Misoperation lockout
	StompThreshold     *float64 `json:"stomp_threshold,omitempty"`
	LockoutDuration    *string  `json:"lockout_duration,omitempty"`
	StompRequiresAccel *bool    `json:"stomp_requires_accel,omitempty"`

	// Cap curve
	TLow   *float64 `json:"t_low,omitempty"`
	THigh  *float64 `json:"t_high,omitempty"`
	CapMin *float64 `json:"cap_min,omitempty"`
	CapMax *float64 `json:"cap_max,omitempty"`

	// TTC estimation
	VelocityWindow  *int     `json:"velocity_window,omitempty"`
	VelocityEpsilon *float64 `json:"velocity_epsilon,omitempty"`
	DistanceTimeout *string  `json:"distance_timeout,omitempty"`

	// Detector marker files
	MarkerDir      *string `json:"marker_dir,omitempty"`
	AccelMarker    *string `json:"accel_marker,omitempty"`
	BrakeMarker    *string `json:"brake_marker,omitempty"`
	MarkerValidity *string `json:"marker_validity,omitempty"`
	MarkerConsume  *string `json:"marker_consume,omitempty"` // "atomic" or "legacy"

	// Alert timing
	AlertOn  *string `json:"alert_on,omitempty"`
	AlertOff *string `json:"alert_off,omitempty"`

	// Pedal I/O bridge
	SerialPort     *string `json:"serial_port,omitempty"`
	SerialBaudRate *int    `json:"serial_baud_rate,omitempty"`

	// CAN bus
	CANInterface      *string `json:"can_interface,omitempty"`
	CANPedalFrameID   *uint32 `json:"can_pedal_frame_id,omitempty"`
	CANCommandFrameID *uint32 `json:"can_command_frame_id,omitempty"`
	PedalFrameMaxAge  *string `json:"pedal_frame_max_age,omitempty"`

	// Telemetry
	MQTTBroker *string `json:"mqtt_broker,omitempty"`
	MQTTTopic  *string `json:"mqtt_topic,omitempty"`

	// Outputs
	DBPath  *string `json:"db_path,omitempty"`
	CSVPath *string `json:"csv_path,omitempty"`
	Listen  *string `json:"listen,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrUint32(v uint32) *uint32    { return &v }

// EmptyControllerConfig returns a ControllerConfig with all fields unset.
func EmptyControllerConfig() *ControllerConfig {
	return &ControllerConfig{}
}

// LoadControllerConfig loads a ControllerConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadControllerConfig(path string) (*ControllerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyControllerConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching from the current
// directory up to the repository root. Panics on failure; intended for
// tests.
func MustLoadDefaultConfig() *ControllerConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadControllerConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *ControllerConfig) Validate() error {
	durations := map[string]*string{
		"cycle_period":        c.CyclePeriod,
		"lockout_duration":    c.LockoutDuration,
		"distance_timeout":    c.DistanceTimeout,
		"marker_validity":     c.MarkerValidity,
		"alert_on":            c.AlertOn,
		"alert_off":           c.AlertOff,
		"pedal_frame_max_age": c.PedalFrameMaxAge,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	if c.GetVMax() <= c.GetVMin() {
		return fmt.Errorf("v_max (%.3f) must exceed v_min (%.3f)", c.GetVMax(), c.GetVMin())
	}
	if c.StompThreshold != nil && *c.StompThreshold <= 0 {
		return fmt.Errorf("stomp_threshold must be positive, got %f", *c.StompThreshold)
	}
	if err := c.CapCurve().Validate(); err != nil {
		return err
	}
	if c.VelocityWindow != nil && *c.VelocityWindow < 1 {
		return fmt.Errorf("velocity_window must be at least 1, got %d", *c.VelocityWindow)
	}
	if c.VelocityEpsilon != nil && *c.VelocityEpsilon < 0 {
		return fmt.Errorf("velocity_epsilon must be non-negative, got %g", *c.VelocityEpsilon)
	}
	if c.ADCChannel != nil && (*c.ADCChannel < 0 || *c.ADCChannel > 7) {
		return fmt.Errorf("adc_channel must be between 0 and 7, got %d", *c.ADCChannel)
	}
	if c.MarkerConsume != nil {
		switch strings.ToLower(*c.MarkerConsume) {
		case "", ConsumeAtomic, ConsumeLegacy:
		default:
			return fmt.Errorf("marker_consume must be %q or %q, got %q", ConsumeAtomic, ConsumeLegacy, *c.MarkerConsume)
		}
	}
	for name, v := range map[string]*string{"accel_marker": c.AccelMarker, "brake_marker": c.BrakeMarker} {
		if v != nil && (*v == "" || filepath.Base(*v) != *v) {
			return fmt.Errorf("%s must be a bare file name inside marker_dir, got %q", name, *v)
		}
	}

	return nil
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func getString(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

// GetCyclePeriod returns the control loop period.
func (c *ControllerConfig) GetCyclePeriod() time.Duration {
	return getDuration(c.CyclePeriod, 500*time.Millisecond)
}

// GetVMin returns the pedal sensor voltage at zero travel.
func (c *ControllerConfig) GetVMin() float64 {
	if c.VMin == nil {
		return fusion.DefaultVMin
	}
	return *c.VMin
}

// GetVMax returns the pedal sensor voltage at full travel.
func (c *ControllerConfig) GetVMax() float64 {
	if c.VMax == nil {
		return fusion.DefaultVMax
	}
	return *c.VMax
}

// GetADCChannel returns the MCP3208 channel wired to the pedal sensor.
func (c *ControllerConfig) GetADCChannel() int {
	if c.ADCChannel == nil {
		return 0
	}
	return *c.ADCChannel
}

// GetStompThreshold returns the stomp threshold in percentage points.
func (c *ControllerConfig) GetStompThreshold() float64 {
	if c.StompThreshold == nil {
		return fusion.DefaultStompThreshold
	}
	return *c.StompThreshold
}

// GetLockoutDuration returns the lockout window.
func (c *ControllerConfig) GetLockoutDuration() time.Duration {
	return getDuration(c.LockoutDuration, fusion.DefaultLockoutDuration)
}

// GetStompRequiresAccel returns whether stomp detection is gated on the
// accelerator marker.
func (c *ControllerConfig) GetStompRequiresAccel() bool {
	if c.StompRequiresAccel == nil {
		return false
	}
	return *c.StompRequiresAccel
}

// CapCurve assembles the configured cap curve.
func (c *ControllerConfig) CapCurve() fusion.CapCurve {
	curve := fusion.DefaultCapCurve()
	if c.TLow != nil {
		curve.TLow = *c.TLow
	}
	if c.THigh != nil {
		curve.THigh = *c.THigh
	}
	if c.CapMin != nil {
		curve.CapMin = *c.CapMin
	}
	if c.CapMax != nil {
		curve.CapMax = *c.CapMax
	}
	return curve
}

// GetVelocityWindow returns the closing-velocity smoothing window size.
func (c *ControllerConfig) GetVelocityWindow() int {
	if c.VelocityWindow == nil {
		return fusion.DefaultVelocityWindow
	}
	return *c.VelocityWindow
}

// GetVelocityEpsilon returns the not-closing threshold in m/s.
func (c *ControllerConfig) GetVelocityEpsilon() float64 {
	if c.VelocityEpsilon == nil {
		return fusion.DefaultVelocityEpsilon
	}
	return *c.VelocityEpsilon
}

// GetDistanceTimeout returns the bounded wait for an echo.
func (c *ControllerConfig) GetDistanceTimeout() time.Duration {
	return getDuration(c.DistanceTimeout, 500*time.Millisecond)
}

// GetMarkerDir returns the directory the vision detector writes markers to.
func (c *ControllerConfig) GetMarkerDir() string { return getString(c.MarkerDir, "/tmp") }

// GetAccelMarker returns the accelerator marker file name.
func (c *ControllerConfig) GetAccelMarker() string {
	return getString(c.AccelMarker, "accel_detected.flag")
}

// GetBrakeMarker returns the brake marker file name.
func (c *ControllerConfig) GetBrakeMarker() string {
	return getString(c.BrakeMarker, "brake_detected.flag")
}

// GetMarkerValidity returns the maximum marker age accepted.
func (c *ControllerConfig) GetMarkerValidity() time.Duration {
	return getDuration(c.MarkerValidity, 1500*time.Millisecond)
}

// GetMarkerConsume returns the marker consume mode.
func (c *ControllerConfig) GetMarkerConsume() string {
	return strings.ToLower(getString(c.MarkerConsume, ConsumeAtomic))
}

// GetAlertOn returns the buzzer on hold.
func (c *ControllerConfig) GetAlertOn() time.Duration {
	return getDuration(c.AlertOn, 200*time.Millisecond)
}

// GetAlertOff returns the buzzer off hold.
func (c *ControllerConfig) GetAlertOff() time.Duration {
	return getDuration(c.AlertOff, 100*time.Millisecond)
}

// GetSerialPort returns the pedal I/O bridge device path.
func (c *ControllerConfig) GetSerialPort() string {
	return getString(c.SerialPort, "/dev/ttyAMA0")
}

// GetSerialBaudRate returns the bridge baud rate.
func (c *ControllerConfig) GetSerialBaudRate() int {
	if c.SerialBaudRate == nil || *c.SerialBaudRate <= 0 {
		return 115200
	}
	return *c.SerialBaudRate
}

// GetCANInterface returns the SocketCAN interface name.
func (c *ControllerConfig) GetCANInterface() string {
	return getString(c.CANInterface, "can0")
}

// GetCANPedalFrameID returns the ID of the pedal ADC frame.
func (c *ControllerConfig) GetCANPedalFrameID() uint32 {
	if c.CANPedalFrameID == nil {
		return 0x1A0
	}
	return *c.CANPedalFrameID
}

// GetCANCommandFrameID returns the ID of the commanded throttle frame.
func (c *ControllerConfig) GetCANCommandFrameID() uint32 {
	if c.CANCommandFrameID == nil {
		return 0x1B0
	}
	return *c.CANCommandFrameID
}

// GetPedalFrameMaxAge returns how old the latest pedal frame may be.
func (c *ControllerConfig) GetPedalFrameMaxAge() time.Duration {
	return getDuration(c.PedalFrameMaxAge, 250*time.Millisecond)
}

// GetMQTTBroker returns the telemetry broker; empty disables telemetry.
func (c *ControllerConfig) GetMQTTBroker() string { return getString(c.MQTTBroker, "") }

// GetMQTTTopic returns the telemetry topic.
func (c *ControllerConfig) GetMQTTTopic() string {
	return getString(c.MQTTTopic, "roadcast/control/speed/A")
}

// GetDBPath returns the SQLite database path.
func (c *ControllerConfig) GetDBPath() string { return getString(c.DBPath, "pedal_guard.db") }

// GetCSVPath returns the CSV log path; empty disables the CSV log.
func (c *ControllerConfig) GetCSVPath() string { return getString(c.CSVPath, "") }

// GetListen returns the HTTP listen address.
func (c *ControllerConfig) GetListen() string { return getString(c.Listen, ":8080") }

// FusionConfig assembles the decision pipeline configuration.
func (c *ControllerConfig) FusionConfig() fusion.Config {
	return fusion.Config{
		Normalizer:         fusion.Normalizer{VMin: c.GetVMin(), VMax: c.GetVMax()},
		Curve:              c.CapCurve(),
		StompThreshold:     c.GetStompThreshold(),
		LockoutDuration:    c.GetLockoutDuration(),
		VelocityWindow:     c.GetVelocityWindow(),
		VelocityEpsilon:    c.GetVelocityEpsilon(),
		StompRequiresAccel: c.GetStompRequiresAccel(),
	}
}
