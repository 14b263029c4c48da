package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/pedal.guard/internal/fusion"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyControllerConfig()

	if got := cfg.GetCyclePeriod(); got != 500*time.Millisecond {
		t.Errorf("GetCyclePeriod() = %v, want 500ms", got)
	}
	if got := cfg.GetLockoutDuration(); got != 3*time.Second {
		t.Errorf("GetLockoutDuration() = %v, want 3s", got)
	}
	if got := cfg.GetMarkerValidity(); got != 1500*time.Millisecond {
		t.Errorf("GetMarkerValidity() = %v, want 1.5s", got)
	}
	if got := cfg.GetMarkerConsume(); got != ConsumeAtomic {
		t.Errorf("GetMarkerConsume() = %q, want %q", got, ConsumeAtomic)
	}
	if got := cfg.GetAccelMarker(); got != "accel_detected.flag" {
		t.Errorf("GetAccelMarker() = %q", got)
	}
	if got := cfg.GetCANPedalFrameID(); got != 0x1A0 {
		t.Errorf("GetCANPedalFrameID() = %#x, want 0x1a0", got)
	}
	if got := cfg.GetMQTTTopic(); got != "roadcast/control/speed/A" {
		t.Errorf("GetMQTTTopic() = %q", got)
	}
	if got := cfg.GetMQTTBroker(); got != "" {
		t.Errorf("GetMQTTBroker() = %q, want empty", got)
	}
	if curve := cfg.CapCurve(); curve != fusion.DefaultCapCurve() {
		t.Errorf("CapCurve() = %+v, want %+v", curve, fusion.DefaultCapCurve())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty config should validate: %v", err)
	}
}

func TestDefaultsFileMatchesBuiltins(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	empty := EmptyControllerConfig()

	if cfg.FusionConfig() != empty.FusionConfig() {
		t.Errorf("defaults file fusion config %+v differs from built-ins %+v",
			cfg.FusionConfig(), empty.FusionConfig())
	}
	if cfg.GetDistanceTimeout() != empty.GetDistanceTimeout() {
		t.Errorf("distance_timeout = %v, want %v", cfg.GetDistanceTimeout(), empty.GetDistanceTimeout())
	}
	if cfg.GetCANCommandFrameID() != empty.GetCANCommandFrameID() {
		t.Errorf("can_command_frame_id = %#x, want %#x", cfg.GetCANCommandFrameID(), empty.GetCANCommandFrameID())
	}
	if cfg.GetAlertOn() != 200*time.Millisecond || cfg.GetAlertOff() != 100*time.Millisecond {
		t.Errorf("alert timing = %v/%v, want 200ms/100ms", cfg.GetAlertOn(), cfg.GetAlertOff())
	}
}

func TestLoadControllerConfig_Partial(t *testing.T) {
	path := writeConfig(t, "partial.json", `{"t_low": 1.5, "lockout_duration": "2s", "stomp_requires_accel": true}`)

	cfg, err := LoadControllerConfig(path)
	if err != nil {
		t.Fatalf("LoadControllerConfig: %v", err)
	}

	fc := cfg.FusionConfig()
	if fc.Curve.TLow != 1.5 {
		t.Errorf("TLow = %v, want 1.5", fc.Curve.TLow)
	}
	if fc.Curve.THigh != 3.0 {
		t.Errorf("THigh = %v, want default 3.0", fc.Curve.THigh)
	}
	if fc.LockoutDuration != 2*time.Second {
		t.Errorf("LockoutDuration = %v, want 2s", fc.LockoutDuration)
	}
	if !fc.StompRequiresAccel {
		t.Error("StompRequiresAccel should be true")
	}
	if _, err := fusion.NewController(fc); err != nil {
		t.Errorf("loaded config rejected by controller: %v", err)
	}
}

func TestLoadControllerConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"wrong extension", "cfg.yaml", `{}`, ".json extension"},
		{"bad json", "cfg.json", `{"t_low":`, "parse config JSON"},
		{"bad duration", "cfg.json", `{"cycle_period": "soon"}`, "cycle_period"},
		{"zero duration", "cfg.json", `{"lockout_duration": "0s"}`, "must be positive"},
		{"inverted calibration", "cfg.json", `{"v_min": 2.2, "v_max": 1.7}`, "v_max"},
		{"inverted curve", "cfg.json", `{"t_low": 3.5}`, "t_low"},
		{"cap out of range", "cfg.json", `{"cap_min": 120}`, "cap"},
		{"negative stomp", "cfg.json", `{"stomp_threshold": -5}`, "stomp_threshold"},
		{"window zero", "cfg.json", `{"velocity_window": 0}`, "velocity_window"},
		{"adc channel", "cfg.json", `{"adc_channel": 9}`, "adc_channel"},
		{"consume mode", "cfg.json", `{"marker_consume": "lazy"}`, "marker_consume"},
		{"marker path", "cfg.json", `{"accel_marker": "../etc/passwd"}`, "accel_marker"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.body)
			_, err := LoadControllerConfig(path)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(strings.ToLower(err.Error()), strings.ToLower(tt.wantErr)) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadControllerConfig_TooLarge(t *testing.T) {
	body := `{"mqtt_topic": "` + strings.Repeat("x", 1024*1024) + `"}`
	path := writeConfig(t, "big.json", body)
	if _, err := LoadControllerConfig(path); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected too large error, got %v", err)
	}
}

func TestLoadControllerConfig_Missing(t *testing.T) {
	if _, err := LoadControllerConfig(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestGetDurationFallsBackOnGarbage(t *testing.T) {
	cfg := &ControllerConfig{AlertOn: ptrString("loud")}
	if got := cfg.GetAlertOn(); got != 200*time.Millisecond {
		t.Errorf("GetAlertOn() = %v, want default 200ms", got)
	}
	cfg.AlertOn = ptrString("50ms")
	if got := cfg.GetAlertOn(); got != 50*time.Millisecond {
		t.Errorf("GetAlertOn() = %v, want 50ms", got)
	}
}

func TestPointerHelpers(t *testing.T) {
	cfg := &ControllerConfig{
		VMin:               ptrFloat64(1.6),
		StompRequiresAccel: ptrBool(true),
		VelocityWindow:     ptrInt(4),
		CANPedalFrameID:    ptrUint32(0x123),
		MarkerConsume:      ptrString("LEGACY"),
	}
	if cfg.GetVMin() != 1.6 || !cfg.GetStompRequiresAccel() || cfg.GetVelocityWindow() != 4 {
		t.Errorf("unexpected getters: %+v", cfg.FusionConfig())
	}
	if cfg.GetCANPedalFrameID() != 0x123 {
		t.Errorf("GetCANPedalFrameID() = %#x", cfg.GetCANPedalFrameID())
	}
	if cfg.GetMarkerConsume() != ConsumeLegacy {
		t.Errorf("GetMarkerConsume() = %q, want legacy", cfg.GetMarkerConsume())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
