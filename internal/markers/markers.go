// Package markers consumes the timestamped flag files written by the
// vision-based pedal detector.
//
// The detector writes a single ASCII float (epoch seconds) to a marker file
// each time it sees the driver's foot on the accelerator or brake. The
// controller consumes each marker once: a marker is detected if its
// timestamp is no older than the validity window, and it is removed after
// the read whether or not it was valid.
package markers

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/banshee-data/pedal.guard/internal/fsutil"
	"github.com/banshee-data/pedal.guard/internal/monitoring"
	"github.com/banshee-data/pedal.guard/internal/security"
	"github.com/banshee-data/pedal.guard/internal/timeutil"
)

// Mode selects how a marker is claimed before reading.
type Mode int

const (
	// ConsumeAtomic renames the marker to a unique claim name, then reads
	// and removes the claim. A marker rewritten by the detector after the
	// rename is left in place for the next cycle.
	ConsumeAtomic Mode = iota
	// ConsumeLegacy reads the marker then removes it. A marker rewritten
	// between the read and the remove is lost.
	ConsumeLegacy
)

// ParseMode maps a config string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "atomic":
		return ConsumeAtomic, nil
	case "legacy":
		return ConsumeLegacy, nil
	}
	return ConsumeAtomic, fmt.Errorf("unknown marker consume mode %q", s)
}

func (m Mode) String() string {
	if m == ConsumeLegacy {
		return "legacy"
	}
	return "atomic"
}

// DefaultValidity is the maximum accepted marker age.
const DefaultValidity = 1500 * time.Millisecond

// ErrMalformed is returned by ParseTimestamp for unparseable content.
var ErrMalformed = errors.New("malformed marker timestamp")

// Flags is the per-cycle detector state.
type Flags struct {
	Accel bool
	Brake bool
}

// Reader consumes accelerator and brake markers from one directory.
type Reader struct {
	fs       fsutil.FileSystem
	clock    timeutil.Clock
	dir      string
	accel    string
	brake    string
	validity time.Duration
	mode     Mode
	seq      atomic.Uint64
}

// Options configures a Reader.
type Options struct {
	Dir         string
	AccelMarker string
	BrakeMarker string
	Validity    time.Duration
	Mode        Mode
}

// NewReader builds a Reader. Marker names must resolve inside Dir.
func NewReader(fsys fsutil.FileSystem, clock timeutil.Clock, opts Options) (*Reader, error) {
	if opts.Validity <= 0 {
		opts.Validity = DefaultValidity
	}
	r := &Reader{
		fs:       fsys,
		clock:    clock,
		dir:      filepath.Clean(opts.Dir),
		accel:    filepath.Join(opts.Dir, opts.AccelMarker),
		brake:    filepath.Join(opts.Dir, opts.BrakeMarker),
		validity: opts.Validity,
		mode:     opts.Mode,
	}
	for _, p := range []string{r.accel, r.brake} {
		if filepath.Dir(p) != r.dir {
			return nil, fmt.Errorf("marker %s is not directly inside %s", p, r.dir)
		}
	}
	if _, ok := fsys.(fsutil.OSFileSystem); ok {
		for _, p := range []string{r.accel, r.brake} {
			if err := security.ValidatePathWithinDirectory(p, r.dir); err != nil {
				return nil, fmt.Errorf("marker path: %w", err)
			}
		}
	}
	return r, nil
}

// AccelPath returns the accelerator marker path.
func (r *Reader) AccelPath() string { return r.accel }

// BrakePath returns the brake marker path.
func (r *Reader) BrakePath() string { return r.brake }

// Poll consumes both markers and reports what was detected.
func (r *Reader) Poll() Flags {
	return Flags{
		Accel: r.Consume(r.accel),
		Brake: r.Consume(r.brake),
	}
}

// Consume claims the marker at path, if present, and reports whether its
// timestamp is within the validity window. Missing, malformed and stale
// markers are "not detected".
func (r *Reader) Consume(path string) bool {
	data, err := r.claim(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			monitoring.Debugf("marker %s: %v", filepath.Base(path), err)
		}
		return false
	}

	ts, err := ParseTimestamp(string(data))
	if err != nil {
		monitoring.Debugf("marker %s: %v", filepath.Base(path), err)
		return false
	}
	if !Valid(ts, r.clock.Now(), r.validity) {
		monitoring.Debugf("marker %s: stale (%s old)", filepath.Base(path), r.clock.Now().Sub(ts))
		return false
	}
	return true
}

func (r *Reader) claim(path string) ([]byte, error) {
	if r.mode == ConsumeLegacy {
		data, err := r.fs.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := r.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			monitoring.Logf("marker %s: remove failed: %v", filepath.Base(path), err)
		}
		return data, nil
	}

	claimed := fmt.Sprintf("%s.claim-%d", path, r.seq.Add(1))
	if err := r.fs.Rename(path, claimed); err != nil {
		return nil, err
	}
	data, err := r.fs.ReadFile(claimed)
	if rmErr := r.fs.Remove(claimed); rmErr != nil {
		monitoring.Logf("marker %s: remove claim failed: %v", filepath.Base(claimed), rmErr)
	}
	return data, err
}

// Valid reports whether a marker stamped at ts is fresh at now: its age
// must not exceed validity. Stamps from the future are accepted.
func Valid(ts, now time.Time, validity time.Duration) bool {
	return now.Sub(ts) <= validity
}

// ParseTimestamp parses epoch seconds with an optional fraction. Plain
// decimal forms are parsed exactly to the nanosecond; anything else falls
// back to ParseFloat.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrMalformed
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if sec, err := strconv.ParseInt(whole, 10, 64); err == nil && sec >= 0 && isDigits(frac) {
		if !hasFrac || frac == "" {
			return time.Unix(sec, 0), nil
		}
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		nsec, _ := strconv.ParseInt(frac, 10, 64)
		return time.Unix(sec, nsec), nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f >= math.MaxInt64 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	sec, fr := math.Modf(f)
	return time.Unix(int64(sec), int64(fr*1e9)), nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Write stamps a marker with at, in the detector's format. Used by the
// dev-mode detector stand-in and tests.
func Write(fsys fsutil.FileSystem, path string, at time.Time) error {
	stamp := strconv.FormatInt(at.Unix(), 10)
	if ns := at.Nanosecond(); ns != 0 {
		stamp += "." + strings.TrimRight(fmt.Sprintf("%09d", ns), "0")
	}
	return fsys.WriteFile(path, []byte(stamp), 0o644)
}
