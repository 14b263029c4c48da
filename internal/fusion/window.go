package fusion

import "math"

// RollingWindow is a fixed-capacity ring of the last N samples.
//
// All N slots always participate in the statistics, including the zero
// fill present before N samples have been pushed. Early averages are
// therefore biased toward zero until the window has filled.
type RollingWindow struct {
	values []float64
	index  int
	pushed int
	sum    float64
	min    float64
	max    float64
}

// NewRollingWindow returns a zero-filled window with size slots. Sizes below
// one are raised to one.
func NewRollingWindow(size int) *RollingWindow {
	if size < 1 {
		size = 1
	}
	return &RollingWindow{values: make([]float64, size)}
}

// Push overwrites the oldest slot with v and refreshes the statistics.
// Non-finite values are dropped; one would poison the running sum.
func (w *RollingWindow) Push(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	old := w.values[w.index]
	w.values[w.index] = v
	w.sum = w.sum - old + v
	w.index = (w.index + 1) % len(w.values)
	if w.pushed < len(w.values) {
		w.pushed++
	}

	// min/max cannot be maintained incrementally once the evicted slot
	// was an extreme, so rescan. N is small.
	w.min, w.max = math.Inf(1), math.Inf(-1)
	for _, x := range w.values {
		w.min = math.Min(w.min, x)
		w.max = math.Max(w.max, x)
	}
}

// Average is the mean of all slots.
func (w *RollingWindow) Average() float64 {
	return w.sum / float64(len(w.values))
}

// Min is the smallest slot value, zero before the first push.
func (w *RollingWindow) Min() float64 {
	if w.pushed == 0 {
		return 0
	}
	return w.min
}

// Max is the largest slot value, zero before the first push.
func (w *RollingWindow) Max() float64 {
	if w.pushed == 0 {
		return 0
	}
	return w.max
}

// Size is the fixed capacity of the window.
func (w *RollingWindow) Size() int { return len(w.values) }

// Filled reports whether every slot holds a pushed sample.
func (w *RollingWindow) Filled() bool { return w.pushed == len(w.values) }

// Values returns a copy of the slots, oldest first.
func (w *RollingWindow) Values() []float64 {
	out := make([]float64, 0, len(w.values))
	out = append(out, w.values[w.index:]...)
	out = append(out, w.values[:w.index]...)
	return out
}
