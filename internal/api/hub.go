package api

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/pedal.guard/internal/cyclelog"
	"github.com/banshee-data/pedal.guard/internal/monitoring"
)

// CycleView is the JSON shape of one cycle. TTC is null when infinite and
// distance is null when the echo timed out.
type CycleView struct {
	RunID            string    `json:"run_id,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	DistanceCM       *float64  `json:"distance_cm"`
	TTC              *float64  `json:"ttc"`
	VelocityAvg      float64   `json:"relative_velocity_avg"`
	Voltage          float64   `json:"voltage"`
	RawPercent       float64   `json:"raw_percent"`
	CommandedPercent float64   `json:"commanded_percent"`
	Delta            float64   `json:"delta_raw"`
	Cap              float64   `json:"cap_percent"`
	ScenarioID       int       `json:"scenario_id"`
	Accel            bool      `json:"accel_flag"`
	Brake            bool      `json:"brake_flag"`
	Misoperation     bool      `json:"misoperation_flag"`
	Lockout          bool      `json:"lockout"`
}

// ViewOf converts a record for JSON output.
func ViewOf(r cyclelog.Record) CycleView {
	v := CycleView{
		RunID:            r.RunID,
		Timestamp:        r.Timestamp,
		DistanceCM:       r.DistanceCM,
		VelocityAvg:      finite(r.VelocityAvg),
		Voltage:          r.Voltage,
		RawPercent:       r.RawPercent,
		CommandedPercent: r.CommandedPercent,
		Delta:            r.Delta,
		Cap:              r.Cap,
		ScenarioID:       r.ScenarioID,
		Accel:            r.Accel,
		Brake:            r.Brake,
		Misoperation:     r.Misoperation,
		Lockout:          r.Lockout,
	}
	if !math.IsInf(r.TTC, 0) && !math.IsNaN(r.TTC) {
		ttc := r.TTC
		v.TTC = &ttc
	}
	return v
}

func finite(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0
	}
	return v
}

const subscriberBuffer = 8

// Hub keeps the latest cycle and fans encoded cycles out to stream
// subscribers. Publish never blocks: a subscriber that falls behind loses
// messages.
type Hub struct {
	mu      sync.Mutex
	latest  *CycleView
	subs    map[string]chan []byte
	nextID  int
	dropped int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]chan []byte)}
}

// Publish records r as the latest cycle and forwards it to subscribers.
func (h *Hub) Publish(r cyclelog.Record) {
	v := ViewOf(r)
	msg, err := json.Marshal(v)
	if err != nil {
		monitoring.Logf("hub: encode cycle: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = &v
	for _, ch := range h.subs {
		select {
		case ch <- msg:
		default:
			h.dropped++
		}
	}
}

// Latest returns the most recent cycle, if any.
func (h *Hub) Latest() (CycleView, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return CycleView{}, false
	}
	return *h.latest, true
}

// Subscribe returns an id and a channel of JSON-encoded cycles.
func (h *Hub) Subscribe() (string, <-chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := fmt.Sprintf("sub-%d", h.nextID)
	ch := make(chan []byte, subscriberBuffer)
	h.subs[id] = ch
	return id, ch
}

// Unsubscribe closes the subscriber's channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many messages were not delivered to slow
// subscribers.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
