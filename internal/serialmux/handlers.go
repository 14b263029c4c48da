package serialmux

import (
	"context"
	"sync"

	"github.com/banshee-data/pedal.guard/internal/monitoring"
)

// EventCounter tallies bridge lines by type.
type EventCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewEventCounter returns an empty counter.
func NewEventCounter() *EventCounter {
	return &EventCounter{counts: make(map[string]int)}
}

// HandleEvent classifies and records one bridge line. Error lines are
// logged; unknown lines only at debug level.
func (c *EventCounter) HandleEvent(payload string) {
	kind := ClassifyPayload(payload)
	switch kind {
	case EventTypeError:
		monitoring.Logf("bridge reported error: %s", payload)
	case EventTypeUnknown:
		monitoring.Debugf("bridge: unknown line %q", payload)
	}

	c.mu.Lock()
	c.counts[kind]++
	c.mu.Unlock()
}

// Snapshot returns a copy of the counts.
func (c *EventCounter) Snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Run feeds every line from mux into c until ctx is done or the mux closes.
func (c *EventCounter) Run(ctx context.Context, mux SerialMuxInterface) {
	id, ch := mux.Subscribe()
	defer mux.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			c.HandleEvent(line)
		}
	}
}
