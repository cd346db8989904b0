// Package latency measures the time from frame capture to result delivery.
package latency

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Tracker is a stopwatch for the single frame currently in flight.
type Tracker struct {
	clock clock.Clock

	mu        sync.Mutex
	frameID   uint64
	startedAt time.Time
	armed     bool
}

// New creates a Tracker reading time from c. A nil clock uses the wall clock.
func New(c clock.Clock) *Tracker {
	if c == nil {
		c = clock.New()
	}
	return &Tracker{clock: c}
}

// Stamp starts timing frameID from its capture time. A zero capturedAt uses now.
// Stamping replaces any previous, unfinished measurement.
func (t *Tracker) Stamp(frameID uint64, capturedAt time.Time) {
	if capturedAt.IsZero() {
		capturedAt = t.clock.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.frameID = frameID
	t.startedAt = capturedAt
	t.armed = true
}

// Complete stops the stopwatch for frameID and returns the elapsed milliseconds.
// It returns false when frameID is not the frame being timed.
func (t *Tracker) Complete(frameID uint64) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.armed || t.frameID != frameID {
		return 0, false
	}

	t.armed = false
	return Milliseconds(t.clock.Since(t.startedAt)), true
}

// Cancel discards the measurement for frameID, if it is the one being timed.
func (t *Tracker) Cancel(frameID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.armed && t.frameID == frameID {
		t.armed = false
	}
}

// Milliseconds converts a duration to fractional milliseconds. Negative
// durations (clock skew between capture and delivery) report zero.
func Milliseconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// Format renders a latency readout.
func Format(ms float64) string {
	return fmt.Sprintf("Latency: %.1f[ms]", ms)
}
