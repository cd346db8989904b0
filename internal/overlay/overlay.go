// Package overlay holds the current set of rendered prediction shapes and the
// collaborators that present it.
package overlay

import (
	"sync/atomic"
	"time"

	"github.com/ayusman/framelens/internal/detector"
	"github.com/ayusman/framelens/internal/geometry"
	"github.com/ayusman/framelens/internal/latency"
)

// Shape is one prediction placed in display space.
type Shape struct {
	Rect       geometry.Rect `json:"rect"`
	Label      string        `json:"label"`
	Confidence float64       `json:"confidence"`
	Text       string        `json:"text"`
}

// State is one overlay generation. Every State is built from exactly one
// result batch and is never modified after it is published.
type State struct {
	Generation uint64        `json:"generation"`
	FrameID    uint64        `json:"frame_id"`
	Kind       detector.Kind `json:"kind"`
	Shapes     []Shape       `json:"shapes"`
	LatencyMs  float64       `json:"latency_ms"`
	Display    geometry.Size `json:"display"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// LatencyText returns the latency readout for the state.
func (s State) LatencyText() string {
	return latency.Format(s.LatencyMs)
}

// Clone returns a copy that shares no memory with s.
func (s State) Clone() State {
	out := s
	if s.Shapes != nil {
		out.Shapes = make([]Shape, len(s.Shapes))
		copy(out.Shapes, s.Shapes)
	}
	return out
}

// Renderer is notified with every published State, on the render goroutine.
// Implementations must return quickly.
type Renderer interface {
	OnOverlayUpdated(State)
}

// LatencyObserver is notified with the latency of every completed cycle.
type LatencyObserver interface {
	OnLatencyUpdated(ms float64)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(State)

func (f RendererFunc) OnOverlayUpdated(s State) { f(s) }

// LatencyFunc adapts a function to LatencyObserver.
type LatencyFunc func(float64)

func (f LatencyFunc) OnLatencyUpdated(ms float64) { f(ms) }

// Slot is the single current State. Replace swaps in a whole new State, so a
// reader never sees shapes from two batches.
type Slot struct {
	cur atomic.Pointer[State]
}

// NewSlot returns a Slot holding an empty generation zero state.
func NewSlot() *Slot {
	s := &Slot{}
	s.cur.Store(&State{Shapes: []Shape{}})
	return s
}

// Load returns the current state.
func (s *Slot) Load() State {
	p := s.cur.Load()
	if p == nil {
		return State{Shapes: []Shape{}}
	}
	return p.Clone()
}

// Generation returns the current generation without copying shapes.
func (s *Slot) Generation() uint64 {
	if p := s.cur.Load(); p != nil {
		return p.Generation
	}
	return 0
}

// Replace publishes next as the current state with the following generation
// number, and returns what was stored.
func (s *Slot) Replace(next State) State {
	next = next.Clone()
	if next.Shapes == nil {
		next.Shapes = []Shape{}
	}
	for {
		prev := s.cur.Load()
		var gen uint64
		if prev != nil {
			gen = prev.Generation
		}
		next.Generation = gen + 1
		if s.cur.CompareAndSwap(prev, &next) {
			return next.Clone()
		}
	}
}
