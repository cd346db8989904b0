// Package pipeline connects the capture stream to the inference engine and
// publishes overlay states built from the engine's results.
//
// Frames arrive on the capture goroutine through OnFrame, which never blocks.
// At most one frame is in flight to the engine; its completion is handed to a
// single render goroutine (Run) which transforms the predictions, replaces the
// current overlay and notifies renderers one at a time.
package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/ayusman/framelens/internal/admission"
	"github.com/ayusman/framelens/internal/capture"
	"github.com/ayusman/framelens/internal/detector"
	"github.com/ayusman/framelens/internal/geometry"
	"github.com/ayusman/framelens/internal/latency"
	"github.com/ayusman/framelens/internal/logger"
	"github.com/ayusman/framelens/internal/overlay"
)

// ErrStopped is returned by Run when the controller was already stopped.
var ErrStopped = errors.New("pipeline stopped")

// Inference runs a frame through the engine asynchronously and calls done
// exactly once. *detector.Adapter implements it.
type Inference interface {
	Submit(ctx context.Context, frameID uint64, frame *gocv.Mat, done func(detector.Completion))
}

// Phase is the controller's position in an admission cycle. It is derived
// from the admission state and the results still waiting to be published, so
// a frame admitted while an earlier result renders reports WaitingResult.
type Phase int32

const (
	AwaitingFrame Phase = iota
	Admitting
	WaitingResult
	ResultReceived
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case AwaitingFrame:
		return "awaiting_frame"
	case Admitting:
		return "admitting"
	case WaitingResult:
		return "waiting_result"
	case ResultReceived:
		return "result_received"
	default:
		return "unknown"
	}
}

// Config is fixed at construction.
type Config struct {
	// Variant is the model shape the engine serves.
	Variant detector.Variant
	// Cooldown is the quiet period after each delivered result.
	Cooldown time.Duration
	// Convention is the sensor layout relative to the display.
	Convention geometry.Convention
	// Source is the inference input size used when a frame carries no pixels.
	Source geometry.Size
	// Display is the initial display size; see SetDisplaySize.
	Display geometry.Size
}

// DefaultConfig returns the default controller settings.
func DefaultConfig() Config {
	return Config{
		Variant:    detector.Detector,
		Cooldown:   250 * time.Millisecond,
		Convention: geometry.Rotated,
		Source:     geometry.Size{Width: 640, Height: 480},
		Display:    geometry.Size{Width: 480, Height: 640},
	}
}

// Stats is a snapshot of controller counters.
type Stats struct {
	Phase         string          `json:"phase"`
	Admission     admission.Stats `json:"admission"`
	Rejected      uint64          `json:"rejected"`
	Published     uint64          `json:"published"`
	LastLatencyMs float64         `json:"last_latency_ms"`
	Generation    uint64          `json:"generation"`
}

// cycle is one admitted frame's journey through the engine.
type cycle struct {
	frameID     uint64
	source      geometry.Size
	orientation geometry.Orientation
	completion  detector.Completion
	latencyMs   float64
}

// Controller drives admission, inference and overlay publication.
type Controller struct {
	cfg       Config
	engine    Inference
	admission *admission.Admission
	tracker   *latency.Tracker
	slot      *overlay.Slot
	clock     clock.Clock
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan cycle

	mu        sync.RWMutex
	display   geometry.Size
	renderers []overlay.Renderer
	observers []overlay.LatencyObserver

	admitting atomic.Int32
	pending   atomic.Int32 // results handed to Run and not yet published
	running   atomic.Bool
	rejected  atomic.Uint64
	published atomic.Uint64
	lastMs    atomic.Uint64 // float64 bits
}

// New creates a Controller. A nil clock uses the wall clock.
func New(cfg Config, engine Inference, c clock.Clock) *Controller {
	if c == nil {
		c = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Controller{
		cfg:       cfg,
		engine:    engine,
		admission: admission.New(cfg.Cooldown, c),
		tracker:   latency.New(c),
		slot:      overlay.NewSlot(),
		clock:     c,
		log:       logger.For("Pipeline"),
		ctx:       ctx,
		cancel:    cancel,
		// One cycle is in flight at most, so this never fills.
		done:    make(chan cycle, 1),
		display: cfg.Display,
	}
}

// Subscribe registers a renderer. Renderers are called in registration order
// on the render goroutine.
func (c *Controller) Subscribe(r overlay.Renderer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renderers = append(c.renderers, r)
}

// SubscribeLatency registers a latency observer.
func (c *Controller) SubscribeLatency(o overlay.LatencyObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// SetDisplaySize changes the display bounds used for subsequent results.
func (c *Controller) SetDisplaySize(s geometry.Size) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.display = s
}

// DisplaySize returns the current display bounds.
func (c *Controller) DisplaySize() geometry.Size {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.display
}

// Phase returns the current cycle phase.
func (c *Controller) Phase() Phase {
	switch {
	case c.admission.State().Phase == admission.InFlight:
		return WaitingResult
	case c.pending.Load() > 0:
		return ResultReceived
	case c.admitting.Load() > 0:
		return Admitting
	default:
		return AwaitingFrame
	}
}

// Admission returns the current admission state.
func (c *Controller) Admission() admission.State {
	return c.admission.State()
}

// Current returns the current overlay state.
func (c *Controller) Current() overlay.State {
	return c.slot.Load()
}

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Phase:         c.Phase().String(),
		Admission:     c.admission.Stats(),
		Rejected:      c.rejected.Load(),
		Published:     c.published.Load(),
		LastLatencyMs: c.lastLatency(),
		Generation:    c.slot.Generation(),
	}
}

// OnFrame offers a captured frame. It never blocks: a frame that is not
// admitted is released immediately, an admitted one once its result is in.
func (c *Controller) OnFrame(f *capture.Frame) {
	if f == nil {
		return
	}
	if c.ctx.Err() != nil {
		f.Release()
		return
	}

	c.admitting.Add(1)
	decision := c.admission.Offer(f.ID)
	c.admitting.Add(-1)

	if decision == admission.Dropped {
		f.Release()
		return
	}

	c.tracker.Stamp(f.ID, f.CapturedAt)

	cyc := cycle{
		frameID:     f.ID,
		source:      f.Size(),
		orientation: f.Orientation,
	}
	if cyc.source.Width <= 0 || cyc.source.Height <= 0 {
		cyc.source = c.cfg.Source
	}

	c.engine.Submit(c.ctx, f.ID, f.Pixels, func(comp detector.Completion) {
		f.Release()
		c.complete(cyc, comp)
	})
}

// complete runs on the engine's goroutine.
func (c *Controller) complete(cyc cycle, comp detector.Completion) {
	if comp.Err != nil {
		c.tracker.Cancel(cyc.frameID)
		if err := c.admission.Fail(comp.FrameID); err != nil {
			return
		}
		c.rejected.Add(1)
		c.log.Debug().Err(comp.Err).Uint64("frame_id", comp.FrameID).Msg("cycle dropped")
		return
	}

	// Counted before admission is released so a frame admitted right after
	// never sees this cycle as finished.
	c.pending.Add(1)
	if err := c.admission.Complete(comp.FrameID); err != nil {
		c.pending.Add(-1)
		return
	}

	ms, ok := c.tracker.Complete(cyc.frameID)
	if !ok {
		ms = latency.Milliseconds(comp.Inference)
	}
	cyc.completion = comp
	cyc.latencyMs = ms

	select {
	case c.done <- cyc:
	case <-c.ctx.Done():
		c.pending.Add(-1)
	}
}

// Run is the render goroutine. It publishes results until ctx is cancelled or
// Stop is called, then cancels any in-flight inference.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("pipeline already running")
	}
	if c.ctx.Err() != nil {
		return ErrStopped
	}
	defer c.cancel()

	c.log.Info().
		Str("variant", c.cfg.Variant.String()).
		Dur("cooldown", c.cfg.Cooldown).
		Str("convention", c.cfg.Convention.String()).
		Msg("pipeline started")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Interface("stats", c.Stats()).Msg("pipeline stopped")
			return nil
		case <-c.ctx.Done():
			c.log.Info().Interface("stats", c.Stats()).Msg("pipeline stopped")
			return nil
		case cyc := <-c.done:
			c.publish(cyc)
		}
	}
}

// Stop ends Run and refuses further frames.
func (c *Controller) Stop() {
	c.cancel()
}

func (c *Controller) publish(cyc cycle) {
	defer c.pending.Add(-1)

	c.mu.RLock()
	display := c.display
	renderers := append([]overlay.Renderer(nil), c.renderers...)
	observers := append([]overlay.LatencyObserver(nil), c.observers...)
	c.mu.RUnlock()

	st := c.build(cyc, display)
	st = c.slot.Replace(st)
	c.published.Add(1)
	c.storeLatency(cyc.latencyMs)

	for _, r := range renderers {
		r.OnOverlayUpdated(st)
	}
	for _, o := range observers {
		o.OnLatencyUpdated(st.LatencyMs)
	}
}

// build transforms one result batch into a complete overlay state.
func (c *Controller) build(cyc cycle, display geometry.Size) overlay.State {
	res := cyc.completion.Result
	st := overlay.State{
		FrameID:   cyc.frameID,
		Kind:      res.Kind,
		LatencyMs: cyc.latencyMs,
		Display:   display,
		UpdatedAt: c.clock.Now(),
	}

	if res.Kind == detector.KindClassification {
		p := res.Classification
		st.Shapes = []overlay.Shape{{
			Rect:       geometry.LabelRegion(display),
			Label:      p.Label,
			Confidence: p.Confidence,
			Text:       overlay.ClassificationText(p.Label, p.Confidence),
		}}
		return st
	}

	tr := geometry.NewTransformer(cyc.source, c.cfg.Convention)
	st.Shapes = make([]overlay.Shape, 0, len(res.Detections))
	for _, p := range res.Detections {
		st.Shapes = append(st.Shapes, overlay.Shape{
			Rect:       tr.Transform(p.Box, display, cyc.orientation),
			Label:      p.Label,
			Confidence: p.Confidence,
			Text:       overlay.DetectionText(p.Label, p.Confidence),
		})
	}
	return st
}

func (c *Controller) storeLatency(ms float64) {
	c.lastMs.Store(math.Float64bits(ms))
}

func (c *Controller) lastLatency() float64 {
	return math.Float64frombits(c.lastMs.Load())
}
