package pipeline

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"gocv.io/x/gocv"

	"github.com/ayusman/framelens/internal/admission"
	"github.com/ayusman/framelens/internal/capture"
	"github.com/ayusman/framelens/internal/detector"
	"github.com/ayusman/framelens/internal/geometry"
	"github.com/ayusman/framelens/internal/overlay"
)

type submission struct {
	frameID uint64
	done    func(detector.Completion)
}

// fakeEngine records submissions and lets the test deliver completions.
type fakeEngine struct {
	mu   sync.Mutex
	subs []submission
}

func (e *fakeEngine) Submit(ctx context.Context, frameID uint64, frame *gocv.Mat, done func(detector.Completion)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, submission{frameID: frameID, done: done})
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

func (e *fakeEngine) last(t *testing.T) submission {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.subs) == 0 {
		t.Fatal("no frame was submitted")
	}
	return e.subs[len(e.subs)-1]
}

func detections(obs []detector.Observation) detector.Result {
	res, _, _ := detector.Decode(detector.Detector, obs)
	return res
}

type harness struct {
	ctrl   *Controller
	engine *fakeEngine
	clock  *clock.Mock
	states chan overlay.State
	cancel context.CancelFunc
	ran    chan error
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		engine: &fakeEngine{},
		clock:  clock.NewMock(),
		states: make(chan overlay.State, 16),
		ran:    make(chan error, 1),
	}
	h.ctrl = New(cfg, h.engine, h.clock)
	h.ctrl.Subscribe(overlay.RendererFunc(func(s overlay.State) { h.states <- s }))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.ran <- h.ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.ran
	})
	return h
}

func (h *harness) frame(id uint64) *capture.Frame {
	return capture.NewFrame(id, h.clock.Now(), nil, geometry.Up)
}

func (h *harness) next(t *testing.T) overlay.State {
	t.Helper()
	select {
	case s := <-h.states:
		return s
	case <-time.After(time.Second):
		t.Fatal("no overlay state published")
		return overlay.State{}
	}
}

func (h *harness) expectNone(t *testing.T) {
	t.Helper()
	select {
	case s := <-h.states:
		t.Fatalf("unexpected overlay state published: %+v", s)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestController_DetectionCycle(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.ctrl.OnFrame(h.frame(1))
	if h.ctrl.Phase() != WaitingResult {
		t.Errorf("Phase() = %v, want waiting_result", h.ctrl.Phase())
	}

	h.clock.Add(40 * time.Millisecond)
	sub := h.engine.last(t)
	sub.done(detector.Completion{FrameID: sub.frameID, Result: detections(detector.CatDogObservations())})

	st := h.next(t)
	if math.Abs(st.LatencyMs-40) > 1e-6 {
		t.Errorf("LatencyMs = %f, want 40", st.LatencyMs)
	}
	if len(st.Shapes) != 2 {
		t.Fatalf("shapes = %d, want 2", len(st.Shapes))
	}
	if st.Shapes[0].Label != "cat" || st.Shapes[1].Label != "dog" {
		t.Errorf("shape order = %q, %q; want cat, dog", st.Shapes[0].Label, st.Shapes[1].Label)
	}
	if st.Shapes[0].Text != "cat\nConfidence: 0.91" {
		t.Errorf("text = %q", st.Shapes[0].Text)
	}
	if st.FrameID != 1 || st.Generation != 1 {
		t.Errorf("FrameID = %d, Generation = %d; want 1, 1", st.FrameID, st.Generation)
	}

	// Rotated 640x480 source on a 480x640 display: box (0.1,0.1,0.3,0.3) transposes.
	want := geometry.Rect{X: 48, Y: 64, Width: 144, Height: 192}
	got := st.Shapes[0].Rect
	if math.Abs(got.X-want.X) > 1e-6 || math.Abs(got.Y-want.Y) > 1e-6 ||
		math.Abs(got.Width-want.Width) > 1e-6 || math.Abs(got.Height-want.Height) > 1e-6 {
		t.Errorf("cat rect = %+v, want %+v", got, want)
	}

	if cur := h.ctrl.Current(); cur.Generation != st.Generation {
		t.Errorf("Current().Generation = %d, want %d", cur.Generation, st.Generation)
	}
	if h.ctrl.Admission().Phase != admission.Cooldown {
		t.Errorf("admission phase = %v, want cooldown", h.ctrl.Admission().Phase)
	}
}

func TestController_DropsWhileBusy(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	start := h.clock.Now()

	h.ctrl.OnFrame(h.frame(1))
	h.clock.Set(start.Add(40 * time.Millisecond))
	sub := h.engine.last(t)
	sub.done(detector.Completion{FrameID: 1, Result: detections(nil)})
	h.next(t)

	for id := uint64(2); id <= 9; id++ {
		h.clock.Set(start.Add(time.Duration(39+id) * time.Millisecond))
		h.ctrl.OnFrame(h.frame(id))
	}
	if n := h.engine.count(); n != 1 {
		t.Fatalf("submissions during cooldown = %d, want 1", n)
	}

	h.clock.Set(start.Add(300 * time.Millisecond))
	h.ctrl.OnFrame(h.frame(10))
	if got := h.engine.last(t).frameID; got != 10 {
		t.Errorf("second submission = frame %d, want 10", got)
	}

	stats := h.ctrl.Stats()
	if stats.Admission.Dropped != 8 || stats.Admission.Admitted != 2 {
		t.Errorf("admission stats = %+v", stats.Admission)
	}
}

func TestController_OnFrameNeverBlocks(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.ctrl.OnFrame(h.frame(1))

	done := make(chan struct{})
	go func() {
		for id := uint64(2); id < 5000; id++ {
			h.ctrl.OnFrame(h.frame(id))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnFrame blocked while a frame was in flight")
	}
	if h.engine.count() != 1 {
		t.Errorf("submissions = %d, want 1", h.engine.count())
	}
}

func TestController_RejectionSkipsCooldown(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.ctrl.OnFrame(h.frame(1))
	sub := h.engine.last(t)
	sub.done(detector.Completion{FrameID: 1, Err: detector.Reject("unsupported image format", nil)})
	h.expectNone(t)

	if h.ctrl.Admission().Phase != admission.Idle {
		t.Errorf("admission phase = %v, want idle", h.ctrl.Admission().Phase)
	}
	if h.ctrl.Phase() != AwaitingFrame {
		t.Errorf("Phase() = %v, want awaiting_frame", h.ctrl.Phase())
	}

	h.ctrl.OnFrame(h.frame(2))
	if h.engine.count() != 2 {
		t.Errorf("frame after rejection was not admitted")
	}
	if s := h.ctrl.Stats(); s.Rejected != 1 || s.Generation != 0 {
		t.Errorf("Stats() = %+v, want 1 rejection and no overlay change", s)
	}
}

func TestController_ProtocolViolation(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.ctrl.OnFrame(h.frame(1))
	sub := h.engine.last(t)
	sub.done(detector.Completion{FrameID: 99, Result: detections(detector.CatDogObservations())})
	h.expectNone(t)

	st := h.ctrl.Admission()
	if st.Phase != admission.InFlight || st.FrameID != 1 {
		t.Errorf("admission state = %+v, want frame 1 still in flight", st)
	}
	if v := h.ctrl.Stats().Admission.Violations; v != 1 {
		t.Errorf("Violations = %d, want 1", v)
	}
}

func TestController_Classification(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Variant = detector.Classifier
	cfg.Display = geometry.Size{Width: 200, Height: 400}
	h := newHarness(t, cfg)

	h.ctrl.OnFrame(h.frame(1))
	res, _, _ := detector.Decode(detector.Classifier, detector.TabbyObservations())
	h.engine.last(t).done(detector.Completion{FrameID: 1, Result: res})

	st := h.next(t)
	if st.Kind != detector.KindClassification || len(st.Shapes) != 1 {
		t.Fatalf("state = %+v, want one classification shape", st)
	}
	sh := st.Shapes[0]
	if sh.Text != "tabby\n: 87.300%" {
		t.Errorf("text = %q", sh.Text)
	}
	want := geometry.Rect{X: 0, Y: 20, Width: 200, Height: 30}
	if sh.Rect != want {
		t.Errorf("rect = %+v, want %+v (clipped label region)", sh.Rect, want)
	}
}

func TestController_EmptyBatchClearsOverlay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cooldown = 0
	h := newHarness(t, cfg)

	h.ctrl.OnFrame(h.frame(1))
	h.engine.last(t).done(detector.Completion{FrameID: 1, Result: detections(detector.CatDogObservations())})
	if st := h.next(t); len(st.Shapes) != 2 {
		t.Fatalf("first batch shapes = %d, want 2", len(st.Shapes))
	}

	h.ctrl.OnFrame(h.frame(2))
	h.engine.last(t).done(detector.Completion{FrameID: 2, Result: detections(nil)})
	st := h.next(t)
	if len(st.Shapes) != 0 || st.Generation != 2 {
		t.Errorf("second state = %+v, want empty generation 2", st)
	}
}

func TestController_ZeroDisplay(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.ctrl.SetDisplaySize(geometry.Size{})

	h.ctrl.OnFrame(h.frame(1))
	h.engine.last(t).done(detector.Completion{FrameID: 1, Result: detections(detector.CatDogObservations())})

	shapes := h.next(t).Shapes
	if len(shapes) != 2 {
		t.Fatalf("shapes = %d, want 2", len(shapes))
	}
	for _, sh := range shapes {
		if !sh.Rect.IsFinite() {
			t.Errorf("shape rect %+v is not finite", sh.Rect)
		}
	}

	// Scale falls back to 1, so the cat box keeps its source pixel size.
	cat := shapes[0].Rect
	if area := cat.Width * cat.Height; math.Abs(area-192*144) > 1e-6 {
		t.Errorf("cat rect %+v, want a 192x144 box at source scale", cat)
	}
}

func TestController_LatencyObserver(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	got := make(chan float64, 1)
	h.ctrl.SubscribeLatency(overlay.LatencyFunc(func(ms float64) { got <- ms }))

	h.ctrl.OnFrame(h.frame(1))
	h.clock.Add(25 * time.Millisecond)
	h.engine.last(t).done(detector.Completion{FrameID: 1, Result: detections(nil)})

	select {
	case ms := <-got:
		if math.Abs(ms-25) > 1e-6 {
			t.Errorf("latency = %f, want 25", ms)
		}
	case <-time.After(time.Second):
		t.Fatal("latency observer not notified")
	}
	if h.ctrl.Stats().LastLatencyMs != 25 {
		t.Errorf("LastLatencyMs = %f, want 25", h.ctrl.Stats().LastLatencyMs)
	}
}

func TestController_Stop(t *testing.T) {
	engine := &fakeEngine{}
	ctrl := New(DefaultConfig(), engine, clock.NewMock())

	ran := make(chan error, 1)
	go func() { ran <- ctrl.Run(context.Background()) }()

	ctrl.Stop()
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after Stop()")
	}

	ctrl.OnFrame(capture.NewFrame(1, time.Now(), nil, geometry.Up))
	if engine.count() != 0 {
		t.Error("stopped controller should not submit frames")
	}
	if err := ctrl.Run(context.Background()); err == nil {
		t.Error("Run() after Stop() should fail")
	}
}

func TestController_WithAdapter(t *testing.T) {
	engine := detector.NewMockEngine()
	engine.SetObservations(detector.CatDogObservations())
	adapter, err := detector.NewAdapter(engine, detector.Detector)
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}

	cfg := DefaultConfig()
	cfg.Cooldown = 0
	ctrl := New(cfg, adapter, nil)
	states := make(chan overlay.State, 4)
	ctrl.Subscribe(overlay.RendererFunc(func(s overlay.State) { states <- s }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	ctrl.OnFrame(capture.NewFrame(1, time.Now(), nil, geometry.Up))

	select {
	case st := <-states:
		if len(st.Shapes) != 2 {
			t.Errorf("shapes = %d, want 2", len(st.Shapes))
		}
	case <-time.After(time.Second):
		t.Fatal("no overlay state published")
	}
}

func TestController_PhaseTracksOverlappingCycles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cooldown = 0
	h := newHarness(t, cfg)

	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	h.ctrl.Subscribe(overlay.RendererFunc(func(overlay.State) {
		entered <- struct{}{}
		<-release
	}))

	h.ctrl.OnFrame(h.frame(1))
	first := h.engine.last(t)
	first.done(detector.Completion{FrameID: 1, Result: detections(detector.CatDogObservations())})

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("first result was not rendered")
	}
	if h.ctrl.Phase() != ResultReceived {
		t.Errorf("Phase() while rendering = %v, want result_received", h.ctrl.Phase())
	}

	// With no cooldown the next frame is admitted while the first renders.
	h.ctrl.OnFrame(h.frame(2))
	if h.engine.count() != 2 {
		t.Fatalf("submissions = %d, want 2", h.engine.count())
	}
	if h.ctrl.Phase() != WaitingResult {
		t.Errorf("Phase() with frame 2 in flight = %v, want waiting_result", h.ctrl.Phase())
	}

	release <- struct{}{}
	h.next(t)
	time.Sleep(20 * time.Millisecond)
	if h.ctrl.Phase() != WaitingResult {
		t.Errorf("Phase() after first publish = %v, want waiting_result", h.ctrl.Phase())
	}

	second := h.engine.last(t)
	second.done(detector.Completion{FrameID: 2, Result: detections(nil)})
	<-entered
	close(release)
	h.next(t)

	deadline := time.Now().Add(time.Second)
	for h.ctrl.Phase() != AwaitingFrame {
		if time.Now().After(deadline) {
			t.Fatalf("Phase() = %v, want awaiting_frame once both results are published", h.ctrl.Phase())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
