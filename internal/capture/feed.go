package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/ayusman/framelens/internal/geometry"
	"github.com/ayusman/framelens/internal/logger"
)

// FrameHandler receives every frame the feed delivers and takes ownership of
// it. It is called on the capture goroutine and must not block.
type FrameHandler func(*Frame)

// PreviewFunc observes every frame read from the camera, before gating. The
// Mat is only valid for the duration of the call.
type PreviewFunc func(*gocv.Mat)

// FeedConfig controls the capture loop.
type FeedConfig struct {
	// IdleFPS is the rate while the motion gate reports a still scene.
	IdleFPS int
	// ActiveFPS is the rate after motion, and always when the gate is disabled.
	ActiveFPS int
	// IdleTimeout is how long after the last motion the feed returns to idle.
	IdleTimeout time.Duration
	// Orientation is stamped on every frame.
	Orientation geometry.Orientation
}

// DefaultFeedConfig returns the default capture loop settings.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		IdleFPS:     5,
		ActiveFPS:   DefaultFPS,
		IdleTimeout: 2 * time.Second,
		Orientation: geometry.Up,
	}
}

// FeedStats counts capture loop outcomes.
type FeedStats struct {
	Read      uint64 `json:"read"`
	Delivered uint64 `json:"delivered"`
	Skipped   uint64 `json:"skipped"`
	Errors    uint64 `json:"errors"`
}

// Feed reads a Camera at a fixed rate, assigns monotonic frame IDs and
// capture timestamps, and hands frames to a FrameHandler.
type Feed struct {
	cam     Camera
	gate    *MotionGate
	cfg     FeedConfig
	clock   clock.Clock
	handler FrameHandler
	log     zerolog.Logger

	mu      sync.RWMutex
	preview PreviewFunc

	nextID     atomic.Uint64
	enabled    atomic.Bool
	active     atomic.Bool
	lastMotion time.Time

	read, delivered, skipped, errs atomic.Uint64
}

// NewFeed creates a Feed. gate may be nil to deliver every frame. A nil clock
// uses the wall clock. The feed starts enabled.
func NewFeed(cam Camera, gate *MotionGate, cfg FeedConfig, c clock.Clock, handler FrameHandler) *Feed {
	if c == nil {
		c = clock.New()
	}
	if cfg.ActiveFPS <= 0 {
		cfg.ActiveFPS = DefaultFPS
	}
	if cfg.IdleFPS <= 0 || cfg.IdleFPS > cfg.ActiveFPS {
		cfg.IdleFPS = cfg.ActiveFPS
	}

	f := &Feed{
		cam:     cam,
		gate:    gate,
		cfg:     cfg,
		clock:   c,
		handler: handler,
		log:     logger.For("Capture"),
	}
	f.enabled.Store(true)
	f.active.Store(!f.gated())
	return f
}

// SetEnabled starts or pauses frame delivery without closing the camera.
func (f *Feed) SetEnabled(enabled bool) {
	f.enabled.Store(enabled)
}

// Enabled reports whether frames are being delivered.
func (f *Feed) Enabled() bool {
	return f.enabled.Load()
}

// Active reports whether the feed is running at its active rate.
func (f *Feed) Active() bool {
	return f.active.Load()
}

// SetPreview installs a preview observer. Nil removes it.
func (f *Feed) SetPreview(p PreviewFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preview = p
}

// Stats returns a snapshot of the counters.
func (f *Feed) Stats() FeedStats {
	return FeedStats{
		Read:      f.read.Load(),
		Delivered: f.delivered.Load(),
		Skipped:   f.skipped.Load(),
		Errors:    f.errs.Load(),
	}
}

func (f *Feed) gated() bool {
	return f.gate != nil && f.gate.Enabled()
}

// Step reads one frame and either delivers it or releases it.
func (f *Feed) Step() error {
	mat, err := f.cam.ReadFrame()
	if err != nil {
		f.errs.Add(1)
		return fmt.Errorf("read frame: %w", err)
	}
	now := f.clock.Now()
	f.read.Add(1)

	f.mu.RLock()
	preview := f.preview
	f.mu.RUnlock()
	if preview != nil {
		preview(mat)
	}

	if f.gated() {
		if moved, _ := f.gate.Check(mat); moved {
			f.lastMotion = now
			f.active.Store(true)
		} else if f.active.Load() && now.Sub(f.lastMotion) > f.cfg.IdleTimeout {
			f.active.Store(false)
		}

		if !f.active.Load() {
			mat.Close()
			f.skipped.Add(1)
			return nil
		}
	}

	frame := NewFrame(f.nextID.Add(1), now, mat, f.cfg.Orientation)
	f.delivered.Add(1)
	f.handler(frame)
	return nil
}

// Run opens the camera and delivers frames until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	if err := f.cam.Open(); err != nil {
		return fmt.Errorf("open camera: %w", err)
	}
	defer f.cam.Close()

	fps := f.currentFPS()
	f.cam.SetFPS(fps)
	ticker := f.clock.Ticker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	f.log.Info().Int("fps", fps).Bool("motion_gate", f.gated()).Msg("capture started")

	for {
		select {
		case <-ctx.Done():
			f.log.Info().Interface("stats", f.Stats()).Msg("capture stopped")
			return nil
		case <-ticker.C:
			if !f.Enabled() {
				continue
			}

			if err := f.Step(); err != nil {
				if errors.Is(err, ErrCameraNotOpen) {
					return err
				}
				f.log.Debug().Err(err).Msg("frame read failed")
			}

			if next := f.currentFPS(); next != fps {
				fps = next
				f.cam.SetFPS(fps)
				ticker.Reset(time.Second / time.Duration(fps))
				f.log.Debug().Int("fps", fps).Bool("active", f.Active()).Msg("capture rate changed")
			}
		}
	}
}

func (f *Feed) currentFPS() int {
	if f.active.Load() {
		return f.cfg.ActiveFPS
	}
	return f.cfg.IdleFPS
}
