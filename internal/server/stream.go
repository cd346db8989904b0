package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hybridgroup/mjpeg"
	"gocv.io/x/gocv"

	"github.com/ayusman/framelens/internal/overlay"
)

// Preview serves the camera feed as MJPEG with the current overlay drawn on
// each frame. Frames are pushed from the capture goroutine through OnPreview.
type Preview struct {
	stream   *mjpeg.Stream
	current  func() overlay.State
	clock    clock.Clock
	interval time.Duration

	mu   sync.Mutex
	last time.Time
	sent uint64
}

// NewPreview creates a preview limited to fps frames per second. A
// non-positive fps encodes every frame.
func NewPreview(current func() overlay.State, fps int, c clock.Clock) *Preview {
	if c == nil {
		c = clock.New()
	}
	var interval time.Duration
	if fps > 0 {
		interval = time.Second / time.Duration(fps)
	}
	return &Preview{
		stream:   mjpeg.NewStream(),
		current:  current,
		clock:    c,
		interval: interval,
	}
}

// OnPreview draws the overlay over a copy of frame and publishes it.
// The frame itself is left untouched.
func (p *Preview) OnPreview(frame *gocv.Mat) {
	if frame == nil || frame.Empty() || !p.due() {
		return
	}

	canvas := frame.Clone()
	defer canvas.Close()
	if p.current != nil {
		overlay.Draw(&canvas, p.current())
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, canvas)
	if err != nil {
		return
	}
	defer buf.Close()

	// UpdateJPEG keeps the slice, so hand it a copy of the native buffer.
	jpeg := append([]byte(nil), buf.GetBytes()...)
	p.stream.UpdateJPEG(jpeg)

	p.mu.Lock()
	p.sent++
	p.mu.Unlock()
}

// Sent returns the number of frames published.
func (p *Preview) Sent() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

func (p *Preview) due() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if p.interval > 0 && !p.last.IsZero() && now.Sub(p.last) < p.interval {
		return false
	}
	p.last = now
	return true
}

// ServeHTTP streams MJPEG frames to the client.
func (p *Preview) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.stream.ServeHTTP(w, r)
}
