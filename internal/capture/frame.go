package capture

import (
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/framelens/internal/geometry"
)

// Frame is a captured video frame. It is owned by whoever holds it last and
// must be released exactly once its admission cycle ends.
type Frame struct {
	ID          uint64
	CapturedAt  time.Time
	Pixels      *gocv.Mat
	Orientation geometry.Orientation

	release sync.Once
}

// NewFrame wraps pixels. Ownership of the Mat moves to the Frame.
func NewFrame(id uint64, capturedAt time.Time, pixels *gocv.Mat, o geometry.Orientation) *Frame {
	return &Frame{ID: id, CapturedAt: capturedAt, Pixels: pixels, Orientation: o}
}

// Size returns the pixel dimensions, or zero for a frame without pixels.
func (f *Frame) Size() geometry.Size {
	if f == nil || f.Pixels == nil || f.Pixels.Empty() {
		return geometry.Size{}
	}
	return geometry.Size{Width: float64(f.Pixels.Cols()), Height: float64(f.Pixels.Rows())}
}

// Release closes the pixel buffer. It is safe to call more than once.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.release.Do(func() {
		if f.Pixels != nil {
			f.Pixels.Close()
		}
	})
}
