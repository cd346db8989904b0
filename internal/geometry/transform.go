package geometry

import "math"

// Fixed overlay regions in display space.
var (
	// ClassificationRegion is where the single classification label is drawn.
	ClassificationRegion = Rect{X: 0, Y: 20, Width: 250, Height: 30}
	// LatencyRegion is where the latency readout is drawn.
	LatencyRegion = Rect{X: 0, Y: 50, Width: 200, Height: 30}
)

// Transformer maps boxes normalized against the inference input frame into
// display coordinates. It holds no mutable state and is safe for concurrent use.
type Transformer struct {
	// Source is the pixel size of the frame handed to the inference engine.
	Source Size
	// Convention is the sensor layout relative to the display.
	Convention Convention
}

// NewTransformer returns a Transformer for the given source frame size.
func NewTransformer(source Size, convention Convention) Transformer {
	return Transformer{Source: source, Convention: convention}
}

// turns returns the total clockwise quarter turns for a frame orientation.
func (t Transformer) turns(o Orientation) int {
	return (t.Convention.QuarterTurns() + o.QuarterTurns()) % 4
}

// Scale returns the aspect-fill factor used to fit the source frame onto the
// display. When the frame is rotated an odd number of quarter turns the source
// width and height are swapped. Non-finite or non-positive results (a zero sized
// display or source during a layout transition) fall back to 1.0.
func (t Transformer) Scale(display Size, o Orientation) float64 {
	sw, sh := t.Source.Width, t.Source.Height
	if t.turns(o)%2 == 1 {
		sw, sh = sh, sw
	}

	scale := math.Max(display.Width/sw, display.Height/sh)
	if math.IsNaN(scale) || math.IsInf(scale, 0) || scale <= 0 {
		scale = 1.0
	}
	return scale
}

// Transform maps a normalized box into display space. The steps are:
//  1. scale-to-fill (see Scale)
//  2. rotation by the convention plus frame orientation, in quarter turns
//  3. mirror of the x axis when the convention requires it
//  4. translation onto the display midpoint
//
// Every step is applied relative to the source frame's center.
func (t Transformer) Transform(box Rect, display Size, o Orientation) Rect {
	scale := t.Scale(display, o)
	turns := t.turns(o)
	mirror := t.Convention.Mirrored()

	cx, cy := t.Source.Width/2, t.Source.Height/2
	midX, midY := display.Width/2, display.Height/2

	mapPoint := func(x, y float64) (float64, float64) {
		vx := (x - cx) * scale
		vy := (y - cy) * scale
		vx, vy = rotate(vx, vy, turns)
		if mirror {
			vx = -vx
		}
		return midX + vx, midY + vy
	}

	x1, y1 := mapPoint(box.X*t.Source.Width, box.Y*t.Source.Height)
	x2, y2 := mapPoint(box.MaxX()*t.Source.Width, box.MaxY()*t.Source.Height)

	out := Rect{
		X:      math.Min(x1, x2),
		Y:      math.Min(y1, y2),
		Width:  math.Abs(x2 - x1),
		Height: math.Abs(y2 - y1),
	}
	if !out.IsFinite() {
		return Rect{X: midX, Y: midY}
	}
	return out
}

// LabelRegion returns the classification label rectangle clipped to the display width.
func LabelRegion(display Size) Rect {
	r := ClassificationRegion
	if display.Width > 0 && display.Width < r.Width {
		r.Width = display.Width
	}
	return r
}

// rotate turns a vector clockwise (in y-down screen space) by quarter turns.
func rotate(x, y float64, turns int) (float64, float64) {
	switch turns {
	case 1:
		return -y, x
	case 2:
		return -x, -y
	case 3:
		return y, -x
	default:
		return x, y
	}
}
