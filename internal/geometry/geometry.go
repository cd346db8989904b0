// Package geometry maps normalized prediction boxes into display space.
package geometry

import (
	"fmt"
	"math"
	"strings"
)

// Size is a width/height pair in pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect is an axis-aligned rectangle with its origin at the top-left corner.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// MidX returns the horizontal center of the rectangle.
func (r Rect) MidX() float64 { return r.X + r.Width/2 }

// MidY returns the vertical center of the rectangle.
func (r Rect) MidY() float64 { return r.Y + r.Height/2 }

// MaxX returns the right edge of the rectangle.
func (r Rect) MaxX() float64 { return r.X + r.Width }

// MaxY returns the bottom edge of the rectangle.
func (r Rect) MaxY() float64 { return r.Y + r.Height }

// IsFinite reports whether every component is a finite number.
func (r Rect) IsFinite() bool {
	return finite(r.X) && finite(r.Y) && finite(r.Width) && finite(r.Height)
}

// Orientation is the rotation of a captured frame relative to the display.
type Orientation int

const (
	Up Orientation = iota
	Right
	Down
	Left
)

var orientationNames = map[Orientation]string{
	Up:    "up",
	Right: "right",
	Down:  "down",
	Left:  "left",
}

// QuarterTurns returns the number of clockwise quarter turns the orientation adds.
func (o Orientation) QuarterTurns() int {
	if o < Up || o > Left {
		return 0
	}
	return int(o)
}

// String returns the lowercase orientation name.
func (o Orientation) String() string {
	if name, ok := orientationNames[o]; ok {
		return name
	}
	return "unknown"
}

// ParseOrientation parses "up", "down", "left" or "right" (case-insensitive).
func ParseOrientation(s string) (Orientation, error) {
	for o, name := range orientationNames {
		if strings.EqualFold(s, name) {
			return o, nil
		}
	}
	return Up, fmt.Errorf("invalid orientation: %q", s)
}

// Convention describes how the sensor frame is laid out relative to the display.
type Convention int

const (
	// Rotated is a sensor that delivers frames a quarter turn from the display.
	// Boxes are rotated and mirrored, which amounts to swapping the axes.
	Rotated Convention = iota
	// Aligned is a sensor whose frames already share the display's axes.
	Aligned
)

// QuarterTurns returns the base rotation applied by the convention.
func (c Convention) QuarterTurns() int {
	if c == Rotated {
		return 1
	}
	return 0
}

// Mirrored reports whether the convention flips the x axis after rotating.
func (c Convention) Mirrored() bool {
	return c == Rotated
}

// String returns the convention name used in configuration files.
func (c Convention) String() string {
	switch c {
	case Rotated:
		return "rotated"
	case Aligned:
		return "aligned"
	default:
		return "unknown"
	}
}

// ParseConvention parses "rotated" or "aligned".
func ParseConvention(s string) (Convention, error) {
	switch strings.ToLower(s) {
	case "rotated", "":
		return Rotated, nil
	case "aligned":
		return Aligned, nil
	default:
		return Rotated, fmt.Errorf("invalid orientation convention: %q", s)
	}
}

// ClampNormalized clips a normalized box to the unit square. Boxes with NaN
// or infinite components, or with nothing left inside the square, are
// rejected.
func ClampNormalized(r Rect) (Rect, bool) {
	if !r.IsFinite() {
		return Rect{}, false
	}

	x0, x1 := clamp01(r.X), clamp01(r.X+r.Width)
	y0, y1 := clamp01(r.Y), clamp01(r.Y+r.Height)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}, false
	}

	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}, true
}

// ClampConfidence forces a confidence score into [0,1]. NaN is rejected.
func ClampConfidence(c float64) (float64, bool) {
	if math.IsNaN(c) {
		return 0, false
	}
	return clamp01(c), true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
