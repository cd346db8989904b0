// Package testdata builds synthetic camera frames for tests that need real
// pixels without a camera attached.
package testdata

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

var white = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// Blank returns a black BGR frame.
func Blank(width, height int) *gocv.Mat {
	mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	return &mat
}

// Scene returns a black frame with a filled white box.
func Scene(width, height int, box image.Rectangle) *gocv.Mat {
	mat := Blank(width, height)
	gocv.Rectangle(mat, box, white, -1)
	return mat
}

// Sequence returns n frames of a size x size box sliding right by step
// pixels per frame. Consecutive frames differ enough to open a motion gate.
func Sequence(width, height, n, size, step int) []*gocv.Mat {
	frames := make([]*gocv.Mat, 0, n)
	y := (height - size) / 2
	for i := 0; i < n; i++ {
		x := (i * step) % max(width-size, 1)
		frames = append(frames, Scene(width, height, image.Rect(x, y, x+size, y+size)))
	}
	return frames
}

// Close releases frames.
func Close(frames []*gocv.Mat) {
	for _, f := range frames {
		if f != nil {
			f.Close()
		}
	}
}
