package overlay

import (
	"image"
	"image/color"
	"strings"

	"gocv.io/x/gocv"

	"github.com/ayusman/framelens/internal/geometry"
)

const (
	drawFont      = gocv.FontHersheySimplex
	drawFontScale = 0.5
	drawLineStep  = 16
)

// Draw paints s onto dst. Shapes are scaled from the state's display size to
// the size of dst.
func Draw(dst *gocv.Mat, s State) {
	if dst == nil || dst.Empty() {
		return
	}
	bounds := image.Rect(0, 0, dst.Cols(), dst.Rows())
	sx, sy := 1.0, 1.0
	if s.Display.Width > 0 && s.Display.Height > 0 {
		sx = float64(dst.Cols()) / s.Display.Width
		sy = float64(dst.Rows()) / s.Display.Height
	}

	for _, sh := range s.Shapes {
		r := toPixels(sh.Rect, sx, sy).Intersect(bounds)
		if r.Empty() {
			continue
		}
		blendRect(dst, r, FillColor)
		putLines(dst, sh.Text, r.Min, TextColor)
	}

	lr := toPixels(geometry.LatencyRegion, 1, 1).Intersect(bounds)
	if !lr.Empty() {
		gocv.Rectangle(dst, lr, scalar(LatencyBack), -1)
		putLines(dst, s.LatencyText(), lr.Min, TextColor)
	}
}

func toPixels(r geometry.Rect, sx, sy float64) image.Rectangle {
	return image.Rect(
		int(r.X*sx),
		int(r.Y*sy),
		int(r.MaxX()*sx),
		int(r.MaxY()*sy),
	)
}

// blendRect alpha-blends c over the region r of dst.
func blendRect(dst *gocv.Mat, r image.Rectangle, c color.NRGBA) {
	roi := dst.Region(r)
	defer roi.Close()

	fill := gocv.NewMatWithSizeFromScalar(scalar(c), roi.Rows(), roi.Cols(), roi.Type())
	defer fill.Close()

	alpha := float64(c.A) / 255
	gocv.AddWeighted(roi, 1-alpha, fill, alpha, 0, &roi)
}

func putLines(dst *gocv.Mat, text string, origin image.Point, c color.NRGBA) {
	for i, line := range strings.Split(text, "\n") {
		pt := image.Point{X: origin.X + TextInset, Y: origin.Y + TextInset + (i+1)*drawLineStep - 4}
		gocv.PutText(dst, line, pt, drawFont, drawFontScale, rgba(c), 1)
	}
}

// scalar converts to OpenCV's BGR channel order.
func scalar(c color.NRGBA) gocv.Scalar {
	return gocv.NewScalar(float64(c.B), float64(c.G), float64(c.R), 0)
}

func rgba(c color.NRGBA) color.RGBA {
	return color.RGBA{R: c.R, G: c.G, B: c.B, A: 255}
}
