package overlay

import (
	"image"
	"image/draw"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/ayusman/framelens/internal/geometry"
)

// FallbackSize is used when a state carries no display size.
var FallbackSize = geometry.Size{Width: 640, Height: 480}

// Rasterize draws s onto a transparent image the size of its display, for
// clients that composite the overlay over their own video.
func Rasterize(s State) *image.RGBA {
	size := s.Display
	if size.Width < 1 || size.Height < 1 {
		size = FallbackSize
	}
	img := image.NewRGBA(image.Rect(0, 0, int(size.Width), int(size.Height)))

	for _, sh := range s.Shapes {
		r := toPixels(sh.Rect, 1, 1).Intersect(img.Bounds())
		if r.Empty() {
			continue
		}
		fillRounded(img, r, CornerRadius)
		drawLines(img, sh.Text, r.Min)
	}

	lr := toPixels(geometry.LatencyRegion, 1, 1).Intersect(img.Bounds())
	if !lr.Empty() {
		draw.Draw(img, lr, image.NewUniform(LatencyBack), image.Point{}, draw.Over)
		drawLines(img, s.LatencyText(), lr.Min)
	}
	return img
}

func fillRounded(img *image.RGBA, r image.Rectangle, radius int) {
	w, h := r.Dx(), r.Dy()
	if radius*2 > w {
		radius = w / 2
	}
	if radius*2 > h {
		radius = h / 2
	}

	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if insideRounded(x, y, w, h, radius) {
				mask.Pix[y*mask.Stride+x] = 0xff
			}
		}
	}
	draw.DrawMask(img, r, image.NewUniform(FillColor), image.Point{}, mask, image.Point{}, draw.Over)
}

func insideRounded(x, y, w, h, radius int) bool {
	cx, cy := x, y
	switch {
	case x < radius:
		cx = radius
	case x >= w-radius:
		cx = w - radius - 1
	}
	switch {
	case y < radius:
		cy = radius
	case y >= h-radius:
		cy = h - radius - 1
	}
	dx, dy := x-cx, y-cy
	return dx*dx+dy*dy <= radius*radius
}

func drawLines(img *image.RGBA, text string, origin image.Point) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(TextColor),
		Face: face,
	}
	step := face.Metrics().Height.Ceil()
	for i, line := range strings.Split(text, "\n") {
		d.Dot = fixed.P(origin.X+TextInset, origin.Y+TextInset+(i+1)*step-3)
		d.DrawString(line)
	}
}
