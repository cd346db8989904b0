package overlay

import (
	"fmt"
	"image/color"
)

// Shape styling shared by all surfaces.
var (
	FillColor    = color.NRGBA{R: 255, G: 255, B: 51, A: 102}
	TextColor    = color.NRGBA{A: 255}
	LatencyBack  = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	TextInset    = 10
	CornerRadius = 7
)

// DetectionText is the label drawn inside a detection box.
func DetectionText(label string, confidence float64) string {
	return fmt.Sprintf("%s\nConfidence: %.2f", label, confidence)
}

// ClassificationText is the label drawn in the classification region.
func ClassificationText(label string, confidence float64) string {
	return fmt.Sprintf("%s\n: %.3f%%", label, confidence*100)
}
