// Package detector wraps an opaque inference engine behind a uniform
// asynchronous request/response contract. Engines return raw observations;
// the Adapter turns them into a Result for the configured model variant.
package detector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/framelens/internal/geometry"
)

// Engine is an inference backend. Implementations need not be safe for
// concurrent use; the pipeline never has more than one call outstanding.
type Engine interface {
	// Infer runs the model on a frame and returns its observations in the
	// engine's own order. Classifiers return a single observation without a box.
	Infer(ctx context.Context, frame *gocv.Mat) ([]Observation, error)

	// Close releases any resources held by the engine.
	Close() error
}

// Label is one candidate identifier for an observation.
type Label struct {
	Identifier string  `json:"identifier"`
	Confidence float64 `json:"confidence"`
}

// Observation is what an engine reports for one region of the frame. Labels
// are ordered by the engine, highest confidence first. Box is normalized to the
// inference input with a top-left origin and is zero for classifications.
type Observation struct {
	Labels []Label       `json:"labels"`
	Box    geometry.Rect `json:"box"`
}

// Prediction is a single labelled prediction.
type Prediction struct {
	Label      string        `json:"label"`
	Confidence float64       `json:"confidence"`
	Box        geometry.Rect `json:"box"`
}

// Kind tags a Result.
type Kind int

const (
	KindClassification Kind = iota
	KindDetections
)

// String returns the kind name.
func (k Kind) String() string {
	if k == KindDetections {
		return "detections"
	}
	return "classification"
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Result is either one Classification or an ordered list of Detections,
// selected by Kind.
type Result struct {
	Kind           Kind         `json:"kind"`
	Classification Prediction   `json:"classification,omitempty"`
	Detections     []Prediction `json:"detections,omitempty"`
}

// Predictions returns the result as a list, one element for a classification.
func (r Result) Predictions() []Prediction {
	if r.Kind == KindClassification {
		return []Prediction{r.Classification}
	}
	return r.Detections
}

// Variant selects which model shape the adapter serves.
type Variant int

const (
	Classifier Variant = iota
	Detector
)

// String returns the variant name.
func (v Variant) String() string {
	if v == Detector {
		return "detector"
	}
	return "classifier"
}

// Kind returns the result kind produced by the variant.
func (v Variant) Kind() Kind {
	if v == Detector {
		return KindDetections
	}
	return KindClassification
}

// ParseVariant parses "classifier" or "detector".
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "classifier", "classification":
		return Classifier, nil
	case "detector", "detection", "":
		return Detector, nil
	default:
		return Detector, fmt.Errorf("unknown model variant %q", s)
	}
}

// Config holds engine construction options.
type Config struct {
	// Kind is the engine backend: "mock", "subprocess" or "onnx".
	Kind string

	// Variant is the model shape served by the engine.
	Variant Variant

	// ModelPath is the model file for the onnx engine.
	ModelPath string

	// SharedLibraryPath points at the onnxruntime shared library. Empty uses
	// the platform default search path.
	SharedLibraryPath string

	// Command and Args start the subprocess engine.
	Command string
	Args    []string

	// Labels maps class indices to identifiers.
	Labels []string

	// InputSize is the square model input edge in pixels.
	InputSize int

	// Anchors is the number of candidate boxes in a detector output.
	Anchors int

	// MinConfidence discards detections scoring below it (0.0-1.0).
	MinConfidence float64

	// IoUThreshold is the non-maximum suppression overlap limit (0.0-1.0).
	IoUThreshold float64

	// TopK is the number of labels kept per observation.
	TopK int

	// IdleTimeout stops an idle subprocess engine. Zero keeps it running.
	IdleTimeout time.Duration
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Kind:          "mock",
		Variant:       Detector,
		InputSize:     640,
		Anchors:       8400,
		MinConfidence: 0.5,
		IoUThreshold:  0.45,
		TopK:          5,
		IdleTimeout:   30 * time.Second,
	}
}
