package detector

import (
	"context"
	"sync"
	"sync/atomic"

	"gocv.io/x/gocv"

	"github.com/ayusman/framelens/internal/geometry"
)

// MockEngine is a test implementation of the Engine interface.
// It allows tests to control the inference results and their timing.
type MockEngine struct {
	mu   sync.Mutex
	obs  []Observation
	err  error
	gate <-chan struct{}

	calls  atomic.Int64
	closed atomic.Bool
}

// NewMockEngine creates a new MockEngine instance.
func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

// SetObservations sets the observations that will be returned by Infer.
func (m *MockEngine) SetObservations(obs []Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs = obs
}

// SetError sets the error that will be returned by Infer.
func (m *MockEngine) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetGate makes Infer block until gate yields or is closed. Nil disables it.
func (m *MockEngine) SetGate(gate <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = gate
}

// Calls returns how many times Infer has been called.
func (m *MockEngine) Calls() int {
	return int(m.calls.Load())
}

// Closed reports whether Close has been called.
func (m *MockEngine) Closed() bool {
	return m.closed.Load()
}

// Infer returns the pre-configured observations or error.
func (m *MockEngine) Infer(ctx context.Context, frame *gocv.Mat) ([]Observation, error) {
	m.calls.Add(1)

	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, Reject("cancelled", ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]Observation, len(m.obs))
	copy(out, m.obs)
	return out, nil
}

// Close marks the engine closed.
func (m *MockEngine) Close() error {
	m.closed.Store(true)
	return nil
}

// CatDogObservations returns two detections: a confident cat and a
// less certain dog.
func CatDogObservations() []Observation {
	return []Observation{
		{
			Labels: []Label{{Identifier: "cat", Confidence: 0.91}, {Identifier: "lynx", Confidence: 0.05}},
			Box:    geometry.Rect{X: 0.1, Y: 0.1, Width: 0.3, Height: 0.3},
		},
		{
			Labels: []Label{{Identifier: "dog", Confidence: 0.4}},
			Box:    geometry.Rect{X: 0.5, Y: 0.5, Width: 0.2, Height: 0.2},
		},
	}
}

// TabbyObservations returns a single classification with runners-up.
func TabbyObservations() []Observation {
	return []Observation{{
		Labels: []Label{
			{Identifier: "tabby", Confidence: 0.873},
			{Identifier: "tiger cat", Confidence: 0.081},
			{Identifier: "Egyptian cat", Confidence: 0.032},
		},
	}}
}

// SampleObservations returns the preset matching variant.
func SampleObservations(v Variant) []Observation {
	if v == Classifier {
		return TabbyObservations()
	}
	return CatDogObservations()
}
