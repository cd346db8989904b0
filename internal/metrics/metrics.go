// Package metrics exports pipeline counters in the Prometheus format.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ayusman/framelens/internal/capture"
	"github.com/ayusman/framelens/internal/overlay"
	"github.com/ayusman/framelens/internal/pipeline"
)

// Sources supplies the snapshots read at scrape time. Nil sources are skipped.
type Sources struct {
	Pipeline  func() pipeline.Stats
	Feed      func() capture.FeedStats
	Discarded func() uint64
}

// Metrics holds all application metrics. It is an overlay.Renderer and an
// overlay.LatencyObserver.
type Metrics struct {
	// StreamClients is the number of connected preview and overlay clients.
	StreamClients atomic.Int64

	latency  prometheus.Histogram
	shapes   prometheus.Histogram
	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New(src Sources) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "framelens_cycle_latency_ms",
			Help:    "Capture to overlay latency per published cycle in milliseconds",
			Buckets: []float64{10, 20, 40, 80, 160, 320, 640, 1280},
		}),
		shapes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "framelens_overlay_shapes",
			Help:    "Shapes per published overlay state",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
		}),
	}

	m.registry.MustRegister(m.latency, m.shapes)
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "framelens_stream_clients",
			Help: "Connected preview and overlay clients",
		},
		func() float64 { return float64(m.StreamClients.Load()) },
	))
	m.registerPipeline(src.Pipeline)
	m.registerFeed(src.Feed)

	if src.Discarded != nil {
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "framelens_observations_discarded_total",
				Help: "Engine observations discarded for invalid geometry or confidence",
			},
			func() float64 { return float64(src.Discarded()) },
		))
	}
	return m
}

func (m *Metrics) registerPipeline(stats func() pipeline.Stats) {
	if stats == nil {
		return
	}

	counters := []struct {
		name, help string
		value      func(pipeline.Stats) uint64
	}{
		{"framelens_frames_offered_total", "Frames offered for admission", func(s pipeline.Stats) uint64 { return s.Admission.Offered }},
		{"framelens_frames_admitted_total", "Frames admitted to the inference engine", func(s pipeline.Stats) uint64 { return s.Admission.Admitted }},
		{"framelens_frames_dropped_total", "Frames dropped while in flight or cooling down", func(s pipeline.Stats) uint64 { return s.Admission.Dropped }},
		{"framelens_cycles_rejected_total", "Cycles the engine rejected", func(s pipeline.Stats) uint64 { return s.Rejected }},
		{"framelens_protocol_violations_total", "Results delivered for a frame that was not in flight", func(s pipeline.Stats) uint64 { return s.Admission.Violations }},
		{"framelens_overlays_published_total", "Overlay states published", func(s pipeline.Stats) uint64 { return s.Published }},
	}
	for _, c := range counters {
		value := c.value
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(value(stats())) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "framelens_last_latency_ms",
			Help: "Latency of the most recent cycle in milliseconds",
		},
		func() float64 { return stats().LastLatencyMs },
	))
}

func (m *Metrics) registerFeed(stats func() capture.FeedStats) {
	if stats == nil {
		return
	}

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: "framelens_camera_frames_read_total", Help: "Frames read from the camera"},
		func() float64 { return float64(stats().Read) },
	))
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: "framelens_camera_frames_skipped_total", Help: "Frames skipped by the motion gate"},
		func() float64 { return float64(stats().Skipped) },
	))
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: "framelens_camera_read_errors_total", Help: "Camera read errors"},
		func() float64 { return float64(stats().Errors) },
	))
}

// OnOverlayUpdated records the shape count of a published state.
func (m *Metrics) OnOverlayUpdated(st overlay.State) {
	m.shapes.Observe(float64(len(st.Shapes)))
}

// OnLatencyUpdated records a cycle latency.
func (m *Metrics) OnLatencyUpdated(ms float64) {
	m.latency.Observe(ms)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
