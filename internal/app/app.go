// Package app wires the framelens components together: camera feed, frame
// admission, the inference engine, overlay renderers and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/ayusman/framelens/internal/capture"
	"github.com/ayusman/framelens/internal/config"
	"github.com/ayusman/framelens/internal/detector"
	"github.com/ayusman/framelens/internal/emitter"
	"github.com/ayusman/framelens/internal/logger"
	"github.com/ayusman/framelens/internal/metrics"
	"github.com/ayusman/framelens/internal/pipeline"
	"github.com/ayusman/framelens/internal/server"
	"github.com/ayusman/framelens/internal/store"
	"github.com/ayusman/framelens/internal/tray"
)

// Option overrides a component New would otherwise build from the config.
type Option func(*options)

type options struct {
	camera    capture.Camera
	engine    detector.Engine
	clock     clock.Clock
	publisher emitter.Publisher
	store     *store.Store
}

// WithCamera uses cam instead of opening the configured device.
func WithCamera(cam capture.Camera) Option {
	return func(o *options) { o.camera = cam }
}

// WithEngine uses engine instead of loading the configured one.
func WithEngine(engine detector.Engine) Option {
	return func(o *options) { o.engine = engine }
}

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithPublisher publishes overlay states through p instead of connecting to
// the configured broker. It enables the emitter regardless of mqtt.enabled.
func WithPublisher(p emitter.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithStore journals runs into s. The caller keeps ownership of s.
func WithStore(s *store.Store) Option {
	return func(o *options) { o.store = s }
}

// Stats is the combined snapshot served on /api/stats.
type Stats struct {
	Enabled       bool                `json:"enabled"`
	Pipeline      pipeline.Stats      `json:"pipeline"`
	Capture       capture.FeedStats   `json:"capture"`
	Discarded     uint64              `json:"observations_discarded"`
	PreviewSent   uint64              `json:"preview_frames_sent"`
	StreamClients int                 `json:"stream_clients"`
	SessionID     string              `json:"session_id,omitempty"`
	Journal       *store.JournalStats `json:"journal,omitempty"`
	MQTT          *emitter.Stats      `json:"mqtt,omitempty"`
}

// App is the main application.
type App struct {
	cfg   *config.Config
	clock clock.Clock
	log   zerolog.Logger

	adapter    *detector.Adapter
	controller *pipeline.Controller
	camera     capture.Camera
	gate       *capture.MotionGate
	feed       *capture.Feed
	preview    *server.Preview
	hub        *server.OverlayHub
	metrics    *metrics.Metrics
	emitter    *emitter.MQTTEmitter
	mqttClient mqtt.Client
	tray       *tray.Tray
	server     *server.Server

	store     *store.Store
	ownsStore bool

	mu      sync.Mutex
	journal *store.Journal
	session *store.Session
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
	err     error
	started bool
	stopped bool
}

// New builds the application from cfg. The engine is loaded first, so a model
// that cannot be loaded fails with detector.ErrModelLoadFailed before the
// camera is touched.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}

	a := &App{
		cfg:   cfg,
		clock: o.clock,
		log:   logger.For("App"),
		done:  make(chan struct{}),
	}

	adapter, err := loadEngine(cfg, o.engine)
	if err != nil {
		return nil, err
	}
	a.adapter = adapter

	a.controller = pipeline.New(cfg.Pipeline.Controller(), adapter, o.clock)

	a.camera = o.camera
	if a.camera == nil {
		a.camera = capture.NewCamera(cfg.Camera.Options())
	}
	a.gate = capture.NewMotionGate(cfg.Camera.MotionThreshold)
	a.feed = capture.NewFeed(a.camera, a.gate, cfg.Camera.Feed(), o.clock, a.controller.OnFrame)

	a.preview = server.NewPreview(a.controller.Current, cfg.Camera.PreviewFPS, o.clock)
	a.feed.SetPreview(a.preview.OnPreview)

	a.hub = server.NewOverlayHub(a.controller.Current)
	a.metrics = metrics.New(metrics.Sources{
		Pipeline:  a.controller.Stats,
		Feed:      a.feed.Stats,
		Discarded: adapter.Discarded,
	})
	a.hub.OnClientsChanged(func(n int) {
		a.metrics.StreamClients.Store(int64(n))
	})

	a.controller.Subscribe(a.hub)
	a.controller.Subscribe(a.metrics)
	a.controller.SubscribeLatency(a.metrics)

	if err := a.setupStore(o.store); err != nil {
		a.adapter.Close()
		return nil, err
	}
	a.setupEmitter(o.publisher)

	if cfg.Tray.Enabled {
		a.tray = tray.New()
		a.tray.OnToggle(a.SetEnabled)
		a.controller.Subscribe(a.tray)
		a.controller.SubscribeLatency(a.tray)
	}

	a.server = server.New(server.Config{
		StaticDir: cfg.Server.StaticDir,
		Overlay:   a.controller,
		Stats:     func() any { return a.Stats() },
		Store:     a.store,
		Hub:       a.hub,
		Preview:   a.preview,
		Metrics:   a.metrics.Handler(),
		Capture:   a,
	})

	return a, nil
}

func loadEngine(cfg *config.Config, engine detector.Engine) (*detector.Adapter, error) {
	variant := cfg.Pipeline.Variant()
	if engine != nil {
		return detector.NewAdapter(engine, variant)
	}

	dcfg, err := cfg.Engine.Detector(variant)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", detector.ErrModelLoadFailed, err)
	}
	return detector.Load(dcfg)
}

func (a *App) setupStore(s *store.Store) error {
	if s != nil {
		a.store = s
		return nil
	}
	if !a.cfg.Store.Enabled {
		return nil
	}

	s, err := store.New(a.cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	a.store = s
	a.ownsStore = true
	return nil
}

func (a *App) setupEmitter(p emitter.Publisher) {
	ecfg := emitter.Config{
		Broker:   a.cfg.MQTT.Broker,
		Topic:    a.cfg.MQTT.Topic,
		ClientID: a.cfg.MQTT.ClientID,
		QoS:      a.cfg.MQTT.QoS,
	}

	switch {
	case p != nil:
		a.emitter = emitter.New(ecfg, p)
	case a.cfg.MQTT.Enabled:
		e, client, err := emitter.Connect(ecfg)
		if err != nil {
			a.log.Warn().Err(err).Str("broker", ecfg.Broker).Msg("mqtt unavailable, overlay publishing disabled")
			return
		}
		a.emitter = e
		a.mqttClient = client
	default:
		return
	}
	a.controller.Subscribe(a.emitter)
}

// Handler returns the HTTP handler serving the API, preview and metrics.
func (a *App) Handler() http.Handler {
	return a.server
}

// Server returns the HTTP server component.
func (a *App) Server() *server.Server {
	return a.server
}

// Controller returns the pipeline controller.
func (a *App) Controller() *pipeline.Controller {
	return a.controller
}

// Feed returns the capture feed.
func (a *App) Feed() *capture.Feed {
	return a.feed
}

// Tray returns the system tray, or nil when it is disabled.
func (a *App) Tray() *tray.Tray {
	return a.tray
}

// Store returns the run journal store, or nil when journaling is disabled.
func (a *App) Store() *store.Store {
	return a.store
}

// Session returns the journal session of the current run, if any.
func (a *App) Session() *store.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// SetEnabled starts or pauses frame delivery to the pipeline.
func (a *App) SetEnabled(enabled bool) {
	a.feed.SetEnabled(enabled)
	a.log.Info().Bool("enabled", enabled).Msg("frame delivery toggled")
}

// Enabled reports whether frames are delivered to the pipeline.
func (a *App) Enabled() bool {
	return a.feed.Enabled()
}

// Stats returns a snapshot of every component's counters.
func (a *App) Stats() Stats {
	st := Stats{
		Enabled:       a.Enabled(),
		Pipeline:      a.controller.Stats(),
		Capture:       a.feed.Stats(),
		Discarded:     a.adapter.Discarded(),
		PreviewSent:   a.preview.Sent(),
		StreamClients: a.hub.Clients(),
	}

	a.mu.Lock()
	journal := a.journal
	a.mu.Unlock()
	if journal != nil {
		js := journal.Stats()
		st.Journal = &js
		st.SessionID = journal.SessionID()
	}
	if a.emitter != nil {
		es := a.emitter.Stats()
		st.MQTT = &es
	}
	return st
}
