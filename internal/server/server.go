// Package server provides the HTTP surface of framelens: overlay state as
// JSON, PNG and WebSocket push, the annotated MJPEG preview, statistics and
// the run journal.
package server

import (
	"encoding/json"
	"image/png"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ayusman/framelens/internal/overlay"
	"github.com/ayusman/framelens/internal/server/api"
	"github.com/ayusman/framelens/internal/store"
)

// OverlaySource provides the current overlay state.
type OverlaySource interface {
	Current() overlay.State
}

// Toggle switches frame delivery on and off.
type Toggle interface {
	SetEnabled(bool)
	Enabled() bool
}

// Config holds the server configuration. Nil fields disable their routes.
type Config struct {
	StaticDir string
	Overlay   OverlaySource
	Stats     func() any
	Store     *store.Store
	Hub       *OverlayHub
	Preview   http.Handler
	Metrics   http.Handler
	Capture   Toggle
}

// Server represents the HTTP server for the framelens application.
type Server struct {
	config Config
	router *mux.Router
	start  time.Time
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		router: mux.NewRouter(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	r := s.router
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	if s.config.Overlay != nil {
		r.HandleFunc("/api/overlay", s.handleOverlay).Methods(http.MethodGet)
		r.HandleFunc("/api/overlay.png", s.handleOverlayPNG).Methods(http.MethodGet)
	}
	if s.config.Hub != nil {
		r.Handle("/api/overlay/ws", s.config.Hub).Methods(http.MethodGet)
	}
	if s.config.Stats != nil {
		r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	}
	if s.config.Preview != nil {
		r.Handle("/api/stream", s.config.Preview).Methods(http.MethodGet)
	}
	if s.config.Capture != nil {
		r.HandleFunc("/api/capture", s.handleCaptureGet).Methods(http.MethodGet)
		r.HandleFunc("/api/capture", s.handleCapturePut).Methods(http.MethodPut, http.MethodPost)
	}
	if s.config.Store != nil {
		api.NewSessionsHandler(s.config.Store).Register(r)
	}
	if s.config.Metrics != nil {
		r.Handle("/metrics", s.config.Metrics).Methods(http.MethodGet)
	}

	// Serve static files if StaticDir is configured
	if s.config.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(s.config.StaticDir)))
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	})
}

// handleOverlay returns the current overlay state.
func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Overlay.Current())
}

// handleOverlayPNG renders the current overlay onto a transparent PNG.
func (s *Server) handleOverlayPNG(w http.ResponseWriter, r *http.Request) {
	img := overlay.Rasterize(s.config.Overlay.Current())

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := png.Encode(w, img); err != nil {
		http.Error(w, "Failed to encode overlay", http.StatusInternalServerError)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Stats())
}

type captureState struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleCaptureGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, captureState{Enabled: s.config.Capture.Enabled()})
}

func (s *Server) handleCapturePut(w http.ResponseWriter, r *http.Request) {
	var req captureState
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	s.config.Capture.SetEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, captureState{Enabled: s.config.Capture.Enabled()})
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s)
}

// HTTPServer returns an http.Server for addr, for callers that need Shutdown.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
