// Package api provides the HTTP handlers for the run journal.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ayusman/framelens/internal/store"
)

// DefaultCycleLimit is the number of cycles returned when no limit is given.
const DefaultCycleLimit = 100

// SessionsHandler serves sessions and their cycles.
type SessionsHandler struct {
	store *store.Store
}

// NewSessionsHandler creates a new SessionsHandler with the given store.
func NewSessionsHandler(s *store.Store) *SessionsHandler {
	return &SessionsHandler{store: s}
}

// Register adds the handler's routes to r.
func (h *SessionsHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/sessions", h.list).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}/cycles", h.cycles).Methods(http.MethodGet)
}

type listSessionsResponse struct {
	Sessions []*store.Session `json:"sessions"`
}

type sessionResponse struct {
	*store.Session
	Cycles int `json:"cycles"`
}

type listCyclesResponse struct {
	SessionID string        `json:"session_id"`
	Cycles    []store.Cycle `json:"cycles"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// list handles GET /api/sessions.
func (h *SessionsHandler) list(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.Sessions().List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: sessions})
}

// get handles GET /api/sessions/{id}.
func (h *SessionsHandler) get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sess, err := h.store.Sessions().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	n, err := h.store.Cycles().CountBySession(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count cycles")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess, Cycles: n})
}

// cycles handles GET /api/sessions/{id}/cycles?limit=N.
func (h *SessionsHandler) cycles(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	limit := DefaultCycleLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	if _, err := h.store.Sessions().GetByID(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	cycles, err := h.store.Cycles().ListBySession(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list cycles")
		return
	}
	if cycles == nil {
		cycles = []store.Cycle{}
	}
	writeJSON(w, http.StatusOK, listCyclesResponse{SessionID: id, Cycles: cycles})
}
