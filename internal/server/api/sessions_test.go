package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/ayusman/framelens/internal/store"
)

// newTestStore creates a new Store with a temporary database for testing.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})

	return s
}

func newTestRouter(s *store.Store) *mux.Router {
	r := mux.NewRouter()
	NewSessionsHandler(s).Register(r)
	return r
}

func seedSession(t *testing.T, s *store.Store, id string, cycles int) {
	t.Helper()

	sess := &store.Session{ID: id, Variant: "detector", CooldownMs: 250}
	if err := s.Sessions().Create(sess); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	for i := 1; i <= cycles; i++ {
		c := store.Cycle{
			SessionID:  id,
			FrameID:    int64(i * 10),
			Generation: int64(i),
			Kind:       "detections",
			LatencyMs:  40,
			Shapes:     2,
			TopLabel:   "cat",
			RecordedAt: time.Now(),
		}
		if err := s.Cycles().Create(&c); err != nil {
			t.Fatalf("failed to create cycle: %v", err)
		}
	}
}

func TestSessionsHandler_List(t *testing.T) {
	s := newTestStore(t)
	r := newTestRouter(s)

	t.Run("empty", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		var resp listSessionsResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Sessions == nil || len(resp.Sessions) != 0 {
			t.Errorf("expected an empty session list, got %v", resp.Sessions)
		}
	})

	t.Run("with sessions", func(t *testing.T) {
		seedSession(t, s, "run-1", 0)

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))

		var resp listSessionsResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(resp.Sessions) != 1 || resp.Sessions[0].ID != "run-1" {
			t.Errorf("sessions = %+v", resp.Sessions)
		}
	})
}

func TestSessionsHandler_Get(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "run-1", 3)
	r := newTestRouter(s)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/run-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["id"] != "run-1" || resp["cycles"] != float64(3) {
		t.Errorf("response = %v", resp)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing session: expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestSessionsHandler_Cycles(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "run-1", 5)
	r := newTestRouter(s)

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantCount  int
	}{
		{"default limit", "/api/sessions/run-1/cycles", http.StatusOK, 5},
		{"limited", "/api/sessions/run-1/cycles?limit=2", http.StatusOK, 2},
		{"bad limit", "/api/sessions/run-1/cycles?limit=abc", http.StatusBadRequest, 0},
		{"negative limit", "/api/sessions/run-1/cycles?limit=-1", http.StatusBadRequest, 0},
		{"unknown session", "/api/sessions/nope/cycles", http.StatusNotFound, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.url, nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp listCyclesResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if len(resp.Cycles) != tt.wantCount {
				t.Errorf("expected %d cycles, got %d", tt.wantCount, len(resp.Cycles))
			}
			if len(resp.Cycles) > 0 && resp.Cycles[0].Generation != 5 {
				t.Errorf("cycles should be newest first, got generation %d", resp.Cycles[0].Generation)
			}
		})
	}
}

func TestSessionsHandler_MethodNotAllowed(t *testing.T) {
	r := newTestRouter(newTestStore(t))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/sessions", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}
