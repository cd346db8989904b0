package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gocv.io/x/gocv"

	"github.com/ayusman/framelens/internal/overlay"
	"github.com/ayusman/framelens/internal/store"
)

func TestAPI_SessionWorkflow(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	defer s.Close()

	sess := &store.Session{Variant: "detector", CooldownMs: 250}
	if err := s.Sessions().Create(sess); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	c := store.CycleFromState(sess.ID, catState())
	if err := s.Cycles().Create(&c); err != nil {
		t.Fatalf("failed to create cycle: %v", err)
	}

	ts := httptest.NewServer(New(Config{Store: s}))
	defer ts.Close()
	client := ts.Client()

	resp, err := client.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET /api/sessions error = %v", err)
	}
	var listed struct {
		Sessions []struct {
			ID string `json:"id"`
		} `json:"sessions"`
	}
	json.NewDecoder(resp.Body).Decode(&listed)
	resp.Body.Close()
	if len(listed.Sessions) != 1 || listed.Sessions[0].ID != sess.ID {
		t.Fatalf("sessions = %+v", listed.Sessions)
	}

	resp, err = client.Get(ts.URL + "/api/sessions/" + sess.ID + "/cycles")
	if err != nil {
		t.Fatalf("GET cycles error = %v", err)
	}
	defer resp.Body.Close()
	var cycles struct {
		Cycles []store.Cycle `json:"cycles"`
	}
	json.NewDecoder(resp.Body).Decode(&cycles)
	if len(cycles.Cycles) != 1 || cycles.Cycles[0].TopLabel != "cat" {
		t.Errorf("cycles = %+v", cycles.Cycles)
	}
}

func TestAPI_HealthCheck(t *testing.T) {
	srv := New(Config{})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var health struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
	}
	json.NewDecoder(resp.Body).Decode(&health)

	if health.Status != "ok" {
		t.Errorf("status = %s, want ok", health.Status)
	}
}

func TestOverlayHub_Broadcast(t *testing.T) {
	initial := overlay.State{Generation: 1, Shapes: []overlay.Shape{}}
	hub := NewOverlayHub(func() overlay.State { return initial })
	counts := make(chan int, 4)
	hub.OnClientsChanged(func(n int) { counts <- n })

	ts := httptest.NewServer(New(Config{Hub: hub}))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/overlay/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	read := func() overlay.State {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var st overlay.State
		if err := conn.ReadJSON(&st); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		return st
	}

	if st := read(); st.Generation != 1 {
		t.Errorf("first message generation = %d, want current state 1", st.Generation)
	}
	if n := <-counts; n != 1 {
		t.Errorf("client count = %d, want 1", n)
	}

	hub.OnOverlayUpdated(catState())
	st := read()
	if st.Generation != 3 || len(st.Shapes) != 1 {
		t.Errorf("broadcast = %+v", st)
	}

	conn.Close()
	select {
	case n := <-counts:
		if n != 0 {
			t.Errorf("client count after close = %d, want 0", n)
		}
	case <-time.After(2 * time.Second):
		t.Error("hub did not notice the client closing")
	}
}

func TestOverlayHub_NoClients(t *testing.T) {
	hub := NewOverlayHub(nil)
	hub.OnOverlayUpdated(catState())
	if hub.Clients() != 0 {
		t.Errorf("Clients() = %d, want 0", hub.Clients())
	}
}

func TestOverlayHub_SlowClientKeepsLatest(t *testing.T) {
	tests := []struct {
		name    string
		initial []byte
		publish []uint64
		want    []uint64
	}{
		{name: "buffer not full", publish: []uint64{1}, want: []uint64{1}},
		{name: "oldest state dropped", publish: []uint64{1, 2, 3}, want: []uint64{2, 3}},
		{name: "many updates", publish: []uint64{1, 2, 3, 4, 5, 6}, want: []uint64{5, 6}},
		{name: "initial state superseded", initial: []byte(`{"generation":0}`), publish: []uint64{1, 2}, want: []uint64{1, 2}},
		{name: "initial state kept ahead of updates", initial: []byte(`{"generation":0}`), publish: []uint64{7}, want: []uint64{0, 7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewOverlayHub(nil)
			id, ch := hub.subscribe(tt.initial)
			defer hub.unsubscribe(id)

			for _, gen := range tt.publish {
				hub.OnOverlayUpdated(overlay.State{Generation: gen, Shapes: []overlay.Shape{}})
			}

			var got []uint64
			for len(ch) > 0 {
				var st struct {
					Generation uint64 `json:"generation"`
				}
				if err := json.Unmarshal(<-ch, &st); err != nil {
					t.Fatalf("decode queued state: %v", err)
				}
				got = append(got, st.Generation)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("queued generations = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("queued generations = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestPreview_Stream(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV encoding")
	}

	p := NewPreview(func() overlay.State { return catState() }, 0, nil)
	frame := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer frame.Close()

	p.OnPreview(&frame)
	if p.Sent() != 1 {
		t.Fatalf("Sent() = %d, want 1", p.Sent())
	}
	// The source frame is not drawn on.
	if px := frame.GetVecbAt(100, 100); px[0] != 0 || px[1] != 0 || px[2] != 0 {
		t.Errorf("source frame modified: %v", px)
	}
}
