package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ayusman/framelens/internal/logger"
	"github.com/ayusman/framelens/internal/overlay"
)

const (
	clientBuffer = 2
	writeTimeout = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// OverlayHub pushes every published overlay state to WebSocket clients as
// JSON. It is an overlay.Renderer; slow clients miss states rather than
// holding up the render goroutine.
type OverlayHub struct {
	current func() overlay.State
	log     zerolog.Logger

	mu        sync.Mutex
	clients   map[int]chan []byte
	nextID    int
	onChanged func(n int)
}

// NewOverlayHub creates a hub. current, when set, is sent to each client as
// soon as it connects.
func NewOverlayHub(current func() overlay.State) *OverlayHub {
	return &OverlayHub{
		current: current,
		log:     logger.For("OverlayHub"),
		clients: make(map[int]chan []byte),
	}
}

// OnClientsChanged registers a callback for the connected client count.
func (h *OverlayHub) OnClientsChanged(fn func(n int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChanged = fn
}

// Clients returns the number of connected clients.
func (h *OverlayHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// OnOverlayUpdated broadcasts st.
func (h *OverlayHub) OnOverlayUpdated(st overlay.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return
	}

	msg, err := json.Marshal(st)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to encode overlay")
		return
	}
	for _, ch := range h.clients {
		sendLatest(ch, msg)
	}
}

// sendLatest queues msg, discarding the oldest queued state when a slow
// client's buffer is full. Callers hold h.mu, so there is one sender.
func sendLatest(ch chan []byte, msg []byte) {
	for {
		select {
		case ch <- msg:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// subscribe registers a client. initial, if set, is queued before any
// broadcast can reach the client.
func (h *OverlayHub) subscribe(initial []byte) (int, chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan []byte, clientBuffer)
	if initial != nil {
		ch <- initial
	}
	h.clients[id] = ch
	if h.onChanged != nil {
		h.onChanged(len(h.clients))
	}
	h.log.Debug().Int("client", id).Int("total", len(h.clients)).Msg("client subscribed")
	return id, ch
}

func (h *OverlayHub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[id]; ok {
		delete(h.clients, id)
		if h.onChanged != nil {
			h.onChanged(len(h.clients))
		}
		h.log.Debug().Int("client", id).Int("remaining", len(h.clients)).Msg("client unsubscribed")
	}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *OverlayHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade error")
		return
	}
	defer conn.Close()

	var initial []byte
	if h.current != nil {
		if msg, err := json.Marshal(h.current()); err == nil {
			initial = msg
		}
	}

	id, ch := h.subscribe(initial)
	defer h.unsubscribe(id)

	// The read loop only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case msg := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
