package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/xibo-players/mediacache/pkg/download"
)

// Hub fans download progress events out to websocket subscribers so a
// renderer can follow the write head of an in-flight file.
type Hub struct {
	log *logrus.Entry

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	closed  bool
}

// NewHub builds an empty hub.
func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		log:     log.WithField("component", "events"),
		clients: make(map[*websocket.Conn]bool),
	}
}

// Broadcast sends one event to every subscriber. Subscribers whose
// write fails are dropped.
func (h *Hub) Broadcast(ev download.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteJSON(ev); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// add registers a subscriber.
func (h *Hub) add(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[conn] = true
	return true
}

// remove drops a subscriber.
func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

var upgrader = websocket.Upgrader{
	// Blob-URL iframes connect from a null origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// events serves GET /events: a websocket feed of download progress.
func (s *Server) events(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	if !s.hub.add(conn) {
		conn.Close()
		return
	}
	// Drain (and discard) client frames so pings are answered and the
	// close handshake is observed.
	go func() {
		defer func() {
			s.hub.remove(conn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
