package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayusman/posetrace/internal/app"
)

const (
	progressBuffer = 256
	writeWait      = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// ProgressHub broadcasts run progress to websocket clients.
type ProgressHub struct {
	clients map[*websocket.Conn]bool
	events  chan app.Progress
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
}

// NewProgressHub creates a hub and starts its broadcast loop.
func NewProgressHub() *ProgressHub {
	h := &ProgressHub{
		clients: make(map[*websocket.Conn]bool),
		events:  make(chan app.Progress, progressBuffer),
		done:    make(chan struct{}),
	}
	go h.broadcast()
	return h
}

// Publish queues p for broadcast. Streaming updates are dropped when the
// buffer is full; state changes wait for room. It is an app.ProgressFunc.
func (h *ProgressHub) Publish(p app.Progress) {
	select {
	case <-h.done:
		return
	default:
	}

	if p.State == app.StateStreaming && p.Error == "" {
		select {
		case h.events <- p:
		default:
		}
		return
	}

	select {
	case h.events <- p:
	case <-h.done:
	}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *ProgressHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	defer h.remove(conn)

	// Keep connection alive by reading messages
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Clients returns the number of connected clients.
func (h *ProgressHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops the broadcast loop and disconnects every client.
func (h *ProgressHub) Close() {
	h.once.Do(func() {
		close(h.done)
	})
}

func (h *ProgressHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

// broadcast sends queued progress to all connected clients.
func (h *ProgressHub) broadcast() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case p := <-h.events:
			msg, err := json.Marshal(p)
			if err != nil {
				log.Printf("progress: encode error: %v", err)
				continue
			}
			h.send(msg)
		}
	}
}

func (h *ProgressHub) send(msg []byte) {
	var failed []*websocket.Conn

	h.mu.RLock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			failed = append(failed, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range failed {
		conn.Close()
		h.remove(conn)
	}
}
