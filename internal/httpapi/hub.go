package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hilsched/internal/observability"
	"hilsched/internal/state"
)

const (
	maxWSConnections = 50
	wsWriteDeadline  = 5 * time.Second
)

// Hub broadcasts state snapshots to dashboard clients. Single
// broadcaster pattern keeps one ticker for all connections.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	store      *state.Store
	log        *zap.Logger
	mu         sync.RWMutex
}

func NewHub(st *state.Store, log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		store:      st,
		log:        log,
	}
}

// Run is the hub's main loop: one snapshot broadcast per second.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				h.log.Warn("websocket connection rejected",
					zap.Int("max_connections", maxWSConnections))
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(total))
			h.log.Info("websocket client registered", zap.Int("total", total))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(total))
			h.log.Info("websocket client unregistered", zap.Int("total", total))

		case <-ticker.C:
			h.broadcastAll()
		}
	}
}

// broadcastAll sends one snapshot to every client. Write deadlines
// keep a dead connection from blocking the loop.
func (h *Hub) broadcastAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 {
		return
	}
	snapshot := h.store.Snapshot()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
		if err := conn.WriteJSON(snapshot); err != nil {
			h.log.Warn("websocket write error", zap.Error(err))
			// Unregister is handled off-loop to avoid a deadlock
			// with the held read lock.
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.log.Info("shutting down websocket hub", zap.Int("clients", len(h.clients)))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	observability.WSClients.Set(0)
}

// Register adds a new client connection.
func (h *Hub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
