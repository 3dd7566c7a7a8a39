package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sgfq/internal/models"
)

const (
	broadcastBuffer = 64
	refreshInterval = 10 * time.Second
	waitTimeout     = 60 * time.Second
	writeTimeout    = 10 * time.Second
)

// Hub fans queue and agent events out to every connected UI client.
type Hub struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	upgrader  websocket.Upgrader
	snapshot  func() models.QueueStatus
}

type QueueEvent struct {
	Type   string             `json:"type"`
	Status models.QueueStatus `json:"status"`
}

type AgentEvent struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, broadcastBuffer),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetSnapshot sets the status source used for new clients and periodic refreshes.
func (h *Hub) SetSnapshot(fn func() models.QueueStatus) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case msg := <-h.broadcast:
			h.writeAll(msg)
		case <-ticker.C:
			h.mu.Lock()
			snapshot := h.snapshot
			h.mu.Unlock()
			if snapshot != nil {
				h.QueueUpdated(snapshot())
			}
		}
	}
}

func (h *Hub) writeAll(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := client.WriteMessage(websocket.TextMessage, msg); err != nil {
			client.Close()
			delete(h.clients, client)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}

func (h *Hub) send(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal broadcast", "error", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		slog.Warn("Broadcast buffer full, dropping update")
	}
}

func (h *Hub) QueueUpdated(status models.QueueStatus) {
	h.send(QueueEvent{Type: "queue", Status: status})
}

func (h *Hub) AgentConnected() {
	h.send(AgentEvent{Type: "agent", Connected: true})
}

func (h *Hub) AgentDisconnected() {
	h.send(AgentEvent{Type: "agent", Connected: false})
}

func (h *Hub) WsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	slog.Info("Client connected", "remote_addr", r.RemoteAddr)
	h.mu.Lock()
	h.clients[conn] = true
	if h.snapshot != nil {
		if msg, err := json.Marshal(QueueEvent{Type: "queue", Status: h.snapshot()}); err == nil {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			conn.WriteMessage(websocket.TextMessage, msg)
		}
	}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
		slog.Info("Client disconnected")
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(waitTimeout))
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WS read error", "error", err)
			}
			break
		}
	}
}
