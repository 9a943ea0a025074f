// Package web serves the live dashboard: a websocket hub broadcasting
// registry and call events to connected browsers (§10.3).
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dbehnke/pbx-nexus/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Event is a dashboard event broadcast to every connected client.
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Marshal converts an event to JSON bytes.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Client is one connected dashboard websocket.
type Client struct {
	ID       string
	conn     *websocket.Conn
	messages chan []byte
}

// Hub manages dashboard client connections and broadcasts.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	logger     *logger.Logger
	mu         sync.RWMutex
}

// NewHub creates a new dashboard hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     log,
	}
}

// Run starts the hub event loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("dashboard client registered", logger.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.messages)
			}
			h.mu.Unlock()
			h.logger.Debug("dashboard client unregistered", logger.String("client_id", client.ID))

		case event := <-h.broadcast:
			data, err := event.Marshal()
			if err != nil {
				h.logger.Error("failed to marshal dashboard event", logger.Error(err))
				continue
			}

			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.messages <- data:
				default:
					h.logger.Warn("client message buffer full, skipping", logger.String("client_id", client.ID))
				}
			}
			h.mu.RUnlock()

		case <-ctx.Done():
			h.logger.Info("dashboard hub shutting down")
			h.mu.Lock()
			for client := range h.clients {
				close(client.messages)
			}
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast sends an event to all connected clients.
func (h *Hub) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", logger.String("event_type", event.Type))
	}
}

// Handler returns an HTTP handler that upgrades requests to dashboard
// websocket connections.
func (h *Hub) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "websocket upgrade failed", http.StatusBadRequest)
			return
		}
		client := &Client{ID: uuid.NewString(), conn: conn, messages: make(chan []byte, 256)}
		h.register <- client

		go func() {
			defer func() {
				h.unregister <- client
				_ = client.conn.Close()
			}()
			client.conn.SetReadLimit(1024)
			for {
				if _, _, err := client.conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		go func() {
			for msg := range client.messages {
				_ = client.conn.WriteMessage(websocket.TextMessage, msg)
			}
		}()
	})
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastExtensionRegistered notifies the dashboard an extension joined.
func (h *Hub) BroadcastExtensionRegistered(ext int) {
	h.Broadcast(Event{
		Type: "extension_registered",
		Data: map[string]interface{}{"extension": ext},
	})
}

// BroadcastExtensionUnregistered notifies the dashboard an extension left.
func (h *Hub) BroadcastExtensionUnregistered(ext int) {
	h.Broadcast(Event{
		Type: "extension_unregistered",
		Data: map[string]interface{}{"extension": ext},
	})
}

// BroadcastStateChanged notifies the dashboard of a TU's new state.
func (h *Hub) BroadcastStateChanged(ext int, state string) {
	h.Broadcast(Event{
		Type: "state_changed",
		Data: map[string]interface{}{
			"extension": ext,
			"state":     state,
		},
	})
}

// BroadcastRegistrySnapshot broadcasts the given set of registered
// extensions to every connected dashboard client.
func (h *Hub) BroadcastRegistrySnapshot(extensions []int) {
	h.Broadcast(Event{
		Type: "registry_snapshot",
		Data: map[string]interface{}{"extensions": extensions},
	})
}
