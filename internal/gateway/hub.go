// Package gateway exposes the sync core to the UI layer: a small HTTP
// API over the cached state and a websocket hub that pushes device,
// notification, and onboarding events to connected browsers.
package gateway

import (
	"encoding/json"
	"log/slog"
)

// frame is the outbound websocket message shape.
type frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Hub maintains the set of active websocket clients and broadcasts
// frames to them. Client registration and delivery both flow through
// the hub's channels, so the client set is never mutated while being
// iterated.
type Hub struct {
	logger     *slog.Logger
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run processes registration and broadcast traffic until Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug("websocket client registered", "remote", client.conn.RemoteAddr().String())

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Debug("websocket client unregistered", "remote", client.conn.RemoteAddr().String())
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client is blocked or gone; drop it.
					h.logger.Warn("websocket client send buffer full, removing",
						"remote", client.conn.RemoteAddr().String())
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Stop shuts the hub down and disconnects all clients. Idempotent.
func (h *Hub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Broadcast marshals a typed frame and queues it for every client.
func (h *Hub) Broadcast(frameType string, payload any) {
	message, err := json.Marshal(frame{Type: frameType, Payload: payload})
	if err != nil {
		h.logger.Error("failed to marshal broadcast frame", "type", frameType, "error", err)
		return
	}
	select {
	case h.broadcast <- message:
	case <-h.done:
	}
}
