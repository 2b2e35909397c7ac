// Package websocket streams integration status events (sync lifecycle,
// ingestion, webhook health) to connected frontends over WebSocket.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/compasshq/compass/internal/common/logger"
)

// StatusMessage is one event pushed to a client.
type StatusMessage struct {
	Subject string `json:"subject"`
	UserID  string `json:"user_id,omitempty"`
	Data    any    `json:"data"`
}

type broadcast struct {
	userID  string
	message *StatusMessage
}

// Hub manages connected clients and routes status messages to the clients
// watching each user's integrations.
type Hub struct {
	clients     map[*Client]bool
	userClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcasts chan *broadcast

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a status hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		userClients: make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcasts:  make(chan *broadcast, 256),
		logger:      log.WithFields(zap.String("component", "status_hub")),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("status hub started")
	defer h.logger.Info("status hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.userClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if _, ok := h.userClients[client.userID]; !ok {
				h.userClients[client.userID] = make(map[*Client]bool)
			}
			h.userClients[client.userID][client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", client.id))

		case b := <-h.broadcasts:
			h.deliver(b)
		}
	}
}

func (h *Hub) deliver(b *broadcast) {
	h.mu.RLock()
	clients := h.userClients[b.userID]
	h.mu.RUnlock()
	if len(clients) == 0 {
		return
	}
	data, err := json.Marshal(b.message)
	if err != nil {
		h.logger.Error("marshal status message", zap.Error(err))
		return
	}
	for client := range clients {
		select {
		case client.send <- data:
		default:
			// Send buffer full, drop the connection.
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()
		}
	}
}

// drop removes a client. Caller holds the write lock.
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	if clients, ok := h.userClients[client.userID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.userClients, client.userID)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Broadcast pushes a status message to every client watching a user.
func (h *Hub) Broadcast(userID string, msg *StatusMessage) {
	h.broadcasts <- &broadcast{userID: userID, message: msg}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
