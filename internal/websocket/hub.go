// Package websocket streams live list and item snapshots to connected
// clients and accepts active-list selection commands from them. Every
// connection is keyed to a signed-in user and fed from that user's
// workspace stores.
package websocket

import (
	"log/slog"
	"sync"

	"github.com/efox/shoplist/internal/model"
)

// Message is the wire frame sent to clients. Type is one of
// lists_snapshot, items_snapshot, active_list or error.
type Message struct {
	Type   string               `json:"type"`
	Lists  []model.ShoppingList `json:"lists,omitempty"`
	Items  []model.ListItem     `json:"items,omitempty"`
	ListID string               `json:"listId,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// Hub maintains the set of active WebSocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub. The send channel is never
// closed: a snapshot callback unhooked moments ago may still be delivering,
// and the write pump exits through its context instead.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// DisconnectUser closes every connection belonging to uid. Used when the
// identity behind them is invalidated.
func (h *Hub) DisconnectUser(uid string) {
	h.mu.RLock()
	var victims []*Client
	for c := range h.clients {
		if c.uid == uid {
			victims = append(victims, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range victims {
		c.cancel()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
