// internal/handlers/hub.go
package handlers

import (
	"context"
	"sync"

	"github.com/jason-s-yu/matchmaker/internal/events"
)

// Hub tracks the clients connected to this instance. It delivers events from the bus, and can
// serve as the Notifier itself when a single instance runs without pub/sub.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	players map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		players: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

// bind associates c with playerID. A player may hold several connections.
func (h *Hub) bind(c *Client, playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.setPlayerID(playerID)
	set := h.players[playerID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.players[playerID] = set
	}
	set[c] = struct{}{}
}

// unregister drops c and reports whether it was the player's last connection.
func (h *Hub) unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	pid := c.PlayerID()
	if pid == "" {
		return false
	}
	set := h.players[pid]
	delete(set, c)
	if len(set) == 0 {
		delete(h.players, pid)
		return true
	}
	return false
}

// Connections returns the number of clients connected to this instance.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Deliver writes ev to every local connection of the given players.
func (h *Hub) Deliver(playerIDs []string, ev events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range playerIDs {
		for c := range h.players[id] {
			c.Write(ev)
		}
	}
}

// DeliverAll writes ev to every local connection.
func (h *Hub) DeliverAll(ev events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.Write(ev)
	}
}

func (h *Hub) Send(_ context.Context, playerIDs []string, ev events.Event) {
	h.Deliver(playerIDs, ev)
}

func (h *Hub) Broadcast(_ context.Context, ev events.Event) {
	h.DeliverAll(ev)
}
