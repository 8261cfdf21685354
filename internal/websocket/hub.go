// Package websocket streams pool and license events to connected operators.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dukerupert/acctbroker/internal/event"
)

// Message is the frame written to operators for every event.
type Message struct {
	Type string `json:"type"`
	event.Event
}

// NewMessage wraps an event, deriving Type from its entity and action.
func NewMessage(e event.Event) Message {
	return Message{Type: e.Entity + "_" + e.Action, Event: e}
}

// Hub fans events out to every connected client whose filter matches. It
// satisfies event.Publisher.
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

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("event listener connected", "clients", h.ClientCount())
}

// Unregister removes a client and closes its send channel. Calling it twice
// is safe.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Publish broadcasts each event. Slow clients lose frames rather than
// blocking the caller.
func (h *Hub) Publish(events ...event.Event) {
	for _, e := range events {
		h.broadcast(NewMessage(e))
	}
}

func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal event", "type", msg.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.filter.Match(msg.Event) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("event dropped for slow listener", "type", msg.Type)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
