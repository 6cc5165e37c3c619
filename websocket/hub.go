package websocket

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client represents a connected professional's WebSocket session.
type Client struct {
	Hub            *Hub
	ProfessionalID uint
	Conn           *websocket.Conn
	Send           chan []byte
	mu             sync.Mutex
}

// Hub manages all professional WebSocket connections.
type Hub struct {
	// Registered clients keyed by professional ID
	Clients map[uint]*Client

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	mu sync.RWMutex
}

// Message is the envelope pushed to connected professionals.
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		Clients:    make(map[uint]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			if old, ok := h.Clients[client.ProfessionalID]; ok {
				close(old.Send)
			}
			h.Clients[client.ProfessionalID] = client
			h.mu.Unlock()
			log.Printf("🔌 Professional connected: ID=%d", client.ProfessionalID)

		case client := <-h.Unregister:
			h.mu.Lock()
			if current, ok := h.Clients[client.ProfessionalID]; ok && current == client {
				delete(h.Clients, client.ProfessionalID)
				close(client.Send)
			}
			h.mu.Unlock()
			log.Printf("🔌 Professional disconnected: ID=%d", client.ProfessionalID)
		}
	}
}

// SendToProfessional delivers an event to one connected professional. It
// returns an error when the professional has no live connection or the
// connection's send buffer is full, so callers can record the failure.
func (h *Hub) SendToProfessional(professionalID uint, event string, payload map[string]interface{}) error {
	h.mu.RLock()
	client, exists := h.Clients[professionalID]
	h.mu.RUnlock()

	if !exists {
		return fmt.Errorf("professional %d not connected", professionalID)
	}

	message := &Message{
		Type:      event,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal push message: %w", err)
	}

	select {
	case client.Send <- data:
		log.Printf("📤 Pushed %s to professional %d", event, professionalID)
		return nil
	default:
		log.Printf("⚠️ Professional %d's send buffer is full", professionalID)
		return fmt.Errorf("professional %d send buffer full", professionalID)
	}
}

// ConnectedCount reports how many professionals hold live connections.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.Clients)
}

// IsConnected reports whether the given professional has a live connection.
func (h *Hub) IsConnected(professionalID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.Clients[professionalID]
	return ok
}
