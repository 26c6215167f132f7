package chat

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Hub tracks connected clients and the room each has joined.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	closed  bool
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// removeLocked drops c from the hub and its room and ends its writer.
func (h *Hub) removeLocked(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.leaveRoomLocked(c)
	close(c.send)
}

func (h *Hub) leaveRoomLocked(c *Client) {
	if c.room == "" {
		return
	}
	members := h.rooms[c.room]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, c.room)
	}
	c.room = ""
}

// join moves c into room under the given profile.
func (h *Hub) join(c *Client, room, name, image string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}

	h.leaveRoomLocked(c)
	c.room, c.name, c.image = room, name, image

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

// post delivers text from c to everyone in c's room, c included. Clients
// whose buffers are full are disconnected.
func (h *Hub) post(c *Client, text string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.room == "" {
		return false
	}

	data, err := json.Marshal(Outbound{Type: TypeMessage, Name: c.name, Text: text, Image: c.image})
	if err != nil {
		return false
	}

	for m := range h.rooms[c.room] {
		select {
		case m.send <- data:
		default:
			h.logger.Warn("dropping slow chat client", slog.String("client_id", m.id))
			h.removeLocked(m)
			go m.conn.Close()
		}
	}
	return true
}

// RoomSize returns the number of members in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// Rooms returns the number of non-empty rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
		h.removeLocked(c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
	h.logger.Info("chat hub closed", slog.Int("clients", len(conns)))
}
