// Package broadcast fans clinical alerts out to connected observers. Each
// observer joins zero or more rooms; a broadcast reaches every client in
// the room at most once and never blocks on a slow client.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/medsafety/internal/platform/metrics"
)

// Server to client events.
const (
	EventClinicalAlert = "clinical-alert"
	EventCriticalAlert = "critical-alert"
	EventJoined        = "room-joined"
	EventLeft          = "room-left"
	EventError         = "error"
)

// ClinicalTeamAll is the staff-wide room.
const ClinicalTeamAll = "clinical-team-all"

func PatientRoom(id string) string      { return "patient-" + id }
func FacilityRoom(id string) string     { return "facility-" + id }
func OrganizationRoom(id string) string { return "organization-" + id }

// ClinicalTeamRoom maps a team ID to its room; "all-staff" is the
// staff-wide room.
func ClinicalTeamRoom(id string) string {
	if id == "all-staff" {
		return ClinicalTeamAll
	}
	return "clinical-team-" + id
}

// Message is the frame exchanged with clients in both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Broadcaster publishes an event to one room.
type Broadcaster interface {
	Broadcast(ctx context.Context, room, event string, payload interface{}) error
}

// RoomsBroadcaster publishes one event to several rooms at once. A client
// that is a member of more than one of the rooms receives a single frame.
type RoomsBroadcaster interface {
	BroadcastRooms(ctx context.Context, rooms []string, event string, payload interface{}) error
}

// Client is one connected observer.
type Client struct {
	ID   string
	Send chan []byte
}

// NewClient creates a client with a buffered outbound queue.
func NewClient(id string, buffer int) *Client {
	return &Client{ID: id, Send: make(chan []byte, buffer)}
}

// Hub is the in-process room registry. All operations are safe for
// concurrent use.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{} // room -> members
	clients map[*Client]map[string]struct{} // client -> joined rooms

	logger  zerolog.Logger
	metrics *metrics.Collector
}

func NewHub(logger zerolog.Logger, m *metrics.Collector) *Hub {
	return &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]map[string]struct{}),
		logger:  logger,
		metrics: m,
	}
}

// Register adds a client with no rooms.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		return
	}
	h.clients[c] = make(map[string]struct{})
	h.metrics.ClientConnected(1)
}

// Unregister removes the client from every room and closes its queue.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	joined, ok := h.clients[c]
	if !ok {
		return
	}
	for room := range joined {
		h.removeLocked(c, room)
	}
	delete(h.clients, c)
	close(c.Send)
	h.metrics.ClientConnected(-1)
}

// Join adds a registered client to room.
func (h *Hub) Join(c *Client, room string) error {
	if room == "" {
		return fmt.Errorf("room name is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	joined, ok := h.clients[c]
	if !ok {
		return fmt.Errorf("client %s is not registered", c.ID)
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
	joined[room] = struct{}{}
	return nil
}

// Leave removes a client from room. Leaving a room never joined is a no-op.
func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if joined, ok := h.clients[c]; ok {
		delete(joined, room)
	}
	h.removeLocked(c, room)
}

func (h *Hub) removeLocked(c *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Broadcast encodes payload as a Message and delivers it to every member of
// room. Delivery is non-blocking: a client whose queue is full misses the
// message.
func (h *Hub) Broadcast(ctx context.Context, room, event string, payload interface{}) error {
	return h.BroadcastRooms(ctx, []string{room}, event, payload)
}

// BroadcastRooms delivers one frame to the union of the members of rooms.
func (h *Hub) BroadcastRooms(_ context.Context, rooms []string, event string, payload interface{}) error {
	data, err := Encode(event, payload)
	if err != nil {
		h.metrics.Broadcast(event, err)
		return err
	}
	h.Deliver(data, rooms...)
	h.metrics.Broadcast(event, nil)
	return nil
}

// Deliver sends an already-encoded frame to the members of rooms, at most
// once per client, and returns how many clients accepted it.
func (h *Hub) Deliver(data []byte, rooms ...string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	seen := make(map[*Client]struct{})
	for _, room := range rooms {
		for c := range h.rooms[room] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			select {
			case c.Send <- data:
				sent++
			default:
				h.logger.Debug().Str("client", c.ID).Str("room", room).Msg("client queue full, message dropped")
			}
		}
	}
	return sent
}

// Encode builds the wire frame for event.
func Encode(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Message{Event: event, Data: raw})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomCount returns the number of clients in room.
func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Rooms returns the rooms c has joined.
func (h *Hub) Rooms(c *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients[c]))
	for room := range h.clients[c] {
		out = append(out, room)
	}
	return out
}
