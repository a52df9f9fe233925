package websocket

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/lorrc/portal-sync/internal/core/domain"
	"github.com/lorrc/portal-sync/internal/core/ports"
)

// DefaultBacklogSize is how many recent events the hub keeps for polling clients.
const DefaultBacklogSize = 1024

// Hub maintains the set of active Clients and broadcasts messages to them.
type Hub struct {
	// Clients maps user IDs to their active connections
	// A single user can have multiple connections (multiple tabs/devices)
	clients map[uuid.UUID]map[*Client]bool

	// Rooms maps room names to joined clients
	rooms map[string]map[*Client]bool

	// Broadcast channel for events
	broadcast chan domain.Event

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	// mu protects the clients and rooms maps
	mu sync.RWMutex

	// backlog holds the most recent events in sequence order
	backlogMu   sync.RWMutex
	backlog     []domain.Event
	backlogSize int
	seq         int64
	evicted     int64 // highest sequence no longer in the backlog

	// done is closed when Run returns
	done chan struct{}

	// logger for the hub
	logger *slog.Logger
}

// Ensure Hub implements the broadcaster and backlog ports.
var (
	_ ports.EventBroadcaster = (*Hub)(nil)
	_ ports.EventBacklog     = (*Hub)(nil)
)

// NewHub creates a new WebSocket hub
func NewHub(backlogSize int, logger *slog.Logger) *Hub {
	if backlogSize <= 0 {
		backlogSize = DefaultBacklogSize
	}
	return &Hub{
		clients:     make(map[uuid.UUID]map[*Client]bool),
		rooms:       make(map[string]map[*Client]bool),
		broadcast:   make(chan domain.Event, 256),
		Register:    make(chan *Client),
		Unregister:  make(chan *Client),
		backlog:     make([]domain.Event, 0, backlogSize),
		backlogSize: backlogSize,
		done:        make(chan struct{}),
		logger:      logger.With("component", "websocket_hub"),
	}
}

// Broadcast stamps the event with the next sequence number, records it for
// polling clients and queues it for delivery. Stamping and queueing happen
// under one lock so the queue is always in sequence order. It never blocks:
// when the queue is full the event is only available through the backlog.
func (h *Hub) Broadcast(event domain.Event) error {
	h.backlogMu.Lock()
	defer h.backlogMu.Unlock()

	event = h.record(event)
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event",
			"event_type", event.Type,
			"room", event.Room,
			"seq", event.Seq,
		)
	}
	return nil
}

// Since returns up to limit events for room with a sequence above after,
// plus the cursor to pass on the next call. Events without a room are
// included for every room.
func (h *Hub) Since(room string, after int64, limit int) domain.PollBatch {
	h.backlogMu.RLock()
	defer h.backlogMu.RUnlock()

	if after > h.seq {
		// The cursor predates a relay restart.
		after = 0
	}

	batch := domain.PollBatch{
		Events:    make([]domain.Event, 0),
		Cursor:    h.seq,
		Truncated: after < h.evicted,
	}
	for _, e := range h.backlog {
		if e.Seq <= after || (e.Room != "" && e.Room != room) {
			continue
		}
		if limit > 0 && len(batch.Events) == limit {
			// More remain; resume after the last event returned.
			batch.Cursor = batch.Events[len(batch.Events)-1].Seq
			return batch
		}
		batch.Events = append(batch.Events, e)
	}
	return batch
}

// record must be called with backlogMu held.
func (h *Hub) record(event domain.Event) domain.Event {
	h.seq++
	event.Seq = h.seq
	if len(h.backlog) == h.backlogSize {
		h.evicted = h.backlog[0].Seq
		copy(h.backlog, h.backlog[1:])
		h.backlog = h.backlog[:len(h.backlog)-1]
	}
	h.backlog = append(h.backlog, event)
	return event
}

// Run starts the hub's event loop until ctx is cancelled. This MUST be run
// as a goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.Unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

// registerClient adds a client to the hub
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.UserID] == nil {
		h.clients[client.UserID] = make(map[*Client]bool)
	}
	h.clients[client.UserID][client] = true
	if client.registered != nil {
		close(client.registered)
	}

	h.logger.Info("client registered",
		"user_id", client.UserID,
		"client_id", client.ID,
		"total_connections", len(h.clients[client.UserID]),
	)
}

// unregisterClient removes a client from the hub and all rooms
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userClients, ok := h.clients[client.UserID]
	if !ok || !userClients[client] {
		return
	}
	delete(userClients, client)
	if len(userClients) == 0 {
		delete(h.clients, client.UserID)
	}

	for _, room := range client.Rooms() {
		if members, ok := h.rooms[room]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}

	client.CloseSend()

	h.logger.Info("client unregistered",
		"user_id", client.UserID,
		"client_id", client.ID,
	)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0)
	for _, userClients := range h.clients {
		for c := range userClients {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregisterClient(c)
	}
	h.logger.Info("hub stopped", "closed_connections", len(clients))
}

// broadcastEvent sends an event to every member of its room, or to every
// connected client when the event has no room.
func (h *Hub) broadcastEvent(event domain.Event) {
	h.mu.RLock()
	var clients []*Client
	if event.Room == "" {
		for _, userClients := range h.clients {
			for c := range userClients {
				clients = append(clients, c)
			}
		}
	} else {
		for c := range h.rooms[event.Room] {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	h.logger.Debug("broadcasting event",
		"event_type", event.Type,
		"room", event.Room,
		"seq", event.Seq,
		"client_count", len(clients),
	)

	var slow []*Client
	for _, client := range clients {
		select {
		case client.Send <- event:
		default:
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		// Client's send buffer is full; it reconnects and catches up.
		h.logger.Warn("client send buffer full, unregistering",
			"user_id", client.UserID,
			"client_id", client.ID,
		)
		h.unregisterClient(client)
	}
}

// joinRoom adds a registered client to a room
func (h *Hub) joinRoom(client *Client, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[client.UserID][client] {
		return false
	}

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][client] = true
	client.addRoom(room)

	h.logger.Debug("client joined room",
		"user_id", client.UserID,
		"room", room,
	)
	return true
}

// leaveRoom removes a client from a room
func (h *Hub) leaveRoom(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	client.removeRoom(room)

	h.logger.Debug("client left room",
		"user_id", client.UserID,
		"room", room,
	)
}

// GetClientCount returns the total number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, userClients := range h.clients {
		count += len(userClients)
	}
	return count
}

// GetRoomCount returns the number of active rooms
func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// GetClientsInRoom returns the number of clients joined to room
func (h *Hub) GetClientsInRoom(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Seq returns the sequence number of the most recent event.
func (h *Hub) Seq() int64 {
	h.backlogMu.RLock()
	defer h.backlogMu.RUnlock()
	return h.seq
}
