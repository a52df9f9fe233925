package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lorrc/portal-sync/internal/core/domain"
	"github.com/lorrc/portal-sync/internal/infrastructure/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024

	sendBuffer = 256
)

// Client message types.
const (
	MessageJoin  = "join"
	MessageLeave = "leave"
	MessagePing  = "ping"
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	ID  uuid.UUID
	Hub *Hub

	// The websocket connection.
	Conn *websocket.Conn

	// Buffered channel of outbound messages.
	Send chan domain.Event

	// User ID for this client.
	UserID uuid.UUID

	// rooms the client has joined
	rooms map[string]bool

	// closeOnce ensures the Send channel is only closed once
	closeOnce sync.Once

	// registered is closed by the hub once the client is tracked
	registered chan struct{}

	// mu protects rooms
	mu sync.RWMutex

	// logger for this client
	logger *slog.Logger
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID, logger *slog.Logger) *Client {
	id := uuid.New()
	return &Client{
		ID:     id,
		Hub:    hub,
		Conn:   conn,
		Send:   make(chan domain.Event, sendBuffer),
		UserID:     userID,
		rooms:      make(map[string]bool),
		registered: make(chan struct{}),
		logger:     logger.With("user_id", userID.String(), "client_id", id.String()),
	}
}

// Serve registers the client and starts its I/O pumps. It returns false when
// the hub has already stopped.
func (c *Client) Serve() bool {
	select {
	case c.Hub.Register <- c:
	case <-c.Hub.done:
		_ = c.Conn.Close()
		return false
	}
	<-c.registered

	go c.WritePump()
	go c.ReadPump()
	return true
}

// CloseSend safely closes the Send channel exactly once
func (c *Client) CloseSend() {
	c.closeOnce.Do(func() {
		close(c.Send)
	})
}

func (c *Client) addRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room] = true
}

func (c *Client) removeRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, room)
}

// InRoom checks if the client has joined room
func (c *Client) InRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[room]
}

// Rooms returns a copy of the joined rooms
func (c *Client) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// ReadPump pumps messages from the websocket connection to the hub.
// This method runs in its own goroutine.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Hub.Unregister <- c:
		case <-c.Hub.done:
		}
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	if err := c.Conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("failed to set read deadline", "error", err)
		return
	}

	c.Conn.SetPongHandler(func(string) error {
		if err := c.Conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Error("failed to set read deadline in pong handler", "error", err)
		}
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		c.handleIncomingMessage(message)
	}
}

// WritePump pumps messages from the hub to the websocket connection.
// This method runs in its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline", "error", err)
				return
			}

			if !ok {
				// The hub closed the channel. Send close message.
				if err := c.Conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					c.logger.Debug("failed to send close message", "error", err)
				}
				return
			}

			if err := c.writeJSON(event); err != nil {
				c.logger.Error("failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline for ping", "error", err)
				return
			}

			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

// writeJSON writes a JSON message to the websocket connection
func (c *Client) writeJSON(event domain.Event) error {
	w, err := c.Conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(w).Encode(event); err != nil {
		_ = w.Close()
		return err
	}

	return w.Close()
}

// --- Incoming Message Handling ---

// ClientMessage is the structure for messages sent from the client.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RoomPayload is the payload for join/leave messages and the joined reply.
type RoomPayload struct {
	Room string `json:"room"`
}

// handleIncomingMessage processes messages received from the client
func (c *Client) handleIncomingMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Warn("failed to unmarshal client message", "error", err)
		return
	}

	switch strings.ToLower(msg.Type) {
	case MessageJoin:
		c.handleJoin(msg.Payload)

	case MessageLeave:
		if room, ok := c.parseRoom(msg.Payload); ok {
			c.Hub.leaveRoom(c, room)
		}

	case MessagePing:
		c.reply(domain.Event{Type: domain.EventPong})

	default:
		c.logger.Debug("received unknown message type", "type", msg.Type)
	}
}

func (c *Client) handleJoin(payload json.RawMessage) {
	room, ok := c.parseRoom(payload)
	if !ok {
		return
	}
	if !c.Hub.joinRoom(c, room) {
		return
	}

	ack, err := domain.NewEvent(domain.EventJoined, room, RoomPayload{Room: room})
	if err != nil {
		c.logger.Error("failed to build join ack", "error", err)
		return
	}
	// The ack carries the current sequence so a reconnecting channel can
	// tell whether it missed events.
	ack.Seq = c.Hub.Seq()
	c.reply(ack)
	c.logger.InfoContext(logging.WithRoom(context.Background(), room), "joined room", "seq", ack.Seq)
}

func (c *Client) parseRoom(payload json.RawMessage) (string, bool) {
	var p RoomPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			c.logger.Warn("failed to unmarshal room payload", "error", err)
			return "", false
		}
	}

	room := strings.TrimSpace(p.Room)
	if room == "" {
		c.logger.Warn("room message without room name")
		return "", false
	}
	return room, true
}

// reply queues a direct response. It is dropped when the buffer is full or
// the client is already unregistered.
func (c *Client) reply(event domain.Event) {
	defer func() {
		// Send is closed once the hub unregisters the client.
		_ = recover()
	}()

	select {
	case c.Send <- event:
	default:
	}
}
