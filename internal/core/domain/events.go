package domain

import (
	"encoding/json"
	"fmt"
)

// EventName identifies a message carried over the real-time channel.
type EventName string

const (
	EventChange      EventName = "change"
	EventEmailSent   EventName = "email_sent"
	EventEmailFailed EventName = "email_failed"
	EventJoined      EventName = "joined"
	EventPong        EventName = "pong"
)

// DefaultRoom is the logical partition dashboards join after connecting.
const DefaultRoom = "admin"

// Event is the envelope sent over WebSocket and returned by the poll endpoint.
type Event struct {
	Seq     int64           `json:"seq,omitempty"`
	Type    EventName       `json:"type"`
	Room    string          `json:"room,omitempty"` // Used for routing to room members
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into a routable event.
func NewEvent(name EventName, room string, payload any) (Event, error) {
	event := Event{Type: name, Room: room}
	if payload == nil {
		return event, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	event.Payload = data
	return event, nil
}

// IsEmailOutcome reports whether the event belongs to the scheduled email workflow.
func (e Event) IsEmailOutcome() bool {
	return e.Type == EventEmailSent || e.Type == EventEmailFailed
}

// PollBatch is one page of the polling fallback: the events after the
// requested cursor and the cursor to resume from. Truncated is set when
// events after the requested cursor were already evicted from the backlog.
type PollBatch struct {
	Events    []Event `json:"events"`
	Cursor    int64   `json:"cursor"`
	Truncated bool    `json:"truncated,omitempty"`
}
