package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType categorizes session lifecycle events.
type EventType string

const (
	// Session events
	EventTypeSessionConnected    EventType = "session.connected"
	EventTypeSessionLost         EventType = "session.lost"
	EventTypeSessionDisconnected EventType = "session.disconnected"

	// Command events
	EventTypeCommandTimeout EventType = "command.timeout"
)

// Event is an in-process notification about one session.
type Event struct {
	// ID is the unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// HostID is the session the event relates to.
	HostID string `json:"host_id"`

	// Reason is a human-readable cause, if any. Never contains secrets.
	Reason string `json:"reason,omitempty"`

	// Metadata contains additional context.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewEvent creates an event stamped with a fresh ID and the current time.
func NewEvent(eventType EventType, hostID string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		HostID:    hostID,
	}
}

// WithReason sets Reason and returns the event.
func (e *Event) WithReason(reason string) *Event {
	e.Reason = reason
	return e
}

// WithMetadata adds a metadata entry and returns the event.
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}
