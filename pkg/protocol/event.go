// Package protocol defines the wire format shared by the sync engine and the
// broker: a JSON envelope carrying a named event and an optional payload.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names an event or command on the wire.
type EventType string

// Events delivered by the broker.
const (
	EventNewMessage       EventType = "new_message"
	EventUserTyping       EventType = "user_typing"
	EventTypingStopped    EventType = "typing_stopped"
	EventUserOnlineStatus EventType = "user_online_status"
	EventUserJoined       EventType = "user_joined"
	EventMessageRead      EventType = "message_read"
	EventError            EventType = "error"
)

// Commands emitted by the client.
const (
	CommandJoinRoom    EventType = "join_room"
	CommandSendMessage EventType = "send_message"
	CommandTyping      EventType = "typing"
	CommandReadMessage EventType = "read_message"
)

// Event is the envelope for a single wire frame. Payload stays raw until the
// receiver knows the type, so unknown events pass through without error.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an envelope around the given payload. A nil payload
// produces an envelope with no payload field.
func NewEvent(t EventType, payload any) (Event, error) {
	if payload == nil {
		return Event{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}
	return Event{Type: t, Payload: raw}, nil
}

// Encode encodes the envelope into wire bytes.
func (e *Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}

// Decode decodes wire bytes into the envelope.
func (e *Event) Decode(data []byte) error {
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("failed to decode event: %w", err)
	}
	if e.Type == "" {
		return fmt.Errorf("event missing type")
	}
	return nil
}

// DecodePayload unmarshals the payload into v.
func (e *Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s event has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// NewMessage is the payload of a new_message event.
type NewMessage struct {
	ID         string     `json:"id"`
	RoomID     string     `json:"room_id"`
	SenderID   string     `json:"sender_id"`
	SenderName string     `json:"sender_name"`
	Content    string     `json:"content"`
	CreatedAt  time.Time  `json:"created_at"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
}

// RoomRef is the payload of room-scoped events that carry nothing else:
// user_typing, typing_stopped, user_joined and the join_room command.
type RoomRef struct {
	RoomID string `json:"room_id"`
}

// OnlineStatus is the payload of a user_online_status event.
type OnlineStatus struct {
	RoomID string `json:"room_id"`
	Online bool   `json:"online"`
}

// MessageRead is the payload of a message_read event.
type MessageRead struct {
	MessageID string    `json:"message_id"`
	ReadAt    time.Time `json:"read_at"`
}

// ServerError is the payload of an error event.
type ServerError struct {
	Message string `json:"message"`
}

// SendMessage is the payload of a send_message command.
type SendMessage struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
}

// Typing is the payload of a typing command.
type Typing struct {
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// ReadMessage is the payload of a read_message command.
type ReadMessage struct {
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
}
