package model

import (
	"encoding/json"
	"time"
)

// EventType represents the type of conversation event.
type EventType string

const (
	EventTypeMessageSent     EventType = "message_sent"
	EventTypeMessageEdited   EventType = "message_edited"
	EventTypeMessageDeleted  EventType = "message_deleted"
	EventTypeReactionAdded   EventType = "reaction_added"
	EventTypeReactionRemoved EventType = "reaction_removed"
	EventTypeTypingStart     EventType = "typing_start"
	EventTypeTypingStop      EventType = "typing_stop"
	EventTypeReadReceipt     EventType = "read_receipt"
	EventTypePresenceChange  EventType = "presence_change"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeMessageSent, EventTypeMessageEdited, EventTypeMessageDeleted,
		EventTypeReactionAdded, EventTypeReactionRemoved,
		EventTypeTypingStart, EventTypeTypingStop,
		EventTypeReadReceipt, EventTypePresenceChange:
		return true
	}
	return false
}

// Durable reports whether events of this type are sequenced and retained.
// Typing and presence signals are ephemeral.
func (t EventType) Durable() bool {
	switch t {
	case EventTypeTypingStart, EventTypeTypingStop, EventTypePresenceChange:
		return false
	}
	return t.Valid()
}

// Event is one immutable occurrence within a conversation.
// Previous links a durable event to the sequence committed before it, so a
// subscriber can tell a missed event from a number skipped by a crash.
type Event struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Sequence       uint64          `json:"sequence_number,omitempty"`
	Previous       uint64          `json:"previous_sequence,omitempty"`
	Type           EventType       `json:"type"`
	UserID         string          `json:"user_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Durable reports whether the event belongs in the durable log.
func (e *Event) Durable() bool {
	return e.Type.Durable()
}

// MessagePayload is the payload of message_sent.
type MessagePayload struct {
	Content string `json:"content"`
}

// EditPayload is the payload of message_edited.
type EditPayload struct {
	Target  uint64 `json:"target_sequence"`
	Content string `json:"content"`
}

// DeletePayload is the payload of message_deleted.
type DeletePayload struct {
	Target uint64 `json:"target_sequence"`
}

// ReactionPayload is the payload of reaction_added and reaction_removed.
type ReactionPayload struct {
	Target uint64 `json:"target_sequence"`
	Emoji  string `json:"emoji"`
}

// ReadReceiptPayload is the payload of read_receipt.
type ReadReceiptPayload struct {
	Sequence uint64 `json:"sequence_number"`
}

// TypingPayload is the payload of typing_start and typing_stop.
type TypingPayload struct {
	Started bool `json:"started"`
}

// PresencePayload is the payload of presence_change.
type PresencePayload struct {
	Status     PresenceStatus `json:"status"`
	LastSeenAt time.Time      `json:"last_seen_at"`
}
