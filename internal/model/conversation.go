// Package model defines data structures for the conversation delivery engine.
package model

import (
	"encoding/json"
	"time"
)

// ConversationKind distinguishes direct, group and channel conversations.
type ConversationKind string

const (
	ConversationDirect  ConversationKind = "direct"
	ConversationGroup   ConversationKind = "group"
	ConversationChannel ConversationKind = "channel"
)

// Conversation is an addressable chat context with an ordered event log.
type Conversation struct {
	ID        string           `json:"id"`
	Kind      ConversationKind `json:"kind"`
	CreatedAt time.Time        `json:"created_at"`
}

// MaxConversationIDLength bounds conversation ids.
const MaxConversationIDLength = 128

// ValidConversationID reports whether id is well formed: letters, digits,
// '-' and '_' only. Ids are used as subject tokens and storage keys.
func ValidConversationID(id string) bool {
	if id == "" || len(id) > MaxConversationIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Role represents the role of a participant within a conversation.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Participant links a user to a conversation.
// LastReadSequence never decreases.
type Participant struct {
	ConversationID   string `json:"conversation_id"`
	UserID           string `json:"user_id"`
	Role             Role   `json:"role"`
	LastReadSequence uint64 `json:"last_read_sequence"`
}

// ListParticipantsResponse is the response for listing participants.
type ListParticipantsResponse struct {
	Participants []Participant `json:"participants"`
	HighWater    uint64        `json:"high_water"`
}

// SendEventRequest is the HTTP request to commit a durable event.
type SendEventRequest struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SendEventResponse is returned once an event is durably committed.
type SendEventResponse struct {
	Event    *Event `json:"event"`
	Sequence uint64 `json:"sequence_number"`
}

// ListEventsResponse is the response for the bulk event read.
type ListEventsResponse struct {
	Events       []Event `json:"events"`
	HasMore      bool    `json:"has_more"`
	LastSequence uint64  `json:"last_sequence"`
	HighWater    uint64  `json:"high_water"`
}
