// Package store defines the durable collaborators consumed by the delivery engine.
package store

import (
	"context"
	"errors"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSequenceTaken is returned when a different event already occupies the sequence.
	ErrSequenceTaken = errors.New("sequence already committed")
	// ErrCeilingTaken is returned by Reserve when the stored ceiling is already
	// at or above the requested one, meaning another writer allocated from it.
	ErrCeilingTaken = errors.New("sequence ceiling already reserved")
)

// EventStore is the durable, append-only event log.
type EventStore interface {
	// PersistEvent stores the event. Persisting the same event ID twice is a
	// no-op; a returned error other than ErrSequenceTaken means nothing was stored.
	PersistEvent(ctx context.Context, event *model.Event) error
	// ReadEvents returns events with Sequence > after in ascending order.
	ReadEvents(ctx context.Context, conversationID string, after uint64, limit int) ([]model.Event, error)
}

// ParticipantStore exposes conversation membership and read state.
type ParticipantStore interface {
	ReadParticipants(ctx context.Context, conversationID string) ([]model.Participant, error)
	// UpdateLastRead never moves last_read_sequence backwards.
	UpdateLastRead(ctx context.Context, conversationID, userID string, sequence uint64) error
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)
	ListConversations(ctx context.Context, userID string) ([]string, error)
}

// CounterStore persists the per-conversation sequence ceiling.
type CounterStore interface {
	// Load returns the last reserved ceiling, zero for a new conversation.
	Load(ctx context.Context, conversationID string) (uint64, error)
	// Reserve durably records ceiling as the highest number that may be handed
	// out. It fails with ErrCeilingTaken unless ceiling is above the stored one.
	Reserve(ctx context.Context, conversationID string, ceiling uint64) error
}

// PendingStore records that a participant missed durable events while offline.
type PendingStore interface {
	// Mark records sequence as missed unless an earlier miss is already recorded.
	Mark(ctx context.Context, conversationID, userID string, sequence uint64) error
	// Pending returns conversation_id -> first missed sequence for the user.
	Pending(ctx context.Context, userID string) (map[string]uint64, error)
	Clear(ctx context.Context, conversationID, userID string) error
}
