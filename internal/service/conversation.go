// Package service provides the conversation delivery use cases shared by the
// realtime and HTTP surfaces.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
	"github.com/capitalize-ai/conversation-delivery/internal/registry"
	"github.com/capitalize-ai/conversation-delivery/internal/sequencer"
	"github.com/capitalize-ai/conversation-delivery/internal/store"
	"github.com/capitalize-ai/conversation-delivery/pkg/logger"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// PresenceReader reports local presence.
type PresenceReader interface {
	Status(userID string) model.PresenceState
}

// PresenceLookup reports presence recorded by other nodes.
type PresenceLookup interface {
	GetPresence(ctx context.Context, userID string) (model.PresenceState, error)
}

// ConversationService handles conversation reads and the participant check.
type ConversationService struct {
	participants store.ParticipantStore
	events       store.EventStore
	sequencer    *sequencer.Sequencer
	presence     PresenceReader
	remote       PresenceLookup
	logger       *logger.Logger
}

// NewConversationService creates a new conversation service. remote may be nil.
func NewConversationService(
	participants store.ParticipantStore,
	events store.EventStore,
	seq *sequencer.Sequencer,
	presence PresenceReader,
	remote PresenceLookup,
	log *logger.Logger,
) *ConversationService {
	return &ConversationService{
		participants: participants,
		events:       events,
		sequencer:    seq,
		presence:     presence,
		remote:       remote,
		logger:       log,
	}
}

// Authorize issues a subscription grant when the user participates in the conversation.
func (s *ConversationService) Authorize(ctx context.Context, userID, conversationID string) (registry.Grant, error) {
	ok, err := s.participants.IsParticipant(ctx, userID, conversationID)
	if err != nil {
		return registry.Grant{}, fmt.Errorf("check participant: %w", err)
	}
	if !ok {
		return registry.Grant{}, model.ErrNotAuthorized
	}
	return registry.Grant{UserID: userID, ConversationID: conversationID, Authorized: true}, nil
}

// ListEvents returns durable events after afterSequence. It backs the bulk
// read a client performs after snapshot_required.
func (s *ConversationService) ListEvents(ctx context.Context, userID, conversationID string, afterSequence uint64, limit int) (*model.ListEventsResponse, error) {
	if _, err := s.Authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	hw, err := s.sequencer.HighWater(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to read high water: %w", err)
	}

	events, err := s.events.ReadEvents(ctx, conversationID, afterSequence, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	resp := &model.ListEventsResponse{
		Events:       events,
		HighWater:    hw,
		LastSequence: afterSequence,
	}
	if len(events) > limit {
		resp.Events = events[:limit]
		resp.HasMore = true
	}
	if n := len(resp.Events); n > 0 {
		resp.LastSequence = resp.Events[n-1].Sequence
	}
	if resp.Events == nil {
		resp.Events = []model.Event{}
	}
	return resp, nil
}

// ListParticipants returns the participants with their read state.
func (s *ConversationService) ListParticipants(ctx context.Context, userID, conversationID string) (*model.ListParticipantsResponse, error) {
	if _, err := s.Authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	participants, err := s.participants.ReadParticipants(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to read participants: %w", err)
	}
	hw, err := s.sequencer.HighWater(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to read high water: %w", err)
	}
	return &model.ListParticipantsResponse{Participants: participants, HighWater: hw}, nil
}

// Presence returns a user's presence, falling back to other nodes when the
// user has no session here.
func (s *ConversationService) Presence(ctx context.Context, userID string) model.PresenceState {
	state := s.presence.Status(userID)
	if state.Status != model.PresenceOffline || s.remote == nil {
		return state
	}

	remote, err := s.remote.GetPresence(ctx, userID)
	if err != nil {
		s.logger.Debug("remote presence lookup failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return state
	}
	return remote
}
