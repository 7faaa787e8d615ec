package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-delivery/internal/fanout"
	"github.com/capitalize-ai/conversation-delivery/internal/model"
	"github.com/capitalize-ai/conversation-delivery/internal/sequencer"
	"github.com/capitalize-ai/conversation-delivery/internal/store"
	"github.com/capitalize-ai/conversation-delivery/pkg/logger"
	"github.com/capitalize-ai/conversation-delivery/pkg/metrics"
	"github.com/capitalize-ai/conversation-delivery/pkg/tracing"
)

// TypingClearer drops a user's typing indicator once their message lands.
type TypingClearer interface {
	ClearTyping(userID, conversationID string)
}

// MessageService commits durable events: authorize, validate, sequence,
// persist, then fan out, all inside the conversation lane.
type MessageService struct {
	sequencer     *sequencer.Sequencer
	events        store.EventStore
	participants  store.ParticipantStore
	engine        *fanout.Engine
	conversations *ConversationService
	typing        TypingClearer
	logger        *logger.Logger
}

// NewMessageService creates a new message service. typing may be nil.
func NewMessageService(
	seq *sequencer.Sequencer,
	events store.EventStore,
	participants store.ParticipantStore,
	engine *fanout.Engine,
	conversations *ConversationService,
	typing TypingClearer,
	log *logger.Logger,
) *MessageService {
	return &MessageService{
		sequencer:     seq,
		events:        events,
		participants:  participants,
		engine:        engine,
		conversations: conversations,
		typing:        typing,
		logger:        log,
	}
}

// Send commits one durable event and returns it with its sequence number.
// A failed send never yields a sequence number.
func (s *MessageService) Send(ctx context.Context, userID, conversationID string, typ model.EventType, payload json.RawMessage) (*model.Event, error) {
	ctx, span := tracing.Tracer().Start(ctx, "message.Send")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("event.type", string(typ)),
	)

	if err := validate(typ, payload); err != nil {
		span.SetStatus(codes.Error, "invalid payload")
		return nil, err
	}
	if _, err := s.conversations.Authorize(ctx, userID, conversationID); err != nil {
		span.SetStatus(codes.Error, "not authorized")
		return nil, err
	}

	ev := &model.Event{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Type:           typ,
		UserID:         userID,
		Payload:        payload,
		CreatedAt:      time.Now().UTC(),
	}

	_, err := s.sequencer.Append(ctx, conversationID, func(seq, prev uint64) error {
		ev.Sequence, ev.Previous = seq, prev
		return s.commit(ctx, ev)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		s.logger.Warn("send failed",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.EventsCommitted.WithLabelValues(string(typ)).Inc()
	span.SetAttributes(attribute.Int64("event.sequence", int64(ev.Sequence)))

	if typ == model.EventTypeMessageSent && s.typing != nil {
		s.typing.ClearTyping(userID, conversationID)
	}
	return ev, nil
}

// commit runs inside the lane: persist, apply read state, then fan out.
func (s *MessageService) commit(ctx context.Context, ev *model.Event) error {
	if ev.Type == model.EventTypeReadReceipt {
		var p model.ReadReceiptPayload
		_ = json.Unmarshal(ev.Payload, &p)
		if p.Sequence > ev.Previous {
			return fmt.Errorf("%w: read receipt for sequence %d beyond %d", model.ErrInvalidPayload, p.Sequence, ev.Previous)
		}
	}

	if err := s.events.PersistEvent(ctx, ev); err != nil {
		if errors.Is(err, store.ErrSequenceTaken) {
			return err
		}
		metrics.SequenceFailures.WithLabelValues("persist").Inc()
		return fmt.Errorf("%w: %v", model.ErrPersistFailed, err)
	}

	// The event is durable; what follows must not be cut short by the caller.
	ctx = context.WithoutCancel(ctx)

	if ev.Type == model.EventTypeReadReceipt {
		var p model.ReadReceiptPayload
		_ = json.Unmarshal(ev.Payload, &p)
		if err := s.participants.UpdateLastRead(ctx, ev.ConversationID, ev.UserID, p.Sequence); err != nil {
			s.logger.Error("failed to update last read",
				zap.String("conversation_id", ev.ConversationID),
				zap.String("user_id", ev.UserID),
				zap.Uint64("sequence", p.Sequence),
				zap.Error(err),
			)
		}
	}

	s.engine.Deliver(ctx, ev)
	return nil
}

func validate(typ model.EventType, payload json.RawMessage) error {
	if !typ.Valid() {
		return fmt.Errorf("%w: unknown event type %q", model.ErrInvalidPayload, typ)
	}
	if !typ.Durable() {
		return fmt.Errorf("%w: %s is not a durable event", model.ErrInvalidPayload, typ)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: payload is required", model.ErrInvalidPayload)
	}

	switch typ {
	case model.EventTypeMessageSent:
		var p model.MessagePayload
		if err := json.Unmarshal(payload, &p); err != nil || p.Content == "" {
			return fmt.Errorf("%w: content is required", model.ErrInvalidPayload)
		}
	case model.EventTypeMessageEdited:
		var p model.EditPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.Target == 0 || p.Content == "" {
			return fmt.Errorf("%w: target_sequence and content are required", model.ErrInvalidPayload)
		}
	case model.EventTypeMessageDeleted:
		var p model.DeletePayload
		if err := json.Unmarshal(payload, &p); err != nil || p.Target == 0 {
			return fmt.Errorf("%w: target_sequence is required", model.ErrInvalidPayload)
		}
	case model.EventTypeReactionAdded, model.EventTypeReactionRemoved:
		var p model.ReactionPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.Target == 0 || p.Emoji == "" {
			return fmt.Errorf("%w: target_sequence and emoji are required", model.ErrInvalidPayload)
		}
	case model.EventTypeReadReceipt:
		var p model.ReadReceiptPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.Sequence == 0 {
			return fmt.Errorf("%w: sequence_number is required", model.ErrInvalidPayload)
		}
	}
	return nil
}

// Broadcaster publishes ephemeral events through the conversation lane so
// they never overtake a durable event being fanned out.
type Broadcaster struct {
	sequencer *sequencer.Sequencer
	engine    *fanout.Engine
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(seq *sequencer.Sequencer, engine *fanout.Engine) *Broadcaster {
	return &Broadcaster{sequencer: seq, engine: engine}
}

// Publish fans out an unsequenced event.
func (b *Broadcaster) Publish(ctx context.Context, ev *model.Event) error {
	return b.sequencer.Exclusive(ctx, ev.ConversationID, func(uint64) error {
		b.engine.Deliver(ctx, ev)
		return nil
	})
}
