package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
	"github.com/capitalize-ai/conversation-delivery/internal/store"
	"github.com/capitalize-ai/conversation-delivery/pkg/logger"
)

const (
	// StreamName is the name of the conversation event stream.
	StreamName = "CONVERSATION_EVENTS"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "conv"

	fetchBatch = 256

	// readConsumerIdle is how long the server keeps a ReadEvents consumer
	// after its last fetch.
	readConsumerIdle = 10 * time.Second
)

// ErrInvalidConversationID is returned for ids that cannot be used as a
// subject token or KV key.
var ErrInvalidConversationID = errors.New("conversation id is not a valid subject token")

// EventSubject returns the subject holding one sequenced event.
func EventSubject(conversationID string, sequence uint64) string {
	return fmt.Sprintf("%s.%s.evt.%d", SubjectPrefix, conversationID, sequence)
}

// ConversationFilter returns the filter subject for every event of a conversation.
func ConversationFilter(conversationID string) string {
	return fmt.Sprintf("%s.%s.evt.>", SubjectPrefix, conversationID)
}

// EventLog is the durable event log on a JetStream stream. Each event lives
// on its own subject, so a sequence can be written at most once.
type EventLog struct {
	js     jetstream.JetStream
	logger *logger.Logger
}

// NewEventLog creates an event log.
func NewEventLog(client *Client, log *logger.Logger) *EventLog {
	return &EventLog{js: client.JetStream(), logger: log}
}

// EnsureStream ensures the event stream exists with proper configuration.
func (l *EventLog) EnsureStream(ctx context.Context) error {
	_, err := l.js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = l.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".*.evt.*"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		MaxBytes:    100 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  2 * time.Minute,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Sequenced conversation events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	l.logger.Info("created event stream", zap.String("stream", StreamName))
	return nil
}

// PersistEvent publishes the event on its sequence subject. A repeat of the
// same event id is deduplicated by the stream; a different event on an
// occupied subject yields store.ErrSequenceTaken.
func (l *EventLog) PersistEvent(ctx context.Context, ev *model.Event) error {
	if !model.ValidConversationID(ev.ConversationID) {
		return ErrInvalidConversationID
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := l.js.Publish(ctx, EventSubject(ev.ConversationID, ev.Sequence), data,
		jetstream.WithMsgID(ev.ID),
		jetstream.WithExpectLastSequencePerSubject(0),
	)
	if err != nil {
		if isWrongLastSequence(err) {
			return store.ErrSequenceTaken
		}
		return fmt.Errorf("failed to publish event: %w", err)
	}
	if ack.Duplicate {
		l.logger.Debug("duplicate event publish",
			zap.String("event_id", ev.ID),
			zap.Uint64("sequence", ev.Sequence),
		)
	}
	return nil
}

// readConsumerConfig builds the ephemeral consumer for one read. A zero
// start reads the conversation from the beginning.
func readConsumerConfig(conversationID string, start uint64) jetstream.OrderedConsumerConfig {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects:    []string{ConversationFilter(conversationID)},
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: readConsumerIdle,
	}
	if start > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = start
	}
	return cfg
}

// ReadEvents returns events with Sequence > after in ascending order. A
// limit of zero or less reads to the end of the log.
func (l *EventLog) ReadEvents(ctx context.Context, conversationID string, after uint64, limit int) ([]model.Event, error) {
	if !model.ValidConversationID(conversationID) {
		return nil, ErrInvalidConversationID
	}

	start, _ := l.startAfter(ctx, conversationID, after)
	consumer, err := l.js.OrderedConsumer(ctx, StreamName, readConsumerConfig(conversationID, start))
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	events := make([]model.Event, 0)
	for limit <= 0 || len(events) < limit {
		want := fetchBatch
		if limit > 0 && limit-len(events) < want {
			want = limit - len(events)
		}

		batch, err := consumer.FetchNoWait(want)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch events: %w", err)
		}

		n := 0
		for msg := range batch.Messages() {
			n++
			var ev model.Event
			if err := json.Unmarshal(msg.Data(), &ev); err != nil {
				l.logger.Error("skipping undecodable event",
					zap.String("subject", msg.Subject()),
					zap.Error(err),
				)
				continue
			}
			if ev.Sequence <= after {
				continue
			}
			events = append(events, ev)
			if limit > 0 && len(events) == limit {
				break
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if n < want {
			break
		}
	}
	return events, nil
}

// startAfter finds the stream position just past the event numbered after.
func (l *EventLog) startAfter(ctx context.Context, conversationID string, after uint64) (uint64, bool) {
	if after == 0 {
		return 0, false
	}
	stream, err := l.js.Stream(ctx, StreamName)
	if err != nil {
		return 0, false
	}
	msg, err := stream.GetLastMsgForSubject(ctx, EventSubject(conversationID, after))
	if err != nil {
		// The number may have been skipped; read from the start and filter.
		return 0, false
	}
	return msg.Sequence + 1, true
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
