package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
	"github.com/capitalize-ai/conversation-delivery/internal/store"
	"github.com/capitalize-ai/conversation-delivery/pkg/logger"
)

// CounterBucket is the KV bucket holding per-conversation sequence ceilings.
const CounterBucket = "CONVERSATION_SEQUENCES"

const maxCASAttempts = 5

// CounterStore keeps sequence ceilings in a JetStream KV bucket. Reserve
// only ever raises a ceiling, using compare-and-set on the key revision.
// Each conversation is expected to have one allocating process; a second
// writer is detected on Reserve and the loser reloads.
type CounterStore struct {
	kv     jetstream.KeyValue
	logger *logger.Logger
}

// NewCounterStore opens the counter bucket, creating it if needed.
func NewCounterStore(ctx context.Context, client *Client, replicas int, log *logger.Logger) (*CounterStore, error) {
	js := client.JetStream()

	kv, err := js.KeyValue(ctx, CounterBucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		if replicas <= 0 {
			replicas = 1
		}
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      CounterBucket,
			Description: "Reserved sequence ceilings per conversation",
			History:     1,
			Storage:     jetstream.FileStorage,
			Replicas:    replicas,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open counter bucket: %w", err)
	}
	return &CounterStore{kv: kv, logger: log}, nil
}

// Load returns the reserved ceiling, zero for a new conversation.
func (c *CounterStore) Load(ctx context.Context, conversationID string) (uint64, error) {
	if !model.ValidConversationID(conversationID) {
		return 0, ErrInvalidConversationID
	}
	entry, err := c.kv.Get(ctx, conversationID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load counter: %w", err)
	}
	return decodeCeiling(entry.Value())
}

// Reserve raises the ceiling to ceiling. A stored ceiling at or above it
// belongs to another writer and yields store.ErrCeilingTaken.
func (c *CounterStore) Reserve(ctx context.Context, conversationID string, ceiling uint64) error {
	if !model.ValidConversationID(conversationID) {
		return ErrInvalidConversationID
	}
	value := []byte(strconv.FormatUint(ceiling, 10))

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		entry, err := c.kv.Get(ctx, conversationID)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			_, err = c.kv.Create(ctx, conversationID, value)
			if err == nil {
				return nil
			}
			if !errors.Is(err, jetstream.ErrKeyExists) && !isWrongLastSequence(err) {
				return fmt.Errorf("failed to create counter: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to read counter: %w", err)
		default:
			current, err := decodeCeiling(entry.Value())
			if err != nil {
				return err
			}
			if current >= ceiling {
				return store.ErrCeilingTaken
			}
			_, err = c.kv.Update(ctx, conversationID, value, entry.Revision())
			if err == nil {
				return nil
			}
			if !isWrongLastSequence(err) {
				return fmt.Errorf("failed to update counter: %w", err)
			}
		}
	}
	return fmt.Errorf("counter for %s: too many concurrent updates", conversationID)
}

func decodeCeiling(b []byte) (uint64, error) {
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter value %q: %w", b, err)
	}
	return n, nil
}
