package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
)

// presence key: delivery:presence:<user>
func presenceKey(userID string) string { return "delivery:presence:" + userID }

// PresenceMirror publishes presence state to redis so any node can answer
// presence lookups. Online and away entries expire after ttl unless renewed;
// an expired entry reads as offline.
type PresenceMirror struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewPresenceMirror creates a presence mirror.
func NewPresenceMirror(rdb redis.Cmdable, ttl time.Duration) *PresenceMirror {
	return &PresenceMirror{rdb: rdb, ttl: ttl}
}

// SetPresence stores the user's state. Offline keeps last_seen_at without
// an expiry.
func (m *PresenceMirror) SetPresence(ctx context.Context, state model.PresenceState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ttl := m.ttl
	if state.Status == model.PresenceOffline {
		ttl = 0
	}
	if err := m.rdb.Set(ctx, presenceKey(state.UserID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

// GetPresence returns the mirrored state, offline if none is stored.
func (m *PresenceMirror) GetPresence(ctx context.Context, userID string) (model.PresenceState, error) {
	data, err := m.rdb.Get(ctx, presenceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.PresenceState{UserID: userID, Status: model.PresenceOffline}, nil
	}
	if err != nil {
		return model.PresenceState{}, fmt.Errorf("failed to get presence: %w", err)
	}
	return decodePresence(userID, data)
}

func decodePresence(userID string, data []byte) (model.PresenceState, error) {
	var state model.PresenceState
	if err := json.Unmarshal(data, &state); err != nil {
		return model.PresenceState{}, fmt.Errorf("corrupt presence for %s: %w", userID, err)
	}
	state.UserID = userID
	return state, nil
}
