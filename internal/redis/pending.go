package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// pending key: delivery:pending:<user>
// Hash field per conversation, value is the first missed sequence.
func pendingKey(userID string) string { return "delivery:pending:" + userID }

// PendingStore records missed deliveries per user in a redis hash. The hash
// expires ttl after the last mark, so users who never return leave nothing
// behind.
type PendingStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewPendingStore creates a pending store.
func NewPendingStore(rdb redis.Cmdable, ttl time.Duration) *PendingStore {
	return &PendingStore{rdb: rdb, ttl: ttl}
}

// Keeps the lower of the stored and the new first-missed sequence and renews
// the hash TTL. KEYS[1]=key; ARGV[1]=conversation; ARGV[2]=sequence; ARGV[3]=ttl ms
var luaMarkPending = redis.NewScript(`
  local k = KEYS[1]
  local seq = tonumber(ARGV[2])
  local cur = redis.call('HGET', k, ARGV[1])
  if not cur or tonumber(cur) > seq then
    redis.call('HSET', k, ARGV[1], ARGV[2])
  end
  local ttl = tonumber(ARGV[3])
  if ttl > 0 then
    redis.call('PEXPIRE', k, ttl)
  end
  return 1
`)

// Mark records sequence unless an earlier miss is already recorded.
func (p *PendingStore) Mark(ctx context.Context, conversationID, userID string, sequence uint64) error {
	err := luaMarkPending.Run(ctx, p.rdb, []string{pendingKey(userID)},
		conversationID, strconv.FormatUint(sequence, 10), p.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to mark pending: %w", err)
	}
	return nil
}

// Pending returns conversation_id -> first missed sequence.
func (p *PendingStore) Pending(ctx context.Context, userID string) (map[string]uint64, error) {
	raw, err := p.rdb.HGetAll(ctx, pendingKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending: %w", err)
	}
	return parsePending(raw)
}

// Clear drops the marker for one conversation.
func (p *PendingStore) Clear(ctx context.Context, conversationID, userID string) error {
	if err := p.rdb.HDel(ctx, pendingKey(userID), conversationID).Err(); err != nil {
		return fmt.Errorf("failed to clear pending: %w", err)
	}
	return nil
}

func parsePending(raw map[string]string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(raw))
	for conv, v := range raw {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt pending marker for %s: %w", conv, err)
		}
		out[conv] = seq
	}
	return out, nil
}
