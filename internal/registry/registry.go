// Package registry maps conversations to their live subscriber sessions.
package registry

import (
	"hash/fnv"
	"sync"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
)

const defaultShards = 64

// Grant records that a user passed the participant check for a conversation.
// Subscribe only accepts authorized grants issued for the same conversation.
type Grant struct {
	UserID         string
	ConversationID string
	Authorized     bool
}

type set map[string]struct{}

type shard struct {
	mu    sync.RWMutex
	items map[string]set
}

// Registry is a sharded conversation -> sessions index with a reverse
// session -> conversations index. It owns no session lifecycle.
type Registry struct {
	conversations []*shard
	sessions      []*shard
}

// New creates a registry with the default shard count.
func New() *Registry {
	return NewWithShards(defaultShards)
}

// NewWithShards creates a registry with n shards per index.
func NewWithShards(n int) *Registry {
	if n <= 0 {
		n = defaultShards
	}
	r := &Registry{
		conversations: make([]*shard, n),
		sessions:      make([]*shard, n),
	}
	for i := 0; i < n; i++ {
		r.conversations[i] = &shard{items: make(map[string]set)}
		r.sessions[i] = &shard{items: make(map[string]set)}
	}
	return r
}

func pick(shards []*shard, key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return shards[h.Sum32()%uint32(len(shards))]
}

func (s *shard) add(key, member string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.items[key]
	if m == nil {
		m = make(set)
		s.items[key] = m
	}
	m[member] = struct{}{}
}

func (s *shard) remove(key, member string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.items[key]; m != nil {
		delete(m, member)
		if len(m) == 0 {
			delete(s.items, key)
		}
	}
}

func (s *shard) snapshot(key string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.items[key]
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func (s *shard) take(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.items[key]
	delete(s.items, key)
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Subscribe adds a session to a conversation. It is idempotent.
func (r *Registry) Subscribe(conversationID, sessionID string, grant Grant) error {
	if !grant.Authorized || grant.ConversationID != conversationID {
		return model.ErrNotAuthorized
	}
	pick(r.conversations, conversationID).add(conversationID, sessionID)
	pick(r.sessions, sessionID).add(sessionID, conversationID)
	return nil
}

// Unsubscribe removes a session from a conversation. Absent entries are ignored.
func (r *Registry) Unsubscribe(conversationID, sessionID string) {
	pick(r.conversations, conversationID).remove(conversationID, sessionID)
	pick(r.sessions, sessionID).remove(sessionID, conversationID)
}

// ActiveSubscribers returns a snapshot of the sessions subscribed to a
// conversation. The snapshot may be stale by the time it is used.
func (r *Registry) ActiveSubscribers(conversationID string) []string {
	return pick(r.conversations, conversationID).snapshot(conversationID)
}

// Subscriptions returns a snapshot of the conversations a session joined.
func (r *Registry) Subscriptions(sessionID string) []string {
	return pick(r.sessions, sessionID).snapshot(sessionID)
}

// IsSubscribed reports whether the session is subscribed to the conversation.
func (r *Registry) IsSubscribed(conversationID, sessionID string) bool {
	s := pick(r.conversations, conversationID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[conversationID][sessionID]
	return ok
}

// DropSession removes a session from every conversation and returns them.
func (r *Registry) DropSession(sessionID string) []string {
	convs := pick(r.sessions, sessionID).take(sessionID)
	for _, c := range convs {
		pick(r.conversations, c).remove(c, sessionID)
	}
	return convs
}

// Len returns the number of conversations with at least one subscriber.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.conversations {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
