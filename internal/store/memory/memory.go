// Package memory provides in-process implementations of the store interfaces.
// It backs the development profile and the test suites.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
	"github.com/capitalize-ai/conversation-delivery/internal/store"
)

// Store implements every store interface in memory.
type Store struct {
	mu           sync.RWMutex
	events       map[string][]model.Event
	participants map[string]map[string]*model.Participant
	counters     map[string]uint64
	pending      map[string]map[string]uint64

	// Fault injection hooks used by tests.
	PersistErr func(ev *model.Event) error
	ReserveErr func(conversationID string, ceiling uint64) error
}

var (
	_ store.EventStore       = (*Store)(nil)
	_ store.ParticipantStore = (*Store)(nil)
	_ store.CounterStore     = (*Store)(nil)
	_ store.PendingStore     = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		events:       make(map[string][]model.Event),
		participants: make(map[string]map[string]*model.Participant),
		counters:     make(map[string]uint64),
		pending:      make(map[string]map[string]uint64),
	}
}

// AddParticipant registers a user in a conversation.
func (s *Store) AddParticipant(conversationID, userID string, role model.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.participants[conversationID]
	if m == nil {
		m = make(map[string]*model.Participant)
		s.participants[conversationID] = m
	}
	if _, ok := m[userID]; ok {
		return
	}
	m[userID] = &model.Participant{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
	}
}

// PersistEvent inserts an event in sequence order.
func (s *Store) PersistEvent(ctx context.Context, ev *model.Event) error {
	if s.PersistErr != nil {
		if err := s.PersistErr(ev); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.events[ev.ConversationID]
	i := sort.Search(len(log), func(i int) bool { return log[i].Sequence >= ev.Sequence })
	if i < len(log) && log[i].Sequence == ev.Sequence {
		if log[i].ID == ev.ID {
			return nil
		}
		return store.ErrSequenceTaken
	}
	log = append(log, model.Event{})
	copy(log[i+1:], log[i:])
	log[i] = *ev
	s.events[ev.ConversationID] = log
	return nil
}

// ReadEvents returns up to limit events after the given sequence.
func (s *Store) ReadEvents(ctx context.Context, conversationID string, after uint64, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.events[conversationID]
	i := sort.Search(len(log), func(i int) bool { return log[i].Sequence > after })

	var out []model.Event
	for ; i < len(log) && (limit <= 0 || len(out) < limit); i++ {
		out = append(out, log[i])
	}
	return out, nil
}

// ReadParticipants lists the participants of a conversation.
func (s *Store) ReadParticipants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.participants[conversationID]
	out := make([]model.Participant, 0, len(m))
	for _, p := range m {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// UpdateLastRead advances a participant's read watermark.
func (s *Store) UpdateLastRead(ctx context.Context, conversationID, userID string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[conversationID][userID]
	if !ok {
		return store.ErrNotFound
	}
	if sequence > p.LastReadSequence {
		p.LastReadSequence = sequence
	}
	return nil
}

// IsParticipant reports membership.
func (s *Store) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.participants[conversationID][userID]
	return ok, nil
}

// ListConversations returns the conversations a user participates in.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for conv, m := range s.participants {
		if _, ok := m[userID]; ok {
			out = append(out, conv)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Load returns the reserved ceiling for a conversation.
func (s *Store) Load(ctx context.Context, conversationID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[conversationID], nil
}

// Reserve records a new ceiling above the stored one.
func (s *Store) Reserve(ctx context.Context, conversationID string, ceiling uint64) error {
	if s.ReserveErr != nil {
		if err := s.ReserveErr(conversationID, ceiling); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ceiling <= s.counters[conversationID] {
		return store.ErrCeilingTaken
	}
	s.counters[conversationID] = ceiling
	return nil
}

// Mark records the first missed sequence for a participant, keeping the
// earliest one.
func (s *Store) Mark(ctx context.Context, conversationID, userID string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.pending[userID]
	if m == nil {
		m = make(map[string]uint64)
		s.pending[userID] = m
	}
	if cur, ok := m[conversationID]; !ok || sequence < cur {
		m[conversationID] = sequence
	}
	return nil
}

// Pending returns a copy of the user's markers.
func (s *Store) Pending(ctx context.Context, userID string) (map[string]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]uint64, len(s.pending[userID]))
	for k, v := range s.pending[userID] {
		out[k] = v
	}
	return out, nil
}

// Clear drops the user's marker for a conversation.
func (s *Store) Clear(ctx context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m := s.pending[userID]; m != nil {
		delete(m, conversationID)
		if len(m) == 0 {
			delete(s.pending, userID)
		}
	}
	return nil
}
