// Package sequencer assigns gap-free, strictly increasing sequence numbers per
// conversation and provides the per-conversation serialization lane.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
	"github.com/capitalize-ai/conversation-delivery/internal/store"
	"github.com/capitalize-ai/conversation-delivery/pkg/logger"
	"github.com/capitalize-ai/conversation-delivery/pkg/metrics"
)

const (
	laneShards = 64

	// maxTakenRetries bounds how many already-committed numbers Append will
	// step over before giving up.
	maxTakenRetries = 3
)

// CommitFunc persists and fans out one event at seq. prev is the sequence
// committed before it in this conversation.
type CommitFunc func(seq, prev uint64) error

// Config controls allocation.
type Config struct {
	// BlockSize is how many numbers one durable reservation covers.
	BlockSize uint64
	// MaxLanes bounds how many idle conversation lanes stay cached. An
	// evicted lane reloads its counter on next use.
	MaxLanes int
}

type lane struct {
	sem  chan struct{}
	refs int // guarded by the shard mutex

	loaded    bool
	next      uint64 // last number handed out
	ceiling   uint64 // durably reserved
	committed uint64 // highest committed
}

type laneShard struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

// Sequencer owns the per-conversation counters.
type Sequencer struct {
	counters  store.CounterStore
	blockSize uint64
	shardCap  int
	logger    *logger.Logger
	shards    [laneShards]*laneShard
}

// New creates a sequencer backed by a durable counter store.
func New(counters store.CounterStore, cfg Config, log *logger.Logger) *Sequencer {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 1
	}
	if cfg.MaxLanes <= 0 {
		cfg.MaxLanes = 8192
	}
	s := &Sequencer{
		counters:  counters,
		blockSize: cfg.BlockSize,
		shardCap:  max(1, cfg.MaxLanes/laneShards),
		logger:    log,
	}
	for i := range s.shards {
		s.shards[i] = &laneShard{lanes: make(map[string]*lane)}
	}
	return s
}

func (s *Sequencer) shard(conversationID string) *laneShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return s.shards[h.Sum32()%laneShards]
}

// lane returns the conversation lane with a reference held. Idle lanes over
// the shard cap are dropped when a new one is created.
func (s *Sequencer) lane(conversationID string) *lane {
	sh := s.shard(conversationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	l, ok := sh.lanes[conversationID]
	if !ok {
		for id, idle := range sh.lanes {
			if len(sh.lanes) < s.shardCap {
				break
			}
			if idle.refs == 0 {
				delete(sh.lanes, id)
			}
		}
		l = &lane{sem: make(chan struct{}, 1)}
		sh.lanes[conversationID] = l
	}
	l.refs++
	return l
}

func (s *Sequencer) unref(conversationID string, l *lane) {
	sh := s.shard(conversationID)
	sh.mu.Lock()
	l.refs--
	sh.mu.Unlock()
}

// acquire enters the conversation lane, waiting cooperatively.
func (s *Sequencer) acquire(ctx context.Context, conversationID string) (*lane, error) {
	l := s.lane(conversationID)
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		s.unref(conversationID, l)
		return nil, ctx.Err()
	}

	if !l.loaded {
		if err := s.load(ctx, conversationID, l); err != nil {
			s.release(conversationID, l)
			metrics.SequenceFailures.WithLabelValues("load").Inc()
			return nil, fmt.Errorf("%w: load counter: %v", model.ErrSequenceAllocationFailed, err)
		}
	}
	return l, nil
}

// load resets the lane from the durable ceiling. Everything up to it counts
// as used; numbers reserved but never committed are skipped.
func (s *Sequencer) load(ctx context.Context, conversationID string, l *lane) error {
	last, err := s.counters.Load(ctx, conversationID)
	if err != nil {
		return err
	}
	l.next, l.ceiling, l.committed = last, last, last
	l.loaded = true
	return nil
}

func (s *Sequencer) release(conversationID string, l *lane) {
	<-l.sem
	s.unref(conversationID, l)
}

// allocate reserves durably before handing out the next number. When another
// writer has moved the ceiling the lane reloads and continues after it.
func (s *Sequencer) allocate(ctx context.Context, conversationID string, l *lane) (uint64, error) {
	if l.next >= l.ceiling {
		ceiling := l.next + s.blockSize
		err := s.counters.Reserve(ctx, conversationID, ceiling)
		if errors.Is(err, store.ErrCeilingTaken) {
			s.logger.Warn("sequence ceiling moved by another writer, reloading",
				zap.String("conversation_id", conversationID),
				zap.Uint64("ceiling", ceiling),
			)
			metrics.SequenceFailures.WithLabelValues("ceiling_taken").Inc()
			if err = s.load(ctx, conversationID, l); err == nil {
				ceiling = l.next + s.blockSize
				err = s.counters.Reserve(ctx, conversationID, ceiling)
			}
		}
		if err != nil {
			metrics.SequenceFailures.WithLabelValues("reserve").Inc()
			return 0, fmt.Errorf("%w: %v", model.ErrSequenceAllocationFailed, err)
		}
		l.ceiling = ceiling
	}
	l.next++
	return l.next, nil
}

// NextSequence allocates the next number for a conversation. The number is
// durably reserved before it is returned. Callers that need ordered commit
// should use Append.
func (s *Sequencer) NextSequence(ctx context.Context, conversationID string) (uint64, error) {
	l, err := s.acquire(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	defer s.release(conversationID, l)
	return s.allocate(ctx, conversationID, l)
}

// Append allocates a number and runs commit while holding the conversation
// lane, so commits and fan-out happen in sequence order. A failed commit
// returns the number to the lane; a number found already committed by an
// earlier ambiguous write is stepped over.
func (s *Sequencer) Append(ctx context.Context, conversationID string, commit CommitFunc) (uint64, error) {
	l, err := s.acquire(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	defer s.release(conversationID, l)

	for attempt := 0; ; attempt++ {
		seq, err := s.allocate(ctx, conversationID, l)
		if err != nil {
			return 0, err
		}

		err = commit(seq, l.committed)
		if err == nil {
			l.committed = seq
			return seq, nil
		}

		if errors.Is(err, store.ErrSequenceTaken) && attempt < maxTakenRetries {
			s.logger.Warn("sequence already committed, skipping",
				zap.String("conversation_id", conversationID),
				zap.Uint64("sequence", seq),
			)
			l.committed = seq
			continue
		}

		l.next = seq - 1
		return 0, err
	}
}

// Exclusive runs fn inside the conversation lane without allocating.
func (s *Sequencer) Exclusive(ctx context.Context, conversationID string, fn func(highWater uint64) error) error {
	l, err := s.acquire(ctx, conversationID)
	if err != nil {
		return err
	}
	defer s.release(conversationID, l)
	return fn(l.committed)
}

// HighWater returns the highest committed sequence for a conversation.
func (s *Sequencer) HighWater(ctx context.Context, conversationID string) (uint64, error) {
	var hw uint64
	err := s.Exclusive(ctx, conversationID, func(highWater uint64) error {
		hw = highWater
		return nil
	})
	return hw, err
}
