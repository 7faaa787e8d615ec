// Package fanout delivers committed events to live subscribers and records
// offline-delivery markers for everyone else.
package fanout

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
	"github.com/capitalize-ai/conversation-delivery/internal/registry"
	"github.com/capitalize-ai/conversation-delivery/internal/store"
	"github.com/capitalize-ai/conversation-delivery/pkg/logger"
	"github.com/capitalize-ai/conversation-delivery/pkg/metrics"
)

// Target is a live session able to accept pushes.
type Target interface {
	UserID() string
	// Offer queues the event without blocking. It returns an error when the
	// event was not queued; for durable events the target then considers
	// itself lagging for that conversation.
	Offer(ev *model.Event) error
}

// Directory resolves session ids to live targets.
type Directory interface {
	Lookup(sessionID string) (Target, bool)
}

// Report summarizes one fan-out pass.
type Report struct {
	Delivered int
	Failed    int
	Marked    int
}

// Engine pushes events to subscribers. Deliver must be called from the
// conversation's sequencer lane so pushes leave in commit order.
type Engine struct {
	registry     *registry.Registry
	directory    Directory
	participants store.ParticipantStore
	pending      store.PendingStore
	logger       *logger.Logger
}

// New creates a fan-out engine.
func New(
	reg *registry.Registry,
	dir Directory,
	participants store.ParticipantStore,
	pending store.PendingStore,
	log *logger.Logger,
) *Engine {
	return &Engine{
		registry:     reg,
		directory:    dir,
		participants: participants,
		pending:      pending,
		logger:       log,
	}
}

// Deliver pushes ev to every live subscriber of its conversation. For durable
// events every participant without a successful live push gets a pending
// marker. Push failures are isolated per subscriber.
func (e *Engine) Deliver(ctx context.Context, ev *model.Event) Report {
	start := time.Now()
	durable := ev.Durable()

	var rep Report
	// user -> every live session of the user accepted the event
	delivered := make(map[string]bool)

	for _, sid := range e.registry.ActiveSubscribers(ev.ConversationID) {
		t, ok := e.directory.Lookup(sid)
		if !ok {
			continue
		}
		user := t.UserID()
		err := t.Offer(ev)
		if err == nil {
			rep.Delivered++
			if _, seen := delivered[user]; !seen {
				delivered[user] = true
			}
			continue
		}

		rep.Failed++
		delivered[user] = false
		if errors.Is(err, model.ErrDeliveryQueueFull) {
			e.logger.Warn("delivery queue full",
				zap.String("conversation_id", ev.ConversationID),
				zap.String("session_id", sid),
				zap.String("user_id", user),
				zap.Uint64("sequence", ev.Sequence),
				zap.Bool("durable", durable),
			)
		} else {
			e.logger.Debug("live push refused",
				zap.String("conversation_id", ev.ConversationID),
				zap.String("session_id", sid),
				zap.Error(err),
			)
		}
		if !durable {
			metrics.EphemeralDropped.Inc()
		}
	}

	if durable {
		rep.Marked = e.markOffline(ctx, ev, delivered)
	}

	class := "ephemeral"
	if durable {
		class = "durable"
	}
	metrics.RecordFanout(class, time.Since(start).Seconds(), rep.Delivered, rep.Failed)
	return rep
}

// markOffline writes a pending marker for each participant that has no
// session which accepted the event.
func (e *Engine) markOffline(ctx context.Context, ev *model.Event, delivered map[string]bool) int {
	participants, err := e.participants.ReadParticipants(ctx, ev.ConversationID)
	if err != nil {
		e.logger.Error("failed to read participants for pending markers",
			zap.String("conversation_id", ev.ConversationID),
			zap.Uint64("sequence", ev.Sequence),
			zap.Error(err),
		)
		return 0
	}

	marked := 0
	for _, p := range participants {
		if delivered[p.UserID] {
			continue
		}
		if err := e.pending.Mark(ctx, ev.ConversationID, p.UserID, ev.Sequence); err != nil {
			e.logger.Error("failed to write pending marker",
				zap.String("conversation_id", ev.ConversationID),
				zap.String("user_id", p.UserID),
				zap.Uint64("sequence", ev.Sequence),
				zap.Error(err),
			)
			continue
		}
		marked++
	}
	metrics.PendingMarkers.Add(float64(marked))
	return marked
}
