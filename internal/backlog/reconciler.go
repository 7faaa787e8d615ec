// Package backlog brings a reconnecting or lagging session up to date with the
// durable event log.
package backlog

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
	"github.com/capitalize-ai/conversation-delivery/internal/store"
	"github.com/capitalize-ai/conversation-delivery/pkg/logger"
	"github.com/capitalize-ai/conversation-delivery/pkg/metrics"
	"github.com/capitalize-ai/conversation-delivery/pkg/tracing"
)

// HighWaterSource reports the highest committed sequence of a conversation.
type HighWaterSource interface {
	HighWater(ctx context.Context, conversationID string) (uint64, error)
}

// Target is the session being reconciled.
type Target interface {
	UserID() string
	// Begin resets the delivered cursor for conversationID and holds back
	// live pushes for it until End.
	Begin(conversationID string, cursor uint64)
	End(conversationID string)
	// Deliver queues a stored event, waiting for queue space. Events at or
	// below the cursor are skipped.
	Deliver(ctx context.Context, ev *model.Event) error
	// SnapshotRequired tells the client to bulk-read and moves the cursor to highWater.
	SnapshotRequired(ctx context.Context, conversationID string, highWater uint64) error
}

// Config bounds a reconciliation.
type Config struct {
	MaxGap    uint64
	BatchSize int
}

// Result describes one reconciliation.
type Result struct {
	HighWater uint64
	Gap       uint64
	Streamed  int
	Snapshot  bool
	Anomalous bool
}

// Reconciler streams missed events from the event store.
type Reconciler struct {
	seq     HighWaterSource
	events  store.EventStore
	pending store.PendingStore
	cfg     Config
	logger  *logger.Logger
}

// New creates a reconciler.
func New(seq HighWaterSource, events store.EventStore, pending store.PendingStore, cfg Config, log *logger.Logger) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxGap == 0 {
		cfg.MaxGap = 1000
	}
	return &Reconciler{
		seq:     seq,
		events:  events,
		pending: pending,
		cfg:     cfg,
		logger:  log,
	}
}

// Reconcile delivers every durable event after lastSeen to t, or a
// snapshot_required signal when the gap exceeds MaxGap. A lastSeen beyond the
// high-water mark is treated as an anomaly and reconciled from the high-water
// mark. The user's pending marker is cleared when streaming starts and
// restored from the last delivered event if it fails.
func (r *Reconciler) Reconcile(ctx context.Context, t Target, conversationID string, lastSeen uint64) (Result, error) {
	ctx, span := tracing.Tracer().Start(ctx, "backlog.Reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.Int64("cursor", int64(lastSeen)),
	)

	var res Result
	hw, err := r.seq.HighWater(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "high water")
		return res, fmt.Errorf("read high water: %w", err)
	}
	res.HighWater = hw

	from := lastSeen
	if lastSeen > hw {
		r.logger.Warn("client cursor beyond high-water mark",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", t.UserID()),
			zap.Uint64("last_seen", lastSeen),
			zap.Uint64("high_water", hw),
		)
		metrics.AnomalousCursors.WithLabelValues("reconcile").Inc()
		res.Anomalous = true
		from = hw
	}
	res.Gap = hw - from
	metrics.ReconnectGap.Observe(float64(res.Gap))

	t.Begin(conversationID, from)
	defer t.End(conversationID)

	// Cleared before reading: events refused while the stream runs mark the
	// user again and End picks them up.
	r.clearPending(ctx, t.UserID(), conversationID)

	if res.Gap > r.cfg.MaxGap {
		if err := t.SnapshotRequired(ctx, conversationID, hw); err != nil {
			r.restorePending(ctx, t.UserID(), conversationID, from+1)
			return res, err
		}
		metrics.SnapshotsRequired.Inc()
		res.Snapshot = true
		return res, nil
	}

	after := from
	for {
		batch, err := r.events.ReadEvents(ctx, conversationID, after, r.cfg.BatchSize)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "read events")
			r.restorePending(ctx, t.UserID(), conversationID, after+1)
			return res, fmt.Errorf("read events after %d: %w", after, err)
		}
		for i := range batch {
			if err := t.Deliver(ctx, &batch[i]); err != nil {
				r.restorePending(ctx, t.UserID(), conversationID, after+1)
				return res, err
			}
			after = batch[i].Sequence
			res.Streamed++
		}
		if len(batch) < r.cfg.BatchSize {
			break
		}
	}

	span.SetAttributes(attribute.Int("streamed", res.Streamed))
	return res, nil
}

func (r *Reconciler) clearPending(ctx context.Context, userID, conversationID string) {
	if err := r.pending.Clear(ctx, conversationID, userID); err != nil {
		r.logger.Error("failed to clear pending marker",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

// restorePending marks the first event the failed stream did not deliver. The
// store keeps the earliest marker, so an older miss is never overwritten.
func (r *Reconciler) restorePending(ctx context.Context, userID, conversationID string, sequence uint64) {
	if err := r.pending.Mark(context.WithoutCancel(ctx), conversationID, userID, sequence); err != nil {
		r.logger.Error("failed to restore pending marker",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.Uint64("sequence", sequence),
			zap.Error(err),
		)
	}
}
