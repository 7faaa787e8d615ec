package session

import (
	"context"
	"sync"
	"time"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
	"github.com/capitalize-ai/conversation-delivery/pkg/metrics"
)

type cursor struct {
	delivered uint64
	ready     bool // false while a reconciliation owns the conversation
	lagging   bool
}

// outbox is the bounded outbound queue of a session together with the
// per-conversation delivered cursors that keep durable pushes gap-free.
type outbox struct {
	mu      sync.Mutex
	queue   chan *model.ServerFrame
	cursors map[string]*cursor
	closed  bool

	// catchup is signalled when a ready conversation starts lagging.
	catchup chan struct{}
	done    chan struct{}
}

func newOutbox(capacity int) *outbox {
	if capacity <= 0 {
		capacity = 256
	}
	return &outbox{
		queue:   make(chan *model.ServerFrame, capacity),
		cursors: make(map[string]*cursor),
		catchup: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// offer queues a live event without blocking. A durable event is accepted
// only when it directly follows the delivered cursor; a repeat is dropped as
// already delivered and anything else marks the conversation lagging.
func (o *outbox) offer(ev *model.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return model.ErrSessionClosed
	}

	frame := model.EventFrame(ev)
	if !ev.Durable() {
		return o.tryEnqueue(frame)
	}

	c := o.cursorLocked(ev.ConversationID)
	if !c.ready {
		c.lagging = true
		return model.ErrSubscriberLagging
	}
	if ev.Sequence <= c.delivered {
		return nil
	}
	if ev.Previous != c.delivered {
		o.lagLocked(c)
		return model.ErrSubscriberLagging
	}
	if err := o.tryEnqueue(frame); err != nil {
		o.lagLocked(c)
		return err
	}
	c.delivered = ev.Sequence
	return nil
}

func (o *outbox) tryEnqueue(frame *model.ServerFrame) error {
	select {
	case o.queue <- frame:
		metrics.OutboundQueueDepth.Observe(float64(len(o.queue)))
		return nil
	default:
		return model.ErrDeliveryQueueFull
	}
}

func (o *outbox) lagLocked(c *cursor) {
	c.lagging = true
	select {
	case o.catchup <- struct{}{}:
	default:
	}
}

// push queues a frame, waiting for space.
func (o *outbox) push(ctx context.Context, frame *model.ServerFrame) error {
	select {
	case o.queue <- frame:
		metrics.OutboundQueueDepth.Observe(float64(len(o.queue)))
		return nil
	case <-o.done:
		return model.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin hands the conversation to a reconciliation starting after from.
func (o *outbox) begin(conversationID string, from uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c := o.cursorLocked(conversationID)
	c.delivered = from
	c.ready = false
	c.lagging = false
}

// end returns the conversation to live delivery. Live events refused while
// the reconciliation ran trigger another catch-up.
func (o *outbox) end(conversationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.cursors[conversationID]
	if !ok {
		return
	}
	c.ready = true
	if c.lagging {
		o.lagLocked(c)
	}
}

// deliver queues a stored event for a conversation under reconciliation.
func (o *outbox) deliver(ctx context.Context, ev *model.Event) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return model.ErrSessionClosed
	}
	c := o.cursorLocked(ev.ConversationID)
	if ev.Sequence <= c.delivered {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	if err := o.push(ctx, model.EventFrame(ev)); err != nil {
		return err
	}

	o.mu.Lock()
	if ev.Sequence > c.delivered {
		c.delivered = ev.Sequence
	}
	o.mu.Unlock()
	return nil
}

// snapshot queues snapshot_required and moves the cursor to highWater.
func (o *outbox) snapshot(ctx context.Context, conversationID string, highWater uint64) error {
	err := o.push(ctx, &model.ServerFrame{
		Type:           model.PushSnapshotRequired,
		ConversationID: conversationID,
		HighWater:      highWater,
		Timestamp:      time.Now(),
	})
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.cursorLocked(conversationID).delivered = highWater
	o.mu.Unlock()
	return nil
}

// takeLagging returns and clears the ready conversations that fell behind,
// with their delivered cursors.
func (o *outbox) takeLagging() map[string]uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]uint64)
	for conv, c := range o.cursors {
		if c.ready && c.lagging {
			c.lagging = false
			out[conv] = c.delivered
		}
	}
	return out
}

func (o *outbox) delivered(conversationID string) (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.cursors[conversationID]
	if !ok {
		return 0, false
	}
	return c.delivered, true
}

func (o *outbox) forget(conversationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cursors, conversationID)
}

// close stops accepting frames; queued frames stay for the writer to flush.
func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}

func (o *outbox) cursorLocked(conversationID string) *cursor {
	c, ok := o.cursors[conversationID]
	if !ok {
		c = &cursor{}
		o.cursors[conversationID] = c
	}
	return c
}
