package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
	"github.com/capitalize-ai/conversation-delivery/pkg/logger"
	"github.com/capitalize-ai/conversation-delivery/pkg/metrics"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const inboundBuffer = 16

// Session is one authenticated client connection. Only its own goroutines
// mutate it; fan-out reaches it through Offer.
type Session struct {
	id     string
	userID string
	m      *Manager
	tr     Transport
	out    *outbox
	logger *logger.Logger

	state      atomic.Int32
	lastActive atomic.Int64

	ackMu sync.Mutex
	acked map[string]uint64

	inbound    chan []byte
	readErr    chan error
	stopRead   chan struct{}
	writerDone chan struct{}
}

func newSession(m *Manager, tr Transport, userID string) *Session {
	id := uuid.Must(uuid.NewV7()).String()
	s := &Session{
		id:         id,
		userID:     userID,
		m:          m,
		tr:         tr,
		out:        newOutbox(m.cfg.QueueCapacity),
		logger:     m.logger.WithSession(id, userID),
		acked:      make(map[string]uint64),
		inbound:    make(chan []byte, inboundBuffer),
		readErr:    make(chan error, 1),
		stopRead:   make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.touch()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user.
func (s *Session) UserID() string { return s.userID }

// State returns the lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// LastActive returns when the client last sent a frame.
func (s *Session) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

// LastAcked returns the highest sequence the client acknowledged.
func (s *Session) LastAcked(conversationID string) uint64 {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	return s.acked[conversationID]
}

// Delivered returns the delivered cursor for a conversation.
func (s *Session) Delivered(conversationID string) (uint64, bool) {
	return s.out.delivered(conversationID)
}

// Offer queues a live event without blocking.
func (s *Session) Offer(ev *model.Event) error {
	return s.out.offer(ev)
}

// Begin, End, Deliver and SnapshotRequired let the backlog reconciler drive
// this session.

func (s *Session) Begin(conversationID string, cursor uint64) { s.out.begin(conversationID, cursor) }

func (s *Session) End(conversationID string) { s.out.end(conversationID) }

func (s *Session) Deliver(ctx context.Context, ev *model.Event) error {
	return s.out.deliver(ctx, ev)
}

func (s *Session) SnapshotRequired(ctx context.Context, conversationID string, highWater uint64) error {
	return s.out.snapshot(ctx, conversationID, highWater)
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Session) run(ctx context.Context, cursors map[string]uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.setState(StateAuthenticated)
	s.m.opened(s)
	go s.writeLoop()

	err := s.out.push(ctx, &model.ServerFrame{
		Type:      model.PushWelcome,
		SessionID: s.id,
		UserID:    s.userID,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.drain(model.CloseNormal, "write_error")
		return err
	}

	s.activate(ctx, cursors)
	s.setState(StateActive)
	s.logger.Info("session active")

	go s.readLoop()
	code, reason := s.process(ctx)
	s.drain(code, reason)
	return nil
}

// activate subscribes the user to every conversation they participate in and
// brings each one up to date: from the client's cursor, else from the first
// missed sequence, else from the current high-water mark.
func (s *Session) activate(ctx context.Context, cursors map[string]uint64) {
	convs, err := s.m.deps.Participants.ListConversations(ctx, s.userID)
	if err != nil {
		s.logger.Error("failed to list conversations", zap.Error(err))
		return
	}

	pending, err := s.m.deps.Pending.Pending(ctx, s.userID)
	if err != nil {
		s.logger.Warn("failed to read pending markers", zap.Error(err))
		pending = nil
	}

	var joined []string
	for _, conv := range convs {
		if err := s.join(ctx, conv); err != nil {
			s.logger.Warn("initial subscribe failed",
				zap.String("conversation_id", conv),
				zap.Error(err),
			)
			continue
		}
		joined = append(joined, conv)
	}

	s.m.deps.Presence.OnSessionOpen(ctx, s.userID, s.id)

	for _, conv := range joined {
		from, ok := cursors[conv]
		if !ok {
			if first, marked := pending[conv]; marked && first > 0 {
				from = first - 1
			} else {
				hw, err := s.m.deps.HighWater.HighWater(ctx, conv)
				if err != nil {
					s.logger.Warn("failed to read high water", zap.String("conversation_id", conv), zap.Error(err))
					continue
				}
				from = hw
			}
		}
		s.reconcile(ctx, conv, from)
	}
}

func (s *Session) join(ctx context.Context, conversationID string) error {
	grant, err := s.m.deps.Authorizer.Authorize(ctx, s.userID, conversationID)
	if err != nil {
		return err
	}
	return s.m.deps.Registry.Subscribe(conversationID, s.id, grant)
}

func (s *Session) reconcile(ctx context.Context, conversationID string, from uint64) (uint64, error) {
	res, err := s.m.deps.Reconciler.Reconcile(ctx, s, conversationID, from)
	if err != nil {
		s.logger.Warn("reconciliation failed",
			zap.String("conversation_id", conversationID),
			zap.Uint64("from", from),
			zap.Error(err),
		)
		return 0, err
	}
	if res.Streamed > 0 || res.Snapshot {
		s.logger.Debug("reconciled",
			zap.String("conversation_id", conversationID),
			zap.Uint64("from", from),
			zap.Uint64("high_water", res.HighWater),
			zap.Int("streamed", res.Streamed),
			zap.Bool("snapshot", res.Snapshot),
		)
	}
	return res.HighWater, nil
}

func (s *Session) readLoop() {
	for {
		if err := s.tr.SetReadDeadline(time.Now().Add(s.m.cfg.HeartbeatTimeout)); err != nil {
			s.readErr <- err
			return
		}
		data, err := s.tr.Read()
		if err != nil {
			s.readErr <- err
			return
		}
		select {
		case s.inbound <- data:
		case <-s.stopRead:
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)

	ticker := time.NewTicker(s.m.cfg.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case f := <-s.out.queue:
			if err := s.write(f); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.tr.Ping(); err != nil {
				s.logger.Debug("ping failed", zap.Error(err))
				return
			}
		case <-s.out.done:
			for {
				select {
				case f := <-s.out.queue:
					if err := s.write(f); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Session) write(f *model.ServerFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		s.logger.Error("failed to encode frame", zap.String("type", string(f.Type)), zap.Error(err))
		return nil
	}
	if err := s.tr.Write(data); err != nil {
		s.logger.Debug("write failed", zap.Error(err))
		return err
	}
	return nil
}

// process handles inbound frames and catch-up until the session must close.
func (s *Session) process(ctx context.Context) (int, string) {
	for {
		select {
		case <-ctx.Done():
			return model.CloseServerShutdown, "shutdown"
		case <-s.m.shutdown:
			return model.CloseServerShutdown, "shutdown"
		case err := <-s.readErr:
			if errors.Is(err, ErrReadTimeout) {
				return model.CloseIdleTimeout, "idle"
			}
			return model.CloseNormal, "client"
		case <-s.writerDone:
			return model.CloseNormal, "write_error"
		case <-s.out.catchup:
			s.catchUp(ctx)
		case data := <-s.inbound:
			if err := s.handle(ctx, data); err != nil {
				s.logger.Info("protocol violation", zap.Error(err))
				return model.CloseProtocolViolation, "protocol"
			}
		}
	}
}

func (s *Session) catchUp(ctx context.Context) {
	for conv, from := range s.out.takeLagging() {
		if !s.m.deps.Registry.IsSubscribed(conv, s.id) {
			s.out.forget(conv)
			continue
		}
		_, _ = s.reconcile(ctx, conv, from)
	}
}

// handle dispatches one inbound frame. Only protocol violations are returned;
// per-operation failures are answered with an error frame.
func (s *Session) handle(ctx context.Context, data []byte) error {
	var f model.ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidFrame, err)
	}
	s.touch()

	if f.Op != model.OpPing {
		s.m.deps.Presence.OnActivity(ctx, s.userID)
	}

	var (
		reply *model.ServerFrame
		err   error
	)
	switch f.Op {
	case model.OpPing:
		reply = &model.ServerFrame{Type: model.PushPong}
	case model.OpHello:
		err = fmt.Errorf("%w: session already established", model.ErrInvalidFrame)
	case model.OpSubscribe:
		reply, err = s.subscribe(ctx, &f)
	case model.OpUnsubscribe:
		reply, err = s.unsubscribe(&f)
	case model.OpSend:
		reply, err = s.send(ctx, &f, f.Type, f.Payload)
	case model.OpRead:
		reply, err = s.read(ctx, &f)
	case model.OpTyping:
		err = s.typing(ctx, &f)
	case model.OpAck:
		err = s.ack(ctx, &f)
	default:
		return fmt.Errorf("%w: unknown op %q", model.ErrInvalidFrame, f.Op)
	}

	if err != nil {
		s.respond(ctx, model.ErrorFrame(f.ID, err))
		return nil
	}
	if reply != nil {
		reply.ReplyTo = f.ID
		reply.Timestamp = time.Now()
		s.respond(ctx, reply)
	}
	return nil
}

// respond queues a reply. A failure means the session is already going away.
func (s *Session) respond(ctx context.Context, f *model.ServerFrame) {
	if err := s.out.push(ctx, f); err != nil {
		s.logger.Debug("reply dropped", zap.String("type", string(f.Type)), zap.Error(err))
	}
}

func (s *Session) requireSubscribed(f *model.ClientFrame) error {
	if f.ConversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", model.ErrInvalidFrame)
	}
	if !s.m.deps.Registry.IsSubscribed(f.ConversationID, s.id) {
		return model.ErrNotSubscribed
	}
	return nil
}

func (s *Session) subscribe(ctx context.Context, f *model.ClientFrame) (*model.ServerFrame, error) {
	if f.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", model.ErrInvalidFrame)
	}
	if err := s.join(ctx, f.ConversationID); err != nil {
		return nil, err
	}
	// A repeated subscribe never rewinds what this session already delivered.
	from := f.LastSeenSequence
	if delivered, ok := s.out.delivered(f.ConversationID); ok && delivered > from {
		from = delivered
	}
	hw, err := s.reconcile(ctx, f.ConversationID, from)
	if err != nil {
		return nil, err
	}
	return &model.ServerFrame{
		Type:           model.PushReply,
		ConversationID: f.ConversationID,
		HighWater:      hw,
	}, nil
}

func (s *Session) unsubscribe(f *model.ClientFrame) (*model.ServerFrame, error) {
	if f.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", model.ErrInvalidFrame)
	}
	s.m.deps.Registry.Unsubscribe(f.ConversationID, s.id)
	s.out.forget(f.ConversationID)
	return &model.ServerFrame{Type: model.PushReply, ConversationID: f.ConversationID}, nil
}

func (s *Session) send(ctx context.Context, f *model.ClientFrame, typ model.EventType, payload json.RawMessage) (*model.ServerFrame, error) {
	if err := s.requireSubscribed(f); err != nil {
		return nil, err
	}
	ev, err := s.m.deps.Sender.Send(ctx, s.userID, f.ConversationID, typ, payload)
	if err != nil {
		return nil, err
	}
	return &model.ServerFrame{
		Type:           model.PushReply,
		ConversationID: ev.ConversationID,
		Sequence:       ev.Sequence,
	}, nil
}

func (s *Session) read(ctx context.Context, f *model.ClientFrame) (*model.ServerFrame, error) {
	payload, err := json.Marshal(model.ReadReceiptPayload{Sequence: f.Sequence})
	if err != nil {
		return nil, err
	}
	return s.send(ctx, f, model.EventTypeReadReceipt, payload)
}

func (s *Session) typing(ctx context.Context, f *model.ClientFrame) error {
	if err := s.requireSubscribed(f); err != nil {
		return err
	}
	s.m.deps.Presence.OnTyping(ctx, s.userID, s.id, f.ConversationID, f.Started)
	return nil
}

// ack records the client's acknowledgement. An ack beyond the high-water mark
// is reported and the conversation is reconciled from scratch.
func (s *Session) ack(ctx context.Context, f *model.ClientFrame) error {
	if err := s.requireSubscribed(f); err != nil {
		return err
	}
	hw, err := s.m.deps.HighWater.HighWater(ctx, f.ConversationID)
	if err != nil {
		return err
	}
	if f.Sequence > hw {
		s.logger.Warn("ack beyond high-water mark",
			zap.String("conversation_id", f.ConversationID),
			zap.Uint64("ack", f.Sequence),
			zap.Uint64("high_water", hw),
		)
		metrics.AnomalousCursors.WithLabelValues("ack").Inc()
		s.respond(ctx, model.ErrorFrame(f.ID, model.ErrAnomalousAck))
		_, _ = s.reconcile(ctx, f.ConversationID, 0)
		return nil
	}

	s.ackMu.Lock()
	if f.Sequence > s.acked[f.ConversationID] {
		s.acked[f.ConversationID] = f.Sequence
	}
	s.ackMu.Unlock()
	return nil
}

// drain stops intake, flushes what is queued within DrainGrace and closes
// the transport.
func (s *Session) drain(code int, reason string) {
	s.setState(StateDraining)

	s.m.deps.Registry.DropSession(s.id)
	close(s.stopRead)
	s.out.close()

	timer := time.NewTimer(s.m.cfg.DrainGrace)
	select {
	case <-s.writerDone:
		timer.Stop()
	case <-timer.C:
		s.logger.Warn("drain grace expired, discarding queued frames")
	}

	_ = s.tr.Close(code, closeText(code))
	s.m.deps.Presence.OnSessionClose(context.Background(), s.userID, s.id)
	s.m.closed(s, reason)
	s.setState(StateClosed)

	s.logger.Info("session closed",
		zap.Int("code", code),
		zap.String("reason", reason),
	)
}

func closeText(code int) string {
	switch code {
	case model.CloseServerShutdown:
		return "server shutting down"
	case model.CloseAuthenticationFailed:
		return "authentication failed"
	case model.CloseProtocolViolation:
		return "protocol violation"
	case model.CloseIdleTimeout:
		return "idle timeout"
	}
	return ""
}
