// Package presence derives per-user availability from live sessions and
// drives ephemeral typing indicators.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
	"github.com/capitalize-ai/conversation-delivery/pkg/logger"
	"github.com/capitalize-ai/conversation-delivery/pkg/metrics"
)

// Publisher fans an ephemeral event out to a conversation.
type Publisher interface {
	Publish(ctx context.Context, ev *model.Event) error
}

// ConversationLister resolves the conversations a user participates in.
type ConversationLister interface {
	ListConversations(ctx context.Context, userID string) ([]string, error)
}

// Mirror receives every presence change, for lookups from other nodes.
type Mirror interface {
	SetPresence(ctx context.Context, state model.PresenceState) error
}

// Config holds presence timings.
type Config struct {
	ReconnectGrace time.Duration
	AwayAfter      time.Duration
	TypingExpiry   time.Duration
}

type user struct {
	id           string
	sessions     map[string]struct{}
	status       model.PresenceStatus
	lastSeen     time.Time
	offline      *time.Timer
	offlineEpoch uint64

	// version counts status transitions. emitMu orders their publication and
	// emitted is the last status published, both guarded by emitMu.
	version uint64
	emitMu  sync.Mutex
	emitted model.PresenceStatus
}

// setStatus records a transition and returns its version. Callers hold t.mu.
func (u *user) setStatus(st model.PresenceStatus) uint64 {
	u.status = st
	u.version++
	return u.version
}

type typingKey struct {
	userID         string
	conversationID string
}

type typing struct {
	sessionID string
	timer     *time.Timer
	epoch     uint64
}

// Tracker owns presence and typing state.
type Tracker struct {
	mu     sync.Mutex
	users  map[string]*user
	typing map[typingKey]*typing
	epoch  uint64

	convs     ConversationLister
	publisher Publisher
	mirror    Mirror
	cfg       Config
	logger    *logger.Logger
	now       func() time.Time
}

// NewTracker creates a presence tracker. mirror may be nil.
func NewTracker(convs ConversationLister, publisher Publisher, mirror Mirror, cfg Config, log *logger.Logger) *Tracker {
	if cfg.TypingExpiry <= 0 {
		cfg.TypingExpiry = 5 * time.Second
	}
	return &Tracker{
		users:     make(map[string]*user),
		typing:    make(map[typingKey]*typing),
		convs:     convs,
		publisher: publisher,
		mirror:    mirror,
		cfg:       cfg,
		logger:    log,
		now:       time.Now,
	}
}

// OnSessionOpen registers a live session. The first session of a user makes
// them online and cancels a pending offline transition.
func (t *Tracker) OnSessionOpen(ctx context.Context, userID, sessionID string) {
	t.mu.Lock()
	u, ok := t.users[userID]
	if !ok {
		u = &user{id: userID, sessions: make(map[string]struct{}), status: model.PresenceOffline}
		t.users[userID] = u
	}
	if u.offline != nil {
		u.offline.Stop()
		u.offline = nil
	}
	u.sessions[sessionID] = struct{}{}
	u.lastSeen = t.now()
	var version uint64
	changed := u.status != model.PresenceOnline
	if changed {
		version = u.setStatus(model.PresenceOnline)
	}
	t.mu.Unlock()

	if changed {
		t.emit(ctx, u, version)
	}
}

// OnSessionClose removes a live session. Typing started by the session stops.
// When the last session closes the user goes offline after ReconnectGrace.
func (t *Tracker) OnSessionClose(ctx context.Context, userID, sessionID string) {
	t.mu.Lock()
	stopped := t.dropTypingLocked(userID, sessionID)

	u, ok := t.users[userID]
	var (
		offlineNow bool
		version    uint64
	)
	if ok {
		delete(u.sessions, sessionID)
		u.lastSeen = t.now()
		if len(u.sessions) == 0 && u.status != model.PresenceOffline {
			if t.cfg.ReconnectGrace <= 0 {
				version = u.setStatus(model.PresenceOffline)
				offlineNow = true
			} else {
				t.scheduleOfflineLocked(userID, u)
			}
		}
	}
	t.mu.Unlock()

	for _, conv := range stopped {
		t.publishTyping(ctx, userID, conv, false)
	}
	if offlineNow {
		t.emit(ctx, u, version)
	}
}

func (t *Tracker) scheduleOfflineLocked(userID string, u *user) {
	if u.offline != nil {
		u.offline.Stop()
	}
	t.epoch++
	epoch := t.epoch
	u.offlineEpoch = epoch
	u.offline = time.AfterFunc(t.cfg.ReconnectGrace, func() {
		t.mu.Lock()
		cur, ok := t.users[userID]
		if !ok || cur.offlineEpoch != epoch || len(cur.sessions) > 0 {
			t.mu.Unlock()
			return
		}
		cur.offline = nil
		version := cur.setStatus(model.PresenceOffline)
		t.mu.Unlock()

		t.emit(context.Background(), cur, version)
	})
}

// OnActivity refreshes the user's last-seen time; an away user comes back online.
func (t *Tracker) OnActivity(ctx context.Context, userID string) {
	t.mu.Lock()
	u, ok := t.users[userID]
	if !ok || len(u.sessions) == 0 {
		t.mu.Unlock()
		return
	}
	u.lastSeen = t.now()
	var version uint64
	changed := u.status == model.PresenceAway
	if changed {
		version = u.setStatus(model.PresenceOnline)
	}
	t.mu.Unlock()

	if changed {
		t.emit(ctx, u, version)
	}
}

// Sweep marks online users idle for AwayAfter as away and refreshes the
// mirrored state of everyone else who is connected.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) {
	type pass struct {
		u       *user
		version uint64
	}

	t.mu.Lock()
	var changed, live []pass
	for _, u := range t.users {
		if len(u.sessions) == 0 {
			continue
		}
		if t.cfg.AwayAfter > 0 && u.status == model.PresenceOnline && now.Sub(u.lastSeen) >= t.cfg.AwayAfter {
			changed = append(changed, pass{u, u.setStatus(model.PresenceAway)})
			continue
		}
		live = append(live, pass{u, u.version})
	}
	t.mu.Unlock()

	for _, p := range changed {
		t.emit(ctx, p.u, p.version)
	}
	if t.mirror == nil {
		return
	}
	for _, p := range live {
		t.refresh(ctx, p.u, p.version)
	}
}

// Run sweeps for idle users until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.Sweep(ctx, now)
		}
	}
}

// OnTyping starts or stops a typing indicator. A start while already typing
// only extends the expiry; the indicator stops by itself after TypingExpiry.
func (t *Tracker) OnTyping(ctx context.Context, userID, sessionID, conversationID string, started bool) {
	key := typingKey{userID: userID, conversationID: conversationID}

	t.mu.Lock()
	cur, active := t.typing[key]
	if !started {
		if active {
			cur.timer.Stop()
			delete(t.typing, key)
		}
		t.mu.Unlock()
		if active {
			t.publishTyping(ctx, userID, conversationID, false)
		}
		return
	}

	if active {
		cur.timer.Stop()
	}
	t.epoch++
	epoch := t.epoch
	t.typing[key] = &typing{
		sessionID: sessionID,
		epoch:     epoch,
		timer: time.AfterFunc(t.cfg.TypingExpiry, func() {
			t.mu.Lock()
			c, ok := t.typing[key]
			if !ok || c.epoch != epoch {
				t.mu.Unlock()
				return
			}
			delete(t.typing, key)
			t.mu.Unlock()

			t.publishTyping(context.Background(), userID, conversationID, false)
		}),
	}
	t.mu.Unlock()

	if !active {
		t.publishTyping(ctx, userID, conversationID, true)
	}
}

// ClearTyping drops a typing indicator without emitting typing_stop. It is
// used once the user's message has been committed.
func (t *Tracker) ClearTyping(userID, conversationID string) {
	key := typingKey{userID: userID, conversationID: conversationID}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.typing[key]; ok {
		cur.timer.Stop()
		delete(t.typing, key)
	}
}

// IsTyping reports whether the user currently has a typing indicator.
func (t *Tracker) IsTyping(userID, conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[typingKey{userID: userID, conversationID: conversationID}]
	return ok
}

// Status returns the user's presence.
func (t *Tracker) Status(userID string) model.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[userID]
	if !ok {
		return model.PresenceState{UserID: userID, Status: model.PresenceOffline}
	}
	return u.state(userID)
}

func (t *Tracker) dropTypingLocked(userID, sessionID string) []string {
	var convs []string
	for key, cur := range t.typing {
		if key.userID == userID && cur.sessionID == sessionID {
			cur.timer.Stop()
			delete(t.typing, key)
			convs = append(convs, key.conversationID)
		}
	}
	return convs
}

func (u *user) state(userID string) model.PresenceState {
	return model.PresenceState{
		UserID:     userID,
		Status:     u.status,
		Sessions:   len(u.sessions),
		LastSeenAt: u.lastSeen,
	}
}

// current returns the user's state if version is still the latest
// transition. Callers hold u.emitMu.
func (t *Tracker) current(u *user, version uint64) (model.PresenceState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u.version != version {
		return model.PresenceState{}, false
	}
	return u.state(u.id), true
}

// emit publishes the transition recorded as version. Transitions of one user
// are published one at a time, and one overtaken by a newer transition is
// dropped, so subscribers and the mirror always end on the latest status.
func (t *Tracker) emit(ctx context.Context, u *user, version uint64) {
	u.emitMu.Lock()
	defer u.emitMu.Unlock()

	state, ok := t.current(u, version)
	if !ok || state.Status == u.emitted {
		metrics.PresenceTransitions.WithLabelValues("superseded").Inc()
		return
	}
	u.emitted = state.Status
	metrics.PresenceTransitions.WithLabelValues(string(state.Status)).Inc()

	if t.mirror != nil {
		if err := t.mirror.SetPresence(ctx, state); err != nil {
			t.logger.Warn("failed to mirror presence",
				zap.String("user_id", state.UserID),
				zap.Error(err),
			)
		}
	}

	convs, err := t.convs.ListConversations(ctx, state.UserID)
	if err != nil {
		t.logger.Error("failed to list conversations for presence",
			zap.String("user_id", state.UserID),
			zap.Error(err),
		)
		return
	}

	payload, _ := json.Marshal(model.PresencePayload{Status: state.Status, LastSeenAt: state.LastSeenAt})
	for _, conv := range convs {
		t.publish(ctx, &model.Event{
			ID:             uuid.Must(uuid.NewV7()).String(),
			ConversationID: conv,
			Type:           model.EventTypePresenceChange,
			UserID:         state.UserID,
			Payload:        payload,
			CreatedAt:      t.now(),
		})
	}
}

// refresh rewrites the mirrored state unless a transition is under way.
func (t *Tracker) refresh(ctx context.Context, u *user, version uint64) {
	u.emitMu.Lock()
	defer u.emitMu.Unlock()

	state, ok := t.current(u, version)
	if !ok {
		return
	}
	if err := t.mirror.SetPresence(ctx, state); err != nil {
		t.logger.Warn("failed to refresh presence", zap.String("user_id", state.UserID), zap.Error(err))
	}
}

func (t *Tracker) publishTyping(ctx context.Context, userID, conversationID string, started bool) {
	typ := model.EventTypeTypingStop
	if started {
		typ = model.EventTypeTypingStart
	}
	payload, _ := json.Marshal(model.TypingPayload{Started: started})
	t.publish(ctx, &model.Event{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Type:           typ,
		UserID:         userID,
		Payload:        payload,
		CreatedAt:      t.now(),
	})
}

func (t *Tracker) publish(ctx context.Context, ev *model.Event) {
	if err := t.publisher.Publish(ctx, ev); err != nil {
		t.logger.Warn("failed to publish ephemeral event",
			zap.String("conversation_id", ev.ConversationID),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
	}
}
