// Package session runs realtime client connections: authentication, the
// subscription lifecycle, inbound operations and ordered outbound delivery.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-delivery/internal/backlog"
	"github.com/capitalize-ai/conversation-delivery/internal/fanout"
	"github.com/capitalize-ai/conversation-delivery/internal/model"
	"github.com/capitalize-ai/conversation-delivery/internal/registry"
	"github.com/capitalize-ai/conversation-delivery/internal/store"
	"github.com/capitalize-ai/conversation-delivery/pkg/logger"
	"github.com/capitalize-ai/conversation-delivery/pkg/metrics"
)

// Authenticator verifies a client credential.
type Authenticator interface {
	VerifyIdentity(credential string) (string, error)
}

// Authorizer checks that a user may join a conversation.
type Authorizer interface {
	Authorize(ctx context.Context, userID, conversationID string) (registry.Grant, error)
}

// Sender commits a durable event on behalf of a user.
type Sender interface {
	Send(ctx context.Context, userID, conversationID string, typ model.EventType, payload json.RawMessage) (*model.Event, error)
}

// Presence receives session lifecycle and typing signals.
type Presence interface {
	OnSessionOpen(ctx context.Context, userID, sessionID string)
	OnSessionClose(ctx context.Context, userID, sessionID string)
	OnActivity(ctx context.Context, userID string)
	OnTyping(ctx context.Context, userID, sessionID, conversationID string, started bool)
}

// Reconciler brings a session up to date for one conversation.
type Reconciler interface {
	Reconcile(ctx context.Context, t backlog.Target, conversationID string, lastSeen uint64) (backlog.Result, error)
}

// Config holds session timings and limits.
type Config struct {
	QueueCapacity    int
	HeartbeatTimeout time.Duration
	DrainGrace       time.Duration
}

func (c Config) pingInterval() time.Duration {
	return c.HeartbeatTimeout * 9 / 10
}

// Dependencies are the collaborators of the session manager.
type Dependencies struct {
	Directory     *Directory
	Registry      *registry.Registry
	Authenticator Authenticator
	Authorizer    Authorizer
	Sender        Sender
	Presence      Presence
	Reconciler    Reconciler
	HighWater     backlog.HighWaterSource
	Participants  store.ParticipantStore
	Pending       store.PendingStore
}

// Directory indexes live sessions by id. It is the lookup used by fan-out.
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{sessions: make(map[string]*Session)}
}

// Lookup returns the live session with the given id.
func (d *Directory) Lookup(sessionID string) (fanout.Target, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s, true
}

// Get returns the live session with the given id.
func (d *Directory) Get(sessionID string) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[sessionID]
	return s, ok
}

// Len returns the number of live sessions.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

func (d *Directory) add(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[s.id] = s
}

func (d *Directory) remove(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

// Manager accepts connections and owns their sessions.
type Manager struct {
	deps   Dependencies
	cfg    Config
	logger *logger.Logger

	mu       sync.Mutex
	draining bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(deps Dependencies, cfg Config, log *logger.Logger) *Manager {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 5 * time.Second
	}
	return &Manager{
		deps:     deps,
		cfg:      cfg,
		logger:   log,
		shutdown: make(chan struct{}),
	}
}

// Serve runs one connection until it closes. The first frame must be a
// hello; credential is used when the hello carries no token.
func (m *Manager) Serve(ctx context.Context, tr Transport, credential string) error {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		_ = tr.Close(model.CloseServerShutdown, "server shutting down")
		return model.ErrSessionClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	hello, err := m.handshake(tr)
	if err != nil {
		switch {
		case errors.Is(err, ErrReadTimeout):
			_ = tr.Close(model.CloseIdleTimeout, "idle timeout")
		case errors.Is(err, model.ErrInvalidFrame):
			_ = tr.Close(model.CloseProtocolViolation, "expected hello")
		default:
			_ = tr.Close(model.CloseNormal, "")
		}
		return err
	}

	token := hello.Token
	if token == "" {
		token = credential
	}
	userID, err := m.deps.Authenticator.VerifyIdentity(token)
	if err != nil {
		m.logger.Info("session authentication failed", zap.Error(err))
		_ = tr.Close(model.CloseAuthenticationFailed, "authentication failed")
		return fmt.Errorf("%w: %v", model.ErrAuthenticationFailed, err)
	}

	s := newSession(m, tr, userID)
	return s.run(ctx, hello.Cursors)
}

func (m *Manager) handshake(tr Transport) (*model.ClientFrame, error) {
	if err := tr.SetReadDeadline(time.Now().Add(m.cfg.HeartbeatTimeout)); err != nil {
		return nil, err
	}
	data, err := tr.Read()
	if err != nil {
		return nil, err
	}
	var f model.ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidFrame, err)
	}
	if f.Op != model.OpHello {
		return nil, fmt.Errorf("%w: first frame must be hello, got %q", model.ErrInvalidFrame, f.Op)
	}
	return &f, nil
}

// Shutdown drains every session with close code 1001 and waits for them to
// finish or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.draining {
		m.draining = true
		close(m.shutdown)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions returns the number of live sessions.
func (m *Manager) Sessions() int {
	return m.deps.Directory.Len()
}

func (m *Manager) opened(s *Session) {
	m.deps.Directory.add(s)
	metrics.IncrementSessions()
}

func (m *Manager) closed(s *Session, reason string) {
	m.deps.Directory.remove(s.id)
	metrics.DecrementSessions(reason)
}
