package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-delivery/internal/config"
	"github.com/capitalize-ai/conversation-delivery/internal/handler"
	"github.com/capitalize-ai/conversation-delivery/internal/model"
	natsclient "github.com/capitalize-ai/conversation-delivery/internal/nats"
	"github.com/capitalize-ai/conversation-delivery/internal/postgres"
	redisstore "github.com/capitalize-ai/conversation-delivery/internal/redis"
	"github.com/capitalize-ai/conversation-delivery/internal/service"
	"github.com/capitalize-ai/conversation-delivery/internal/store"
	"github.com/capitalize-ai/conversation-delivery/internal/store/memory"
	"github.com/capitalize-ai/conversation-delivery/pkg/logger"
)

// backend is the set of stores the delivery engine runs on.
type backend struct {
	events       store.EventStore
	participants store.ParticipantStore
	counters     store.CounterStore
	pending      store.PendingStore

	// optional in memory mode
	mirror interface {
		SetPresence(ctx context.Context, state model.PresenceState) error
		GetPresence(ctx context.Context, userID string) (model.PresenceState, error)
	}

	checks  map[string]handler.Check
	closers []func()
}

func (b *backend) remote() service.PresenceLookup {
	if b.mirror == nil {
		return nil
	}
	return b.mirror
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (*backend, error) {
	if cfg.Backend == config.BackendDurable {
		return openDurable(ctx, cfg, log)
	}
	return openMemory(cfg, log)
}

func openMemory(cfg *config.Config, log *logger.Logger) (*backend, error) {
	st := memory.New()
	for _, pair := range cfg.DevParticipants {
		conversationID, userID, ok := strings.Cut(pair, ":")
		if !ok || !model.ValidConversationID(conversationID) || userID == "" {
			return nil, fmt.Errorf("invalid DEV_PARTICIPANTS entry %q", pair)
		}
		st.AddParticipant(conversationID, userID, model.RoleMember)
	}
	log.Warn("using in-memory storage; events are lost on restart",
		zap.Int("seeded_participants", len(cfg.DevParticipants)),
	)

	return &backend{
		events:       st,
		participants: st,
		counters:     st,
		pending:      st,
		checks:       map[string]handler.Check{},
	}, nil
}

func openDurable(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *backend, err error) {
	b := &backend{checks: make(map[string]handler.Check)}
	defer func() {
		if err != nil {
			b.close()
		}
	}()

	// Event log and sequence counters on JetStream
	nc, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	b.closers = append(b.closers, nc.Close)
	b.checks["nats"] = func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	}

	eventLog := natsclient.NewEventLog(nc, log)
	if err := eventLog.EnsureStream(ctx); err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	counters, err := natsclient.NewCounterStore(ctx, nc, cfg.NATSReplicas, log)
	if err != nil {
		return nil, fmt.Errorf("counter store: %w", err)
	}
	b.events, b.counters = eventLog, counters

	// Pending markers and the presence mirror on redis
	rdb, err := redisstore.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	b.closers = append(b.closers, func() { _ = rdb.Close() })
	b.checks["redis"] = func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
	b.pending = redisstore.NewPendingStore(rdb, cfg.Delivery.PendingTTL)
	b.mirror = redisstore.NewPresenceMirror(rdb, cfg.Delivery.PresenceTTL)

	// Membership and read state on postgres
	pool, err := postgres.Connect(ctx, postgres.Config{
		DSN:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	b.closers = append(b.closers, pool.Close)
	b.checks["postgres"] = pool.Ping

	participants := postgres.NewParticipantStore(pool)
	if err := participants.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	b.participants = participants

	log.Info("durable storage ready",
		zap.String("stream", natsclient.StreamName),
		zap.String("counters", natsclient.CounterBucket),
	)
	return b, nil
}
