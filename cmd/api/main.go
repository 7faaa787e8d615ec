// Package main is the entry point for the delivery server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-delivery/internal/auth"
	"github.com/capitalize-ai/conversation-delivery/internal/backlog"
	"github.com/capitalize-ai/conversation-delivery/internal/config"
	"github.com/capitalize-ai/conversation-delivery/internal/fanout"
	"github.com/capitalize-ai/conversation-delivery/internal/handler"
	"github.com/capitalize-ai/conversation-delivery/internal/presence"
	"github.com/capitalize-ai/conversation-delivery/internal/registry"
	"github.com/capitalize-ai/conversation-delivery/internal/sequencer"
	"github.com/capitalize-ai/conversation-delivery/internal/service"
	"github.com/capitalize-ai/conversation-delivery/internal/session"
	"github.com/capitalize-ai/conversation-delivery/pkg/logger"
	"github.com/capitalize-ai/conversation-delivery/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting delivery server",
		zap.String("env", cfg.Env),
		zap.String("backend", string(cfg.Backend)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "conversation-delivery", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open storage", zap.Error(err))
	}
	defer b.close()

	// Delivery engine
	d := cfg.Delivery
	seq := sequencer.New(b.counters, sequencer.Config{
		BlockSize: d.SequenceBlockSize,
		MaxLanes:  d.SequenceMaxLanes,
	}, log)
	reg := registry.New()
	dir := session.NewDirectory()
	engine := fanout.New(reg, dir, b.participants, b.pending, log)

	tracker := presence.NewTracker(b.participants, service.NewBroadcaster(seq, engine), b.mirror, presence.Config{
		ReconnectGrace: d.ReconnectGrace,
		AwayAfter:      d.AwayAfter,
		TypingExpiry:   d.TypingExpiry,
	}, log)

	conversationSvc := service.NewConversationService(b.participants, b.events, seq, tracker, b.remote(), log)
	messageSvc := service.NewMessageService(seq, b.events, b.participants, engine, conversationSvc, tracker, log)
	reconciler := backlog.New(seq, b.events, b.pending, backlog.Config{
		MaxGap:    d.MaxReconcileGap,
		BatchSize: d.ReconcileBatch,
	}, log)
	verifier := auth.NewVerifier(cfg.JWTSecret)

	manager := session.NewManager(session.Dependencies{
		Directory:     dir,
		Registry:      reg,
		Authenticator: verifier,
		Authorizer:    conversationSvc,
		Sender:        messageSvc,
		Presence:      tracker,
		Reconciler:    reconciler,
		HighWater:     seq,
		Participants:  b.participants,
		Pending:       b.pending,
	}, session.Config{
		QueueCapacity:    d.QueueCapacity,
		HeartbeatTimeout: d.HeartbeatTimeout,
		DrainGrace:       d.DrainGrace,
	}, log)

	go tracker.Run(ctx, d.PresenceSweep)

	// Initialize handlers
	router := handler.NewRouter(handler.RouterConfig{
		Health:            handler.NewHealthHandler(b.checks, manager.Sessions),
		Events:            handler.NewEventHandler(messageSvc, conversationSvc, log),
		Conversations:     handler.NewConversationHandler(conversationSvc, log),
		Stream:            handler.NewStreamHandler(manager, d.HeartbeatTimeout, log),
		Verifier:          verifier,
		Logger:            log,
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		log.Error("server error", zap.Error(err))
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Sessions first so clients get 1001 instead of a dropped connection.
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warn("sessions did not drain in time", zap.Int("remaining", manager.Sessions()), zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
