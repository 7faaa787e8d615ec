package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/conversation-delivery/internal/auth"
	"github.com/capitalize-ai/conversation-delivery/internal/middleware"
	"github.com/capitalize-ai/conversation-delivery/pkg/logger"
)

// RouterConfig wires handlers into the HTTP surface.
type RouterConfig struct {
	Health        *HealthHandler
	Events        *EventHandler
	Conversations *ConversationHandler
	Stream        *StreamHandler
	Verifier      *auth.Verifier
	Logger        *logger.Logger

	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter builds the chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	r.Handle("/metrics", promhttp.Handler())

	// Realtime endpoint; authentication happens in the handshake.
	r.With(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)).Get("/ws", cfg.Stream.Stream)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Verifier))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/events", cfg.Events.List)
			r.Post("/events", cfg.Events.Send)
			r.Get("/participants", cfg.Conversations.Participants)
		})
		r.Get("/presence/{userID}", cfg.Conversations.Presence)
	})

	return r
}
