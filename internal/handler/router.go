package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/resumable-chat/internal/middleware"
	"github.com/capitalize-ai/resumable-chat/pkg/logger"
)

// RouterConfig holds the handlers and settings of the API router.
type RouterConfig struct {
	JWTSecret         string
	CORSOrigins       string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	Health        *HealthHandler
	Auth          *AuthHandler
	Chat          *ChatHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
}

// NewRouter builds the API router.
func NewRouter(cfg RouterConfig, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)).
			Post("/auth/guest", cfg.Auth.Guest)

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

			r.Get("/models", cfg.Chat.Models)

			r.Route("/chat", func(r chi.Router) {
				r.Post("/", cfg.Chat.Post)
				r.Get("/", cfg.Chat.Resume)
				r.Post("/stop", cfg.Chat.Stop)
			})

			r.Route("/conversations", func(r chi.Router) {
				r.Post("/", cfg.Conversations.Create)
				r.Get("/", cfg.Conversations.List)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", cfg.Conversations.Get)
					r.Patch("/", cfg.Conversations.Update)
					r.Delete("/", cfg.Conversations.Delete)

					r.Get("/messages", cfg.Messages.List)
				})
			})
		})
	})

	return r
}
