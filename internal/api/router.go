// Package api exposes the REST surface: registration and login, the user
// directory, and the authenticated message write and history paths. The
// WebSocket upgrade, health and metrics endpoints are mounted alongside.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/whisper/dm/internal/auth"
	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/metrics"
	"github.com/whisper/dm/internal/presence"
	"github.com/whisper/dm/internal/ratelimit"
	"github.com/whisper/dm/internal/user"
	"github.com/whisper/dm/internal/ws"
)

// RateLimiter throttles identifiers under a rule. *ratelimit.Limiter
// implements it.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
	Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
}

// Dependencies holds everything the handlers need. Limiter may be nil to
// disable rate limiting.
type Dependencies struct {
	Auth        *auth.Service
	Users       user.Repository
	Presence    *presence.Tracker
	Chat        *chat.Service
	WS          *ws.Server
	Limiter     RateLimiter
	CORSOrigins []string
}

// NewRouter builds the HTTP handler for the whole service.
func NewRouter(deps Dependencies) http.Handler {
	h := &handlers{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", deps.WS.HandleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.With(h.rateLimit(ratelimit.RuleConnect, clientIP)).Get("/ws", deps.WS.HandleUpgrade)

	r.Route("/api", func(r chi.Router) {
		r.Post("/register", h.register)
		r.Post("/login", h.login)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(deps.Auth))

			r.Get("/me", h.me)
			r.Get("/users", h.listUsers)

			r.With(h.rateLimit(ratelimit.RuleMessage, UserIDFromContext)).Post("/messages", h.sendMessage)
			r.Get("/messages/{user_id}", h.history)
			r.Post("/messages/{user_id}/read", h.markRead)
		})
	})

	return r
}
