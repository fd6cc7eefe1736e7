package api

import (
	"net/http"

	"github.com/ashureev/lucid-engine/internal/auth"
	"github.com/ashureev/lucid-engine/internal/metrics"
	"github.com/ashureev/lucid-engine/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// RouterDeps collects the handlers mounted by NewRouter.
type RouterDeps struct {
	Auth           *auth.Authenticator
	Limiter        *middleware.RateLimiter
	AllowedOrigins []string

	Health   *HealthHandler
	Sessions *SessionHandler
	Files    *FileHandler
	Chats    *ChatHandler

	// Realtime handles websocket upgrades and authenticates on its own.
	Realtime http.Handler
}

// NewRouter builds the HTTP router.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(d.AllowedOrigins))

	// Public routes.
	d.Health.RegisterHealth(r)
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/api/v1/ws", d.Realtime)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(d.Auth.Middleware)

		d.Sessions.RegisterRoutes(r, d.Limiter.Limit(func(r *http.Request) string {
			return auth.UserID(r.Context())
		}))
		d.Files.RegisterRoutes(r)
		d.Chats.RegisterRoutes(r)
	})

	return r
}
