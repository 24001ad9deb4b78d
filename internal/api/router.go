package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/deskline/deskline/internal/api/middleware"
	"github.com/deskline/deskline/internal/auth"
	"github.com/deskline/deskline/internal/handlers"
	"github.com/deskline/deskline/internal/store"
)

// NewRouter creates and configures the HTTP router. wsHandler serves the
// websocket upgrade; redisStore may be nil, disabling HTTP rate limiting.
func NewRouter(
	logger zerolog.Logger,
	h *handlers.Handler,
	verifier auth.Verifier,
	wsHandler http.Handler,
	redisStore *store.RedisStore,
	rateLimitWhitelist []string,
) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(64 * 1024))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	if redisStore != nil {
		limiter := middleware.NewRateLimiter(redisStore.Client(), logger, rateLimitWhitelist)
		r.Use(limiter.Middleware)
	}

	// CORS - clients connect from anywhere, auth is the bearer token
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	authmw := middleware.NewAuthMiddleware(verifier)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/health", h.Health)
	r.Handle("/ws", wsHandler)

	// Authenticated REST fallback
	r.Group(func(r chi.Router) {
		r.Use(authmw.RequireAuth)

		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{id}/messages", h.GetSessionMessages)
	})

	return r
}
