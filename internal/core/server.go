package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"prodify/internal/config"
)

// defaultRequestTimeout is the soft deadline applied to every request context.
const defaultRequestTimeout = 29 * time.Second

// RouteRegistrar mounts a handler's routes onto a router group. Handlers
// implement this via their RegisterRoutes methods; main wires them in. The
// indirection keeps core free of handler imports.
type RouteRegistrar func(chi.Router)

// Server holds the router and the cross-cutting dependencies of the API.
type Server struct {
	Config *config.Config
	Logger *slog.Logger

	// V1RouteRegistrars mount authenticated user-facing routes under /v1.
	V1RouteRegistrars []RouteRegistrar
	// AdminRouteRegistrars mount admin routes under /v1/admin, behind the
	// admin API key.
	AdminRouteRegistrars []RouteRegistrar
	// PublicRouteRegistrars mount unauthenticated routes at the root, such
	// as the payment-provider webhook.
	PublicRouteRegistrars []RouteRegistrar
	// HealthProbes are checked by GET /health.
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer creates a Server. Routes are mounted separately via MountRoutes
// after the registrars are populated.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}, nil
}

// MountRoutes registers the global middleware chain and all routes.
//
// Middleware order: Recoverer first so every panic is caught, then timeout,
// request id, security headers, logging, CORS. Identity resolution happens
// per route group, not globally, because the webhook and health endpoints
// are unauthenticated.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger))
	s.router.Use(NewCORSMiddleware(s.Config.Server.CORSOrigins))

	s.router.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(UserContextMiddleware)
			for _, registrar := range s.V1RouteRegistrars {
				registrar(r)
			}
		})
		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminAuthMiddleware(s.Config.Security.AdminAPIKey.Unmask()))
			for _, registrar := range s.AdminRouteRegistrars {
				registrar(r)
			}
		})
	})

	for _, registrar := range s.PublicRouteRegistrars {
		registrar(s.router)
	}
	s.router.Get("/health", s.HandleHealth)
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ContextTimeoutMiddleware sets a deadline on the request context so a stuck
// downstream call cannot hold a connection open indefinitely.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
