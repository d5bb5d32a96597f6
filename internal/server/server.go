package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/faucetdb/keyward/internal/config"
	"github.com/faucetdb/keyward/internal/handler"
	"github.com/faucetdb/keyward/internal/kvstore"
	"github.com/faucetdb/keyward/internal/openapi"
	"github.com/faucetdb/keyward/internal/server/middleware"
	"github.com/faucetdb/keyward/internal/service"
	"github.com/faucetdb/keyward/internal/telemetry"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	LoginRateLimit  int // per IP per minute on the session endpoints
	ProtectedPaths  []string
	Version         string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		LoginRateLimit:  10,
		ProtectedPaths:  config.DefaultProtectedPaths(),
		Version:         "dev",
	}
}

// Deps are the services the server routes to. KV and Metrics may be nil.
// A nil APIKeyAuth guards cfg.ProtectedPaths with the default scope
// requirements.
type Deps struct {
	Store      *config.Store
	Manager    *service.Manager
	AuthSvc    *service.AuthService
	APIKeyAuth *middleware.APIKeyAuth
	KV         *kvstore.Client
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
}

// Server is the top-level HTTP server. It owns the Chi router and the
// services behind it.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.APIKeyAuth == nil {
		policy, err := middleware.NewPolicy(cfg.ProtectedPaths, config.DefaultScopeRequirements())
		if err != nil {
			panic(err) // default requirements only name known scopes
		}
		deps.APIKeyAuth = middleware.NewAPIKeyAuth(deps.Manager, policy, logger)
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger, "/healthz", "/readyz", "/metrics"))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", middleware.HeaderKeyID, middleware.HeaderKeyStatus},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(s.deps.APIKeyAuth.Handler)

	// --- Probes, metrics and docs (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", s.deps.Metrics.Handler())
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Route("/api/v1/system", func(r chi.Router) {
		sysHandler := handler.NewSystemHandler(s.deps.Manager, s.deps.AuthSvc, s.deps.Store, s.logger)

		// Session endpoints authenticate by credentials, not by token.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.cfg.LoginRateLimit))
			r.Post("/admin/session", sysHandler.Login)
			r.Post("/admin/session/refresh", sysHandler.RefreshSession)
			r.Delete("/admin/session", sysHandler.Logout)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(s.deps.AuthSvc))

			r.Get("/admin", sysHandler.ListAdmins)
			r.Post("/admin", sysHandler.CreateAdmin)

			r.Get("/api-key", sysHandler.ListAPIKeys)
			r.Post("/api-key", sysHandler.CreateAPIKey)
			r.Get("/api-key/{keyId}", sysHandler.GetAPIKey)
			r.Patch("/api-key/{keyId}", sysHandler.UpdateAPIKey)
			r.Delete("/api-key/{keyId}", sysHandler.RevokeAPIKey)
			r.Post("/api-key/{keyId}/rotate", sysHandler.RotateAPIKey)
			r.Post("/api-key/{keyId}/suspend", sysHandler.SuspendAPIKey)
			r.Post("/api-key/{keyId}/reactivate", sysHandler.ReactivateAPIKey)
			r.Get("/api-key/{keyId}/stats", sysHandler.APIKeyStats)
		})
	})

	// Demo endpoints under every protected prefix known at startup. Prefixes
	// added by a later policy reload are guarded but have no routes.
	for _, prefix := range s.cfg.ProtectedPaths {
		r.Get(strings.TrimSuffix(prefix, "/")+"/whoami", handler.WhoAmI)
	}

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the key store (and
// Redis, when configured) is reachable, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.Store.Ping(ctx); err != nil {
		checks["store"] = "error: " + err.Error()
		status = "degraded"
	} else {
		checks["store"] = "ok"
	}

	if s.deps.KV != nil {
		if err := s.deps.KV.Ping(ctx); err != nil {
			checks["redis"] = "error: " + err.Error()
			status = "degraded"
		} else {
			checks["redis"] = "ok"
		}
		checks["redis_breaker"] = s.deps.KV.BreakerState()
	}

	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	doc := openapi.GenerateSpec(s.cfg.Version, scheme+"://"+r.Host, s.cfg.ProtectedPaths)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

// ListenAndServe starts the HTTP server and blocks until ctx is done or a
// SIGINT or SIGTERM is received. It then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
