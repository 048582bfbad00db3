// Package mux implements the ConnectionMux: the gateway's client-facing
// surface. It carries three transports — the REST admission API, the
// bidirectional websocket frame channel, and the one-way SSE event
// stream — and wires each connection to at most one session runtime.
package mux

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/aperture-ai/aperture-gateway/internal/authgate"
	"github.com/aperture-ai/aperture-gateway/internal/backend"
	"github.com/aperture-ai/aperture-gateway/internal/config"
	"github.com/aperture-ai/aperture-gateway/internal/logging"
	"github.com/aperture-ai/aperture-gateway/internal/manager"
	"github.com/aperture-ai/aperture-gateway/internal/store"
	"github.com/aperture-ai/aperture-gateway/internal/vault"
	"github.com/aperture-ai/aperture-gateway/internal/worktree"
)

// Server is the ConnectionMux's HTTP server.
type Server struct {
	cfg      *config.Config
	router   *chi.Mux
	httpSrv  *http.Server
	manager  *manager.Manager
	store    *store.Store
	vault    *vault.Vault
	worktree worktree.Broker
	gate     *authgate.Gate
	limiter  *rateLimiter

	claude backend.Backend
	pi     backend.Backend
}

// New wires a Server. vault may be nil (vault disabled).
func New(cfg *config.Config, mgr *manager.Manager, st *store.Store, vlt *vault.Vault, wt worktree.Broker, claude, pi backend.Backend) *Server {
	s := &Server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		manager:  mgr,
		store:    st,
		vault:    vlt,
		worktree: wt,
		gate:     authgate.New(cfg.APIToken),
		limiter:  newRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		claude:   claude,
		pi:       pi,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	s.router.Use(s.limiter.middleware)
	s.router.Use(s.gate.Middleware)
}

// Router exposes the fully-wired handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		// No write timeout: the SSE and websocket channels are
		// long-lived by design.
	}

	logging.Info().Str("addr", addr).Msg("mux: listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
