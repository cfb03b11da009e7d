package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/yansir/grok-relay/internal/auth"
	"github.com/yansir/grok-relay/internal/config"
	"github.com/yansir/grok-relay/internal/events"
	"github.com/yansir/grok-relay/internal/relay"
	"github.com/yansir/grok-relay/internal/session"
	"github.com/yansir/grok-relay/internal/store"
	"github.com/yansir/grok-relay/internal/telemetry"
	"github.com/yansir/grok-relay/internal/upstream"
)

// Server wires the pool, coordinator and HTTP surface together.
type Server struct {
	cfg         *config.Config
	store       store.Store
	pool        *session.Pool
	healthLoop  *session.HealthLoop
	coordinator *relay.Coordinator
	authMw      *auth.Middleware
	metrics     *telemetry.Metrics
	bus         *events.Bus
	logHandler  *events.LogHandler
	httpServer  *http.Server
	version     string
}

func New(cfg *config.Config, st store.Store, pool *session.Pool, egress *upstream.EgressPool, metrics *telemetry.Metrics, bus *events.Bus, lh *events.LogHandler, version string) *Server {
	client := upstream.NewClient(cfg.UpstreamURL, cfg.UserAgents, egress)
	coordinator := relay.NewCoordinator(pool, client, st, cfg, metrics, bus)

	srv := &Server{
		cfg:         cfg,
		store:       st,
		pool:        pool,
		healthLoop:  session.NewHealthLoop(pool, cfg.HealthCheckInterval, metrics, bus),
		coordinator: coordinator,
		authMw:      auth.NewMiddleware(cfg.APIKeys),
		metrics:     metrics,
		bus:         bus,
		logHandler:  lh,
		version:     version,
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.AttemptTimeout*time.Duration(cfg.MaxAttempts) + 90*time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	authed := s.authMw.Authenticate

	// OpenAI-compatible surface
	mux.Handle("POST /v1/chat/completions", authed(http.HandlerFunc(s.handleChatCompletions)))

	// Health + metrics
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Admin: sessions
	mux.Handle("GET /admin/sessions", authed(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("POST /admin/sessions", authed(http.HandlerFunc(s.handleCreateSession)))
	mux.Handle("GET /admin/sessions/{id}", authed(http.HandlerFunc(s.handleGetSession)))
	mux.Handle("POST /admin/sessions/{id}/quarantine", authed(http.HandlerFunc(s.handleQuarantineSession)))
	mux.Handle("POST /admin/sessions/{id}/revoke", authed(http.HandlerFunc(s.handleRevokeSession)))
	mux.Handle("POST /admin/sessions/{id}/activate", authed(http.HandlerFunc(s.handleActivateSession)))

	// Admin: observability
	mux.Handle("GET /admin/generations", authed(http.HandlerFunc(s.handleListGenerations)))
	mux.Handle("GET /admin/events", authed(http.HandlerFunc(s.handleListEvents)))
	mux.Handle("GET /admin/logs", authed(http.HandlerFunc(s.handleListLogs)))
}

// Run starts background loops and the listener, blocking until shutdown.
// On signal, the health loop drains before the listener stops accepting.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		s.healthLoop.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr, "version", s.version)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		cancel()
		bg.Wait()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
