package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prabhask5/stellar-sub000/internal/conflict"
)

// Server is the HTTP API server for stellar-sync.
type Server struct {
	config      Config
	http        *http.Server
	db          *sql.DB
	secret      []byte
	registry    *conflict.Registry
	hub         *Hub
	metrics     *Metrics
	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader
	now         func() time.Time
	cancel      context.CancelFunc
	addr        net.Addr
}

// NewServer creates a new Server over a change log opened by OpenStore.
func NewServer(cfg Config, db *sql.DB) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.FeedPingInterval <= 0 {
		cfg.FeedPingInterval = 30 * time.Second
	}
	if cfg.RateLimitPush <= 0 {
		cfg.RateLimitPush = 120
	}
	if cfg.RateLimitPull <= 0 {
		cfg.RateLimitPull = 240
	}
	if cfg.RateLimitOther <= 0 {
		cfg.RateLimitOther = 300
	}
	metrics := NewMetrics()
	s := &Server{
		config:      cfg,
		db:          db,
		secret:      []byte(cfg.JWTSecret),
		registry:    conflict.DefaultRegistry(),
		hub:         NewHub(metrics),
		metrics:     metrics,
		rateLimiter: NewRateLimiter(),
		now:         time.Now,
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      s.checkOrigin,
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.addr = ln.Addr()

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	// Periodically drop idle rate limit buckets
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("cleanup panic", "panic", r)
			}
		}()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.rateLimiter.Cleanup(); n > 0 {
					slog.Debug("cleaned up rate limit buckets", "count", n)
				}
			}
		}
	}()

	return nil
}

// Addr returns the bound listen address once Start has run.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Shutdown disconnects changefeed subscribers and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.hub.CloseAll()
	return s.http.Shutdown(ctx)
}

// checkOrigin admits non-browser clients and configured browser origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.config.CORSAllowedOrigins, origin) || slices.Contains(s.config.CORSAllowedOrigins, "*")
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health & metrics
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	// Sync
	mux.HandleFunc("POST /v1/sync/push", s.requireAuth(s.withRateLimit(s.handleSyncPush, s.config.RateLimitPush)))
	mux.HandleFunc("GET /v1/sync/pull", s.requireAuth(s.withRateLimit(s.handleSyncPull, s.config.RateLimitPull)))
	mux.HandleFunc("GET /v1/sync/status", s.requireAuth(s.withRateLimit(s.handleSyncStatus, s.config.RateLimitOther)))
	mux.HandleFunc("GET /v1/sync/changes", s.authenticate(s.withRateLimit(s.handleChanges, s.config.RateLimitOther), true))

	return chain(mux, recoveryMiddleware, corsMiddleware(newCORS(s.config.CORSAllowedOrigins)), requestIDMiddleware, loggerMiddleware, metricsMiddleware(s.metrics), loggingMiddleware, maxBytesMiddleware(10<<20))
}

// handleHealth returns a health check response, pinging the change log.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics returns a snapshot of server metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
