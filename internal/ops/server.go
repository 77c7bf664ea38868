// Package ops serves the node's operational surface: prometheus metrics,
// liveness, and readiness. The listener binds local-only by default.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/arcmq/arcmq/internal/metrics"
)

// HealthSource reports one dependency's connectivity, named for the
// health payload.
type HealthSource interface {
	Name() string
	GetConnectionStatus() bool
}

// Config holds the ops listener parameters.
type Config struct {
	Addr         string        `yaml:"addr" env:"ARCMQ_OPS_ADDR"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:8081",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the ops HTTP endpoint of one broker node.
type Server struct {
	router  *mux.Router
	server  *http.Server
	log     zerolog.Logger
	nodeID  string
	ready   func() bool
	sources []HealthSource
}

// Options carries the server's dependencies.
type Options struct {
	NodeID  string
	Metrics *metrics.Registry
	// Ready gates /readyz; nil means always ready.
	Ready func() bool
	// Health lists the dependencies /healthz reports on.
	Health []HealthSource
	Logger zerolog.Logger
}

func NewServer(cfg Config, opts Options) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}

	s := &Server{
		router:  mux.NewRouter(),
		log:     opts.Logger.With().Str("component", "ops").Logger(),
		nodeID:  opts.NodeID,
		ready:   opts.Ready,
		sources: opts.Health,
	}

	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	if opts.Metrics != nil {
		s.router.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Start serves until Shutdown. It blocks; run it on its own goroutine.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("ops server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

type healthResponse struct {
	Status string          `json:"status"`
	NodeID string          `json:"nodeId"`
	Stores map[string]bool `json:"stores"`
}

// handleHealth reports per-dependency connectivity. The node is degraded
// when any source is down, but still live: 200 either way, the body
// carries the detail.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		NodeID: s.nodeID,
		Stores: make(map[string]bool, len(s.sources)),
	}
	for _, src := range s.sources {
		up := src.GetConnectionStatus()
		resp.Stores[src.Name()] = up
		if !up {
			resp.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// responseWrapper captures status codes for the request log.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
