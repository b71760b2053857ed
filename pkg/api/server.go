// Package api serves the HTTP control surface of a running engine: health,
// connection runs and run inspection.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cohenjo/cdcsync/pkg/config"
	"github.com/cohenjo/cdcsync/pkg/store"
	"github.com/cohenjo/cdcsync/pkg/workflow"
)

// Engine is what the handlers drive
type Engine interface {
	Ready() bool
	Store() store.Store
	StartConnection(ctx context.Context, connectionID string) (*workflow.Handle, error)
	TerminateConnection(ctx context.Context, connectionID, reason string) error
}

// Server represents the HTTP control API server
type Server struct {
	engine     Engine
	httpServer *http.Server
	listener   net.Listener
	started    time.Time
	version    string
}

// ServerConfig represents configuration for the HTTP server
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	AuthTokens   []string      `json:"auth_tokens,omitempty"`
	Version      string        `json:"version,omitempty"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// ServerConfigFrom applies cfg over the defaults
func ServerConfigFrom(cfg config.APIConfig) ServerConfig {
	sc := DefaultServerConfig()
	if cfg.Host != "" {
		sc.Host = cfg.Host
	}
	sc.Port = cfg.Port
	sc.AuthTokens = cfg.AuthTokens
	return sc
}

// NewServer creates a new HTTP API server
func NewServer(engine Engine, serverCfg ServerConfig) *Server {
	s := &Server{engine: engine, started: time.Now(), version: serverCfg.Version}
	if s.version == "" {
		s.version = "dev"
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", serverCfg.Host, serverCfg.Port),
		Handler:      s.createMux(serverCfg),
		ReadTimeout:  serverCfg.ReadTimeout,
		WriteTimeout: serverCfg.WriteTimeout,
		IdleTimeout:  serverCfg.IdleTimeout,
	}

	log.Info().
		Str("address", s.httpServer.Addr).
		Bool("auth_enabled", len(serverCfg.AuthTokens) > 0).
		Msg("HTTP API server created")
	return s
}

// Handler returns the routed handler with its middleware
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) createMux(serverCfg ServerConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/connections/{id}", s.handleGetConnection)
	mux.HandleFunc("POST /api/v1/connections/{id}/run", s.handleRunConnection)
	mux.HandleFunc("POST /api/v1/connections/{id}/terminate", s.handleTerminateConnection)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	var handler http.Handler = mux
	if len(serverCfg.AuthTokens) > 0 {
		handler = s.authMiddleware(handler, serverCfg.AuthTokens)
	}
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	return handler
}

// Listen binds the listen address; Serve then accepts on it
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln
	return nil
}

// Serve blocks until Stop. It returns nil after a clean shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	log.Info().Str("address", s.Addr()).Msg("Starting HTTP API server")
	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping HTTP API server")
	return s.httpServer.Shutdown(ctx)
}

// Addr is the bound address once listening, the configured one before
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "cdcsync",
		"version": s.version,
		"endpoints": map[string]string{
			"health":     "GET /health",
			"connection": "GET /api/v1/connections/{id}",
			"run":        "POST /api/v1/connections/{id}/run",
			"terminate":  "POST /api/v1/connections/{id}/terminate",
			"sync_run":   "GET /api/v1/runs/{id}",
		},
	})
}

// authMiddleware checks bearer tokens on everything but /health
func (s *Server) authMiddleware(next http.Handler, validTokens []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		for _, valid := range validTokens {
			if token == valid {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "invalid token")
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		wrapped := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status_code", wrapped.statusCode).
			Dur("duration", time.Since(startTime)).
			Msg("HTTP request")
	})
}

// recoveryMiddleware recovers from panics
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("Panic recovered in HTTP handler")
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriterWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
