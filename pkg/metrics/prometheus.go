package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// DedupRecords counts dedup decisions by outcome: persisted, duplicate, no_identity
	DedupRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdcsync_dedup_records_total",
		Help: "Records seen by the dedup processor, by outcome",
	}, []string{"outcome"})

	// Tombstones counts delete write records emitted by the deletion detector
	Tombstones = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdcsync_tombstones_total",
		Help: "Delete write records emitted",
	})

	// PagesProcessed counts pages accepted by the page-completion tracker
	PagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdcsync_pages_processed_total",
		Help: "Pages marked processed during paginated extraction",
	})

	// SignalsIgnored counts signals dropped as unknown, duplicate or out of range
	SignalsIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdcsync_signals_ignored_total",
		Help: "Workflow signals that were ignored",
	}, []string{"signal"})

	// SyncRuns counts finished sync runs by terminal status
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdcsync_sync_runs_total",
		Help: "Finished sync runs by status",
	}, []string{"status"})

	// LoadedRecords counts write records handed to a destination
	LoadedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdcsync_loaded_records_total",
		Help: "Write records delivered to destinations",
	}, []string{"destination", "action"})
)

// Server exposes the Prometheus registry and a health endpoint
type Server struct {
	server *http.Server
}

// NewServer creates a metrics server listening on port
func NewServer(port int, path string) *Server {
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
	})

	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Stop is called
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping metrics server")
	return s.server.Shutdown(ctx)
}
