package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cohenjo/cdcsync/pkg/models"
	"github.com/cohenjo/cdcsync/pkg/workflow"
)

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionResponse is a connection with its syncs
type ConnectionResponse struct {
	*models.Connection
	Syncs []*models.Sync `json:"syncs"`
}

// RunResponse reports a started, or already running, connection workflow
type RunResponse struct {
	ConnectionID   string `json:"connection_id"`
	WorkflowID     string `json:"workflow_id"`
	RunID          string `json:"run_id"`
	AlreadyRunning bool   `json:"already_running,omitempty"`
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Version:   s.version,
		Uptime:    time.Since(s.started).Truncate(time.Second).String(),
		Timestamp: time.Now().UTC(),
	}
	status := http.StatusOK
	if !s.engine.Ready() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	id := r.PathValue("id")
	st := s.engine.Store()

	conn, err := st.GetConnection(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	syncs, err := st.ListSyncs(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConnectionResponse{Connection: conn, Syncs: syncs})
}

func (s *Server) handleRunConnection(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	id := r.PathValue("id")
	if _, err := s.engine.Store().GetConnection(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	h, err := s.engine.StartConnection(r.Context(), id)
	resp := RunResponse{ConnectionID: id}
	switch {
	case errors.Is(err, workflow.ErrAlreadyStarted):
		resp.AlreadyRunning = true
	case err != nil:
		log.Error().Err(err).Str("connection_id", id).Msg("Failed to start connection")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp.WorkflowID = h.ID
	resp.RunID = h.RunID
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleTerminateConnection(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	id := r.PathValue("id")

	var req terminateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "api request"
	}

	err := s.engine.TerminateConnection(r.Context(), id, req.Reason)
	switch {
	case errors.Is(err, workflow.ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, "connection is not running")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"connection_id": id, "reason": req.Reason})
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	run, err := s.engine.Store().GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) ready(w http.ResponseWriter) bool {
	if s.engine.Ready() {
		return true
	}
	writeError(w, http.StatusServiceUnavailable, "engine is not running")
	return false
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrConnectionNotFound) || errors.Is(err, models.ErrSyncNotFound) || errors.Is(err, models.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
