package models

import (
	"errors"
	"fmt"
	"time"
)

// Common error definitions
var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrSyncNotFound       = errors.New("sync not found")
	ErrRunNotFound        = errors.New("sync run not found")
	ErrMissingPrimaryKey  = errors.New("sync does not declare a primary key")
	ErrMalformedSignal    = errors.New("malformed signal payload")
	ErrNoSyncs            = errors.New("connection has no syncs")
	ErrUnsupportedSource  = errors.New("unsupported source integration")
	ErrUnsupportedTarget  = errors.New("unsupported destination integration")
	ErrExtractionFailed   = errors.New("extraction failed")
	ErrLoadFailed         = errors.New("load failed")
)

// ErrorKind classifies failures per the engine's error taxonomy
type ErrorKind string

const (
	ErrorKindTransient     ErrorKind = "transient"
	ErrorKindValidation    ErrorKind = "validation"
	ErrorKindOrchestration ErrorKind = "orchestration"
	ErrorKindConnection    ErrorKind = "connection"
)

// SyncError represents a detailed sync failure
type SyncError struct {
	Kind          ErrorKind              `json:"kind"`
	ConnectionID  string                 `json:"connection_id,omitempty"`
	SyncID        string                 `json:"sync_id,omitempty"`
	RunID         string                 `json:"run_id,omitempty"`
	Message       string                 `json:"message"`
	Timestamp     time.Time              `json:"timestamp"`
	Context       map[string]interface{} `json:"context,omitempty"`
	OriginalError error                  `json:"-"`
}

// NewSyncError builds a SyncError wrapping err
func NewSyncError(kind ErrorKind, syncID, runID string, err error) *SyncError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &SyncError{
		Kind:          kind,
		SyncID:        syncID,
		RunID:         runID,
		Message:       msg,
		Timestamp:     time.Now().UTC(),
		OriginalError: err,
	}
}

// Error implements the error interface
func (e *SyncError) Error() string {
	switch {
	case e.SyncID != "" && e.RunID != "":
		return fmt.Sprintf("%s: %s (sync=%s, run=%s)", e.Kind, e.Message, e.SyncID, e.RunID)
	case e.ConnectionID != "":
		return fmt.Sprintf("%s: %s (connection=%s)", e.Kind, e.Message, e.ConnectionID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the original error for error unwrapping
func (e *SyncError) Unwrap() error {
	return e.OriginalError
}

// IsValidationError reports whether err is a domain validation failure
func IsValidationError(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind == ErrorKindValidation
	}
	return errors.Is(err, ErrMissingPrimaryKey) || errors.Is(err, ErrMalformedSignal)
}
