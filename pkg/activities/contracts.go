package activities

import (
	"github.com/cohenjo/cdcsync/pkg/models"
)

// Activity names as registered on workers
const (
	PrepareRunsName             = "PrepareRuns"
	UpdateConnectionStatusName  = "UpdateConnectionStatus"
	UpdateSyncStatusName        = "UpdateSyncStatus"
	UpdateRunName               = "UpdateRun"
	FetchPageName               = "FetchPage"
	ExtractDatabaseName         = "ExtractDatabase"
	MarkExtractionCompletedName = "MarkExtractionCompleted"
	DetectDeletionsName         = "DetectDeletions"
	LoadBatchName               = "LoadBatch"
)

type PrepareRunsInput struct {
	ConnectionID string `json:"connection_id"`
}

// PreparedRun is one sync run created for a connection fan-out
type PreparedRun struct {
	SyncID     string          `json:"sync_id"`
	RunID      string          `json:"run_id"`
	StreamName string          `json:"stream_name"`
	Mode       models.SyncMode `json:"sync_mode"`
}

type PrepareRunsOutput struct {
	Connection models.Connection `json:"connection"`
	Runs       []PreparedRun     `json:"runs"`
}

type ConnectionStatusInput struct {
	ConnectionID string                  `json:"connection_id"`
	Status       models.ConnectionStatus `json:"status"`
	Message      string                  `json:"message,omitempty"`
}

type SyncStatusInput struct {
	SyncID  string            `json:"sync_id"`
	Status  models.SyncStatus `json:"status"`
	Message string            `json:"message,omitempty"`
}

// RunUpdate changes the fields of a run that are set; zero values are left alone
type RunUpdate struct {
	RunID         string               `json:"run_id"`
	Status        models.SyncRunStatus `json:"status,omitempty"`
	Error         string               `json:"error,omitempty"`
	WorkflowID    string               `json:"workflow_id,omitempty"`
	WorkflowRunID string               `json:"workflow_run_id,omitempty"`
	TotalPages    int                  `json:"total_pages,omitempty"`
	TotalRecords  int                  `json:"total_records,omitempty"`
	TotalBatches  int                  `json:"total_batches,omitempty"`
}

type FetchPageInput struct {
	ConnectionID string `json:"connection_id"`
	SyncID       string `json:"sync_id"`
	RunID        string `json:"run_id"`
	Page         int    `json:"page"`
}

type FetchPageOutput struct {
	Records    int `json:"records"`
	TotalPages int `json:"total_pages"`
}

type ExtractDatabaseInput struct {
	ConnectionID string `json:"connection_id"`
	SyncID       string `json:"sync_id"`
	RunID        string `json:"run_id"`
}

type ExtractDatabaseOutput struct {
	TotalRecords int `json:"total_records"`
	TotalBatches int `json:"total_batches"`
}

type RunInput struct {
	SyncID string `json:"sync_id"`
	RunID  string `json:"run_id"`
}

type LoadBatchInput struct {
	ConnectionID string `json:"connection_id"`
	SyncID       string `json:"sync_id"`
	RunID        string `json:"run_id"`
	AfterID      int64  `json:"after_id"`
}

type LoadBatchOutput struct {
	Loaded int   `json:"loaded"`
	LastID int64 `json:"last_id"`
	Done   bool  `json:"done"`
}
