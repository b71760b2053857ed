package models

import (
	"time"
)

// ConnectionStatus represents the lifecycle status of a connection
type ConnectionStatus string

const (
	ConnectionStatusCreated   ConnectionStatus = "created"
	ConnectionStatusRunning   ConnectionStatus = "running"
	ConnectionStatusCompleted ConnectionStatus = "completed"
	ConnectionStatusFailed    ConnectionStatus = "failed"
)

// SyncMode selects how a stream is replicated
type SyncMode string

const (
	SyncModeFullRefreshOverwrite SyncMode = "full_refresh_overwrite"
	SyncModeIncrementalDedup     SyncMode = "incremental_dedup"
)

// SyncStatus represents the status of one stream within a connection
type SyncStatus string

const (
	SyncStatusQueued  SyncStatus = "queued"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
)

// SyncRunStatus represents the progress of one execution attempt
type SyncRunStatus string

const (
	SyncRunStatusPending    SyncRunStatus = "pending"
	SyncRunStatusStarted    SyncRunStatus = "started"
	SyncRunStatusExtracting SyncRunStatus = "extracting"
	SyncRunStatusDeduping   SyncRunStatus = "deduping"
	SyncRunStatusLoading    SyncRunStatus = "loading"
	SyncRunStatusSuccess    SyncRunStatus = "success"
	SyncRunStatusFailed     SyncRunStatus = "failed"
)

// IsTerminal reports whether the run can no longer change state
func (s SyncRunStatus) IsTerminal() bool {
	return s == SyncRunStatusSuccess || s == SyncRunStatusFailed
}

// DestinationAction is what the loader must do with a write record
type DestinationAction string

const (
	DestinationActionInsert DestinationAction = "insert"
	DestinationActionCreate DestinationAction = "create"
	DestinationActionDelete DestinationAction = "delete"
)

// EndpointCategory classifies a source or destination integration
type EndpointCategory string

const (
	EndpointCategoryAPI           EndpointCategory = "api"
	EndpointCategoryDatabase      EndpointCategory = "database"
	EndpointCategoryDataWarehouse EndpointCategory = "data_warehouse"
	EndpointCategoryDataLake      EndpointCategory = "data_lake"
)

// IsRelational reports whether writes to this category are row inserts
func (c EndpointCategory) IsRelational() bool {
	switch c {
	case EndpointCategoryDatabase, EndpointCategoryDataWarehouse, EndpointCategoryDataLake:
		return true
	}
	return false
}

// DeletedMarkerField is attached to the payload of tombstone write records
const DeletedMarkerField = "_cdcsync_deleted"

// Record is one raw source row as extracted
type Record = map[string]interface{}

// Endpoint describes one side of a connection
type Endpoint struct {
	Name            string           `json:"name" yaml:"name"`
	Category        EndpointCategory `json:"category" yaml:"category"`
	IntegrationType string           `json:"integration_type" yaml:"integration_type"` // mysql, mongodb, kafka, http ...
	Language        string           `json:"language,omitempty" yaml:"language,omitempty"`
}

// Connection is a configured source to destination pair
type Connection struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Status        ConnectionStatus `json:"status"`
	Source        Endpoint         `json:"source"`
	Destination   Endpoint         `json:"destination"`
	Schedule      string           `json:"schedule,omitempty"`
	StatusMessage string           `json:"status_message,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Sync is one stream within a connection
type Sync struct {
	ID                      string                 `json:"id"`
	ConnectionID            string                 `json:"connection_id"`
	StreamName              string                 `json:"stream_name"`
	Mode                    SyncMode               `json:"sync_mode"`
	Status                  SyncStatus             `json:"status"`
	SourceSchema            map[string]interface{} `json:"source_schema,omitempty"`
	DestinationTable        string                 `json:"destination_table"`
	Mapping                 string                 `json:"mapping,omitempty"` // kazaam spec
	SourceDefinedPrimaryKey []string               `json:"source_defined_primary_key,omitempty"`
	CursorField             string                 `json:"cursor_field,omitempty"`
	CurrentCursor           string                 `json:"current_cursor,omitempty"`
	StatusMessage           string                 `json:"status_message,omitempty"`
	UpdatedAt               time.Time              `json:"updated_at"`
}

// HasPrimaryKey reports whether deletions can be inferred for this sync
func (s *Sync) HasPrimaryKey() bool {
	return len(s.SourceDefinedPrimaryKey) > 0
}

// SyncRun is one execution attempt of a sync
type SyncRun struct {
	ID                  string        `json:"id"`
	SyncID              string        `json:"sync_id"`
	ConnectionID        string        `json:"connection_id"`
	Status              SyncRunStatus `json:"status"`
	CurrentPage         int           `json:"current_page"`
	TotalPages          int           `json:"total_pages"`
	ExtractionCompleted bool          `json:"extraction_completed"`
	TotalRecords        int           `json:"total_records"`
	TotalBatches        int           `json:"total_batches"`
	WorkflowID          string        `json:"workflow_id,omitempty"`
	WorkflowRunID       string        `json:"workflow_run_id,omitempty"`
	Error               string        `json:"error,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	FinishedAt          *time.Time    `json:"finished_at,omitempty"`
}

// SyncReadRecord holds one extracted page or batch, unparsed
type SyncReadRecord struct {
	ID          string    `json:"id"`
	SyncID      string    `json:"sync_id"`
	SyncRunID   string    `json:"sync_run_id"`
	PageNumber  int       `json:"page_number,omitempty"`
	BatchNumber int       `json:"batch_number,omitempty"`
	Data        []Record  `json:"data"`
	CreatedAt   time.Time `json:"created_at"`
}

// SyncWriteRecord is one normalized, versioned record destined for load.
// Write records are append only; the latest created_at per primary key
// signature is the current state of a logical row.
type SyncWriteRecord struct {
	ID                  int64             `json:"id"`
	SyncID              string            `json:"sync_id"`
	SyncRunID           string            `json:"sync_run_id"`
	SyncReadRecordID    string            `json:"sync_read_record_id,omitempty"`
	RowIndex            int               `json:"row_index"` // position within the read record
	PrimaryKeySignature *string           `json:"primary_key_signature,omitempty"`
	DataSignature       string            `json:"data_signature"`
	Action              DestinationAction `json:"destination_action"`
	Record              Record            `json:"record"`
	CreatedAt           time.Time         `json:"created_at"`
}

// IsTombstone reports whether the record marks a deleted row
func (w *SyncWriteRecord) IsTombstone() bool {
	return w.Action == DestinationActionDelete
}

// PKSignature returns the primary key signature or "" when absent
func (w *SyncWriteRecord) PKSignature() string {
	if w.PrimaryKeySignature == nil {
		return ""
	}
	return *w.PrimaryKeySignature
}
