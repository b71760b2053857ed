// Package store is the durable record store for connections, syncs, runs
// and the append-only read and write record logs.
package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cohenjo/cdcsync/pkg/models"
)

// readRecordNamespace scopes deterministic read record ids
var readRecordNamespace = uuid.MustParse("6f1b0c7e-3c55-4c1e-9f3a-8d2f4a9b7e10")

// ConnectionStore persists connections and their syncs
type ConnectionStore interface {
	SaveConnection(ctx context.Context, conn *models.Connection) error
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
	UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus, message string) error

	SaveSync(ctx context.Context, sync *models.Sync) error
	GetSync(ctx context.Context, id string) (*models.Sync, error)
	ListSyncs(ctx context.Context, connectionID string) ([]*models.Sync, error)
	UpdateSyncStatus(ctx context.Context, id string, status models.SyncStatus, message string) error
}

// RunStore persists sync runs
type RunStore interface {
	// CreateRun stores a new run. Creating an existing id is a no-op.
	CreateRun(ctx context.Context, run *models.SyncRun) error
	GetRun(ctx context.Context, id string) (*models.SyncRun, error)
	UpdateRun(ctx context.Context, run *models.SyncRun) error

	// PreviousCompletedRun returns the most recent run of the sync with
	// extraction completed, excluding excludeRunID. It returns nil when
	// there is none.
	PreviousCompletedRun(ctx context.Context, syncID, excludeRunID string) (*models.SyncRun, error)
}

// RecordStore persists read and write records
type RecordStore interface {
	// InsertReadRecord stores a raw page or batch. Inserting the same id
	// twice keeps the first copy.
	InsertReadRecord(ctx context.Context, rec *models.SyncReadRecord) error

	// LatestDataSignatures maps each primary key signature of the sync to
	// the data signature of its latest version. Keys whose latest version
	// is a tombstone are left out.
	LatestDataSignatures(ctx context.Context, syncID string) (map[string]string, error)

	// InsertWriteRecords appends write records and assigns their ids.
	// Records that collide on (sync_read_record_id, row_index) are skipped.
	// It returns the records actually inserted.
	InsertWriteRecords(ctx context.Context, recs []*models.SyncWriteRecord) ([]*models.SyncWriteRecord, error)

	// SignaturesWrittenInRun returns the subset of sigs that already have a
	// write record with one of actions in the given run.
	SignaturesWrittenInRun(ctx context.Context, syncID, runID string, sigs []string, actions []models.DestinationAction) ([]string, error)

	// LatestBySignature returns the latest write record of each signature,
	// ordered by signature.
	LatestBySignature(ctx context.Context, syncID string, sigs []string) ([]*models.SyncWriteRecord, error)

	// ListWriteRecords pages through the write records of a run by id.
	ListWriteRecords(ctx context.Context, runID string, afterID int64, limit int) ([]*models.SyncWriteRecord, error)
}

// Store is the full durable store
type Store interface {
	ConnectionStore
	RunStore
	RecordStore
	Close()
}

// ReadRecordID derives the id of the read record holding page or batch
// number n of a run, so a retried fetch lands on the same record.
func ReadRecordID(runID string, kind string, n int) string {
	return uuid.NewSHA1(readRecordNamespace, []byte(fmt.Sprintf("%s:%s:%d", runID, kind, n))).String()
}

// RunID derives the id of the run created for syncID by one execution of
// a connection workflow, so a retried preparation reuses its runs.
func RunID(workflowRunID, syncID string) string {
	return uuid.NewSHA1(readRecordNamespace, []byte("run:"+workflowRunID+":"+syncID)).String()
}
