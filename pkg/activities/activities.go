// Package activities holds the side-effecting steps the orchestration
// workflows schedule: bookkeeping on the engine queue and the connector
// work (extract, dedup, load) on the per-language queues.
package activities

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cohenjo/cdcsync/pkg/connectors"
	"github.com/cohenjo/cdcsync/pkg/dedup"
	"github.com/cohenjo/cdcsync/pkg/deletion"
	"github.com/cohenjo/cdcsync/pkg/estuary"
	"github.com/cohenjo/cdcsync/pkg/models"
	"github.com/cohenjo/cdcsync/pkg/store"
	"github.com/cohenjo/cdcsync/pkg/transform"
	"github.com/cohenjo/cdcsync/pkg/workflow"
)

const (
	DefaultExtractBatchSize = 1000
	DefaultLoadBatchSize    = 500
)

// Signaler delivers signals to running workflows. *workflow.Runtime
// satisfies it.
type Signaler interface {
	Signal(ctx context.Context, workflowID, name string, payload workflow.Payload) error
}

var _ Signaler = (*workflow.Runtime)(nil)

// Activities carries the dependencies of every activity. Connector
// activities report completion to the workflow that scheduled them.
type Activities struct {
	Store    store.Store
	Signals  Signaler
	Sources  *connectors.Registry
	Loaders  *estuary.Registry
	Mapper   *transform.Mapper
	Dedup    *dedup.Processor
	Deletion *deletion.Detector

	ExtractBatchSize int
	LoadBatchSize    int

	now func() time.Time
}

// RegisterEngine registers the bookkeeping activities on the engine worker
func (a *Activities) RegisterEngine(w *workflow.Worker) {
	w.RegisterActivity(PrepareRunsName, workflow.Activity(a.PrepareRuns))
	w.RegisterActivity(UpdateConnectionStatusName, workflow.Activity(a.UpdateConnectionStatus))
	w.RegisterActivity(UpdateSyncStatusName, workflow.Activity(a.UpdateSyncStatus))
	w.RegisterActivity(UpdateRunName, workflow.Activity(a.UpdateRun))
	w.RegisterActivity(MarkExtractionCompletedName, workflow.Activity(a.MarkExtractionCompleted))
	w.RegisterActivity(DetectDeletionsName, workflow.Activity(a.DetectDeletions))
}

// RegisterConnector registers the extract and load activities on a
// connector worker
func (a *Activities) RegisterConnector(w *workflow.Worker) {
	w.RegisterActivity(FetchPageName, workflow.Activity(a.FetchPage))
	w.RegisterActivity(ExtractDatabaseName, workflow.Activity(a.ExtractDatabase))
	w.RegisterActivity(LoadBatchName, workflow.Activity(a.LoadBatch))
}

func (a *Activities) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now().UTC()
}

// PrepareRuns marks the connection running and creates one pending run per
// sync. Run ids derive from the calling workflow run, so a retry reuses them.
func (a *Activities) PrepareRuns(ctx context.Context, in PrepareRunsInput) (PrepareRunsOutput, error) {
	info, ok := workflow.GetActivityInfo(ctx)
	if !ok {
		return PrepareRunsOutput{}, workflow.NonRetryable(errors.New("prepare runs: not running in a workflow"))
	}

	conn, err := a.Store.GetConnection(ctx, in.ConnectionID)
	if err != nil {
		return PrepareRunsOutput{}, classify(fmt.Errorf("get connection %s: %w", in.ConnectionID, err))
	}
	if err := a.Store.UpdateConnectionStatus(ctx, conn.ID, models.ConnectionStatusRunning, ""); err != nil {
		return PrepareRunsOutput{}, fmt.Errorf("mark connection running: %w", err)
	}
	conn.Status = models.ConnectionStatusRunning

	syncs, err := a.Store.ListSyncs(ctx, conn.ID)
	if err != nil {
		return PrepareRunsOutput{}, fmt.Errorf("list syncs: %w", err)
	}

	out := PrepareRunsOutput{Connection: *conn, Runs: make([]PreparedRun, 0, len(syncs))}
	for _, s := range syncs {
		run := &models.SyncRun{
			ID:           store.RunID(info.WorkflowRun, s.ID),
			SyncID:       s.ID,
			ConnectionID: conn.ID,
			Status:       models.SyncRunStatusPending,
			CreatedAt:    a.clock(),
		}
		if err := a.Store.CreateRun(ctx, run); err != nil {
			return PrepareRunsOutput{}, fmt.Errorf("create run for sync %s: %w", s.ID, err)
		}
		if err := a.Store.UpdateSyncStatus(ctx, s.ID, models.SyncStatusQueued, ""); err != nil {
			return PrepareRunsOutput{}, fmt.Errorf("queue sync %s: %w", s.ID, err)
		}
		out.Runs = append(out.Runs, PreparedRun{SyncID: s.ID, RunID: run.ID, StreamName: s.StreamName, Mode: s.Mode})
	}

	log.Info().Str("connection_id", conn.ID).Int("runs", len(out.Runs)).Msg("Prepared sync runs")
	return out, nil
}

func (a *Activities) UpdateConnectionStatus(ctx context.Context, in ConnectionStatusInput) (struct{}, error) {
	err := a.Store.UpdateConnectionStatus(ctx, in.ConnectionID, in.Status, in.Message)
	return struct{}{}, classify(err)
}

func (a *Activities) UpdateSyncStatus(ctx context.Context, in SyncStatusInput) (struct{}, error) {
	err := a.Store.UpdateSyncStatus(ctx, in.SyncID, in.Status, in.Message)
	return struct{}{}, classify(err)
}

// UpdateRun merges the set fields of in into the stored run. A terminal
// status stamps finished_at.
func (a *Activities) UpdateRun(ctx context.Context, in RunUpdate) (struct{}, error) {
	run, err := a.Store.GetRun(ctx, in.RunID)
	if err != nil {
		return struct{}{}, classify(fmt.Errorf("get run %s: %w", in.RunID, err))
	}

	if in.Status != "" {
		run.Status = in.Status
		if in.Status.IsTerminal() && run.FinishedAt == nil {
			t := a.clock()
			run.FinishedAt = &t
		}
	}
	if in.Error != "" {
		run.Error = in.Error
	}
	if in.WorkflowID != "" {
		run.WorkflowID = in.WorkflowID
	}
	if in.WorkflowRunID != "" {
		run.WorkflowRunID = in.WorkflowRunID
	}
	if in.TotalPages > 0 {
		run.TotalPages = in.TotalPages
	}
	if in.TotalRecords > 0 {
		run.TotalRecords = in.TotalRecords
	}
	if in.TotalBatches > 0 {
		run.TotalBatches = in.TotalBatches
	}

	if err := a.Store.UpdateRun(ctx, run); err != nil {
		return struct{}{}, fmt.Errorf("update run %s: %w", in.RunID, err)
	}
	return struct{}{}, nil
}

func (a *Activities) MarkExtractionCompleted(ctx context.Context, in RunInput) (struct{}, error) {
	run, err := a.Store.GetRun(ctx, in.RunID)
	if err != nil {
		return struct{}{}, classify(fmt.Errorf("get run %s: %w", in.RunID, err))
	}
	run.ExtractionCompleted = true
	if err := a.Store.UpdateRun(ctx, run); err != nil {
		return struct{}{}, fmt.Errorf("mark run %s extracted: %w", in.RunID, err)
	}
	return struct{}{}, nil
}

func (a *Activities) DetectDeletions(ctx context.Context, in RunInput) (*deletion.Result, error) {
	sync, err := a.Store.GetSync(ctx, in.SyncID)
	if err != nil {
		return nil, classify(fmt.Errorf("get sync %s: %w", in.SyncID, err))
	}
	run, err := a.Store.GetRun(ctx, in.RunID)
	if err != nil {
		return nil, classify(fmt.Errorf("get run %s: %w", in.RunID, err))
	}
	res, err := a.Deletion.Detect(ctx, sync, run)
	return res, classify(err)
}

// FetchPage reads one page, stores it, deduplicates it and then reports
// page_one_completed or page_processed to the calling workflow.
func (a *Activities) FetchPage(ctx context.Context, in FetchPageInput) (FetchPageOutput, error) {
	conn, sync, err := a.load(ctx, in.ConnectionID, in.SyncID)
	if err != nil {
		return FetchPageOutput{}, err
	}
	reader, err := a.Sources.PageReader(conn.Source)
	if err != nil {
		return FetchPageOutput{}, classify(err)
	}

	page, err := reader.ReadPage(ctx, sync, in.Page)
	if err != nil {
		return FetchPageOutput{}, fmt.Errorf("read page %d: %w", in.Page, err)
	}
	workflow.RecordHeartbeat(ctx)

	readID := store.ReadRecordID(in.RunID, "page", in.Page)
	if err := a.Store.InsertReadRecord(ctx, &models.SyncReadRecord{
		ID:         readID,
		SyncID:     sync.ID,
		SyncRunID:  in.RunID,
		PageNumber: in.Page,
		Data:       page.Records,
		CreatedAt:  a.clock(),
	}); err != nil {
		return FetchPageOutput{}, fmt.Errorf("store page %d: %w", in.Page, err)
	}

	if _, err := a.Dedup.Process(ctx, dedup.Input{
		Sync:                sync,
		RunID:               in.RunID,
		ReadRecordID:        readID,
		Records:             page.Records,
		DestinationCategory: conn.Destination.Category,
	}); err != nil {
		return FetchPageOutput{}, classify(fmt.Errorf("dedup page %d: %w", in.Page, err))
	}
	workflow.RecordHeartbeat(ctx)

	name, payload := models.SignalPageProcessed, workflow.Payload{"page_number": in.Page}
	if in.Page == 1 {
		name, payload = models.SignalPageOneCompleted, workflow.Payload{"total_pages": page.TotalPages}
	}
	if err := a.signal(ctx, name, payload); err != nil {
		return FetchPageOutput{}, err
	}
	return FetchPageOutput{Records: len(page.Records), TotalPages: page.TotalPages}, nil
}

// ExtractDatabase reads the whole source in batches, storing and
// deduplicating each, and reports database_read_completed when done. A
// failure no retry can fix is reported with status error.
func (a *Activities) ExtractDatabase(ctx context.Context, in ExtractDatabaseInput) (ExtractDatabaseOutput, error) {
	conn, sync, err := a.load(ctx, in.ConnectionID, in.SyncID)
	if err != nil {
		return ExtractDatabaseOutput{}, err
	}
	reader, err := a.Sources.BatchReader(conn.Source)
	if err != nil {
		return ExtractDatabaseOutput{}, classify(err)
	}

	size := a.ExtractBatchSize
	if size <= 0 {
		size = DefaultExtractBatchSize
	}

	var out ExtractDatabaseOutput
	err = reader.ReadBatches(ctx, sync, size, func(batch []models.Record) error {
		n := out.TotalBatches + 1
		readID := store.ReadRecordID(in.RunID, "batch", n)
		if err := a.Store.InsertReadRecord(ctx, &models.SyncReadRecord{
			ID:          readID,
			SyncID:      sync.ID,
			SyncRunID:   in.RunID,
			BatchNumber: n,
			Data:        batch,
			CreatedAt:   a.clock(),
		}); err != nil {
			return fmt.Errorf("store batch %d: %w", n, err)
		}
		if _, err := a.Dedup.Process(ctx, dedup.Input{
			Sync:                sync,
			RunID:               in.RunID,
			ReadRecordID:        readID,
			Records:             batch,
			DestinationCategory: conn.Destination.Category,
		}); err != nil {
			return fmt.Errorf("dedup batch %d: %w", n, err)
		}
		out.TotalBatches = n
		out.TotalRecords += len(batch)
		workflow.RecordHeartbeat(ctx)
		return nil
	})
	if err != nil {
		err = classify(err)
		if !workflow.IsNonRetryable(err) {
			// the retry policy decides; a later attempt reports completion
			return out, err
		}
		if serr := a.signal(ctx, models.SignalDatabaseReadCompleted, workflow.Payload{
			"status":        "error",
			"error":         err.Error(),
			"total_records": out.TotalRecords,
			"total_batches": out.TotalBatches,
		}); serr != nil {
			log.Warn().Err(serr).Str("run_id", in.RunID).Msg("Failed to report database read error")
		}
		return out, err
	}

	log.Info().
		Str("sync_id", sync.ID).
		Str("run_id", in.RunID).
		Int("total_records", out.TotalRecords).
		Int("total_batches", out.TotalBatches).
		Msg("Database read complete")

	return out, a.signal(ctx, models.SignalDatabaseReadCompleted, workflow.Payload{
		"status":        models.StatusSuccess,
		"total_records": out.TotalRecords,
		"total_batches": out.TotalBatches,
	})
}

// LoadBatch maps and delivers the next batch of write records of a run
// after in.AfterID. Done is set once a short batch was read.
func (a *Activities) LoadBatch(ctx context.Context, in LoadBatchInput) (LoadBatchOutput, error) {
	conn, sync, err := a.load(ctx, in.ConnectionID, in.SyncID)
	if err != nil {
		return LoadBatchOutput{}, err
	}
	loader, err := a.Loaders.For(conn.Destination)
	if err != nil {
		return LoadBatchOutput{}, classify(err)
	}

	limit := a.LoadBatchSize
	if limit <= 0 {
		limit = DefaultLoadBatchSize
	}
	recs, err := a.Store.ListWriteRecords(ctx, in.RunID, in.AfterID, limit)
	if err != nil {
		return LoadBatchOutput{}, fmt.Errorf("list write records: %w", err)
	}
	out := LoadBatchOutput{LastID: in.AfterID, Done: len(recs) < limit}
	if len(recs) == 0 {
		return out, nil
	}

	if err := a.Mapper.ApplyAll(sync.Mapping, recs); err != nil {
		return LoadBatchOutput{}, classify(err)
	}
	if err := loader.Load(ctx, sync, recs); err != nil {
		return LoadBatchOutput{}, classify(err)
	}
	workflow.RecordHeartbeat(ctx)

	out.Loaded = len(recs)
	out.LastID = recs[len(recs)-1].ID
	return out, nil
}

func (a *Activities) load(ctx context.Context, connectionID, syncID string) (*models.Connection, *models.Sync, error) {
	conn, err := a.Store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, nil, classify(fmt.Errorf("get connection %s: %w", connectionID, err))
	}
	sync, err := a.Store.GetSync(ctx, syncID)
	if err != nil {
		return nil, nil, classify(fmt.Errorf("get sync %s: %w", syncID, err))
	}
	return conn, sync, nil
}

// signal reports to the workflow that scheduled the running activity
func (a *Activities) signal(ctx context.Context, name string, payload workflow.Payload) error {
	info, ok := workflow.GetActivityInfo(ctx)
	if !ok {
		return workflow.NonRetryable(fmt.Errorf("signal %s: not running in a workflow", name))
	}
	if err := a.Signals.Signal(ctx, info.WorkflowID, name, payload); err != nil {
		return classify(fmt.Errorf("signal %s to %s: %w", name, info.WorkflowID, err))
	}
	return nil
}

// classify marks errors that a retry cannot fix
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case models.IsValidationError(err),
		errors.Is(err, models.ErrConnectionNotFound),
		errors.Is(err, models.ErrSyncNotFound),
		errors.Is(err, models.ErrRunNotFound),
		errors.Is(err, models.ErrUnsupportedSource),
		errors.Is(err, models.ErrUnsupportedTarget),
		errors.Is(err, transform.ErrInvalidSpec),
		errors.Is(err, transform.ErrInvalidOutput),
		errors.Is(err, workflow.ErrWorkflowNotFound):
		return workflow.NonRetryable(err)
	}
	return err
}
