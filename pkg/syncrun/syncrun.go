// Package syncrun is the per-stream orchestrator: it extracts a sync,
// runs deletion detection once extraction is confirmed and hands the
// run's write records to a load workflow on the destination's queue.
package syncrun

import (
	"errors"
	"fmt"

	"github.com/cohenjo/cdcsync/pkg/activities"
	"github.com/cohenjo/cdcsync/pkg/deletion"
	"github.com/cohenjo/cdcsync/pkg/extraction"
	"github.com/cohenjo/cdcsync/pkg/metrics"
	"github.com/cohenjo/cdcsync/pkg/models"
	"github.com/cohenjo/cdcsync/pkg/workflow"
)

const (
	WorkflowName     = "SyncRunWorkflow"
	LoadWorkflowName = "LoadWorkflow"
)

// WorkflowID is the deterministic id of the sync run workflow
func WorkflowID(syncID, runID string) string {
	return fmt.Sprintf("sync-run-%s-%s", syncID, runID)
}

// LoadWorkflowID is the deterministic id of a run's load workflow
func LoadWorkflowID(runID string) string {
	return "load-" + runID
}

type Input struct {
	ConnectionID string          `json:"connection_id"`
	SyncID       string          `json:"sync_id"`
	RunID        string          `json:"run_id"`
	StreamName   string          `json:"stream_name"`
	Mode         models.SyncMode `json:"sync_mode"`
	Source       models.Endpoint `json:"source"`
	Destination  models.Endpoint `json:"destination"`
}

// Result is returned instead of an error so a failed stream never aborts
// its siblings; Status is synced or error.
type Result struct {
	SyncID        string              `json:"sync_id"`
	RunID         string              `json:"run_id"`
	StreamName    string              `json:"stream_name"`
	Status        models.SyncStatus   `json:"status"`
	Error         string              `json:"error,omitempty"`
	Extraction    *extraction.Outcome `json:"extraction,omitempty"`
	Deletion      *deletion.Result    `json:"deletion,omitempty"`
	LoadedBatches int                 `json:"loaded_batches"`
}

// Options configure the orchestrator workflows
type Options struct {
	Router       *workflow.Router
	EngineQueue  string
	Activity     workflow.ActivityOptions
	Extraction   extraction.Options
	LoadTimeouts workflow.Timeouts
}

func DefaultOptions(engineQueue string) Options {
	ext := extraction.DefaultOptions()
	return Options{
		Router:       workflow.NewRouter(nil),
		EngineQueue:  engineQueue,
		Activity:     ext.Activity,
		Extraction:   ext,
		LoadTimeouts: workflow.LoadTimeouts,
	}
}

// Workflows holds the sync run and load workflow implementations
type Workflows struct {
	opts Options
}

func New(opts Options) *Workflows {
	if opts.Router == nil {
		opts.Router = workflow.NewRouter(nil)
	}
	return &Workflows{opts: opts}
}

// Register adds both workflows to rt
func (w *Workflows) Register(rt *workflow.Runtime) {
	rt.RegisterWorkflow(WorkflowName, workflow.Workflow(w.SyncRun))
	rt.RegisterWorkflow(LoadWorkflowName, workflow.Workflow(w.Load))
}

func (w *Workflows) engine() workflow.ActivityOptions {
	opts := w.opts.Activity
	opts.TaskQueue = w.opts.EngineQueue
	return opts
}

// SyncRun drives one sync run from queued to synced or error
func (w *Workflows) SyncRun(ctx *workflow.Context, in Input) (*Result, error) {
	info := ctx.Info()
	logger := ctx.Logger().With().Str("sync_id", in.SyncID).Str("run_id", in.RunID).Logger()
	res := &Result{SyncID: in.SyncID, RunID: in.RunID, StreamName: in.StreamName}

	var (
		written      bool
		writeStatus  string
		writeError   string
		writeBatches int
	)
	ctx.SetSignalHandler(models.SignalDatabaseWriteCompleted, func(p workflow.Payload) {
		if id, _ := p.String("workflow_id"); written || id != LoadWorkflowID(in.RunID) {
			metrics.SignalsIgnored.WithLabelValues(models.SignalDatabaseWriteCompleted).Inc()
			return
		}
		written = true
		writeStatus, _ = p.String("status")
		writeError, _ = p.String("error")
		writeBatches, _ = p.Int("total_batches")
	})

	fail := func(stage string, err error) (*Result, error) {
		msg := fmt.Sprintf("%s: %v", stage, err)
		logger.Error().Err(err).Str("stage", stage).Msg("Sync run failed")

		if uerr := w.syncStatus(ctx, in.SyncID, models.SyncStatusError, msg); uerr != nil {
			logger.Error().Err(uerr).Msg("Failed to record sync error")
		}
		if uerr := w.updateRun(ctx, activities.RunUpdate{RunID: in.RunID, Status: models.SyncRunStatusFailed, Error: msg}); uerr != nil {
			logger.Error().Err(uerr).Msg("Failed to record run failure")
		}
		metrics.SyncRuns.WithLabelValues(string(models.SyncRunStatusFailed)).Inc()

		res.Status = models.SyncStatusError
		res.Error = msg
		return res, nil
	}

	if err := w.syncStatus(ctx, in.SyncID, models.SyncStatusSyncing, ""); err != nil {
		return fail("mark syncing", err)
	}
	strategy, err := extraction.StrategyFor(in.Source, w.opts.Router, w.opts.Extraction)
	if err != nil {
		return fail("select extraction", err)
	}
	err = w.updateRun(ctx, activities.RunUpdate{
		RunID:         in.RunID,
		Status:        models.SyncRunStatusExtracting,
		WorkflowID:    info.WorkflowID,
		WorkflowRunID: info.RunID,
	})
	if err != nil {
		return fail("mark extracting", err)
	}

	outcome, err := strategy.Extract(ctx, extraction.Request{ConnectionID: in.ConnectionID, SyncID: in.SyncID, RunID: in.RunID})
	if err != nil {
		return fail("extract", err)
	}
	res.Extraction = outcome

	err = w.updateRun(ctx, activities.RunUpdate{
		RunID:        in.RunID,
		Status:       models.SyncRunStatusDeduping,
		TotalPages:   outcome.TotalPages,
		TotalRecords: outcome.TotalRecords,
		TotalBatches: outcome.TotalBatches,
	})
	if err != nil {
		return fail("mark deduping", err)
	}
	if err := ctx.ExecuteActivity(w.engine(), activities.MarkExtractionCompletedName, activities.RunInput{SyncID: in.SyncID, RunID: in.RunID}, nil); err != nil {
		return fail("mark extraction completed", err)
	}

	// a full refresh rewrites the whole destination, so nothing is inferred
	if in.Mode != models.SyncModeFullRefreshOverwrite {
		var del deletion.Result
		if err := ctx.ExecuteActivity(w.engine(), activities.DetectDeletionsName, activities.RunInput{SyncID: in.SyncID, RunID: in.RunID}, &del); err != nil {
			return fail("detect deletions", err)
		}
		res.Deletion = &del
	}

	if err := w.updateRun(ctx, activities.RunUpdate{RunID: in.RunID, Status: models.SyncRunStatusLoading}); err != nil {
		return fail("mark loading", err)
	}

	loadID := LoadWorkflowID(in.RunID)
	queue := w.opts.Router.QueueFor(in.Destination.Language)
	child, err := ctx.StartChild(w.opts.LoadTimeouts.StartOptions(loadID, queue), LoadWorkflowName, LoadInput{
		ConnectionID:     in.ConnectionID,
		SyncID:           in.SyncID,
		RunID:            in.RunID,
		ParentWorkflowID: info.WorkflowID,
	})
	if err != nil && !errors.Is(err, workflow.ErrAlreadyStarted) {
		return fail("start load", err)
	}

	if err := ctx.Await(func() bool { return written || child.IsDone() }); err != nil {
		return fail("await load", err)
	}
	if !written {
		// finished without reporting; its error explains why
		if err := child.Get(ctx.Context(), nil); err != nil {
			return fail("load", err)
		}
		return fail("load", errors.New("load finished without database_write_completed"))
	}
	if writeStatus != models.StatusSuccess {
		return fail("load", fmt.Errorf("%w: status %q: %s", models.ErrLoadFailed, writeStatus, writeError))
	}
	res.LoadedBatches = writeBatches

	if err := w.syncStatus(ctx, in.SyncID, models.SyncStatusSynced, ""); err != nil {
		return fail("mark synced", err)
	}
	if err := w.updateRun(ctx, activities.RunUpdate{RunID: in.RunID, Status: models.SyncRunStatusSuccess}); err != nil {
		return fail("mark success", err)
	}

	metrics.SyncRuns.WithLabelValues(string(models.SyncRunStatusSuccess)).Inc()
	logger.Info().Int("loaded_batches", writeBatches).Msg("Sync run finished")
	res.Status = models.SyncStatusSynced
	return res, nil
}

func (w *Workflows) syncStatus(ctx *workflow.Context, syncID string, status models.SyncStatus, message string) error {
	return ctx.ExecuteActivity(w.engine(), activities.UpdateSyncStatusName, activities.SyncStatusInput{SyncID: syncID, Status: status, Message: message}, nil)
}

func (w *Workflows) updateRun(ctx *workflow.Context, update activities.RunUpdate) error {
	return ctx.ExecuteActivity(w.engine(), activities.UpdateRunName, update, nil)
}
