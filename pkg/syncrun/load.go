package syncrun

import (
	"github.com/cohenjo/cdcsync/pkg/activities"
	"github.com/cohenjo/cdcsync/pkg/models"
	"github.com/cohenjo/cdcsync/pkg/workflow"
)

type LoadInput struct {
	ConnectionID     string `json:"connection_id"`
	SyncID           string `json:"sync_id"`
	RunID            string `json:"run_id"`
	ParentWorkflowID string `json:"parent_workflow_id"`
}

type LoadResult struct {
	Batches int   `json:"batches"`
	Records int   `json:"records"`
	LastID  int64 `json:"last_id"`
}

// Load pages through the run's write records with LoadBatch on its own
// task queue and reports database_write_completed to the parent.
func (w *Workflows) Load(ctx *workflow.Context, in LoadInput) (*LoadResult, error) {
	info := ctx.Info()
	opts := w.opts.Activity
	opts.TaskQueue = info.TaskQueue

	res := &LoadResult{}
	for {
		var out activities.LoadBatchOutput
		input := activities.LoadBatchInput{
			ConnectionID: in.ConnectionID,
			SyncID:       in.SyncID,
			RunID:        in.RunID,
			AfterID:      res.LastID,
		}
		if err := ctx.ExecuteActivity(opts, activities.LoadBatchName, input, &out); err != nil {
			w.report(ctx, in, workflow.Payload{
				"status":        "error",
				"error":         err.Error(),
				"total_batches": res.Batches,
			})
			return nil, err
		}
		if out.Loaded > 0 {
			res.Batches++
			res.Records += out.Loaded
		}
		if out.LastID > res.LastID {
			res.LastID = out.LastID
		}
		if out.Done || out.Loaded == 0 {
			break
		}
	}

	ctx.Logger().Info().
		Str("sync_id", in.SyncID).
		Str("run_id", in.RunID).
		Int("batches", res.Batches).
		Int("records", res.Records).
		Msg("Load complete")

	w.report(ctx, in, workflow.Payload{"status": models.StatusSuccess, "total_batches": res.Batches})
	return res, nil
}

func (w *Workflows) report(ctx *workflow.Context, in LoadInput, payload workflow.Payload) {
	if in.ParentWorkflowID == "" {
		return
	}
	payload["workflow_id"] = ctx.Info().WorkflowID
	if err := ctx.SignalExternal(in.ParentWorkflowID, models.SignalDatabaseWriteCompleted, payload); err != nil {
		ctx.Logger().Warn().Err(err).Str("parent", in.ParentWorkflowID).Msg("Failed to signal parent")
	}
}
