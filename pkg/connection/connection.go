// Package connection fans a connection out into one sync run workflow
// per stream and aggregates their outcomes into the connection status.
package connection

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cohenjo/cdcsync/pkg/activities"
	"github.com/cohenjo/cdcsync/pkg/models"
	"github.com/cohenjo/cdcsync/pkg/syncrun"
	"github.com/cohenjo/cdcsync/pkg/workflow"
)

const WorkflowName = "ConnectionWorkflow"

// WorkflowID is the deterministic id of a connection workflow
func WorkflowID(connectionID string) string {
	return "connection-" + connectionID
}

type Input struct {
	ConnectionID string `json:"connection_id"`
}

type Result struct {
	ConnectionID string                  `json:"connection_id"`
	Status       models.ConnectionStatus `json:"status"`
	Message      string                  `json:"message,omitempty"`
	Syncs        []syncrun.Result        `json:"syncs"`
	Terminated   bool                    `json:"terminated,omitempty"`
}

// Options configure the connection workflow
type Options struct {
	EngineQueue string
	Activity    workflow.ActivityOptions
	SyncRun     workflow.Timeouts
}

func DefaultOptions(engineQueue string) Options {
	return Options{
		EngineQueue: engineQueue,
		Activity:    syncrun.DefaultOptions(engineQueue).Activity,
		SyncRun:     workflow.ExtractionTimeouts,
	}
}

type Workflow struct {
	opts Options
}

func New(opts Options) *Workflow {
	return &Workflow{opts: opts}
}

func (w *Workflow) Register(rt *workflow.Runtime) {
	rt.RegisterWorkflow(WorkflowName, workflow.Workflow(w.Run))
}

func (w *Workflow) engine() workflow.ActivityOptions {
	opts := w.opts.Activity
	opts.TaskQueue = w.opts.EngineQueue
	return opts
}

type child struct {
	run    activities.PreparedRun
	handle *workflow.Handle
	err    error
}

// Run prepares one run per sync, starts their workflows concurrently and
// waits for all of them. A failed stream never rolls back its siblings.
func (w *Workflow) Run(ctx *workflow.Context, in Input) (*Result, error) {
	logger := ctx.Logger().With().Str("connection_id", in.ConnectionID).Logger()
	res := &Result{ConnectionID: in.ConnectionID}

	// terminate is recorded only; running syncs are left to finish
	ctx.SetSignalHandler(models.SignalTerminate, func(p workflow.Payload) {
		reason, _ := p.String("reason")
		logger.Warn().Str("reason", reason).Msg("Terminate requested")
		res.Terminated = true
	})

	var prepared activities.PrepareRunsOutput
	if err := ctx.ExecuteActivity(w.engine(), activities.PrepareRunsName, activities.PrepareRunsInput{ConnectionID: in.ConnectionID}, &prepared); err != nil {
		return w.finish(ctx, res, models.ConnectionStatusFailed, fmt.Sprintf("prepare runs: %v", err))
	}

	conn := prepared.Connection
	children := make([]*child, 0, len(prepared.Runs))
	for _, run := range prepared.Runs {
		c := &child{run: run}
		children = append(children, c)

		id := syncrun.WorkflowID(run.SyncID, run.RunID)
		c.handle, c.err = ctx.StartChild(w.opts.SyncRun.StartOptions(id, w.opts.EngineQueue), syncrun.WorkflowName, syncrun.Input{
			ConnectionID: in.ConnectionID,
			SyncID:       run.SyncID,
			RunID:        run.RunID,
			StreamName:   run.StreamName,
			Mode:         run.Mode,
			Source:       conn.Source,
			Destination:  conn.Destination,
		})
		if errors.Is(c.err, workflow.ErrAlreadyStarted) {
			logger.Info().Str("workflow_id", id).Msg("Sync run already running")
			c.err = nil
		}
		if c.err != nil {
			logger.Error().Err(c.err).Str("sync_id", run.SyncID).Msg("Failed to start sync run")
			continue
		}

		err := ctx.ExecuteActivity(w.engine(), activities.UpdateRunName, activities.RunUpdate{
			RunID:         run.RunID,
			WorkflowID:    c.handle.ID,
			WorkflowRunID: c.handle.RunID,
		}, nil)
		if err != nil {
			logger.Warn().Err(err).Str("run_id", run.RunID).Msg("Failed to record sync run workflow")
		}
	}

	err := ctx.Await(func() bool {
		for _, c := range children {
			if c.handle != nil && !c.handle.IsDone() {
				return false
			}
		}
		return true
	})
	if err != nil {
		return w.finish(ctx, res, models.ConnectionStatusFailed, fmt.Sprintf("await syncs: %v", err))
	}

	var failed []string
	for _, c := range children {
		r := syncrun.Result{SyncID: c.run.SyncID, RunID: c.run.RunID, StreamName: c.run.StreamName}
		if c.err == nil {
			c.err = c.handle.Get(ctx.Context(), &r)
		}
		if c.err != nil {
			r.Status = models.SyncStatusError
			r.Error = c.err.Error()
		}
		if r.Status != models.SyncStatusSynced {
			failed = append(failed, describe(r))
		}
		res.Syncs = append(res.Syncs, r)
	}

	if len(failed) > 0 {
		sort.Strings(failed)
		return w.finish(ctx, res, models.ConnectionStatusFailed, fmt.Sprintf("%d of %d syncs failed: %s", len(failed), len(children), strings.Join(failed, "; ")))
	}
	return w.finish(ctx, res, models.ConnectionStatusCompleted, "")
}

func (w *Workflow) finish(ctx *workflow.Context, res *Result, status models.ConnectionStatus, message string) (*Result, error) {
	res.Status = status
	res.Message = message

	event := ctx.Logger().Info()
	if status == models.ConnectionStatusFailed {
		event = ctx.Logger().Error()
	}
	event.Str("connection_id", res.ConnectionID).Str("status", string(status)).Str("message", message).Msg("Connection finished")

	err := ctx.ExecuteActivity(w.engine(), activities.UpdateConnectionStatusName, activities.ConnectionStatusInput{
		ConnectionID: res.ConnectionID,
		Status:       status,
		Message:      message,
	}, nil)
	if err != nil {
		return res, fmt.Errorf("update connection status: %w", err)
	}
	return res, nil
}

func describe(r syncrun.Result) string {
	name := r.StreamName
	if name == "" {
		name = r.SyncID
	}
	if r.Error == "" {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, r.Error)
}
