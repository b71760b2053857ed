package extraction

import (
	"fmt"

	"github.com/cohenjo/cdcsync/pkg/activities"
	"github.com/cohenjo/cdcsync/pkg/models"
	"github.com/cohenjo/cdcsync/pkg/workflow"
)

// DatabaseExtraction reads a database-style source with one bulk
// ExtractDatabase activity and waits for its database_read_completed signal.
type DatabaseExtraction struct {
	Activity workflow.ActivityOptions
}

func (DatabaseExtraction) Kind() Kind { return KindDatabase }
func (DatabaseExtraction) sealed()    {}

func (s DatabaseExtraction) Extract(ctx *workflow.Context, req Request) (*Outcome, error) {
	var (
		done    bool
		status  string
		outcome = &Outcome{Kind: KindDatabase}
		failure error
	)

	ctx.SetSignalHandler(models.SignalDatabaseReadCompleted, func(p workflow.Payload) {
		if done {
			ignored(models.SignalDatabaseReadCompleted)
			return
		}
		done = true

		var err error
		if status, err = p.String("status"); err != nil {
			failure = malformed(req, models.SignalDatabaseReadCompleted, err)
			return
		}
		// totals are informational
		outcome.TotalRecords, _ = p.Int("total_records")
		outcome.TotalBatches, _ = p.Int("total_batches")
	})

	input := activities.ExtractDatabaseInput{ConnectionID: req.ConnectionID, SyncID: req.SyncID, RunID: req.RunID}
	if err := ctx.ExecuteActivity(s.Activity, activities.ExtractDatabaseName, input, nil); err != nil {
		return nil, fmt.Errorf("extract database: %w", err)
	}

	if err := ctx.Await(func() bool { return done }); err != nil {
		return nil, err
	}
	if failure != nil {
		return nil, failure
	}
	if status != models.StatusSuccess {
		return nil, fmt.Errorf("%w: database read finished with status %q", models.ErrExtractionFailed, status)
	}

	ctx.Logger().Info().
		Str("sync_id", req.SyncID).
		Str("run_id", req.RunID).
		Int("total_records", outcome.TotalRecords).
		Int("total_batches", outcome.TotalBatches).
		Msg("Database extraction complete")
	return outcome, nil
}
