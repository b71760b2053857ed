package extraction

import (
	"fmt"

	"github.com/cohenjo/cdcsync/pkg/activities"
	"github.com/cohenjo/cdcsync/pkg/metrics"
	"github.com/cohenjo/cdcsync/pkg/models"
	"github.com/cohenjo/cdcsync/pkg/workflow"
)

// APIExtraction reads a paginated source one page at a time. Each page is
// fetched by the FetchPage activity, whose worker reports back with
// page_one_completed or page_processed signals.
type APIExtraction struct {
	Activity workflow.ActivityOptions
}

func (APIExtraction) Kind() Kind { return KindAPI }
func (APIExtraction) sealed()    {}

func (s APIExtraction) Extract(ctx *workflow.Context, req Request) (*Outcome, error) {
	logger := ctx.Logger().With().Str("sync_id", req.SyncID).Str("run_id", req.RunID).Logger()
	tracker := NewPageTracker()

	ctx.SetSignalHandler(models.SignalPageOneCompleted, func(p workflow.Payload) {
		total, err := p.Int("total_pages")
		if err != nil {
			tracker.Fail(malformed(req, models.SignalPageOneCompleted, err))
			return
		}
		if _, ok := tracker.OnPageOneCompleted(total); !ok {
			ignored(models.SignalPageOneCompleted)
			return
		}
		metrics.PagesProcessed.Inc()
		logger.Debug().Int("total_pages", total).Msg("First page processed")
	})

	ctx.SetSignalHandler(models.SignalPageProcessed, func(p workflow.Payload) {
		page, err := p.Int("page_number")
		if err != nil {
			tracker.Fail(malformed(req, models.SignalPageProcessed, err))
			return
		}
		if _, ok := tracker.OnPageProcessed(page); !ok {
			logger.Debug().Int("page", page).Int("total_pages", tracker.TotalPages).Msg("Ignoring page_processed")
			ignored(models.SignalPageProcessed)
			return
		}
		metrics.PagesProcessed.Inc()
	})

	ctx.SetSignalHandler(models.SignalPageFailed, func(p workflow.Payload) {
		msg, _ := p.String("error")
		page, _ := p.Int("page_number")
		tracker.Fail(fmt.Errorf("%w: page %d: %s", models.ErrExtractionFailed, page, msg))
	})

	tracker.Start()
	for {
		page := tracker.TakeRequest()
		if page == 0 {
			return nil, fmt.Errorf("%w: no page to request in state %s", models.ErrExtractionFailed, tracker.State)
		}

		input := activities.FetchPageInput{ConnectionID: req.ConnectionID, SyncID: req.SyncID, RunID: req.RunID, Page: page}
		if err := ctx.ExecuteActivity(s.Activity, activities.FetchPageName, input, nil); err != nil {
			tracker.Fail(err)
			return nil, fmt.Errorf("fetch page %d: %w", page, err)
		}

		// the worker reports through signals; one page is in flight at a time
		if err := ctx.Await(func() bool { return tracker.Done() || tracker.HasRequest() }); err != nil {
			return nil, err
		}
		if tracker.State == StateError {
			return nil, tracker.Failure()
		}
		if tracker.State == StateComplete {
			break
		}
	}

	logger.Info().Int("total_pages", tracker.TotalPages).Int("version", tracker.Version).Msg("Paginated extraction complete")
	return &Outcome{Kind: KindAPI, TotalPages: tracker.TotalPages}, nil
}

func malformed(req Request, signal string, err error) error {
	return models.NewSyncError(models.ErrorKindValidation, req.SyncID, req.RunID,
		fmt.Errorf("%w: %s: %v", models.ErrMalformedSignal, signal, err))
}

func ignored(signal string) {
	metrics.SignalsIgnored.WithLabelValues(signal).Inc()
}
