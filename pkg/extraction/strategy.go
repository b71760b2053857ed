package extraction

import (
	"fmt"

	"github.com/cohenjo/cdcsync/pkg/models"
	"github.com/cohenjo/cdcsync/pkg/workflow"
)

// Kind names an extraction strategy
type Kind string

const (
	KindAPI      Kind = "api"
	KindDatabase Kind = "database"
)

// Request identifies the run being extracted
type Request struct {
	ConnectionID string `json:"connection_id"`
	SyncID       string `json:"sync_id"`
	RunID        string `json:"run_id"`
}

// Outcome summarizes a finished extraction
type Outcome struct {
	Kind         Kind `json:"kind"`
	TotalPages   int  `json:"total_pages,omitempty"`
	TotalRecords int  `json:"total_records,omitempty"`
	TotalBatches int  `json:"total_batches,omitempty"`
}

// Options are the activity limits used by the strategies
type Options struct {
	PageFetch workflow.ActivityOptions
	Activity  workflow.ActivityOptions
}

// DefaultOptions uses the built-in page fetch limits and default retry
func DefaultOptions() Options {
	return Options{
		PageFetch: workflow.PageFetchActivityOptions,
		Activity: workflow.ActivityOptions{
			StartToCloseTimeout:    workflow.PageFetchActivityOptions.StartToCloseTimeout,
			ScheduleToCloseTimeout: workflow.PageFetchActivityOptions.ScheduleToCloseTimeout,
			ScheduleToStartTimeout: workflow.PageFetchActivityOptions.ScheduleToStartTimeout,
		},
	}
}

// Strategy is one of APIExtraction or DatabaseExtraction
type Strategy interface {
	Kind() Kind
	Extract(ctx *workflow.Context, req Request) (*Outcome, error)

	sealed()
}

// StrategyFor maps the source endpoint to its strategy. The source's
// connector activities run on the queue for its language.
func StrategyFor(source models.Endpoint, router *workflow.Router, opts Options) (Strategy, error) {
	queue := router.QueueFor(source.Language)

	switch source.Category {
	case models.EndpointCategoryAPI:
		pageOpts := opts.PageFetch
		pageOpts.TaskQueue = queue
		return APIExtraction{Activity: pageOpts}, nil
	case models.EndpointCategoryDatabase, models.EndpointCategoryDataWarehouse, models.EndpointCategoryDataLake:
		dbOpts := opts.Activity
		dbOpts.TaskQueue = queue
		return DatabaseExtraction{Activity: dbOpts}, nil
	}
	return nil, fmt.Errorf("%w: source category %q", models.ErrUnsupportedSource, source.Category)
}
