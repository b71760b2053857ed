package extraction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohenjo/cdcsync/pkg/activities"
	"github.com/cohenjo/cdcsync/pkg/models"
	"github.com/cohenjo/cdcsync/pkg/workflow"
)

func TestStrategyFor(t *testing.T) {
	router := workflow.NewRouter(nil)

	tests := []struct {
		name        string
		source      models.Endpoint
		kind        Kind
		queue       string
		expectError bool
	}{
		{name: "api ruby", source: models.Endpoint{Category: models.EndpointCategoryAPI, Language: "ruby"}, kind: KindAPI, queue: "ruby_connectors_queue"},
		{name: "api default language", source: models.Endpoint{Category: models.EndpointCategoryAPI}, kind: KindAPI, queue: "ruby_connectors_queue"},
		{name: "database python", source: models.Endpoint{Category: models.EndpointCategoryDatabase, Language: "python"}, kind: KindDatabase, queue: "python_connectors_queue"},
		{name: "warehouse", source: models.Endpoint{Category: models.EndpointCategoryDataWarehouse, Language: "golang"}, kind: KindDatabase, queue: "golang_connectors_queue"},
		{name: "unknown", source: models.Endpoint{Category: "ftp"}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := StrategyFor(tt.source, router, DefaultOptions())
			if tt.expectError {
				assert.ErrorIs(t, err, models.ErrUnsupportedSource)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, s.Kind())

			switch v := s.(type) {
			case APIExtraction:
				assert.Equal(t, tt.queue, v.Activity.TaskQueue)
				assert.Equal(t, 120*time.Second, v.Activity.HeartbeatTimeout)
			case DatabaseExtraction:
				assert.Equal(t, tt.queue, v.Activity.TaskQueue)
			default:
				t.Fatalf("unexpected strategy %T", s)
			}
		})
	}
}

const queue = "ruby_connectors_queue"

// pageSource is a fake connector worker for the FetchPage activity
type pageSource struct {
	rt      *workflow.Runtime
	total   int
	mu      sync.Mutex
	fetched []int
	// extra signals sent after the regular one
	extra func(ctx context.Context, wf string, page int)
	err   error
}

func (p *pageSource) fetch(ctx context.Context, in activities.FetchPageInput) (activities.FetchPageOutput, error) {
	p.mu.Lock()
	p.fetched = append(p.fetched, in.Page)
	p.mu.Unlock()

	if p.err != nil {
		return activities.FetchPageOutput{}, p.err
	}
	info, _ := workflow.GetActivityInfo(ctx)
	var err error
	if in.Page == 1 {
		err = p.rt.Signal(ctx, info.WorkflowID, models.SignalPageOneCompleted, workflow.Payload{"total_pages": p.total})
	} else {
		err = p.rt.Signal(ctx, info.WorkflowID, models.SignalPageProcessed, workflow.Payload{"page_number": in.Page})
	}
	if p.extra != nil {
		p.extra(ctx, info.WorkflowID, in.Page)
	}
	return activities.FetchPageOutput{TotalPages: p.total}, err
}

func (p *pageSource) pages() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.fetched...)
}

func runExtraction(t *testing.T, rt *workflow.Runtime, strategy Strategy) (*Outcome, error) {
	t.Helper()
	rt.RegisterWorkflow("extract", workflow.Workflow(func(ctx *workflow.Context, req Request) (*Outcome, error) {
		return strategy.Extract(ctx, req)
	}))

	h, err := rt.Start(context.Background(), workflow.StartOptions{ID: "extract-1"}, "extract", Request{SyncID: "s", RunID: "r"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out Outcome
	if err := h.Get(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func newRuntime(t *testing.T) (*workflow.Runtime, *workflow.Worker) {
	rt := workflow.NewRuntime()
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	w := workflow.NewWorker(queue, workflow.WorkerOptions{})
	rt.AddWorker(w)
	return rt, w
}

func apiStrategy() APIExtraction {
	opts := workflow.PageFetchActivityOptions
	opts.TaskQueue = queue
	opts.RetryPolicy = &workflow.RetryPolicy{InitialInterval: time.Millisecond, MaximumAttempts: 2}
	return APIExtraction{Activity: opts}
}

func TestAPIExtraction_FetchesEveryPageOnce(t *testing.T) {
	rt, w := newRuntime(t)
	src := &pageSource{rt: rt, total: 3}
	w.RegisterActivity(activities.FetchPageName, workflow.Activity(src.fetch))

	out, err := runExtraction(t, rt, apiStrategy())
	require.NoError(t, err)
	assert.Equal(t, KindAPI, out.Kind)
	assert.Equal(t, 3, out.TotalPages)
	assert.Equal(t, []int{1, 2, 3}, src.pages())
}

func TestAPIExtraction_DuplicateAndStraySignals(t *testing.T) {
	rt, w := newRuntime(t)
	src := &pageSource{rt: rt, total: 3}
	src.extra = func(ctx context.Context, wf string, page int) {
		if page == 1 {
			_ = rt.Signal(ctx, wf, models.SignalPageOneCompleted, workflow.Payload{"total_pages": 3})
			_ = rt.Signal(ctx, wf, models.SignalPageProcessed, workflow.Payload{"page_number": 4})
			_ = rt.Signal(ctx, wf, "something_else", nil)
		}
	}
	w.RegisterActivity(activities.FetchPageName, workflow.Activity(src.fetch))

	out, err := runExtraction(t, rt, apiStrategy())
	require.NoError(t, err)
	assert.Equal(t, 3, out.TotalPages)
	assert.Equal(t, []int{1, 2, 3}, src.pages())
}

func TestAPIExtraction_SinglePage(t *testing.T) {
	rt, w := newRuntime(t)
	src := &pageSource{rt: rt, total: 1}
	w.RegisterActivity(activities.FetchPageName, workflow.Activity(src.fetch))

	out, err := runExtraction(t, rt, apiStrategy())
	require.NoError(t, err)
	assert.Equal(t, 1, out.TotalPages)
	assert.Equal(t, []int{1}, src.pages())
}

func TestAPIExtraction_FetchErrorSurfaces(t *testing.T) {
	rt, w := newRuntime(t)
	src := &pageSource{rt: rt, total: 3, err: errors.New("connection reset")}
	w.RegisterActivity(activities.FetchPageName, workflow.Activity(src.fetch))

	_, err := runExtraction(t, rt, apiStrategy())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	// the activity's retry policy retried, the tracker did not request again
	assert.Equal(t, []int{1, 1}, src.pages())
}

func TestAPIExtraction_PageFailedSignal(t *testing.T) {
	rt, w := newRuntime(t)
	w.RegisterActivity(activities.FetchPageName, workflow.Activity(func(ctx context.Context, in activities.FetchPageInput) (activities.FetchPageOutput, error) {
		info, _ := workflow.GetActivityInfo(ctx)
		return activities.FetchPageOutput{}, rt.Signal(ctx, info.WorkflowID, models.SignalPageFailed, workflow.Payload{"page_number": in.Page, "error": "rate limited"})
	}))

	_, err := runExtraction(t, rt, apiStrategy())
	assert.ErrorIs(t, err, models.ErrExtractionFailed)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestAPIExtraction_MalformedSignal(t *testing.T) {
	rt, w := newRuntime(t)
	w.RegisterActivity(activities.FetchPageName, workflow.Activity(func(ctx context.Context, in activities.FetchPageInput) (activities.FetchPageOutput, error) {
		info, _ := workflow.GetActivityInfo(ctx)
		return activities.FetchPageOutput{}, rt.Signal(ctx, info.WorkflowID, models.SignalPageOneCompleted, workflow.Payload{"total_pages": "many"})
	}))

	_, err := runExtraction(t, rt, apiStrategy())
	assert.ErrorIs(t, err, models.ErrMalformedSignal)
	assert.True(t, models.IsValidationError(err))
}

func TestDatabaseExtraction(t *testing.T) {
	tests := []struct {
		name        string
		status      string
		expectError bool
	}{
		{name: "success", status: models.StatusSuccess},
		{name: "failed read", status: "error", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, w := newRuntime(t)
			calls := 0
			w.RegisterActivity(activities.ExtractDatabaseName, workflow.Activity(func(ctx context.Context, in activities.ExtractDatabaseInput) (activities.ExtractDatabaseOutput, error) {
				calls++
				info, _ := workflow.GetActivityInfo(ctx)
				payload := workflow.Payload{"status": tt.status, "total_records": 12, "total_batches": 2}
				if err := rt.Signal(ctx, info.WorkflowID, models.SignalDatabaseReadCompleted, payload); err != nil {
					return activities.ExtractDatabaseOutput{}, err
				}
				// a replayed completion is ignored
				_ = rt.Signal(ctx, info.WorkflowID, models.SignalDatabaseReadCompleted, workflow.Payload{"status": "error"})
				return activities.ExtractDatabaseOutput{TotalRecords: 12, TotalBatches: 2}, nil
			}))

			out, err := runExtraction(t, rt, DatabaseExtraction{Activity: workflow.ActivityOptions{TaskQueue: queue}})
			assert.Equal(t, 1, calls)
			if tt.expectError {
				assert.ErrorIs(t, err, models.ErrExtractionFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, KindDatabase, out.Kind)
			assert.Equal(t, 12, out.TotalRecords)
			assert.Equal(t, 2, out.TotalBatches)
		})
	}
}
