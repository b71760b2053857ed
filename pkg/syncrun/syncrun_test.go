package syncrun

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohenjo/cdcsync/pkg/activities"
	"github.com/cohenjo/cdcsync/pkg/deletion"
	"github.com/cohenjo/cdcsync/pkg/extraction"
	"github.com/cohenjo/cdcsync/pkg/models"
	"github.com/cohenjo/cdcsync/pkg/workflow"
)

const (
	engineQueue = "engine"
	sourceQueue = "ruby_connectors_queue"
	destQueue   = "python_connectors_queue"
)

// recorder fakes the engine activities that persist state
type recorder struct {
	mu          sync.Mutex
	syncs       []models.SyncStatus
	runs        []models.SyncRunStatus
	errs        []string
	workflowID  string
	marked      int
	detected    int
	failDetect  error
	loadBatches []int
	loadCalls   int
	loadErr     error
}

func (r *recorder) register(rt *workflow.Runtime) {
	engine := workflow.NewWorker(engineQueue, workflow.WorkerOptions{})
	engine.RegisterActivity(activities.UpdateSyncStatusName, workflow.Activity(func(ctx context.Context, in activities.SyncStatusInput) (struct{}, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.syncs = append(r.syncs, in.Status)
		return struct{}{}, nil
	}))
	engine.RegisterActivity(activities.UpdateRunName, workflow.Activity(func(ctx context.Context, in activities.RunUpdate) (struct{}, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.runs = append(r.runs, in.Status)
		if in.Error != "" {
			r.errs = append(r.errs, in.Error)
		}
		if in.WorkflowID != "" {
			r.workflowID = in.WorkflowID
		}
		return struct{}{}, nil
	}))
	engine.RegisterActivity(activities.MarkExtractionCompletedName, workflow.Activity(func(ctx context.Context, in activities.RunInput) (struct{}, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.marked++
		return struct{}{}, nil
	}))
	engine.RegisterActivity(activities.DetectDeletionsName, workflow.Activity(func(ctx context.Context, in activities.RunInput) (deletion.Result, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.detected++
		if r.failDetect != nil {
			return deletion.Result{}, workflow.NonRetryable(r.failDetect)
		}
		return deletion.Result{Tombstones: 1}, nil
	}))
	rt.AddWorker(engine)

	source := workflow.NewWorker(sourceQueue, workflow.WorkerOptions{})
	source.RegisterActivity(activities.FetchPageName, workflow.Activity(func(ctx context.Context, in activities.FetchPageInput) (activities.FetchPageOutput, error) {
		info, _ := workflow.GetActivityInfo(ctx)
		if in.Page == 1 {
			return activities.FetchPageOutput{TotalPages: 2}, rt.Signal(ctx, info.WorkflowID, models.SignalPageOneCompleted, workflow.Payload{"total_pages": 2})
		}
		return activities.FetchPageOutput{TotalPages: 2}, rt.Signal(ctx, info.WorkflowID, models.SignalPageProcessed, workflow.Payload{"page_number": in.Page})
	}))
	source.RegisterActivity(activities.ExtractDatabaseName, workflow.Activity(func(ctx context.Context, in activities.ExtractDatabaseInput) (activities.ExtractDatabaseOutput, error) {
		info, _ := workflow.GetActivityInfo(ctx)
		err := rt.Signal(ctx, info.WorkflowID, models.SignalDatabaseReadCompleted, workflow.Payload{"status": models.StatusSuccess, "total_records": 5, "total_batches": 1})
		return activities.ExtractDatabaseOutput{TotalRecords: 5, TotalBatches: 1}, err
	}))
	rt.AddWorker(source)

	dest := workflow.NewWorker(destQueue, workflow.WorkerOptions{})
	dest.RegisterActivity(activities.LoadBatchName, workflow.Activity(func(ctx context.Context, in activities.LoadBatchInput) (activities.LoadBatchOutput, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.loadCalls++
		if r.loadErr != nil {
			return activities.LoadBatchOutput{}, workflow.NonRetryable(r.loadErr)
		}
		i := int(in.AfterID)
		if i >= len(r.loadBatches) {
			return activities.LoadBatchOutput{LastID: in.AfterID, Done: true}, nil
		}
		return activities.LoadBatchOutput{Loaded: r.loadBatches[i], LastID: in.AfterID + 1, Done: i == len(r.loadBatches)-1}, nil
	}))
	rt.AddWorker(dest)
}

func (r *recorder) snapshot() ([]models.SyncStatus, []models.SyncRunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SyncStatus(nil), r.syncs...), append([]models.SyncRunStatus(nil), r.runs...)
}

func testOptions() Options {
	act := workflow.ActivityOptions{
		StartToCloseTimeout: time.Second,
		RetryPolicy:         &workflow.RetryPolicy{InitialInterval: time.Millisecond, MaximumAttempts: 1},
	}
	return Options{
		Router:       workflow.NewRouter(nil),
		EngineQueue:  engineQueue,
		Activity:     act,
		Extraction:   extraction.Options{PageFetch: act, Activity: act},
		LoadTimeouts: workflow.Timeouts{Execution: 5 * time.Second},
	}
}

func runSync(t *testing.T, rec *recorder, in Input) *Result {
	t.Helper()
	rt := workflow.NewRuntime()
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	rec.register(rt)
	New(testOptions()).Register(rt)

	h, err := rt.Start(context.Background(), workflow.ExtractionTimeouts.StartOptions(WorkflowID(in.SyncID, in.RunID), engineQueue), WorkflowName, in)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var res Result
	require.NoError(t, h.Get(ctx, &res))
	return &res
}

func apiInput(mode models.SyncMode) Input {
	return Input{
		ConnectionID: "c1",
		SyncID:       "s1",
		RunID:        "r1",
		StreamName:   "users",
		Mode:         mode,
		Source:       models.Endpoint{Category: models.EndpointCategoryAPI, Language: "ruby"},
		Destination:  models.Endpoint{Category: models.EndpointCategoryDatabase, Language: "python"},
	}
}

func TestWorkflowIDs(t *testing.T) {
	assert.Equal(t, "sync-run-s1-r1", WorkflowID("s1", "r1"))
	assert.Equal(t, "load-r1", LoadWorkflowID("r1"))
}

func TestSyncRun_Success(t *testing.T) {
	rec := &recorder{loadBatches: []int{3, 2}}
	res := runSync(t, rec, apiInput(models.SyncModeIncrementalDedup))

	assert.Equal(t, models.SyncStatusSynced, res.Status)
	assert.Empty(t, res.Error)
	require.NotNil(t, res.Extraction)
	assert.Equal(t, extraction.KindAPI, res.Extraction.Kind)
	assert.Equal(t, 2, res.Extraction.TotalPages)
	require.NotNil(t, res.Deletion)
	assert.Equal(t, 1, res.Deletion.Tombstones)
	assert.Equal(t, 2, res.LoadedBatches)

	syncs, runs := rec.snapshot()
	assert.Equal(t, []models.SyncStatus{models.SyncStatusSyncing, models.SyncStatusSynced}, syncs)
	assert.Equal(t, []models.SyncRunStatus{
		models.SyncRunStatusExtracting,
		models.SyncRunStatusDeduping,
		models.SyncRunStatusLoading,
		models.SyncRunStatusSuccess,
	}, runs)
	assert.Equal(t, "sync-run-s1-r1", rec.workflowID)
	assert.Equal(t, 1, rec.marked)
}

func TestSyncRun_FullRefreshSkipsDeletions(t *testing.T) {
	rec := &recorder{}
	in := apiInput(models.SyncModeFullRefreshOverwrite)
	in.Source = models.Endpoint{Category: models.EndpointCategoryDatabase, Language: "ruby"}

	res := runSync(t, rec, in)
	assert.Equal(t, models.SyncStatusSynced, res.Status)
	assert.Equal(t, extraction.KindDatabase, res.Extraction.Kind)
	assert.Equal(t, 5, res.Extraction.TotalRecords)
	assert.Nil(t, res.Deletion)
	assert.Equal(t, 0, rec.detected)
	assert.Equal(t, 0, res.LoadedBatches)
}

func TestSyncRun_Failures(t *testing.T) {
	tests := []struct {
		name    string
		rec     *recorder
		mutate  func(*Input)
		message string
	}{
		{
			name:    "unsupported source",
			rec:     &recorder{},
			mutate:  func(in *Input) { in.Source.Category = "ftp" },
			message: "select extraction",
		},
		{
			name:    "deletion detection",
			rec:     &recorder{failDetect: errors.New("cache unavailable")},
			message: "cache unavailable",
		},
		{
			name:    "load",
			rec:     &recorder{loadErr: errors.New("destination down")},
			message: "destination down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := apiInput(models.SyncModeIncrementalDedup)
			if tt.mutate != nil {
				tt.mutate(&in)
			}

			res := runSync(t, tt.rec, in)
			assert.Equal(t, models.SyncStatusError, res.Status)
			assert.Contains(t, res.Error, tt.message)

			syncs, runs := tt.rec.snapshot()
			require.NotEmpty(t, syncs)
			assert.Equal(t, models.SyncStatusError, syncs[len(syncs)-1])
			require.NotEmpty(t, runs)
			assert.Equal(t, models.SyncRunStatusFailed, runs[len(runs)-1])
			assert.NotContains(t, runs, models.SyncRunStatusSuccess)
		})
	}
}

func TestLoad_StopsOnEmptyBatch(t *testing.T) {
	rec := &recorder{loadBatches: []int{4, 0, 7}}
	rt := workflow.NewRuntime()
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	rec.register(rt)
	New(testOptions()).Register(rt)

	h, err := rt.Start(context.Background(), workflow.StartOptions{ID: "load-r1", TaskQueue: destQueue}, LoadWorkflowName, LoadInput{SyncID: "s1", RunID: "r1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var res LoadResult
	require.NoError(t, h.Get(ctx, &res))
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, 4, res.Records)
	assert.Equal(t, 2, rec.loadCalls)
}
