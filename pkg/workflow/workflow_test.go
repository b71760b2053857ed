package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testQueue = "test_queue"

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt := NewRuntime()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	})
	return rt
}

func waitResult(t *testing.T, h *Handle, out interface{}) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Get(ctx, out)
}

var fastRetry = &RetryPolicy{
	InitialInterval:    time.Millisecond,
	BackoffCoefficient: 2,
	MaximumInterval:    5 * time.Millisecond,
	MaximumAttempts:    3,
}

// waitForStop blocks until a "stop" signal arrives and returns how many
// "tick" signals were seen before it.
func waitForStop(ctx *Context, _ struct{}) (int, error) {
	ticks, stopped := 0, false
	ctx.SetSignalHandler("tick", func(Payload) { ticks++ })
	ctx.SetSignalHandler("stop", func(Payload) { stopped = true })
	if err := ctx.Await(func() bool { return stopped }); err != nil {
		return 0, err
	}
	return ticks, nil
}

func TestRuntime_StartAndGet(t *testing.T) {
	rt := newTestRuntime(t)
	rt.RegisterWorkflow("double", Workflow(func(ctx *Context, n int) (int, error) {
		return n * 2, nil
	}))

	h, err := rt.Start(context.Background(), StartOptions{ID: "wf-1"}, "double", 21)
	require.NoError(t, err)

	var got int
	require.NoError(t, waitResult(t, h, &got))
	assert.Equal(t, 42, got)
	assert.True(t, h.IsDone())
}

func TestRuntime_StartUnregistered(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.Start(context.Background(), StartOptions{ID: "x"}, "missing", nil)
	assert.ErrorIs(t, err, ErrWorkflowNotRegistered)
}

func TestRuntime_AlreadyStarted(t *testing.T) {
	rt := newTestRuntime(t)
	rt.RegisterWorkflow("waiter", Workflow(waitForStop))
	ctx := context.Background()

	first, err := rt.Start(ctx, StartOptions{ID: "conn-1"}, "waiter", nil)
	require.NoError(t, err)

	second, err := rt.Start(ctx, StartOptions{ID: "conn-1"}, "waiter", nil)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	require.NotNil(t, second)
	assert.Equal(t, first.RunID, second.RunID)

	require.NoError(t, rt.Signal(ctx, "conn-1", "stop", nil))
	require.NoError(t, waitResult(t, first, nil))
	<-second.Done()

	third, err := rt.Start(ctx, StartOptions{ID: "conn-1"}, "waiter", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, third.RunID)
	require.NoError(t, rt.Signal(ctx, "conn-1", "stop", nil))
	require.NoError(t, waitResult(t, third, nil))
}

func TestContext_AwaitHandlesSignalsInOrder(t *testing.T) {
	rt := newTestRuntime(t)
	rt.RegisterWorkflow("waiter", Workflow(waitForStop))
	ctx := context.Background()

	h, err := rt.Start(ctx, StartOptions{ID: "wf"}, "waiter", nil)
	require.NoError(t, err)

	require.NoError(t, rt.Signal(ctx, "wf", "tick", nil))
	require.NoError(t, rt.Signal(ctx, "wf", "bogus", Payload{"x": 1}))
	require.NoError(t, rt.Signal(ctx, "wf", "tick", Payload{"page": 2}))
	require.NoError(t, rt.Signal(ctx, "wf", "stop", nil))

	var ticks int
	require.NoError(t, waitResult(t, h, &ticks))
	assert.Equal(t, 2, ticks)
}

func TestRuntime_SignalNotRunning(t *testing.T) {
	rt := newTestRuntime(t)
	rt.RegisterWorkflow("noop", Workflow(func(*Context, struct{}) (struct{}, error) {
		return struct{}{}, nil
	}))
	ctx := context.Background()

	assert.ErrorIs(t, rt.Signal(ctx, "nobody", "tick", nil), ErrWorkflowNotFound)

	h, err := rt.Start(ctx, StartOptions{ID: "done"}, "noop", nil)
	require.NoError(t, err)
	require.NoError(t, waitResult(t, h, nil))
	assert.ErrorIs(t, rt.Signal(ctx, "done", "tick", nil), ErrWorkflowNotFound)
}

func TestRuntime_WorkflowTimeout(t *testing.T) {
	rt := newTestRuntime(t)
	rt.RegisterWorkflow("forever", Workflow(func(ctx *Context, _ struct{}) (struct{}, error) {
		return struct{}{}, ctx.Await(func() bool { return false })
	}))

	h, err := rt.Start(context.Background(), StartOptions{ID: "slow", RunTimeout: 30 * time.Millisecond, ExecutionTimeout: time.Hour}, "forever", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, waitResult(t, h, nil), ErrWorkflowTimeout)
}

func TestRuntime_WorkflowPanicFails(t *testing.T) {
	rt := newTestRuntime(t)
	rt.RegisterWorkflow("boom", Workflow(func(*Context, struct{}) (struct{}, error) {
		panic("kaboom")
	}))

	h, err := rt.Start(context.Background(), StartOptions{ID: "boom"}, "boom", nil)
	require.NoError(t, err)

	var pe *PanicError
	require.ErrorAs(t, waitResult(t, h, nil), &pe)
	assert.Equal(t, "kaboom", pe.Value)
}

func TestContext_ExecuteActivityRetries(t *testing.T) {
	rt := newTestRuntime(t)
	var calls int32

	w := NewWorker(testQueue, WorkerOptions{MaxConcurrentActivities: 2})
	w.RegisterActivity("flaky", Activity(func(ctx context.Context, in string) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", errors.New("transient")
		}
		info, ok := GetActivityInfo(ctx)
		if !ok {
			return "", errors.New("no activity info")
		}
		return in + ":" + info.WorkflowID, nil
	}))
	rt.AddWorker(w)

	rt.RegisterWorkflow("caller", Workflow(func(ctx *Context, in string) (string, error) {
		var out string
		err := ctx.ExecuteActivity(ActivityOptions{TaskQueue: testQueue, RetryPolicy: fastRetry}, "flaky", in, &out)
		return out, err
	}))

	h, err := rt.Start(context.Background(), StartOptions{ID: "wf-retry"}, "caller", "hello")
	require.NoError(t, err)

	var got string
	require.NoError(t, waitResult(t, h, &got))
	assert.Equal(t, "hello:wf-retry", got)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestContext_ExecuteActivityGivesUp(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantAttempts int32
		nonRetryable bool
	}{
		{name: "exhausts attempts", err: errors.New("always"), wantAttempts: 3},
		{name: "non retryable", err: NonRetryable(errors.New("bad input")), wantAttempts: 1, nonRetryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newTestRuntime(t)
			var calls int32

			w := NewWorker(testQueue, WorkerOptions{})
			w.RegisterActivity("fail", Activity(func(context.Context, struct{}) (struct{}, error) {
				atomic.AddInt32(&calls, 1)
				return struct{}{}, tt.err
			}))
			rt.AddWorker(w)
			rt.RegisterWorkflow("caller", Workflow(func(ctx *Context, _ struct{}) (struct{}, error) {
				return struct{}{}, ctx.ExecuteActivity(ActivityOptions{TaskQueue: testQueue, RetryPolicy: fastRetry}, "fail", nil, nil)
			}))

			h, err := rt.Start(context.Background(), StartOptions{ID: "wf"}, "caller", nil)
			require.NoError(t, err)

			err = waitResult(t, h, nil)
			var ae *ActivityError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, "fail", ae.Activity)
			assert.Equal(t, int(tt.wantAttempts), ae.Attempts)
			assert.Equal(t, tt.wantAttempts, atomic.LoadInt32(&calls))
			assert.Equal(t, tt.nonRetryable, IsNonRetryable(err))
		})
	}
}

func TestContext_ExecuteActivityNoWorker(t *testing.T) {
	rt := newTestRuntime(t)
	rt.RegisterWorkflow("caller", Workflow(func(ctx *Context, _ struct{}) (struct{}, error) {
		return struct{}{}, ctx.ExecuteActivity(ActivityOptions{TaskQueue: "nowhere"}, "x", nil, nil)
	}))

	h, err := rt.Start(context.Background(), StartOptions{ID: "wf"}, "caller", nil)
	require.NoError(t, err)
	err = waitResult(t, h, nil)
	assert.ErrorIs(t, err, ErrNoWorker)
	assert.True(t, IsNonRetryable(err))
}

func TestWorker_HeartbeatTimeout(t *testing.T) {
	rt := newTestRuntime(t)
	w := NewWorker(testQueue, WorkerOptions{})
	w.RegisterActivity("stuck", Activity(func(ctx context.Context, _ struct{}) (struct{}, error) {
		<-ctx.Done()
		return struct{}{}, ctx.Err()
	}))
	rt.AddWorker(w)
	rt.RegisterWorkflow("caller", Workflow(func(ctx *Context, _ struct{}) (struct{}, error) {
		opts := ActivityOptions{
			TaskQueue:        testQueue,
			HeartbeatTimeout: 20 * time.Millisecond,
			RetryPolicy:      &RetryPolicy{InitialInterval: time.Millisecond, MaximumAttempts: 1},
		}
		return struct{}{}, ctx.ExecuteActivity(opts, "stuck", nil, nil)
	}))

	h, err := rt.Start(context.Background(), StartOptions{ID: "wf"}, "caller", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, waitResult(t, h, nil), ErrHeartbeatTimeout)
}

func TestWorker_HeartbeatKeepsActivityAlive(t *testing.T) {
	rt := newTestRuntime(t)
	w := NewWorker(testQueue, WorkerOptions{})
	w.RegisterActivity("busy", Activity(func(ctx context.Context, _ struct{}) (string, error) {
		for i := 0; i < 5; i++ {
			time.Sleep(10 * time.Millisecond)
			RecordHeartbeat(ctx)
		}
		return "ok", ctx.Err()
	}))
	rt.AddWorker(w)
	rt.RegisterWorkflow("caller", Workflow(func(ctx *Context, _ struct{}) (string, error) {
		var out string
		opts := ActivityOptions{TaskQueue: testQueue, HeartbeatTimeout: 40 * time.Millisecond}
		return out, ctx.ExecuteActivity(opts, "busy", nil, &out)
	}))

	h, err := rt.Start(context.Background(), StartOptions{ID: "wf"}, "caller", nil)
	require.NoError(t, err)
	var got string
	require.NoError(t, waitResult(t, h, &got))
	assert.Equal(t, "ok", got)
}

func TestContext_SignalsHandledWhileActivityRuns(t *testing.T) {
	rt := newTestRuntime(t)
	release := make(chan struct{})

	w := NewWorker(testQueue, WorkerOptions{})
	w.RegisterActivity("block", Activity(func(ctx context.Context, _ struct{}) (struct{}, error) {
		<-release
		return struct{}{}, nil
	}))
	rt.AddWorker(w)

	seen := make(chan struct{})
	rt.RegisterWorkflow("caller", Workflow(func(ctx *Context, _ struct{}) (struct{}, error) {
		ctx.SetSignalHandler("ping", func(Payload) { close(seen) })
		return struct{}{}, ctx.ExecuteActivity(ActivityOptions{TaskQueue: testQueue}, "block", nil, nil)
	}))

	h, err := rt.Start(context.Background(), StartOptions{ID: "wf"}, "caller", nil)
	require.NoError(t, err)
	require.NoError(t, rt.Signal(context.Background(), "wf", "ping", nil))

	select {
	case <-seen:
	case <-time.After(5 * time.Second):
		t.Fatal("signal was not handled while the activity was running")
	}
	close(release)
	require.NoError(t, waitResult(t, h, nil))
}

func TestContext_ChildCompletionWakesParent(t *testing.T) {
	rt := newTestRuntime(t)
	rt.RegisterWorkflow("child", Workflow(waitForStop))
	rt.RegisterWorkflow("parent", Workflow(func(ctx *Context, _ struct{}) (int, error) {
		child, err := ctx.StartChild(StartOptions{ID: "child-1"}, "child", nil)
		if err != nil {
			return 0, err
		}
		if err := ctx.Await(child.IsDone); err != nil {
			return 0, err
		}
		var ticks int
		return ticks, child.Get(ctx.Context(), &ticks)
	}))
	ctx := context.Background()

	h, err := rt.Start(ctx, StartOptions{ID: "parent-1"}, "parent", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := rt.GetHandle("child-1")
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, rt.Signal(ctx, "child-1", "tick", nil))
	require.NoError(t, rt.Signal(ctx, "child-1", "stop", nil))

	var ticks int
	require.NoError(t, waitResult(t, h, &ticks))
	assert.Equal(t, 1, ticks)
}

func TestContext_StartChildAlreadyRunning(t *testing.T) {
	rt := newTestRuntime(t)
	rt.RegisterWorkflow("child", Workflow(waitForStop))
	rt.RegisterWorkflow("parent", Workflow(func(ctx *Context, _ struct{}) (bool, error) {
		child, err := ctx.StartChild(StartOptions{ID: "shared"}, "child", nil)
		already := errors.Is(err, ErrAlreadyStarted)
		if err != nil && !already {
			return false, err
		}
		if err := ctx.SignalExternal("shared", "stop", nil); err != nil {
			return false, err
		}
		return already, ctx.Await(child.IsDone)
	}))
	ctx := context.Background()

	_, err := rt.Start(ctx, StartOptions{ID: "shared"}, "child", nil)
	require.NoError(t, err)

	h, err := rt.Start(ctx, StartOptions{ID: "parent"}, "parent", nil)
	require.NoError(t, err)

	var already bool
	require.NoError(t, waitResult(t, h, &already))
	assert.True(t, already)
}

func TestRuntime_CloseCancelsWorkflows(t *testing.T) {
	rt := NewRuntime()
	rt.RegisterWorkflow("forever", Workflow(func(ctx *Context, _ struct{}) (struct{}, error) {
		return struct{}{}, ctx.Await(func() bool { return false })
	}))

	h, err := rt.Start(context.Background(), StartOptions{ID: "wf"}, "forever", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Close(ctx))
	assert.ErrorIs(t, waitResult(t, h, nil), context.Canceled)

	_, err = rt.Start(context.Background(), StartOptions{ID: "wf2"}, "forever", nil)
	assert.ErrorIs(t, err, ErrRuntimeClosed)
}

func TestRuntime_PrunesFinishedInstances(t *testing.T) {
	rt := NewRuntime(WithRetention(time.Nanosecond))
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	rt.RegisterWorkflow("echo", Workflow(func(ctx *Context, in int) (int, error) { return in, nil }))
	rt.RegisterWorkflow("block", Workflow(func(ctx *Context, in int) (int, error) {
		<-ctx.Context().Done()
		return 0, ctx.Context().Err()
	}))
	ctx := context.Background()

	h, err := rt.Start(ctx, StartOptions{ID: "echo-1"}, "echo", 7)
	require.NoError(t, err)
	var out int
	require.NoError(t, waitResult(t, h, &out))
	assert.Equal(t, 7, out)

	_, err = rt.Start(ctx, StartOptions{ID: "block-1"}, "block", 0)
	require.NoError(t, err)

	_, err = rt.GetHandle("echo-1")
	assert.ErrorIs(t, err, ErrWorkflowNotFound, "finished instance dropped on the next start")
	_, err = rt.GetHandle("block-1")
	assert.NoError(t, err, "running instances are kept")
	assert.Equal(t, 0, rt.Prune())

	// a held handle still reads its result after pruning
	require.NoError(t, h.Get(ctx, &out))
	assert.Equal(t, 7, out)
}

func TestRuntime_RetentionKeepsRecentInstances(t *testing.T) {
	rt := newTestRuntime(t)
	rt.RegisterWorkflow("echo", Workflow(func(ctx *Context, in int) (int, error) { return in, nil }))
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		h, err := rt.Start(ctx, StartOptions{ID: id}, "echo", 1)
		require.NoError(t, err)
		require.NoError(t, waitResult(t, h, nil))
	}
	assert.Equal(t, 0, rt.Prune())
	_, err := rt.GetHandle("a")
	assert.NoError(t, err)
}
