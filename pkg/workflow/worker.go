package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/cohenjo/cdcsync/pkg/metrics"
)

// ActivityFunc is the untyped form every registered activity takes
type ActivityFunc func(ctx context.Context, input json.RawMessage) (interface{}, error)

// Activity adapts a typed activity function
func Activity[In, Out any](fn func(context.Context, In) (Out, error)) ActivityFunc {
	return func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var in In
		if err := decode(raw, &in); err != nil {
			return nil, NonRetryable(fmt.Errorf("decode activity input: %w", err))
		}
		return fn(ctx, in)
	}
}

// RetryPolicy is exponential: InitialInterval, then each wait multiplied by
// BackoffCoefficient up to MaximumInterval, for at most MaximumAttempts
// attempts in total.
type RetryPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	MaximumAttempts    int
}

var DefaultRetryPolicy = RetryPolicy{
	InitialInterval:    time.Second,
	BackoffCoefficient: 2,
	MaximumInterval:    time.Minute,
	MaximumAttempts:    3,
}

// ActivityOptions bound one scheduled activity. Zero durations are unbounded.
type ActivityOptions struct {
	TaskQueue              string
	StartToCloseTimeout    time.Duration
	ScheduleToCloseTimeout time.Duration
	ScheduleToStartTimeout time.Duration
	HeartbeatTimeout       time.Duration
	RetryPolicy            *RetryPolicy
}

func (o ActivityOptions) retryPolicy() RetryPolicy {
	p := DefaultRetryPolicy
	if o.RetryPolicy != nil {
		p = *o.RetryPolicy
	}
	if p.MaximumAttempts < 1 {
		p.MaximumAttempts = 1
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = 1
	}
	if p.MaximumInterval < p.InitialInterval {
		p.MaximumInterval = p.InitialInterval
	}
	return p
}

// ActivityInfo describes the attempt an activity is running in
type ActivityInfo struct {
	ActivityType string
	TaskQueue    string
	WorkflowID   string
	WorkflowRun  string
	Attempt      int
}

type activityKey struct{}

type activityState struct {
	info  ActivityInfo
	beats chan struct{}
}

// GetActivityInfo returns the info of the activity running in ctx
func GetActivityInfo(ctx context.Context) (ActivityInfo, bool) {
	st, ok := ctx.Value(activityKey{}).(*activityState)
	if !ok {
		return ActivityInfo{}, false
	}
	return st.info, true
}

// RecordHeartbeat reports progress; it is a no-op outside an activity
func RecordHeartbeat(ctx context.Context) {
	st, ok := ctx.Value(activityKey{}).(*activityState)
	if !ok {
		return
	}
	select {
	case st.beats <- struct{}{}:
	default:
	}
}

// WorkerOptions configure a Worker
type WorkerOptions struct {
	MaxConcurrentActivities int
}

// Worker executes activities for one task queue
type Worker struct {
	queue      string
	mu         sync.RWMutex
	activities map[string]ActivityFunc
	sem        *semaphore.Weighted
	wg         sync.WaitGroup

	telemetry *metrics.TelemetryManager
	logger    zerolog.Logger
}

func NewWorker(queue string, opts WorkerOptions) *Worker {
	if opts.MaxConcurrentActivities <= 0 {
		opts.MaxConcurrentActivities = 16
	}
	return &Worker{
		queue:      queue,
		activities: make(map[string]ActivityFunc),
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrentActivities)),
		logger:     log.With().Str("task_queue", queue).Logger(),
	}
}

func (w *Worker) Queue() string { return w.queue }

func (w *Worker) RegisterActivity(name string, fn ActivityFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activities[name] = fn
}

// Wait blocks until every in-flight activity returned or ctx is done
func (w *Worker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type call struct {
	name       string
	input      json.RawMessage
	opts       ActivityOptions
	workflowID string
	runID      string
}

type callResult struct {
	output json.RawMessage
	err    error
}

func (w *Worker) submit(ctx context.Context, c call) <-chan callResult {
	results := make(chan callResult, 1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		out, err := w.execute(ctx, c)
		results <- callResult{output: out, err: err}
	}()
	return results
}

func (w *Worker) execute(ctx context.Context, c call) (json.RawMessage, error) {
	w.mu.RLock()
	fn, ok := w.activities[c.name]
	w.mu.RUnlock()
	if !ok {
		return nil, &ActivityError{
			Activity:  c.name,
			TaskQueue: w.queue,
			Err:       NonRetryable(fmt.Errorf("%w: %s", ErrActivityNotRegistered, c.name)),
		}
	}

	if c.opts.ScheduleToCloseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ScheduleToCloseTimeout)
		defer cancel()
	}

	policy := c.opts.retryPolicy()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.Multiplier = policy.BackoffCoefficient
	b.MaxInterval = policy.MaximumInterval
	b.RandomizationFactor = 0
	b.Reset()

	attempts := 0
	op := func() (json.RawMessage, error) {
		attempts++
		out, err := w.attempt(ctx, c, fn, attempts)
		if err != nil && IsNonRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaximumAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.logger.Warn().Err(err).Str("activity", c.name).Str("workflow_id", c.workflowID).Dur("retry_in", next).Msg("Activity attempt failed")
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, &ActivityError{Activity: c.name, TaskQueue: w.queue, Attempts: attempts, Err: err}
	}
	return out, nil
}

func (w *Worker) attempt(ctx context.Context, c call, fn ActivityFunc, n int) (json.RawMessage, error) {
	acquireCtx := ctx
	if c.opts.ScheduleToStartTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, c.opts.ScheduleToStartTimeout)
		defer cancel()
	}
	if err := w.sem.Acquire(acquireCtx, 1); err != nil {
		return nil, fmt.Errorf("activity %s not started: %w", c.name, err)
	}
	defer w.sem.Release(1)

	attemptCtx, cancelCause := context.WithCancelCause(ctx)
	defer cancelCause(nil)
	runCtx := context.Context(attemptCtx)
	if c.opts.StartToCloseTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(attemptCtx, c.opts.StartToCloseTimeout)
		defer cancel()
	}

	st := &activityState{
		info: ActivityInfo{
			ActivityType: c.name,
			TaskQueue:    w.queue,
			WorkflowID:   c.workflowID,
			WorkflowRun:  c.runID,
			Attempt:      n,
		},
		beats: make(chan struct{}, 1),
	}
	if c.opts.HeartbeatTimeout > 0 {
		go watchHeartbeat(runCtx, st.beats, c.opts.HeartbeatTimeout, cancelCause)
	}
	runCtx = context.WithValue(runCtx, activityKey{}, st)

	runCtx, span := w.telemetry.StartTrace(runCtx, "activity "+c.name,
		attribute.String("task_queue", w.queue),
		attribute.String("workflow_id", c.workflowID),
		attribute.Int("attempt", n),
	)
	defer span.End()

	start := time.Now()
	result, err := callActivity(fn, runCtx, c.input)
	if err != nil && errors.Is(context.Cause(attemptCtx), ErrHeartbeatTimeout) {
		err = fmt.Errorf("%w: %v", ErrHeartbeatTimeout, err)
	}

	var out json.RawMessage
	if err == nil {
		out, err = encode(result)
		if err != nil {
			err = NonRetryable(fmt.Errorf("encode result of %s: %w", c.name, err))
		}
	}

	w.telemetry.RecordActivityAttempt(ctx, c.name, w.queue, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func watchHeartbeat(ctx context.Context, beats <-chan struct{}, timeout time.Duration, cancel context.CancelCauseFunc) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-beats:
			timer.Reset(timeout)
		case <-timer.C:
			cancel(ErrHeartbeatTimeout)
			return
		}
	}
}

func callActivity(fn ActivityFunc, ctx context.Context, input json.RawMessage) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p}
		}
	}()
	return fn(ctx, input)
}
