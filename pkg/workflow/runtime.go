// Package workflow is a small in-process durable-style runtime: named
// workflows run on their own goroutine, receive signals through a mailbox,
// start child workflows and schedule activities on task-queue workers with
// timeouts and retry policies.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cohenjo/cdcsync/pkg/metrics"
)

// WorkflowFunc is the untyped form every registered workflow takes
type WorkflowFunc func(ctx *Context, input json.RawMessage) (interface{}, error)

// Workflow adapts a typed workflow function
func Workflow[In, Out any](fn func(*Context, In) (Out, error)) WorkflowFunc {
	return func(ctx *Context, raw json.RawMessage) (interface{}, error) {
		var in In
		if err := decode(raw, &in); err != nil {
			return nil, fmt.Errorf("decode workflow input: %w", err)
		}
		return fn(ctx, in)
	}
}

// StartOptions identify and bound a workflow instance
type StartOptions struct {
	ID               string
	TaskQueue        string
	ExecutionTimeout time.Duration
	RunTimeout       time.Duration
	TaskTimeout      time.Duration
}

// Runtime hosts workflow instances and the activity workers they call
type Runtime struct {
	mu        sync.Mutex
	workflows map[string]WorkflowFunc
	workers   map[string]*Worker
	instances map[string]*instance
	retention time.Duration
	closed    bool

	telemetry *metrics.TelemetryManager
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RuntimeOption customizes a Runtime
type RuntimeOption func(*Runtime)

// WithTelemetry records workflow, signal and activity telemetry through tm
func WithTelemetry(tm *metrics.TelemetryManager) RuntimeOption {
	return func(r *Runtime) { r.telemetry = tm }
}

// DefaultRetention is how long a finished instance stays addressable by id
const DefaultRetention = 15 * time.Minute

// WithRetention keeps finished instances addressable for d. Older ones are
// dropped as new instances start.
func WithRetention(d time.Duration) RuntimeOption {
	return func(r *Runtime) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithLogger replaces the global logger
func WithLogger(logger zerolog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = logger }
}

func NewRuntime(opts ...RuntimeOption) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		workflows: make(map[string]WorkflowFunc),
		workers:   make(map[string]*Worker),
		instances: make(map[string]*instance),
		retention: DefaultRetention,
		logger:    log.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterWorkflow makes fn startable under name
func (r *Runtime) RegisterWorkflow(name string, fn WorkflowFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[name] = fn
}

// AddWorker attaches w to its task queue, replacing any previous worker
func (r *Runtime) AddWorker(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.telemetry = r.telemetry
	w.logger = r.logger.With().Str("task_queue", w.queue).Logger()
	r.workers[w.queue] = w
}

func (r *Runtime) worker(queue string) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[queue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoWorker, queue)
	}
	return w, nil
}

// Start launches workflow name under opts.ID. When an instance with that
// id is still running, its handle is returned together with
// ErrAlreadyStarted and nothing new is started. Finished ids can be reused.
func (r *Runtime) Start(ctx context.Context, opts StartOptions, name string, input interface{}) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	raw, err := encode(input)
	if err != nil {
		return nil, fmt.Errorf("encode input for %s: %w", name, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRuntimeClosed
	}
	fn, ok := r.workflows[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotRegistered, name)
	}
	if existing, ok := r.instances[opts.ID]; ok && !existing.isDone() {
		r.mu.Unlock()
		return existing.handle(), ErrAlreadyStarted
	}

	r.pruneLocked(time.Now())
	inst := newInstance(opts, name)
	r.instances[opts.ID] = inst
	r.wg.Add(1)
	r.mu.Unlock()

	r.telemetry.RecordWorkflowStarted(ctx, name)
	go r.run(inst, fn, raw)

	return inst.handle(), nil
}

func (r *Runtime) run(inst *instance, fn WorkflowFunc, input json.RawMessage) {
	defer r.wg.Done()

	ctx, cancel := r.ctx, context.CancelFunc(func() {})
	if d := inst.opts.deadline(); d > 0 {
		ctx, cancel = context.WithTimeout(r.ctx, d)
	}
	defer cancel()

	wctx := &Context{
		ctx:      ctx,
		rt:       r,
		inst:     inst,
		handlers: make(map[string]func(Payload)),
		logger: r.logger.With().
			Str("workflow", inst.name).
			Str("workflow_id", inst.opts.ID).
			Str("run_id", inst.runID).
			Logger(),
	}
	wctx.logger.Debug().Msg("Workflow started")

	result, err := callWorkflow(fn, wctx, input)
	var raw json.RawMessage
	if err == nil {
		raw, err = encode(result)
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrWorkflowTimeout) {
		err = fmt.Errorf("%w: %v", ErrWorkflowTimeout, err)
	}

	if err != nil {
		wctx.logger.Warn().Err(err).Msg("Workflow failed")
	} else {
		wctx.logger.Debug().Msg("Workflow completed")
	}
	inst.finish(raw, err)
}

func callWorkflow(fn WorkflowFunc, ctx *Context, input json.RawMessage) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p}
		}
	}()
	return fn(ctx, input)
}

// Signal delivers a named signal to a running workflow
func (r *Runtime) Signal(ctx context.Context, workflowID, name string, payload Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := payload.clone()
	if err != nil {
		return err
	}

	r.mu.Lock()
	inst, ok := r.instances[workflowID]
	r.mu.Unlock()

	if !ok || !inst.mailbox.put(signal{name: name, payload: body}) {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return nil
}

// Prune drops instances that finished more than the retention period ago
// and returns how many were dropped
func (r *Runtime) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneLocked(time.Now())
}

func (r *Runtime) pruneLocked(now time.Time) int {
	pruned := 0
	for id, inst := range r.instances {
		if at, ok := inst.finishedAt(); ok && now.Sub(at) >= r.retention {
			delete(r.instances, id)
			pruned++
		}
	}
	return pruned
}

// GetHandle returns the handle of the most recent instance with id
func (r *Runtime) GetHandle(workflowID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return inst.handle(), nil
}

// Close cancels every running instance and waits for them to unwind
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type instance struct {
	opts    StartOptions
	name    string
	runID   string
	mailbox *mailbox
	done    chan struct{}

	mu       sync.Mutex
	result   json.RawMessage
	err      error
	finished time.Time
	watchers []*mailbox
}

func newInstance(opts StartOptions, name string) *instance {
	return &instance{
		opts:    opts,
		name:    name,
		runID:   uuid.NewString(),
		mailbox: newMailbox(),
		done:    make(chan struct{}),
	}
}

func (i *instance) handle() *Handle {
	return &Handle{ID: i.opts.ID, RunID: i.runID, inst: i}
}

func (i *instance) isDone() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

func (i *instance) finishedAt() (time.Time, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.finished, !i.finished.IsZero()
}

// watch pokes m once the instance finishes, or right away if it already has
func (i *instance) watch(m *mailbox) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.isDone() {
		m.poke()
		return
	}
	i.watchers = append(i.watchers, m)
}

func (i *instance) finish(result json.RawMessage, err error) {
	i.mailbox.close()

	i.mu.Lock()
	defer i.mu.Unlock()
	i.result, i.err = result, err
	i.finished = time.Now()
	close(i.done)
	for _, w := range i.watchers {
		w.poke()
	}
	i.watchers = nil
}

// Handle refers to one workflow instance
type Handle struct {
	ID    string
	RunID string

	inst *instance
}

// Done is closed when the instance finishes
func (h *Handle) Done() <-chan struct{} {
	return h.inst.done
}

func (h *Handle) IsDone() bool {
	return h.inst.isDone()
}

// Get blocks until the instance finishes and decodes its result into out
func (h *Handle) Get(ctx context.Context, out interface{}) error {
	select {
	case <-h.inst.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.inst.mu.Lock()
	result, err := h.inst.result, h.inst.err
	h.inst.mu.Unlock()

	if err != nil {
		return err
	}
	return decode(result, out)
}
