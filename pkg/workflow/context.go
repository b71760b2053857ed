package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cohenjo/cdcsync/pkg/metrics"
)

// Info describes the running workflow instance
type Info struct {
	WorkflowID   string
	RunID        string
	WorkflowType string
	TaskQueue    string
}

// Context is handed to workflow code. It is bound to the instance's
// goroutine and must not be shared with other goroutines; signal handlers
// only ever run on that goroutine, inside Await or ExecuteActivity.
type Context struct {
	ctx      context.Context
	rt       *Runtime
	inst     *instance
	handlers map[string]func(Payload)
	logger   zerolog.Logger
}

func (c *Context) Info() Info {
	return Info{
		WorkflowID:   c.inst.opts.ID,
		RunID:        c.inst.runID,
		WorkflowType: c.inst.name,
		TaskQueue:    c.inst.opts.TaskQueue,
	}
}

func (c *Context) Logger() *zerolog.Logger {
	return &c.logger
}

// Context returns the cancellation context of the instance
func (c *Context) Context() context.Context {
	return c.ctx
}

// SetSignalHandler registers fn for signals named name. Register handlers
// before the first Await or ExecuteActivity; signals without a handler at
// delivery time are ignored.
func (c *Context) SetSignalHandler(name string, fn func(Payload)) {
	c.handlers[name] = fn
}

// Await processes signals until cond holds. It blocks without polling.
func (c *Context) Await(cond func() bool) error {
	for {
		c.drain()
		if cond() {
			return nil
		}
		select {
		case <-c.inst.mailbox.wait():
		case <-c.ctx.Done():
			return c.err()
		}
	}
}

// Sleep pauses the workflow for d while still handling signals
func (c *Context) Sleep(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		c.drain()
		select {
		case <-timer.C:
			return nil
		case <-c.inst.mailbox.wait():
		case <-c.ctx.Done():
			return c.err()
		}
	}
}

func (c *Context) drain() {
	for {
		s, ok := c.inst.mailbox.take()
		if !ok {
			return
		}
		c.dispatch(s)
	}
}

func (c *Context) dispatch(s signal) {
	fn, ok := c.handlers[s.name]
	if !ok {
		c.logger.Debug().Str("signal", s.name).Msg("Ignoring signal without handler")
		metrics.SignalsIgnored.WithLabelValues(s.name).Inc()
		c.rt.telemetry.RecordSignal(c.ctx, s.name, false)
		return
	}
	c.rt.telemetry.RecordSignal(c.ctx, s.name, true)

	start := time.Now()
	fn(s.payload)
	if task := c.inst.opts.TaskTimeout; task > 0 {
		if took := time.Since(start); took > task {
			c.logger.Warn().Str("signal", s.name).Dur("took", took).Dur("task_timeout", task).Msg("Signal handler exceeded task timeout")
		}
	}
}

// ExecuteActivity schedules activity name on opts.TaskQueue and blocks
// until it succeeds or its retry policy gives up. Signals keep being
// handled while it waits. out may be nil.
func (c *Context) ExecuteActivity(opts ActivityOptions, name string, input, out interface{}) error {
	if opts.TaskQueue == "" {
		opts.TaskQueue = c.inst.opts.TaskQueue
	}
	raw, err := encode(input)
	if err != nil {
		return fmt.Errorf("encode input for %s: %w", name, err)
	}
	w, err := c.rt.worker(opts.TaskQueue)
	if err != nil {
		return &ActivityError{Activity: name, TaskQueue: opts.TaskQueue, Err: NonRetryable(err)}
	}

	results := w.submit(c.ctx, call{
		name:       name,
		input:      raw,
		opts:       opts,
		workflowID: c.inst.opts.ID,
		runID:      c.inst.runID,
	})

	for {
		c.drain()
		select {
		case res := <-results:
			if res.err != nil {
				return res.err
			}
			if err := decode(res.output, out); err != nil {
				return fmt.Errorf("decode result of %s: %w", name, err)
			}
			return nil
		case <-c.inst.mailbox.wait():
		case <-c.ctx.Done():
			return c.err()
		}
	}
}

// StartChild starts a child workflow. The parent is woken from Await when
// the child finishes, so a condition over handle.IsDone() works. If the
// child id is already running, its handle is returned with
// ErrAlreadyStarted and the parent still watches it.
func (c *Context) StartChild(opts StartOptions, name string, input interface{}) (*Handle, error) {
	h, err := c.rt.Start(c.ctx, opts, name, input)
	if h != nil {
		h.inst.watch(c.inst.mailbox)
	}
	return h, err
}

// SignalExternal sends a signal to another workflow
func (c *Context) SignalExternal(workflowID, name string, payload Payload) error {
	return c.rt.Signal(c.ctx, workflowID, name, payload)
}

func (c *Context) err() error {
	err := c.ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrWorkflowTimeout, c.inst.opts.ID)
	}
	return err
}
