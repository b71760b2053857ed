package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by Start when a workflow with the same
	// id is still running. The returned handle points at that instance.
	ErrAlreadyStarted = errors.New("workflow already started")

	ErrWorkflowNotFound      = errors.New("workflow not found")
	ErrWorkflowNotRegistered = errors.New("workflow not registered")
	ErrActivityNotRegistered = errors.New("activity not registered")
	ErrNoWorker              = errors.New("no worker for task queue")
	ErrWorkflowTimeout       = errors.New("workflow timed out")
	ErrHeartbeatTimeout      = errors.New("activity heartbeat timed out")
	ErrMalformedPayload      = errors.New("malformed signal payload")
	ErrRuntimeClosed         = errors.New("workflow runtime closed")
)

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err so the activity retry policy gives up at once
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}

// ActivityError is returned to the workflow when an activity gave up
type ActivityError struct {
	Activity  string
	TaskQueue string
	Attempts  int
	Err       error
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s on %s failed after %d attempt(s): %v", e.Activity, e.TaskQueue, e.Attempts, e.Err)
}

func (e *ActivityError) Unwrap() error { return e.Err }

// PanicError carries a recovered panic out of workflow or activity code
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
