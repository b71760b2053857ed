package workflow

import (
	"time"

	"github.com/cohenjo/cdcsync/pkg/config"
)

// Timeouts bounds a workflow instance. Execution covers the whole chain,
// Run a single run, Task a single step between suspensions.
type Timeouts struct {
	Execution time.Duration
	Run       time.Duration
	Task      time.Duration
}

var defaults = config.DefaultConfig()

var (
	ConnectionTimeouts = TimeoutsFrom(defaults.Timeouts.Connection)
	ExtractionTimeouts = TimeoutsFrom(defaults.Timeouts.Extraction)
	LoadTimeouts       = TimeoutsFrom(defaults.Timeouts.Load)

	// PageFetchActivityOptions are the limits for a single page fetch
	PageFetchActivityOptions = ActivityOptionsFrom(defaults.Timeouts.PageFetch, nil)
)

func TimeoutsFrom(tier config.TimeoutTier) Timeouts {
	return Timeouts{Execution: tier.Execution, Run: tier.Run, Task: tier.Task}
}

// ActivityOptionsFrom converts configured activity limits. A nil policy
// means DefaultRetryPolicy.
func ActivityOptionsFrom(t config.ActivityTimeouts, policy *RetryPolicy) ActivityOptions {
	return ActivityOptions{
		StartToCloseTimeout:    t.StartToClose,
		ScheduleToCloseTimeout: t.ScheduleToClose,
		ScheduleToStartTimeout: t.ScheduleToStart,
		HeartbeatTimeout:       t.Heartbeat,
		RetryPolicy:            policy,
	}
}

func RetryPolicyFrom(r config.RetryConfig) *RetryPolicy {
	return &RetryPolicy{
		InitialInterval:    r.InitialInterval,
		BackoffCoefficient: r.BackoffCoefficient,
		MaximumInterval:    r.MaximumInterval,
		MaximumAttempts:    r.MaximumAttempts,
	}
}

// StartOptions builds start options for a workflow bound by t
func (t Timeouts) StartOptions(id, queue string) StartOptions {
	return StartOptions{
		ID:               id,
		TaskQueue:        queue,
		ExecutionTimeout: t.Execution,
		RunTimeout:       t.Run,
		TaskTimeout:      t.Task,
	}
}

// deadline is the tighter of the execution and run bounds; zero means none
func (o StartOptions) deadline() time.Duration {
	d := o.RunTimeout
	if o.ExecutionTimeout > 0 && (d == 0 || o.ExecutionTimeout < d) {
		d = o.ExecutionTimeout
	}
	return d
}
