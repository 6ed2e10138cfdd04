// Package recovery decides what happens after a stream fault.
//
// The coordinator is pure policy: it returns an Action and leaves the
// mechanics (forcing a snapshot, releasing the device, resuming capture) to
// the session controller.
package recovery

import (
	"context"
	"time"

	"github.com/pithecene-io/dictum/types"
)

// DefaultSettleDelay is the pause between releasing a faulted device and
// acquiring it again.
const DefaultSettleDelay = time.Second

// Action is the coordinator's decision for a fault.
type Action int

const (
	// ActionRestart restarts capture in place, resuming the session.
	ActionRestart Action = iota
	// ActionFallback ends capture and delivers the latest backup.
	ActionFallback
	// ActionAbandon ends capture with nothing to deliver.
	ActionAbandon
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionRestart:
		return "restart"
	case ActionFallback:
		return "fallback"
	case ActionAbandon:
		return "abandon"
	default:
		return "unknown"
	}
}

// Coordinator holds the recovery policy.
type Coordinator struct {
	// MaxAttempts bounds in-place restarts (default types.MaxRetryAttempts).
	MaxAttempts int
	// SettleDelay is waited before a restart (default DefaultSettleDelay).
	SettleDelay time.Duration
}

// New creates a coordinator with defaults applied.
func New(maxAttempts int, settle time.Duration) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = types.MaxRetryAttempts
	}
	if settle < 0 {
		settle = 0
	} else if settle == 0 {
		settle = DefaultSettleDelay
	}
	return &Coordinator{MaxAttempts: maxAttempts, SettleDelay: settle}
}

// Decide returns the action for a fault observed after retryCount restarts.
func (c *Coordinator) Decide(retryCount int, hasBackup bool) Action {
	if retryCount < c.MaxAttempts {
		return ActionRestart
	}
	if hasBackup {
		return ActionFallback
	}
	return ActionAbandon
}

// Settle waits SettleDelay or until ctx is done.
func (c *Coordinator) Settle(ctx context.Context) error {
	if c.SettleDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.SettleDelay):
		return nil
	}
}

// Unrecoverable wraps the last fault when no backup can be delivered.
func Unrecoverable(last error) error {
	return types.NewPipelineError(types.ErrUnrecoverable, "recover", last)
}
