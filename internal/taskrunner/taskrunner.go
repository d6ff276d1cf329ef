// Package taskrunner runs lease-coordinated periodic tasks across many worker processes.
//
// Every process runs the same loop; the named lease makes sure only one of them executes
// a given task cycle at a time, and the state persisted with the lease tells the next
// holder where the previous cycle left off.
package taskrunner

import (
	"context"
	"time"

	"github.com/withObsrvr/privacy-replay/internal/lease"
)

// ErrLeaseLost is returned when the lease could not be extended or released.
var ErrLeaseLost = lease.ErrLeaseLost

// SubTask is one unit of work of a cycle.
type SubTask func(ctx context.Context) error

// Task is a periodic task.
type Task interface {
	// Name is the lease name.
	Name() string

	// ShouldRun decides from the persisted state whether a cycle is due.
	ShouldRun(state []byte) bool

	// SubTasks returns the work for this cycle.
	SubTasks(ctx context.Context, state []byte) ([]SubTask, error)

	// FinalState returns the state to persist after a successful cycle and how long
	// the lease stays unavailable before the next cycle.
	FinalState(state []byte) ([]byte, time.Duration)
}

// Config schedules a Runner.
type Config struct {
	MinSleep               time.Duration
	MaxSleep               time.Duration
	LeaseDuration          time.Duration
	ExtensionThreshold     time.Duration
	BatchSize              int
	CompletionPollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 15 * time.Minute
	}
	if c.ExtensionThreshold <= 0 || c.ExtensionThreshold >= c.LeaseDuration {
		c.ExtensionThreshold = c.LeaseDuration / 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.CompletionPollInterval <= 0 {
		c.CompletionPollInterval = time.Minute
	}
	if c.MaxSleep < c.MinSleep {
		c.MaxSleep = c.MinSleep
	}
	return c
}

// Outcome classifies a cycle.
type Outcome string

const (
	CycleCompleted        Outcome = "completed"
	CycleSkippedLease     Outcome = "skipped_lease"
	CycleSkippedNotDue    Outcome = "skipped_not_due"
	CycleAbortedLeaseLost Outcome = "lease_lost"
	CycleFailed           Outcome = "failed"
)

// CycleResult describes one cycle.
type CycleResult struct {
	Outcome  Outcome
	SubTasks int
}
