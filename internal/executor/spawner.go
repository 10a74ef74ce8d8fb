// Package executor turns a scheduler's dispatch decision into an
// actual running agent: it acquires the task's lease, invokes the
// external Spawner, classifies the outcome, and feeds failures to the
// deadletter tracker. The Spawner itself — the thing that actually
// launches an agent process or session — is an external collaborator
// supplied by the embedding application, not implemented here.
package executor

import (
	"context"
	"time"
)

// TaskContext is the information an Executor hands to a Spawner: just
// enough for the spawner to construct a prompt and working directory
// without reaching back into the task store itself.
type TaskContext struct {
	TaskID    string
	Project   string
	Title     string
	Body      string
	Agent     string
	Role      string
	Resource  string
	Metadata  map[string]any
	GateName  string
	Attempt   int
}

// SpawnOptions configures one spawn attempt.
type SpawnOptions struct {
	Timeout time.Duration
	// CorrelationId is generated fresh per dispatch and persisted to
	// the task's metadata before the spawn is attempted, so a crash
	// mid-spawn still leaves a trail linking the task to whatever the
	// external process logged under that id.
	CorrelationId string
}

// SpawnResult is what a Spawner reports back after a spawn attempt
// has been accepted (not necessarily completed) — completion is
// reported later and asynchronously via the protocol router's
// completion.report envelope, not through this return value.
type SpawnResult struct {
	SessionID string
	PID       int
}

// Spawner is the external contract an embedding application
// implements to actually launch agent work. Executor treats every
// non-nil error as a dispatch failure; a PlatformLimitError signals
// specifically that the failure was due to a resource ceiling rather
// than the task itself, so the scheduler should back off and retry
// without counting it against the task's dispatch-failure budget.
type Spawner interface {
	Spawn(ctx context.Context, task TaskContext, opts SpawnOptions) (SpawnResult, error)
}

// PlatformLimitError signals that a spawn failed because of a
// transient platform-level resource ceiling (out of file descriptors,
// process table full, provider rate limit) rather than anything wrong
// with the task itself.
type PlatformLimitError struct {
	Reason string
}

func (e *PlatformLimitError) Error() string {
	return "platform limit reached: " + e.Reason
}
