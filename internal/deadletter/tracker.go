// Package deadletter tracks per-task dispatch failures and performs
// the terminal transition to the deadletter status once a task has
// failed too many times to keep retrying automatically. Modeled on
// the crash-loop protection a process supervisor applies to a
// respawning child, retargeted at dispatch attempts instead of
// process restarts.
package deadletter

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/d0labs/taskflow/internal/events"
	"github.com/d0labs/taskflow/internal/invariant"
	"github.com/d0labs/taskflow/internal/store"
)

// MaxDispatchFailures is the threshold at which a task is moved to
// deadletter instead of being retried again.
const MaxDispatchFailures = 3

// ErrorClass distinguishes failures the scheduler should keep
// retrying from ones unlikely to ever succeed without intervention.
type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassPermanent ErrorClass = "permanent"
)

// Tracker records dispatch failures on tasks and transitions them to
// deadletter once the threshold is reached.
type Tracker struct {
	tasks  *store.Store
	bus    *events.Bus
	logger *slog.Logger
}

// New constructs a Tracker.
func New(tasks *store.Store, bus *events.Bus, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{tasks: tasks, bus: bus, logger: logger}
}

// RecordFailure increments a task's dispatch failure count and
// classifies the error. A permanent error deadletters immediately,
// regardless of count, since retrying it cannot help; a transient
// error deadletters only once it has recurred MaxDispatchFailures
// times.
func (t *Tracker) RecordFailure(taskID string, class ErrorClass, errMsg string) (deadlettered bool, err error) {
	updated, err := t.tasks.Update(taskID, func(task *store.Task) error {
		count := task.Metadata.Int(store.MetaDispatchFailures, 0) + 1
		task.Metadata.Set(store.MetaDispatchFailures, count)
		task.Metadata.Set(store.MetaErrorClass, string(class))
		task.Metadata.Set(store.MetaLastError, errMsg)

		if class == ErrorClassPermanent || count >= MaxDispatchFailures {
			return task.TransitionTo(store.StatusDeadletter)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record dispatch failure for %s: %w", taskID, err)
	}

	if updated.Status == store.StatusDeadletter {
		failures := updated.Metadata.Int(store.MetaDispatchFailures, 0)
		if class != ErrorClassPermanent {
			invariant.DeadletterThreshold(failures >= MaxDispatchFailures, taskID, failures, MaxDispatchFailures)
		}
		t.bus.Publish(events.New(events.TypeTaskDeadlettered, "deadletter", taskID, "all", events.PriorityCritical, map[string]any{
			"errorClass":        string(class),
			"lastError":         errMsg,
			"dispatchFailures":  updated.Metadata.Int(store.MetaDispatchFailures, 0),
		}))
		t.logger.Warn("task deadlettered", "task", taskID, "errorClass", class, "failures", updated.Metadata.Int(store.MetaDispatchFailures, 0))
		return true, nil
	}
	return false, nil
}

// ResetFailures clears a task's dispatch failure count, used when a
// dispatch finally succeeds after prior retries.
func (t *Tracker) ResetFailures(taskID string) error {
	_, err := t.tasks.Update(taskID, func(task *store.Task) error {
		delete(task.Metadata, store.MetaDispatchFailures)
		delete(task.Metadata, store.MetaErrorClass)
		delete(task.Metadata, store.MetaLastError)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset dispatch failures for %s: %w", taskID, err)
	}
	return nil
}

// ClassifyError makes a best-effort guess at an error's class from
// its message, for callers (the executor) that receive only an error
// value from a Spawner and must decide whether it is worth retrying.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassTransient
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentErrorMarkers {
		if strings.Contains(msg, marker) {
			return ErrorClassPermanent
		}
	}
	return ErrorClassTransient
}

var permanentErrorMarkers = []string{
	"permission denied",
	"invalid credentials",
	"unauthorized",
	"not found: repository",
	"malformed task",
}
