// Package invariant collects the guarded runtime assertions that
// back the quantified properties the scheduler, store, and gate
// engine are supposed to hold. Every call is a no-op outside an
// Antithesis fuzzing run — antithesis-sdk-go's default build emits
// nothing and never touches control flow — so these read as inline
// documentation of the invariant the surrounding code just upheld.
package invariant

import "github.com/antithesishq/antithesis-sdk-go/assert"

// StatusCoverage asserts that every task read back from the store has
// a status drawn from the enumerated set.
func StatusCoverage(valid bool, taskID, status string) {
	assert.Always(valid, "task status is one of the enumerated statuses", map[string]any{
		"taskId": taskID, "status": status,
	})
}

// SingleWriter asserts that at most one status directory holds a file
// for a given task id at any point in time.
func SingleWriter(ok bool, taskID string, foundIn []string) {
	assert.Always(ok, "at most one directory entry exists per task id", map[string]any{
		"taskId": taskID, "foundIn": foundIn,
	})
}

// TransitionSafety asserts that a completed status change followed an
// edge in the allowed-transitions graph.
func TransitionSafety(ok bool, taskID, from, to string) {
	assert.Always(ok, "transition followed the allowed-transitions graph", map[string]any{
		"taskId": taskID, "from": from, "to": to,
	})
}

// ResourceExclusion asserts that dispatch planning never assigns two
// in-progress tasks to the same exclusive resource.
func ResourceExclusion(ok bool, resource, taskID, owner string) {
	assert.Always(ok, "at most one in-progress task holds a given resource", map[string]any{
		"resource": resource, "taskId": taskID, "owner": owner,
	})
}

// ConcurrencyCap asserts a poll cycle never dispatches more tasks
// than the slots the effective cap made available.
func ConcurrencyCap(ok bool, dispatched, availableSlots int) {
	assert.Always(ok, "dispatched count never exceeds available slots", map[string]any{
		"dispatched": dispatched, "availableSlots": availableSlots,
	})
}

// DeadletterThreshold asserts a task is only auto-deadlettered via
// the failure-count path once it has actually reached the threshold.
func DeadletterThreshold(ok bool, taskID string, failures, threshold int) {
	assert.Always(ok, "deadletter via max-failures only fires at or past the threshold", map[string]any{
		"taskId": taskID, "dispatchFailures": failures, "threshold": threshold,
	})
}

// GateHistoryMonotonic asserts that a newly recorded gate history
// entry's entered/exited timestamps do not run backwards relative to
// the entry recorded before it.
func GateHistoryMonotonic(ok bool, taskID, gate string) {
	assert.Always(ok, "gate history entries are monotonically ordered", map[string]any{
		"taskId": taskID, "gate": gate,
	})
}
