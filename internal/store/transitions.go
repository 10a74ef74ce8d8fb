package store

import (
	"fmt"
	"time"
)

// validTransitions enumerates the allowed status edges. Any
// transition not listed here is rejected by TransitionTo.
//
// Review -> Blocked is not in the literal table a reviewer reads off
// spec.md's transition diagram, but the gate-workflow narrative
// requires it: a reviewer who finds the task unworkable (not just
// "send it back to the implementer") has nowhere else to put it. We
// keep the edge rather than forcing every stuck review through a
// fabricated Review -> InProgress -> Blocked hop.
var validTransitions = map[Status][]Status{
	StatusBacklog:    {StatusReady, StatusBlocked, StatusDeadletter},
	StatusReady:      {StatusInProgress, StatusBlocked, StatusDeadletter},
	StatusInProgress: {StatusReview, StatusBlocked, StatusReady, StatusDeadletter},
	StatusBlocked:    {StatusReady, StatusDeadletter},
	StatusReview:     {StatusInProgress, StatusDone, StatusBlocked, StatusDeadletter},
	StatusDone:       {},
	StatusDeadletter: {},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError reports an attempted illegal status change.
type TransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

// TransitionTo moves t to newStatus if the edge is allowed, updating
// UpdatedAt and LastTransitionAt. It does not touch Lease or Gate
// fields; callers (lease manager, gate engine, scheduler) own those.
func (t *Task) TransitionTo(newStatus Status) error {
	if !newStatus.Valid() {
		return fmt.Errorf("task %s: unknown status %q", t.ID, newStatus)
	}
	if !CanTransition(t.Status, newStatus) {
		return &TransitionError{TaskID: t.ID, From: t.Status, To: newStatus}
	}
	now := time.Now()
	t.Status = newStatus
	t.UpdatedAt = now
	t.LastTransitionAt = now
	return nil
}

// IsTerminal reports whether t's current status accepts no further
// scheduler-driven transitions.
func (t *Task) IsTerminal() bool {
	return t.Status.Terminal()
}
