package gate

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/d0labs/taskflow/internal/events"
	"github.com/d0labs/taskflow/internal/invariant"
	"github.com/d0labs/taskflow/internal/store"
)

// Engine drives a task through a Workflow's gates: computing the
// next applicable gate (skipping those whose "when" condition does
// not match), recording history, handling rejection loopback, and
// flagging timed-out gates for escalation.
type Engine struct {
	bus     *events.Bus
	logger  *slog.Logger
	nowFunc func() time.Time
}

// New constructs an Engine publishing gate lifecycle events to bus.
func New(bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{bus: bus, logger: logger, nowFunc: time.Now}
}

func (e *Engine) now() time.Time {
	if e.nowFunc != nil {
		return e.nowFunc()
	}
	return time.Now()
}

// EnterFirstGate places t at the first applicable gate of wf,
// skipping any whose "when" condition does not match the task's
// metadata. Called once when a task enters review.
func (e *Engine) EnterFirstGate(t *store.Task, wf Workflow) error {
	fields := metadataFields(t)
	for _, g := range wf.Gates {
		if g.When != nil && !g.When.Matches(fields) {
			continue
		}
		return e.enter(t, g)
	}
	return fmt.Errorf("enter first gate: no applicable gate in workflow %s for task %s", wf.Name, t.ID)
}

// Advance records the current gate's outcome in history and moves t
// to the next applicable gate, or reports done if none remain.
func (e *Engine) Advance(t *store.Task, wf Workflow, outcome string, agent, summary string) (done bool, err error) {
	if t.Gate == nil {
		return false, fmt.Errorf("advance: task %s has no active gate", t.ID)
	}
	current, ok := wf.Gate(t.Gate.Current)
	if !ok {
		return false, fmt.Errorf("advance: task %s is at unknown gate %s", t.ID, t.Gate.Current)
	}
	e.recordHistory(t, current, outcome, agent, summary, nil)
	t.ReviewContext = nil

	idx := wf.Index(current.Name)
	fields := metadataFields(t)
	for i := idx + 1; i < len(wf.Gates); i++ {
		g := wf.Gates[i]
		if g.When != nil && !g.When.Matches(fields) {
			continue
		}
		if err := e.enter(t, g); err != nil {
			return false, err
		}
		return false, nil
	}

	t.Gate = nil
	return true, nil
}

// Reject loops t back to the rejecting gate's onReject target (or the
// gate itself if unset), recording the rejection reason in
// ReviewContext for the target gate's agent to see.
func (e *Engine) Reject(t *store.Task, wf Workflow, blockers []string, notes, agent string) error {
	if t.Gate == nil {
		return fmt.Errorf("reject: task %s has no active gate", t.ID)
	}
	current, ok := wf.Gate(t.Gate.Current)
	if !ok {
		return fmt.Errorf("reject: task %s is at unknown gate %s", t.ID, t.Gate.Current)
	}
	if !current.CanReject {
		return fmt.Errorf("reject: gate %s does not allow rejection", current.Name)
	}

	target := current.OnReject
	if target == "" {
		target = current.Name
	}
	targetGate, ok := wf.Gate(target)
	if !ok {
		return fmt.Errorf("reject: onReject target %s not found in workflow %s", target, wf.Name)
	}

	e.recordHistory(t, current, "rejected", agent, notes, blockers)
	t.ReviewContext = &store.ReviewContext{
		FromGate: current.Name,
		Agent:    agent,
		Blockers: blockers,
		Notes:    notes,
	}
	return e.enter(t, targetGate)
}

// CheckTimeout reports whether t's current gate has exceeded g's
// configured timeout. A zero Timeout means the gate never times out.
func (e *Engine) CheckTimeout(t *store.Task, g Gate) bool {
	if t.Gate == nil || g.Timeout <= 0 {
		return false
	}
	return e.now().Sub(t.Gate.Entered) >= g.Timeout
}

// Escalate records a timeout against the current gate and moves the
// task to its escalateTo gate, or returns an error if none is
// configured. The scheduler plans an alert instead of an escalation
// for a timed-out gate with no escalateTo.
func (e *Engine) Escalate(t *store.Task, wf Workflow) error {
	if t.Gate == nil {
		return fmt.Errorf("escalate: task %s has no active gate", t.ID)
	}
	current, ok := wf.Gate(t.Gate.Current)
	if !ok {
		return fmt.Errorf("escalate: task %s is at unknown gate %s", t.ID, t.Gate.Current)
	}
	if current.EscalateTo == "" {
		return fmt.Errorf("escalate: gate %s has no escalateTo configured", current.Name)
	}
	target, ok := wf.Gate(current.EscalateTo)
	if !ok {
		return fmt.Errorf("escalate: escalateTo target %s not found in workflow %s", current.EscalateTo, wf.Name)
	}
	e.recordHistory(t, current, "timed_out", "", "", nil)
	e.bus.Publish(events.New(events.TypeGateTimedOut, "gate", t.ID, "all", events.PriorityHigh, map[string]any{
		"gate": current.Name, "escalateTo": target.Name,
	}))
	return e.enter(t, target)
}

// Block records the current gate as blocked without looping back to
// any earlier gate, for a reviewer who finds the task unworkable
// rather than merely needing rework by its implementer. The caller is
// responsible for moving t.Status to blocked; Block only clears the
// active gate reference and records the history entry.
func (e *Engine) Block(t *store.Task, wf Workflow, reason, agent string) error {
	if t.Gate == nil {
		return fmt.Errorf("block: task %s has no active gate", t.ID)
	}
	current, ok := wf.Gate(t.Gate.Current)
	if !ok {
		return fmt.Errorf("block: task %s is at unknown gate %s", t.ID, t.Gate.Current)
	}
	e.recordHistory(t, current, "blocked", agent, reason, nil)
	t.Gate = nil
	return nil
}

func (e *Engine) enter(t *store.Task, g Gate) error {
	now := e.now()
	t.Gate = &store.GateRef{Current: g.Name, Entered: now}
	e.bus.Publish(events.New(events.TypeGateEntered, "gate", t.ID, "all", events.PriorityNormal, map[string]any{
		"gate": g.Name, "role": g.Role,
	}))
	return nil
}

func (e *Engine) recordHistory(t *store.Task, g Gate, outcome, agent, summary string, blockers []string) {
	entered := t.Gate.Entered
	exited := e.now()
	entry := store.GateHistoryEntry{
		Gate:     g.Name,
		Role:     g.Role,
		Entered:  entered,
		Exited:   exited,
		Outcome:  outcome,
		Agent:    agent,
		Summary:  summary,
		Blockers: blockers,
		Duration: exited.Sub(entered),
	}
	jitter := time.Millisecond
	ordered := !entered.After(exited)
	if n := len(t.GateHistory); n > 0 {
		prev := t.GateHistory[n-1]
		ordered = ordered && !prev.Exited.After(entered.Add(jitter))
	}
	invariant.GateHistoryMonotonic(ordered, t.ID, g.Name)
	t.GateHistory = append(t.GateHistory, entry)

	typ := events.TypeGateApproved
	switch outcome {
	case "rejected":
		typ = events.TypeGateRejected
	case "blocked":
		typ = events.TypeTaskBlocked
	}
	e.bus.Publish(events.New(typ, "gate", t.ID, "all", events.PriorityNormal, map[string]any{
		"gate": g.Name, "agent": agent, "outcome": outcome,
	}))
}

func metadataFields(t *store.Task) map[string]string {
	fields := map[string]string{
		"status":   string(t.Status),
		"priority": string(t.Priority),
		"role":     t.Routing.Role,
	}
	for k, v := range t.Metadata {
		if s, ok := v.(string); ok {
			fields["metadata."+k] = s
		}
	}
	return fields
}
