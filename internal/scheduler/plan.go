package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/d0labs/taskflow/internal/gate"
	"github.com/d0labs/taskflow/internal/invariant"
	"github.com/d0labs/taskflow/internal/store"
)

// ActionKind is the kind of mutation or side effect one planned Action
// represents, mirroring the pass that produced it.
type ActionKind string

const (
	ActionExpireLease    ActionKind = "expire_lease"
	ActionStaleHeartbeat ActionKind = "stale_heartbeat"
	ActionBlock          ActionKind = "block"
	ActionSLAViolation   ActionKind = "sla_violation"
	ActionGateEscalate   ActionKind = "gate_escalate"
	ActionPromote        ActionKind = "promote"
	ActionAssign         ActionKind = "assign"
	ActionAlert          ActionKind = "alert"
	ActionRequeue        ActionKind = "requeue"
)

// Action is one unit of work the execute pass will carry out.
type Action struct {
	Kind   ActionKind
	TaskID string
	Reason string
}

// Options configures one planning pass. Zero values fall back to the
// spec's documented defaults.
type Options struct {
	Now                  time.Time
	HeartbeatTTL         time.Duration
	DefaultSLA           time.Duration
	SLAFor               func(project string) time.Duration
	Workflows            map[string]gate.Workflow
	WorkflowFor          func(task *store.Task) (gate.Workflow, bool)
	MaxDispatchRetries   int
	DispatchRetryDelay   time.Duration
	SLAAlertInterval     time.Duration
	AvailableDispatchSlots int
}

func (o Options) withDefaults() Options {
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	if o.HeartbeatTTL <= 0 {
		o.HeartbeatTTL = 5 * time.Minute
	}
	if o.DefaultSLA <= 0 {
		o.DefaultSLA = 2 * time.Hour
	}
	if o.MaxDispatchRetries <= 0 {
		o.MaxDispatchRetries = 3
	}
	if o.DispatchRetryDelay <= 0 {
		o.DispatchRetryDelay = 5 * time.Minute
	}
	if o.SLAAlertInterval <= 0 {
		o.SLAAlertInterval = 30 * time.Minute
	}
	return o
}

// Plan is the full output of one scheduling cycle's planning passes:
// the ordered actions to execute, plus diagnostics useful to an
// operator even when no action was taken.
type Plan struct {
	Actions         []Action
	PromotionSkips  map[string]string // taskID -> reason not promoted
	StatusCounts    map[store.Status]int
	ResourceOwners  map[string]string // resource -> taskID
}

// Build runs the full per-cycle pass sequence over a snapshot of
// tasks and returns the actions the execute step should carry out.
// tasks must be a stable snapshot; Build itself never mutates a Task.
func Build(tasks []*store.Task, opts Options) *Plan {
	opts = opts.withDefaults()

	plan := &Plan{
		PromotionSkips: make(map[string]string),
		StatusCounts:   make(map[store.Status]int),
		ResourceOwners: make(map[string]string),
	}

	byID := make(map[string]*store.Task, len(tasks))
	childrenOf := make(map[string][]*store.Task)
	for _, t := range tasks {
		byID[t.ID] = t
		plan.StatusCounts[t.Status]++
		if t.ParentID != "" {
			childrenOf[t.ParentID] = append(childrenOf[t.ParentID], t)
		}
	}

	// 2. Expiries.
	for _, t := range tasks {
		if (t.Status == store.StatusInProgress || t.Status == store.StatusBlocked) && t.Lease != nil && t.Lease.Expired(opts.Now) {
			plan.Actions = append(plan.Actions, Action{Kind: ActionExpireLease, TaskID: t.ID, Reason: "lease expired"})
		}
	}

	// 3. Resource map.
	for _, t := range tasks {
		if t.Status == store.StatusInProgress && t.Resource != "" {
			plan.ResourceOwners[t.Resource] = t.ID
		}
	}

	// 4. Stale heartbeats.
	for _, t := range tasks {
		if t.Status != store.StatusInProgress {
			continue
		}
		last := t.Metadata.Time(store.MetaLastHeartbeatAt)
		if last.IsZero() && t.Lease != nil {
			last = t.Lease.AcquiredAt
		}
		if last.IsZero() {
			continue
		}
		if opts.Now.Sub(last) > opts.HeartbeatTTL {
			plan.Actions = append(plan.Actions, Action{Kind: ActionStaleHeartbeat, TaskID: t.ID, Reason: "no heartbeat within TTL"})
		}
	}

	// 5. Cycle detection via DFS over dependsOn. A backlog, ready,
	// in-progress or review task caught in a cycle is planned as a
	// block; a backlog one is also recorded as a promotion skip (step 8).
	cyclic := detectCycles(tasks, byID)
	for id := range cyclic {
		t := byID[id]
		if t == nil {
			continue
		}
		if t.Status == store.StatusBacklog || t.Status == store.StatusReady || t.Status == store.StatusInProgress || t.Status == store.StatusReview {
			plan.Actions = append(plan.Actions, Action{Kind: ActionBlock, TaskID: id, Reason: "dependency cycle detected"})
		}
	}

	// 6. SLA check, rate-limited per task.
	for _, t := range tasks {
		if t.Status != store.StatusInProgress {
			continue
		}
		sla := opts.DefaultSLA
		if opts.SLAFor != nil {
			if d := opts.SLAFor(t.Project); d > 0 {
				sla = d
			}
		}
		age := opts.Now.Sub(t.CreatedAt)
		if age <= sla {
			continue
		}
		lastAlert := t.Metadata.Time(store.MetaLastSLAAlertAt)
		if !lastAlert.IsZero() && opts.Now.Sub(lastAlert) < opts.SLAAlertInterval {
			continue
		}
		plan.Actions = append(plan.Actions, Action{Kind: ActionSLAViolation, TaskID: t.ID, Reason: fmt.Sprintf("in-progress for %s, exceeds SLA %s", age, sla)})
	}

	// 7. Gate timeouts.
	for _, t := range tasks {
		if t.Status != store.StatusInProgress || t.Gate == nil {
			continue
		}
		wf, ok := resolveWorkflow(t, opts)
		if !ok {
			continue
		}
		g, ok := wf.Gate(t.Gate.Current)
		if !ok || g.Timeout <= 0 {
			continue
		}
		if opts.Now.Sub(t.Gate.Entered) >= g.Timeout {
			if g.EscalateTo == "" {
				plan.Actions = append(plan.Actions, Action{Kind: ActionAlert, TaskID: t.ID, Reason: fmt.Sprintf("gate %q exceeded timeout %s with no escalateTo", g.Name, g.Timeout)})
				continue
			}
			plan.Actions = append(plan.Actions, Action{Kind: ActionGateEscalate, TaskID: t.ID, Reason: fmt.Sprintf("gate %q exceeded timeout %s", g.Name, g.Timeout)})
		}
	}

	// 8. Backlog promotion.
	for _, t := range tasks {
		if t.Status != store.StatusBacklog {
			continue
		}
		if cyclic[t.ID] {
			plan.PromotionSkips[t.ID] = "Dependency cycle detected"
			continue
		}
		if reason, eligible := promotionReason(t, byID, childrenOf); !eligible {
			plan.PromotionSkips[t.ID] = reason
		} else {
			plan.Actions = append(plan.Actions, Action{Kind: ActionPromote, TaskID: t.ID, Reason: "promotion eligible"})
		}
	}

	// 9. Dispatch planning: ready tasks in priority/creation order,
	// bounded by available concurrency slots and resource/lease
	// conflicts. Acting on a promote from this same cycle is left to
	// the next cycle, since promotion itself only happens at execute
	// time.
	ready := filterStatus(tasks, store.StatusReady)
	sortDispatchOrder(ready)
	initialSlots := opts.AvailableDispatchSlots
	slots := initialSlots
	dispatched := 0
	busyResources := make(map[string]bool)
	for res := range plan.ResourceOwners {
		busyResources[res] = true
	}
	for _, t := range ready {
		if cyclic[t.ID] {
			continue
		}
		if !subtasksDone(t, childrenOf) {
			continue
		}
		if t.Lease != nil && !t.Lease.Expired(opts.Now) {
			continue
		}
		if t.Resource != "" && busyResources[t.Resource] {
			invariant.ResourceExclusion(true, t.Resource, t.ID, plan.ResourceOwners[t.Resource])
			continue
		}
		if !t.HasSingleRoutingTarget() && t.Routing.Agent == "" && t.Routing.Role == "" && t.Routing.Team == "" {
			plan.Actions = append(plan.Actions, Action{Kind: ActionAlert, TaskID: t.ID, Reason: "no routing target"})
			continue
		}
		if slots <= 0 {
			continue
		}
		if t.Routing.Agent != "" {
			plan.Actions = append(plan.Actions, Action{Kind: ActionAssign, TaskID: t.ID, Reason: "dispatch to " + t.Routing.Agent})
			if t.Resource != "" {
				invariant.ResourceExclusion(!busyResources[t.Resource], t.Resource, t.ID, t.ID)
				busyResources[t.Resource] = true
			}
			slots--
			dispatched++
		} else {
			plan.Actions = append(plan.Actions, Action{Kind: ActionAlert, TaskID: t.ID, Reason: "tag/role-only routing, no concrete target"})
		}
	}
	invariant.ConcurrencyCap(dispatched <= initialSlots, dispatched, initialSlots)

	// 10. Unblock recovery.
	for _, t := range tasks {
		if t.Status != store.StatusBlocked {
			continue
		}
		if t.Metadata.String(store.MetaBlockReason) != "" && isSpawnFailure(t) {
			continue // handled by step 11 instead
		}
		if allDepsDone(t, byID) && subtasksDone(t, childrenOf) {
			plan.Actions = append(plan.Actions, Action{Kind: ActionRequeue, TaskID: t.ID, Reason: "dependencies and subtasks complete"})
		}
	}

	// 11. Dispatch-failure retry.
	for _, t := range tasks {
		if t.Status != store.StatusBlocked || !isSpawnFailure(t) {
			continue
		}
		retryCount := t.Metadata.Int(store.MetaRetryCount, 0)
		lastBlocked := t.Metadata.Time(store.MetaLastBlockedAt)
		if lastBlocked.IsZero() {
			lastBlocked = t.LastTransitionAt
		}
		if retryCount >= opts.MaxDispatchRetries {
			plan.Actions = append(plan.Actions, Action{Kind: ActionAlert, TaskID: t.ID, Reason: "dispatch retries exhausted"})
			continue
		}
		if opts.Now.Sub(lastBlocked) >= opts.DispatchRetryDelay {
			plan.Actions = append(plan.Actions, Action{Kind: ActionRequeue, TaskID: t.ID, Reason: "retry after dispatch failure"})
		}
	}

	return plan
}

func resolveWorkflow(t *store.Task, opts Options) (gate.Workflow, bool) {
	if opts.WorkflowFor != nil {
		return opts.WorkflowFor(t)
	}
	if opts.Workflows == nil {
		return gate.Workflow{}, false
	}
	wf, ok := opts.Workflows[t.Project]
	return wf, ok
}

func isSpawnFailure(t *store.Task) bool {
	return strings.HasPrefix(t.Metadata.String(store.MetaBlockReason), "spawn_failed")
}

func filterStatus(tasks []*store.Task, status store.Status) []*store.Task {
	var out []*store.Task
	for _, t := range tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// sortDispatchOrder orders ready tasks by priority rank then creation
// time, the same FIFO-within-priority tiebreak the store uses for its
// own listing order.
func sortDispatchOrder(tasks []*store.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		pi, pj := priorityRank(tasks[i].Priority), priorityRank(tasks[j].Priority)
		if pi != pj {
			return pi < pj
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

func priorityRank(p store.Priority) int {
	switch p {
	case store.PriorityCritical:
		return 0
	case store.PriorityHigh:
		return 1
	case store.PriorityLow:
		return 3
	default:
		return 2
	}
}

func allDepsDone(t *store.Task, byID map[string]*store.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := byID[dep]
		if !ok || d.Status != store.StatusDone {
			return false
		}
	}
	return true
}

func subtasksDone(t *store.Task, childrenOf map[string][]*store.Task) bool {
	for _, child := range childrenOf[t.ID] {
		if child.Status != store.StatusDone {
			return false
		}
	}
	return true
}

// promotionReason reports whether t is promotion-eligible per
// promotion rules, and when not, a human-readable diagnostic.
func promotionReason(t *store.Task, byID map[string]*store.Task, childrenOf map[string][]*store.Task) (reason string, eligible bool) {
	for _, dep := range t.DependsOn {
		d, ok := byID[dep]
		if !ok || d.Status != store.StatusDone {
			return "Missing dependency", false
		}
	}
	pending := 0
	for _, child := range childrenOf[t.ID] {
		if child.Status != store.StatusDone {
			pending++
		}
	}
	if pending > 0 {
		return fmt.Sprintf("Waiting on %d subtask(s)", pending), false
	}
	if !t.HasSingleRoutingTarget() {
		return "No routing target", false
	}
	if t.Lease != nil {
		return "Active lease (corrupted state?)", false
	}
	return "", true
}

// detectCycles runs DFS over dependsOn edges and returns the set of
// task IDs that participate in a cycle.
func detectCycles(tasks []*store.Task, byID map[string]*store.Task) map[string]bool {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(tasks))
	cyclic := make(map[string]bool)

	var visit func(id string, stack []string) bool
	visit = func(id string, stack []string) bool {
		switch state[id] {
		case visiting:
			for _, s := range stack {
				cyclic[s] = true
			}
			cyclic[id] = true
			return true
		case done:
			return false
		}
		state[id] = visiting
		t, ok := byID[id]
		if ok {
			for _, dep := range t.DependsOn {
				if visit(dep, append(stack, id)) {
					cyclic[id] = true
				}
			}
		}
		state[id] = done
		return cyclic[id]
	}

	for _, t := range tasks {
		if state[t.ID] == unvisited {
			visit(t.ID, nil)
		}
	}
	return cyclic
}
