package protocol

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/d0labs/taskflow/internal/events"
	"github.com/d0labs/taskflow/internal/lease"
	"github.com/d0labs/taskflow/internal/runresult"
	"github.com/d0labs/taskflow/internal/store"
)

// Router dispatches inbound envelopes to the handler for their type,
// holding a per-task mutex so two envelopes for the same task never
// race each other through a handler, while envelopes for different
// tasks proceed concurrently. Generalizes the single global mutex the
// teacher's persistence store used for all state into a lock scoped
// to the task actually being touched.
type Router struct {
	tasks  *store.Store
	leases *lease.Manager
	bus    *events.Bus
	logger *slog.Logger
	runs   *runresult.Store

	taskLocksMu sync.Mutex
	taskLocks   map[string]*sync.Mutex
}

// SetRunStore attaches a run result store so completion reports are
// persisted as artifacts in addition to updating the task record. A
// Router with no run store skips artifact writing entirely, useful in
// tests that only care about task-state transitions.
func (r *Router) SetRunStore(rs *runresult.Store) {
	r.runs = rs
}

// New constructs a Router over the given task store, lease manager,
// and event bus.
func New(tasks *store.Store, leases *lease.Manager, bus *events.Bus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		tasks:     tasks,
		leases:    leases,
		bus:       bus,
		logger:    logger,
		taskLocks: make(map[string]*sync.Mutex),
	}
}

func (r *Router) lockFor(taskID string) *sync.Mutex {
	r.taskLocksMu.Lock()
	defer r.taskLocksMu.Unlock()
	m, ok := r.taskLocks[taskID]
	if !ok {
		m = &sync.Mutex{}
		r.taskLocks[taskID] = m
	}
	return m
}

// Route validates env, authorizes the sender against the task's
// current lease/routing, locks the task, and dispatches to the
// handler for env.Type.
func (r *Router) Route(env *Envelope) error {
	if env.Type == TypeSessionEnd && env.TaskID == "" {
		r.ReconcileSessionEnd()
		return nil
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("route envelope: %w", err)
	}

	mu := r.lockFor(env.TaskID)
	mu.Lock()
	defer mu.Unlock()

	t, ok := r.tasks.Get(env.TaskID)
	if !ok {
		return fmt.Errorf("route envelope: task %s not found", env.TaskID)
	}
	r.publish(events.TypeProtocolMessageReceived, t, map[string]any{"kind": string(env.Type), "from": env.Agent})
	if err := r.authorize(t, env); err != nil {
		return err
	}

	switch env.Type {
	case TypeCompletionReport:
		return r.handleCompletionReport(t, env)
	case TypeStatusUpdate:
		return r.handleStatusUpdate(t, env)
	case TypeHandoffRequest:
		return r.handleHandoffRequest(t, env)
	case TypeHandoffAccepted:
		return r.handleHandoffAccepted(t, env)
	case TypeHandoffRejected:
		return r.handleHandoffRejected(t, env)
	case TypeSessionEnd:
		return r.handleSessionEnd(t, env)
	default:
		return fmt.Errorf("route envelope: unhandled type %s", env.Type)
	}
}

// authorize enforces that env.Agent is either the current lease
// holder or, absent a lease, the task's routing.agent. A handoff
// answer (accepted/rejected) is instead expected from the agent the
// pending handoff names, when it names one.
func (r *Router) authorize(t *store.Task, env *Envelope) error {
	expected := ""
	if t.Lease != nil {
		expected = t.Lease.Agent
	} else if t.Routing.Agent != "" {
		expected = t.Routing.Agent
	}
	if env.Type == TypeHandoffAccepted || env.Type == TypeHandoffRejected {
		if to := t.Metadata.String("pendingHandoffTo"); to != "" {
			expected = to
		}
	}
	if expected == "" {
		// No lease and no pinned routing agent: any agent may act,
		// e.g. the first report against a freshly-dispatched task
		// whose lease is acquired as part of handling it.
		return nil
	}
	if env.Agent != expected {
		return fmt.Errorf("authorize: agent %s is not authorized for task %s (expected %s)", env.Agent, t.ID, expected)
	}
	return nil
}

func (r *Router) publish(typ events.Type, t *store.Task, payload map[string]any) {
	r.bus.Publish(events.New(typ, "protocol", t.ID, "all", events.PriorityNormal, payload))
}

// ReconcileSessionEnd sweeps every in-progress task looking for a run
// result artifact that was written but never reconciled into the
// task's status, e.g. because the daemon crashed between the
// executor's spawn returning and the agent's own session_end
// reaching the router. Tasks with no artifact are left untouched for
// the scheduler's stale-heartbeat path to eventually reclaim.
func (r *Router) ReconcileSessionEnd() {
	if r.runs == nil {
		return
	}
	for _, t := range r.tasks.ListByStatus(store.StatusInProgress) {
		result, ok, err := r.runs.Read(t.ID)
		if err != nil {
			r.logger.Warn("failed to read run result during session_end reconciliation", "task", t.ID, "err", err)
			continue
		}
		if !ok {
			continue
		}

		mu := r.lockFor(t.ID)
		mu.Lock()
		current, stillOpen := r.tasks.Get(t.ID)
		if stillOpen && current.Status == store.StatusInProgress {
			if err := r.applyCompletionOutcome(current, result.Agent, Outcome(string(result.Outcome)), result.Summary, result.Blockers, nil); err != nil {
				r.logger.Warn("failed to reconcile session_end run result", "task", t.ID, "err", err)
			} else {
				r.logger.Info("reconciled orphaned run result on session_end", "task", t.ID, "agent", result.Agent, "outcome", result.Outcome)
			}
		}
		mu.Unlock()

		if err := r.runs.Clear(t.ID); err != nil {
			r.logger.Warn("failed to clear reconciled run result", "task", t.ID, "err", err)
		}
	}
}
