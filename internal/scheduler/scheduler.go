package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/d0labs/taskflow/internal/deadletter"
	"github.com/d0labs/taskflow/internal/events"
	"github.com/d0labs/taskflow/internal/executor"
	"github.com/d0labs/taskflow/internal/gate"
	"github.com/d0labs/taskflow/internal/lease"
	"github.com/d0labs/taskflow/internal/store"
)

// DefaultPollInterval is how often Scheduler runs a cycle absent an
// explicit configured interval, matching the teacher's 30-second
// orchestration cadence.
const DefaultPollInterval = 30 * time.Second

// Config configures a Scheduler's behavior across every cycle.
type Config struct {
	PollInterval         time.Duration
	ConcurrencyMax       int
	HeartbeatTTL         time.Duration
	DefaultSLA           time.Duration
	SLAFor               func(project string) time.Duration
	Workflows            map[string]gate.Workflow
	WorkflowFor          func(task *store.Task) (gate.Workflow, bool)
	MaxDispatchRetries   int
	DispatchRetryDelay   time.Duration
	SpawnTimeout         time.Duration
	DryRun               bool
}

// Scheduler runs the periodic planning-and-execution cycle that
// drives tasks through the lifecycle without a human operator:
// expiring leases, detecting stale agents, promoting eligible backlog
// work, dispatching ready work, and retrying recoverable failures.
type Scheduler struct {
	tasks    *store.Store
	leases   *lease.Manager
	bus      *events.Bus
	gates    *gate.Engine
	tracker  *deadletter.Tracker
	exec     *executor.Executor
	cfg      Config
	cap      *concurrencyCap
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// New constructs a Scheduler.
func New(tasks *store.Store, leases *lease.Manager, bus *events.Bus, gates *gate.Engine, tracker *deadletter.Tracker, exec *executor.Executor, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Scheduler{
		tasks:   tasks,
		leases:  leases,
		bus:     bus,
		gates:   gates,
		tracker: tracker,
		exec:    exec,
		cfg:     cfg,
		cap:     newConcurrencyCap(cfg.ConcurrencyMax),
		logger:  logger,
		nowFunc: time.Now,
	}
}

// SetClock overrides the scheduler's time source, for deterministic
// tests of SLA and heartbeat timing.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.nowFunc = now
}

// Run starts the ticker-driven poll loop and blocks until ctx is
// canceled. It runs one cycle immediately on entry, mirroring the
// teacher's "first cycle fires before the first tick" behavior so a
// freshly started daemon doesn't sit idle for a full interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle executes exactly one plan-then-execute pass and publishes
// a summary event. Exported so callers such as tests can drive cycles
// without a ticker.
func (s *Scheduler) RunCycle(ctx context.Context) {
	start := s.nowFunc()
	tasks := s.tasks.List()

	// Tasks already in progress occupy slots under the effective cap.
	slots := s.cap.Effective()
	for _, t := range tasks {
		if t.Status == store.StatusInProgress {
			slots--
		}
	}
	if slots < 0 {
		slots = 0
	}

	plan := Build(tasks, Options{
		Now:                    start,
		HeartbeatTTL:           s.cfg.HeartbeatTTL,
		DefaultSLA:             s.cfg.DefaultSLA,
		SLAFor:                 s.cfg.SLAFor,
		Workflows:              s.cfg.Workflows,
		WorkflowFor:            s.cfg.WorkflowFor,
		MaxDispatchRetries:     s.cfg.MaxDispatchRetries,
		DispatchRetryDelay:     s.cfg.DispatchRetryDelay,
		AvailableDispatchSlots: slots,
	})

	executed := 0
	var lastErr error
	if !s.cfg.DryRun {
		for _, action := range plan.Actions {
			if err := s.execute(ctx, action); err != nil {
				lastErr = err
				s.logger.Warn("scheduler action failed", "kind", action.Kind, "task", action.TaskID, "err", err)
				continue
			}
			executed++
		}
	}

	reason := ""
	switch {
	case len(tasks) == 0:
		reason = "no_tasks"
	case len(plan.Actions) == 0:
		reason = "no_ready_tasks"
	case s.cfg.DryRun:
		reason = "dry_run_mode"
	case executed == 0 && lastErr != nil:
		reason = "action_failed"
	case executed == 0:
		reason = "alert_only"
	}

	s.bus.Publish(events.New(events.TypeSchedulerPoll, "scheduler", "", "all", events.PriorityLow, map[string]any{
		"planned":      len(plan.Actions),
		"executed":     executed,
		"statusCounts": plan.StatusCounts,
		"reason":       reason,
		"cycleDuration": s.nowFunc().Sub(start).String(),
		"effectiveCap": s.cap.Effective(),
	}))
}

func (s *Scheduler) execute(ctx context.Context, a Action) error {
	switch a.Kind {
	case ActionExpireLease:
		if _, err := s.leases.Expire(a.TaskID); err != nil {
			return fmt.Errorf("expire lease: %w", err)
		}
		t, _ := s.tasks.Get(a.TaskID)
		if t != nil && t.Status == store.StatusInProgress {
			if _, err := s.tasks.Transition(a.TaskID, store.StatusReady); err != nil {
				return fmt.Errorf("requeue after lease expiry: %w", err)
			}
		}
		return nil

	case ActionStaleHeartbeat:
		// An expiry earlier in this cycle may already have requeued it.
		if t, ok := s.tasks.Get(a.TaskID); !ok || t.Status != store.StatusInProgress {
			return nil
		}
		_, err := s.tasks.Update(a.TaskID, func(t *store.Task) error {
			t.Metadata.Set(store.MetaBlockReason, "stale heartbeat")
			t.Metadata.SetTime(store.MetaLastBlockedAt, s.nowFunc())
			return t.TransitionTo(store.StatusBlocked)
		})
		if err != nil {
			return fmt.Errorf("stale heartbeat: %w", err)
		}
		if t, _ := s.tasks.Get(a.TaskID); t != nil && t.Lease != nil {
			_, _ = s.leases.Expire(a.TaskID)
		}
		return nil

	case ActionBlock:
		_, err := s.tasks.Update(a.TaskID, func(t *store.Task) error {
			t.Metadata.Set(store.MetaBlockReason, a.Reason)
			t.Metadata.SetTime(store.MetaLastBlockedAt, s.nowFunc())
			if t.Status == store.StatusBlocked {
				return nil
			}
			return t.TransitionTo(store.StatusBlocked)
		})
		if err != nil {
			return fmt.Errorf("block: %w", err)
		}
		return nil

	case ActionSLAViolation:
		_, err := s.tasks.Update(a.TaskID, func(t *store.Task) error {
			t.Metadata.SetTime(store.MetaLastSLAAlertAt, s.nowFunc())
			return nil
		})
		if err != nil {
			return fmt.Errorf("sla alert: %w", err)
		}
		s.bus.Publish(events.New(events.TypeSLAViolation, "scheduler", a.TaskID, "all", events.PriorityHigh, map[string]any{"reason": a.Reason}))
		return nil

	case ActionGateEscalate:
		current, ok := s.tasks.Get(a.TaskID)
		if !ok {
			return fmt.Errorf("gate escalate: task %s not found", a.TaskID)
		}
		wf, ok := resolveWorkflow(current, Options{Workflows: s.cfg.Workflows, WorkflowFor: s.cfg.WorkflowFor})
		if !ok {
			return fmt.Errorf("gate escalate: no workflow for task %s", a.TaskID)
		}
		_, err := s.tasks.Update(a.TaskID, func(t *store.Task) error {
			return s.gates.Escalate(t, wf)
		})
		if err != nil {
			return fmt.Errorf("gate escalate: %w", err)
		}
		return nil

	case ActionPromote:
		_, err := s.tasks.Transition(a.TaskID, store.StatusReady)
		if err != nil {
			return fmt.Errorf("promote: %w", err)
		}
		return nil

	case ActionAssign:
		t, ok := s.tasks.Get(a.TaskID)
		if !ok {
			return fmt.Errorf("assign: task %s not found", a.TaskID)
		}
		throttled, err := s.exec.Dispatch(ctx, t, t.Routing.Agent, executor.SpawnOptions{Timeout: s.cfg.SpawnTimeout})
		if err != nil {
			return fmt.Errorf("assign: %w", err)
		}
		if throttled {
			s.cap.Lower()
		} else if _, terr := s.tasks.Transition(a.TaskID, store.StatusInProgress); terr != nil {
			return fmt.Errorf("assign: transition to in-progress: %w", terr)
		}
		return nil

	case ActionAlert:
		s.bus.Publish(events.New(events.TypeSchedulerAlert, "scheduler", a.TaskID, "all", events.PriorityHigh, map[string]any{"reason": a.Reason}))
		return nil

	case ActionRequeue:
		_, err := s.tasks.Update(a.TaskID, func(t *store.Task) error {
			t.Metadata.Set(store.MetaRetryCount, t.Metadata.Int(store.MetaRetryCount, 0)+1)
			return t.TransitionTo(store.StatusReady)
		})
		if err != nil {
			return fmt.Errorf("requeue: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// Cap exposes the scheduler's effective concurrency ceiling, mainly
// for tests and operator diagnostics.
func (s *Scheduler) Cap() int {
	return s.cap.Effective()
}
