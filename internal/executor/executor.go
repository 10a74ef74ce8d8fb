package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/d0labs/taskflow/internal/deadletter"
	"github.com/d0labs/taskflow/internal/events"
	"github.com/d0labs/taskflow/internal/lease"
	"github.com/d0labs/taskflow/internal/store"
)

// Executor carries out one dispatch decision: acquire a lease,
// invoke the Spawner, classify the result, and record the outcome.
// Rate limiting is applied per executor instance via a token-bucket
// limiter, the idiomatic choice in the retrieval pack for throttling
// dispatch rate independent of the scheduler's own poll cadence.
type Executor struct {
	tasks    *store.Store
	spawner  Spawner
	leases   *lease.Manager
	renewals *lease.RenewalRegistry
	tracker  *deadletter.Tracker
	bus      *events.Bus
	logger   *slog.Logger
	limiter  *rate.Limiter
	leaseTTL time.Duration
}

// Options configures throttling applied across all dispatches issued
// by one Executor.
type Options struct {
	// MinDispatchInterval is the minimum spacing between successive
	// spawns, enforced via a token-bucket limiter with burst 1.
	MinDispatchInterval time.Duration
	SpawnTimeout        time.Duration
	// LeaseTTL is the TTL a dispatched lease is acquired with; the
	// renewal registry (if set) renews at half this interval.
	LeaseTTL time.Duration
}

// New constructs an Executor. renewals may be nil, in which case
// dispatched leases rely solely on agent status.update heartbeats
// and the scheduler's expiry sweep to stay current.
func New(tasks *store.Store, spawner Spawner, leases *lease.Manager, renewals *lease.RenewalRegistry, tracker *deadletter.Tracker, bus *events.Bus, opts Options, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if opts.MinDispatchInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.MinDispatchInterval), 1)
	}
	return &Executor{
		tasks:    tasks,
		spawner:  spawner,
		leases:   leases,
		renewals: renewals,
		tracker:  tracker,
		bus:      bus,
		logger:   logger,
		limiter:  limiter,
		leaseTTL: opts.LeaseTTL,
	}
}

// Dispatch acquires a lease on t for agent, invokes the spawner, and
// records the outcome. It returns an error only for conditions the
// caller (the scheduler) should treat as a failed dispatch attempt;
// a platform-limit throttle is reported via the returned bool rather
// than as an error, since it is not a fault of this particular task.
func (e *Executor) Dispatch(ctx context.Context, t *store.Task, agent string, opts SpawnOptions) (throttled bool, err error) {
	if e.limiter != nil && !e.limiter.Allow() {
		e.bus.Publish(events.New(events.TypeDispatchThrottled, "executor", t.ID, "all", events.PriorityNormal, nil))
		return true, nil
	}

	if _, err := e.leases.Acquire(t.ID, agent); err != nil {
		return false, fmt.Errorf("dispatch %s: %w", t.ID, err)
	}

	correlationID := uuid.New().String()
	opts.CorrelationId = correlationID
	if updated, err := e.tasks.Update(t.ID, func(t *store.Task) error {
		t.Metadata.Set(store.MetaCorrelationID, correlationID)
		return nil
	}); err != nil {
		e.logger.Warn("failed to persist correlation id", "task", t.ID, "err", err)
	} else {
		t = updated
	}

	spawnCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		spawnCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	tc := TaskContext{
		TaskID:   t.ID,
		Project:  t.Project,
		Title:    t.Title,
		Body:     t.Body,
		Agent:    agent,
		Role:     t.Routing.Role,
		Resource: t.Resource,
		Metadata: map[string]any(t.Metadata),
		Attempt:  t.Metadata.Int(store.MetaDispatchFailures, 0) + 1,
	}
	if t.Gate != nil {
		tc.GateName = t.Gate.Current
	}

	result, spawnErr := e.spawner.Spawn(spawnCtx, tc, opts)
	if spawnErr == nil {
		if result.SessionID != "" {
			if _, err := e.tasks.Update(t.ID, func(t *store.Task) error {
				t.Metadata.Set(store.MetaSessionID, result.SessionID)
				return nil
			}); err != nil {
				e.logger.Warn("failed to persist session id", "task", t.ID, "err", err)
			}
		}
		if err := e.tracker.ResetFailures(t.ID); err != nil {
			e.logger.Warn("failed to reset dispatch failures after successful spawn", "task", t.ID, "err", err)
		}
		if e.renewals != nil {
			e.renewals.Start(t.ID, agent, e.leaseTTL)
		}
		e.bus.Publish(events.New(events.TypeDispatchSucceeded, "executor", t.ID, "all", events.PriorityNormal, map[string]any{"agent": agent}))
		return false, nil
	}

	var limitErr *PlatformLimitError
	if errors.As(spawnErr, &limitErr) {
		if err := e.leases.Release(t.ID, agent); err != nil {
			e.logger.Warn("failed to release lease after platform-limited spawn", "task", t.ID, "err", err)
		}
		if e.renewals != nil {
			e.renewals.Stop(t.ID)
		}
		e.bus.Publish(events.New(events.TypeDispatchThrottled, "executor", t.ID, "all", events.PriorityNormal, map[string]any{"reason": limitErr.Reason}))
		return true, nil
	}

	class := deadletter.ClassifyError(spawnErr)
	if _, derr := e.tracker.RecordFailure(t.ID, class, spawnErr.Error()); derr != nil {
		e.logger.Error("failed to record dispatch failure", "task", t.ID, "err", derr)
	}
	if err := e.leases.Release(t.ID, agent); err != nil {
		e.logger.Warn("failed to release lease after failed spawn", "task", t.ID, "err", err)
	}
	if e.renewals != nil {
		e.renewals.Stop(t.ID)
	}
	e.bus.Publish(events.New(events.TypeDispatchFailed, "executor", t.ID, "all", events.PriorityHigh, map[string]any{
		"agent": agent, "errorClass": string(class), "error": spawnErr.Error(),
	}))
	return false, fmt.Errorf("dispatch %s: spawn failed: %w", t.ID, spawnErr)
}
