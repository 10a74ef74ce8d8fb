// Package service wires every package in this module into one running
// daemon: the task store, event bus, lease manager and its background
// renewal registry, gate engine, deadletter tracker, executor,
// scheduler, protocol router, and notification manager, plus the
// graceful-shutdown lifecycle cmd/taskflowd drives.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/d0labs/taskflow/internal/config"
	"github.com/d0labs/taskflow/internal/deadletter"
	"github.com/d0labs/taskflow/internal/events"
	"github.com/d0labs/taskflow/internal/executor"
	"github.com/d0labs/taskflow/internal/gate"
	"github.com/d0labs/taskflow/internal/lease"
	"github.com/d0labs/taskflow/internal/notify"
	"github.com/d0labs/taskflow/internal/protocol"
	"github.com/d0labs/taskflow/internal/runresult"
	"github.com/d0labs/taskflow/internal/scheduler"
	"github.com/d0labs/taskflow/internal/store"
)

// Config gathers every tunable a Supervisor needs, most of which have
// workable zero values so an embedder can start with an empty Config
// and a data directory.
type Config struct {
	DataDir string

	LeaseTTL           time.Duration
	LeaseMaxRenewals   int
	SchedulerPollEvery time.Duration
	ConcurrencyMax     int
	HeartbeatTTL       time.Duration
	DefaultSLA         time.Duration
	MaxDispatchRetries int
	DispatchRetryDelay time.Duration
	SpawnTimeout       time.Duration
	MinDispatchGap     time.Duration
	DryRun             bool

	Notify notify.Config

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = lease.DefaultTTL
	}
	if c.LeaseMaxRenewals <= 0 {
		c.LeaseMaxRenewals = lease.DefaultMaxRenewals
	}
	if c.SchedulerPollEvery <= 0 {
		c.SchedulerPollEvery = scheduler.DefaultPollInterval
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 5 * time.Minute
	}
	if c.DefaultSLA <= 0 {
		c.DefaultSLA = time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Supervisor owns every component's lifecycle: construction order
// mirrors each component's dependency on the last (store, then
// leases, then everything that dispatches or reports against tasks).
// Stop cancels the scheduler loop and stops the lease renewal timers;
// it does not close the event log file.
type Supervisor struct {
	cfg Config

	Tasks     *store.Store
	Bus       *events.Bus
	Leases    *lease.Manager
	Renewals  *lease.RenewalRegistry
	Gates     *gate.Engine
	Tracker   *deadletter.Tracker
	Runs      *runresult.Store
	Executor  *executor.Executor
	Scheduler *scheduler.Scheduler
	Router    *protocol.Router
	Notify    *notify.Manager
	Registry  *config.Registry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Supervisor and every component it owns, loading
// per-project config from dataDir/projects/*.yaml if present. It does
// not start the scheduler loop; call Start for that.
func New(cfg Config, spawner executor.Spawner) (*Supervisor, error) {
	cfg = cfg.withDefaults()
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("service: DataDir is required")
	}

	tasks, err := store.Open(cfg.DataDir, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	eventStore, err := events.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	bus := events.NewBus(eventStore, cfg.Logger)

	leases := lease.New(tasks, lease.Options{TTL: cfg.LeaseTTL, MaxRenewals: cfg.LeaseMaxRenewals})
	renewals := lease.NewRenewalRegistry(leases, cfg.Logger)
	gates := gate.New(bus, cfg.Logger)
	tracker := deadletter.New(tasks, bus, cfg.Logger)
	runs := runresult.New(cfg.DataDir)

	registry, err := loadProjectRegistry(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load project registry: %w", err)
	}

	exec := executor.New(tasks, spawner, leases, renewals, tracker, bus, executor.Options{
		MinDispatchInterval: cfg.MinDispatchGap,
		SpawnTimeout:        cfg.SpawnTimeout,
		LeaseTTL:            cfg.LeaseTTL,
	}, cfg.Logger)

	sched := scheduler.New(tasks, leases, bus, gates, tracker, exec, scheduler.Config{
		PollInterval:       cfg.SchedulerPollEvery,
		ConcurrencyMax:     cfg.ConcurrencyMax,
		HeartbeatTTL:       cfg.HeartbeatTTL,
		DefaultSLA:         cfg.DefaultSLA,
		SLAFor:             registry.SLAFor,
		WorkflowFor:        registry.WorkflowFor,
		MaxDispatchRetries: cfg.MaxDispatchRetries,
		DispatchRetryDelay: cfg.DispatchRetryDelay,
		SpawnTimeout:       cfg.SpawnTimeout,
		DryRun:             cfg.DryRun,
	}, cfg.Logger)

	router := protocol.New(tasks, leases, bus, cfg.Logger)
	router.SetRunStore(runs)

	tasks.SetAfterTransition(func(t *store.Task, from, to store.Status) {
		if from == store.StatusInProgress && to != store.StatusInProgress {
			renewals.Stop(t.ID)
		}
	})

	notifyCfg := cfg.Notify
	if notifyCfg.Logger == nil {
		notifyCfg.Logger = cfg.Logger
	}
	notifier := notify.NewManager(bus, notifyCfg)

	return &Supervisor{
		cfg:       cfg,
		Tasks:     tasks,
		Bus:       bus,
		Leases:    leases,
		Renewals:  renewals,
		Gates:     gates,
		Tracker:   tracker,
		Runs:      runs,
		Executor:  exec,
		Scheduler: sched,
		Router:    router,
		Notify:    notifier,
		Registry:  registry,
	}, nil
}

// loadProjectRegistry loads every dataDir/projects/*.yaml file into a
// config.Registry, tolerating an absent projects directory (every
// project then falls back to the scheduler's configured defaults).
func loadProjectRegistry(dataDir string) (*config.Registry, error) {
	dir := filepath.Join(dataDir, "projects")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return config.NewRegistry(), nil
		}
		return nil, fmt.Errorf("read projects dir %s: %w", dir, err)
	}
	var configs []*config.ProjectConfig
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		pc, err := config.LoadProjectConfig(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		configs = append(configs, pc)
	}
	return config.NewRegistry(configs...), nil
}

// Start runs the scheduler's poll loop in the background until ctx is
// canceled or Stop is called, reconciling any orphaned session_end
// run results once up front before the first cycle runs.
func (s *Supervisor) Start(ctx context.Context) {
	s.Router.ReconcileSessionEnd()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Scheduler.Run(ctx)
	}()
}

// Stop cancels the scheduler loop, waits for it to exit, and stops
// every outstanding lease renewal timer.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.Renewals.StopAll()
}
