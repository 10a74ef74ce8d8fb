package lease

import (
	"log/slog"
	"sync"
	"time"
)

// RenewalRegistry runs a background timer per leased task that
// renews the lease on the dispatching agent's behalf at half its TTL,
// so a healthy long-running agent never loses its claim to a
// scheduler expiry sweep purely because it hasn't reported status
// recently enough. An agent that genuinely stalls still loses the
// renewal once the task leaves in-progress and its timer is stopped.
type RenewalRegistry struct {
	mgr    *Manager
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer // taskID -> timer
}

// NewRenewalRegistry constructs a registry driving renewals through
// mgr.
func NewRenewalRegistry(mgr *Manager, logger *slog.Logger) *RenewalRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &RenewalRegistry{
		mgr:    mgr,
		logger: logger,
		timers: make(map[string]*time.Timer),
	}
}

// Start begins renewing taskID's lease held by agent every ttl/2,
// replacing any existing timer for the same task. Renewal stops on
// its own once Renew fails (lease released, expired, or renewal cap
// hit) rather than requiring the caller to remember to call Stop.
func (r *RenewalRegistry) Start(taskID, agent string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	interval := ttl / 2
	if interval <= 0 {
		interval = time.Second
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.timers[taskID]; ok {
		existing.Stop()
	}

	var fire func()
	fire = func() {
		if _, err := r.mgr.Renew(taskID, agent); err != nil {
			r.logger.Info("lease auto-renewal stopped", "task", taskID, "agent", agent, "err", err)
			r.mu.Lock()
			delete(r.timers, taskID)
			r.mu.Unlock()
			return
		}
		r.mu.Lock()
		t, ok := r.timers[taskID]
		r.mu.Unlock()
		if ok {
			t.Reset(interval)
		}
	}

	r.timers[taskID] = time.AfterFunc(interval, fire)
}

// Stop cancels the renewal timer for taskID, if one is running. Safe
// to call for a task with no active timer.
func (r *RenewalRegistry) Stop(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[taskID]; ok {
		t.Stop()
		delete(r.timers, taskID)
	}
}

// StopAll cancels every running timer, used on daemon shutdown.
func (r *RenewalRegistry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

// Active reports whether taskID currently has a running renewal
// timer, for tests and diagnostics.
func (r *RenewalRegistry) Active(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[taskID]
	return ok
}
