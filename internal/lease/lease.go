// Package lease manages time-bounded exclusive claims that agents
// hold on tasks while working them. A lease grants one agent the
// right to act on a task until it expires, is renewed, or is
// released; the scheduler reclaims expired leases and returns the
// task to the ready pool.
package lease

import (
	"errors"
	"fmt"
	"time"

	"github.com/d0labs/taskflow/internal/store"
)

// Default tuning, mirroring the teacher's crash-loop protection
// defaults (maxRespawns=3, windowDuration=1m) scaled to lease
// semantics: a lease may be renewed many more times than a process
// may respawn, since renewal here signals healthy ongoing work
// rather than repeated failure.
const (
	DefaultTTL         = 10 * time.Minute
	DefaultMaxRenewals = 20
)

var (
	// ErrNotLeased is returned when an operation requires an existing
	// lease but the task has none.
	ErrNotLeased = errors.New("lease: task has no active lease")
	// ErrWrongAgent is returned when an agent other than the lease
	// holder attempts to renew or release it.
	ErrWrongAgent = errors.New("lease: agent does not hold this lease")
	// ErrAlreadyLeased is returned when acquiring a lease on a task
	// that is already leased to a different, non-expired agent.
	ErrAlreadyLeased = errors.New("lease: task already leased to another agent")
	// ErrRenewalCapExceeded is returned when a lease has already been
	// renewed maxRenewals times.
	ErrRenewalCapExceeded = errors.New("lease: renewal cap exceeded")
)

// Options configures a Manager.
type Options struct {
	TTL         time.Duration
	MaxRenewals int
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxRenewals <= 0 {
		o.MaxRenewals = DefaultMaxRenewals
	}
	return o
}

// Manager grants, renews, releases, and expires leases against a
// task store. It holds no lease state of its own beyond the tuning
// options — the lease itself is a field on the task record, so a
// Manager is safe to reconstruct across process restarts.
type Manager struct {
	tasks   *store.Store
	opts    Options
	nowFunc func() time.Time
}

// New constructs a Manager bound to tasks.
func New(tasks *store.Store, opts Options) *Manager {
	return &Manager{
		tasks:   tasks,
		opts:    opts.withDefaults(),
		nowFunc: time.Now,
	}
}

func (m *Manager) now() time.Time {
	if m.nowFunc != nil {
		return m.nowFunc()
	}
	return time.Now()
}

// Acquire grants agent a fresh lease on taskID, provided the task has
// no lease, its existing lease has expired, or the existing lease is
// already held by agent (which then restarts it). It does not change the
// task's status; callers typically acquire a lease as part of a
// ready -> in-progress transition.
func (m *Manager) Acquire(taskID, agent string) (*store.Lease, error) {
	t, err := m.tasks.Update(taskID, func(t *store.Task) error {
		if t.Lease != nil && !t.Lease.Expired(m.now()) && t.Lease.Agent != agent {
			return ErrAlreadyLeased
		}
		now := m.now()
		t.Lease = &store.Lease{
			Agent:      agent,
			AcquiredAt: now,
			ExpiresAt:  now.Add(m.opts.TTL),
			RenewCount: 0,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("acquire lease on %s for %s: %w", taskID, agent, err)
	}
	return t.Lease, nil
}

// Renew extends an existing lease held by agent, resetting its expiry
// to now+TTL and incrementing RenewCount. It fails once RenewCount
// has reached the configured cap, forcing the task back through the
// scheduler's expiry-and-redispatch path rather than renewing forever.
func (m *Manager) Renew(taskID, agent string) (*store.Lease, error) {
	t, err := m.tasks.Update(taskID, func(t *store.Task) error {
		if t.Lease == nil {
			return ErrNotLeased
		}
		if t.Lease.Agent != agent {
			return ErrWrongAgent
		}
		if t.Lease.RenewCount >= m.opts.MaxRenewals {
			return ErrRenewalCapExceeded
		}
		now := m.now()
		t.Lease.ExpiresAt = now.Add(m.opts.TTL)
		t.Lease.RenewCount++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("renew lease on %s for %s: %w", taskID, agent, err)
	}
	return t.Lease, nil
}

// Release clears the lease held by agent on taskID. Releasing a
// lease that does not belong to agent is an error, except that
// releasing an already-absent lease is treated as a no-op success —
// two independent reclaimers racing to release should not both fail.
func (m *Manager) Release(taskID, agent string) error {
	_, err := m.tasks.Update(taskID, func(t *store.Task) error {
		if t.Lease == nil {
			return nil
		}
		if t.Lease.Agent != agent {
			return ErrWrongAgent
		}
		t.Lease = nil
		return nil
	})
	if err != nil {
		return fmt.Errorf("release lease on %s for %s: %w", taskID, agent, err)
	}
	return nil
}

// Expire clears the lease on taskID unconditionally, regardless of
// which agent held it. It is used by the scheduler's expiry pass,
// which has already determined the lease is past ExpiresAt.
func (m *Manager) Expire(taskID string) (*store.Lease, error) {
	var expired *store.Lease
	_, err := m.tasks.Update(taskID, func(t *store.Task) error {
		if t.Lease == nil {
			return ErrNotLeased
		}
		expired = t.Lease
		t.Lease = nil
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("expire lease on %s: %w", taskID, err)
	}
	return expired, nil
}

// IsExpired reports whether t's current lease, if any, has passed its
// expiry relative to the Manager's clock.
func (m *Manager) IsExpired(t *store.Task) bool {
	return t.Lease.Expired(m.now())
}

// SetClock overrides the Manager's time source, for deterministic
// tests of TTL and expiry behavior.
func (m *Manager) SetClock(now func() time.Time) {
	m.nowFunc = now
}
