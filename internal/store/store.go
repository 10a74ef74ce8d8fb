package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/d0labs/taskflow/internal/invariant"
)

// Store is the durable, filesystem-backed task store. One Store owns
// one data directory; callers must not run two Stores against the
// same root concurrently (enforced at the process level by
// internal/instance, not by Store itself).
type Store struct {
	root   string
	logger *slog.Logger

	mu    sync.RWMutex
	tasks map[string]*Task // id -> task, in-memory index rebuilt from disk on Open

	afterTransition func(t *Task, from, to Status)
}

// SetAfterTransition registers a hook invoked after any Update call
// that changes a task's status, with the store lock already released.
// internal/service uses it to stop a task's lease renewal timer when
// the task leaves in-progress, without every call site needing to
// detect the status change itself.
func (s *Store) SetAfterTransition(fn func(t *Task, from, to Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterTransition = fn
}

// Open loads every task file under root/tasks/<status>/ into memory
// and returns a Store ready for use. It creates the status directory
// tree if absent, mirroring the teacher's Load-creates-dir-if-missing
// behavior in persistence.JSONStore.Load.
func Open(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ensureLayout(root); err != nil {
		return nil, err
	}
	s := &Store{
		root:   root,
		logger: logger,
		tasks:  make(map[string]*Task),
	}
	for _, status := range AllStatuses() {
		dir := statusDir(root, status)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read status dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), FileExt) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read task file %s: %w", path, err)
			}
			t, err := DecodeTask(raw)
			if err != nil {
				return nil, fmt.Errorf("decode task file %s: %w", path, err)
			}
			if t.Status != status {
				return nil, fmt.Errorf("task file %s: front-matter status %q disagrees with directory %q", path, t.Status, status)
			}
			s.tasks[t.ID] = t
		}
	}
	logger.Info("task store loaded", "root", root, "tasks", len(s.tasks))
	return s, nil
}

// NextID allocates a new task identifier. Mirrors the teacher's
// NewTask ID scheme in spirit (time-derived, collision-free) but uses
// a UUID rather than a raw nanosecond timestamp, since task IDs here
// are user-facing and embedded in file names across a shared
// filesystem rather than only compared in memory.
func (s *Store) NextID(project string) string {
	short := uuid.New().String()[:8]
	prefix := strings.ToUpper(project)
	if prefix == "" {
		prefix = "TASK"
	}
	return fmt.Sprintf("%s-%s", prefix, short)
}

// Create persists a new task, writing it to its status directory and
// adding it to the in-memory index. The task's Status must be
// StatusBacklog; tasks do not enter the store pre-advanced.
func (s *Store) Create(t *Task) error {
	if t.Status != StatusBacklog {
		return fmt.Errorf("create task %s: new tasks must start in backlog, got %s", t.ID, t.Status)
	}
	if err := t.ValidateRouting(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("create task %s: id already exists", t.ID)
	}
	if err := s.writeLocked(t); err != nil {
		return err
	}
	s.tasks[t.ID] = t
	s.logger.Info("task created", "id", t.ID, "project", t.Project, "priority", t.Priority)
	return nil
}

// Get returns a copy-free pointer to the task with id, or false if
// absent. Callers must go through Update to mutate persisted state.
func (s *Store) Get(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if ok {
		invariant.StatusCoverage(t.Status.Valid(), t.ID, string(t.Status))
	}
	return t, ok
}

// GetByPrefix resolves a short, unambiguous ID prefix to a full task,
// for CLI convenience. Returns an error if zero or more than one task
// matches.
func (s *Store) GetByPrefix(prefix string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []*Task
	for id, t := range s.tasks {
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no task matches prefix %q", prefix)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("prefix %q is ambiguous (%d matches)", prefix, len(matches))
	}
}

// List returns every task in the store, sorted by (priority rank,
// createdAt) per the teacher's Queue.sortLocked FIFO tiebreak.
func (s *Store) List() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sortTasks(out)
	return out
}

// ListByStatus returns all tasks in the given status, in priority
// order.
func (s *Store) ListByStatus(status Status) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	sortTasks(out)
	return out
}

// ListByProject returns all tasks belonging to project, in priority
// order.
func (s *Store) ListByProject(project string) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.Project == project {
			out = append(out, t)
		}
	}
	sortTasks(out)
	return out
}

func sortTasks(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		ri, rj := tasks[i].Priority.rank(), tasks[j].Priority.rank()
		if ri != rj {
			return ri < rj
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

// Mutator mutates a task in place; returning an error aborts the
// Update and leaves the stored task untouched.
type Mutator func(t *Task) error

// Update applies fn to the task with id under the store lock,
// rewrites its on-disk file (moving it between status directories if
// fn changed Status), and updates the in-memory index. This is the
// single choke point through which every other component — lease
// manager, protocol router, gate engine, scheduler — mutates a task.
func (s *Store) Update(id string, fn Mutator) (*Task, error) {
	s.mu.Lock()

	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("update task %s: not found", id)
	}
	prevStatus := t.Status
	before := *t // shallow copy for rollback on write failure

	if err := fn(t); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	t.UpdatedAt = time.Now()

	if err := s.writeLocked(t); err != nil {
		*t = before
		s.mu.Unlock()
		return nil, err
	}
	if t.Status != prevStatus {
		if err := os.Remove(taskPath(s.root, prevStatus, id)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove stale task file after status move", "id", id, "from", prevStatus, "err", err)
		}
		invariant.TransitionSafety(CanTransition(prevStatus, t.Status), id, string(prevStatus), string(t.Status))
		invariant.SingleWriter(!fileExistsForStatus(s.root, prevStatus, id), id, []string{string(prevStatus), string(t.Status)})
	}
	hook := s.afterTransition
	statusChanged := t.Status != prevStatus
	s.mu.Unlock()

	if hook != nil && statusChanged {
		hook(t, prevStatus, t.Status)
	}
	return t, nil
}

// UpdateBody rewrites a task's markdown body, leaving its front-matter
// untouched.
func (s *Store) UpdateBody(id, body string) (*Task, error) {
	return s.Update(id, func(t *Task) error {
		t.Body = body
		return nil
	})
}

// AddDep adds depID to a task's dependsOn list if not already present.
func (s *Store) AddDep(id, depID string) (*Task, error) {
	return s.Update(id, func(t *Task) error {
		for _, d := range t.DependsOn {
			if d == depID {
				return nil
			}
		}
		t.DependsOn = append(t.DependsOn, depID)
		return nil
	})
}

// RemoveDep removes depID from a task's dependsOn list, a no-op if
// absent.
func (s *Store) RemoveDep(id, depID string) (*Task, error) {
	return s.Update(id, func(t *Task) error {
		out := t.DependsOn[:0]
		for _, d := range t.DependsOn {
			if d != depID {
				out = append(out, d)
			}
		}
		t.DependsOn = out
		return nil
	})
}

// Block transitions a task to blocked and records the reason, the
// operator- and scheduler-facing counterpart to the automatic
// stale-heartbeat and dependency-cycle blocking the scheduler performs
// itself.
func (s *Store) Block(id, reason string) (*Task, error) {
	return s.Update(id, func(t *Task) error {
		t.Metadata.Set(MetaBlockReason, reason)
		t.Metadata.SetTime(MetaLastBlockedAt, time.Now())
		return t.TransitionTo(StatusBlocked)
	})
}

// Unblock moves a blocked task back to ready, clearing its block
// reason.
func (s *Store) Unblock(id string) (*Task, error) {
	return s.Update(id, func(t *Task) error {
		delete(t.Metadata, MetaBlockReason)
		return t.TransitionTo(StatusReady)
	})
}

// Cancel moves a task to deadletter with an operator-supplied reason,
// independent of the dispatch-failure threshold the deadletter
// tracker enforces automatically.
func (s *Store) Cancel(id, reason string) (*Task, error) {
	return s.Update(id, func(t *Task) error {
		t.Metadata.Set(MetaLastError, reason)
		t.Metadata.Set(MetaErrorClass, "permanent")
		return t.TransitionTo(StatusDeadletter)
	})
}

// Transition moves the task to newStatus, enforcing the state
// machine's allowed edges (spec.md §3.1). It is a thin wrapper around
// Update for the common case of a bare status change.
func (s *Store) Transition(id string, newStatus Status) (*Task, error) {
	return s.Update(id, func(t *Task) error {
		return t.TransitionTo(newStatus)
	})
}

// writeLocked encodes t and writes it atomically to its status
// directory. Callers must hold s.mu.
func (s *Store) writeLocked(t *Task) error {
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	dir := statusDir(s.root, t.Status)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create status dir %s: %w", dir, err)
	}
	path := taskPath(s.root, t.Status, t.ID)
	return writeFileAtomic(path, data, 0o644)
}

// Root returns the store's backing directory, for components (such as
// the protocol router's handoff artifacts) that write under the same
// data root.
func (s *Store) Root() string {
	return s.root
}
