package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/d0labs/taskflow/internal/deadletter"
	"github.com/d0labs/taskflow/internal/events"
	"github.com/d0labs/taskflow/internal/lease"
	"github.com/d0labs/taskflow/internal/store"
)

type fakeSpawner struct {
	err   error
	calls int
}

func (f *fakeSpawner) Spawn(ctx context.Context, tc TaskContext, opts SpawnOptions) (SpawnResult, error) {
	f.calls++
	if f.err != nil {
		return SpawnResult{}, f.err
	}
	return SpawnResult{SessionID: "sess-1", PID: 123}, nil
}

func newTestExecutor(t *testing.T, spawner Spawner) (*Executor, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	leases := lease.New(s, lease.Options{TTL: time.Minute})
	bus := events.NewBus(nil, nil)
	tracker := deadletter.New(s, bus, nil)
	return New(s, spawner, leases, nil, tracker, bus, Options{}, nil), s
}

func readyTask(t *testing.T, s *store.Store, id string) *store.Task {
	t.Helper()
	task := store.NewTask(id, "demo", "x", "", store.PriorityNormal, store.Routing{})
	if err := s.Create(task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Transition(id, store.StatusReady); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	task, _ = s.Get(id)
	return task
}

func TestDispatchSuccessAcquiresLease(t *testing.T) {
	spawner := &fakeSpawner{}
	e, s := newTestExecutor(t, spawner)
	task := readyTask(t, s, "T-1")

	throttled, err := e.Dispatch(context.Background(), task, "agent-a", SpawnOptions{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if throttled {
		t.Error("expected not throttled")
	}
	if spawner.calls != 1 {
		t.Errorf("spawner.calls = %d, want 1", spawner.calls)
	}
	got, _ := s.Get("T-1")
	if got.Lease == nil || got.Lease.Agent != "agent-a" {
		t.Errorf("Lease = %+v, want agent-a", got.Lease)
	}
}

func TestDispatchFailureRecordsAndReleases(t *testing.T) {
	spawner := &fakeSpawner{err: errors.New("connection refused")}
	e, s := newTestExecutor(t, spawner)
	task := readyTask(t, s, "T-2")

	_, err := e.Dispatch(context.Background(), task, "agent-a", SpawnOptions{})
	if err == nil {
		t.Fatal("Dispatch: expected error, got nil")
	}
	got, _ := s.Get("T-2")
	if got.Lease != nil {
		t.Error("expected lease released after failed spawn")
	}
	if got.Metadata.Int(store.MetaDispatchFailures, 0) != 1 {
		t.Errorf("dispatchFailures = %d, want 1", got.Metadata.Int(store.MetaDispatchFailures, 0))
	}
}

func TestDispatchPlatformLimitReturnsThrottledNotError(t *testing.T) {
	spawner := &fakeSpawner{err: &PlatformLimitError{Reason: "rate limited"}}
	e, s := newTestExecutor(t, spawner)
	task := readyTask(t, s, "T-3")

	throttled, err := e.Dispatch(context.Background(), task, "agent-a", SpawnOptions{})
	if err != nil {
		t.Fatalf("Dispatch: expected nil error for platform limit, got %v", err)
	}
	if !throttled {
		t.Error("expected throttled=true for platform limit error")
	}
	got, _ := s.Get("T-3")
	if got.Lease != nil {
		t.Error("expected lease released after platform-limited spawn")
	}
	if got.Metadata.Int(store.MetaDispatchFailures, 0) != 0 {
		t.Error("platform limit should not count as a dispatch failure")
	}
}

func TestDispatchRepeatedFailuresDeadletter(t *testing.T) {
	spawner := &fakeSpawner{err: errors.New("timeout")}
	e, s := newTestExecutor(t, spawner)
	task := readyTask(t, s, "T-4")
	if _, err := s.Transition("T-4", store.StatusInProgress); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	for i := 0; i < deadletter.MaxDispatchFailures; i++ {
		task, _ = s.Get("T-4")
		if task.Status == store.StatusDeadletter {
			break
		}
		e.Dispatch(context.Background(), task, "agent-a", SpawnOptions{})
	}

	got, _ := s.Get("T-4")
	if got.Status != store.StatusDeadletter {
		t.Errorf("Status = %q, want deadletter after repeated failures", got.Status)
	}
}
