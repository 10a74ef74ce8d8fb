package lease

import (
	"testing"
	"time"

	"github.com/d0labs/taskflow/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return New(s, Options{TTL: time.Minute, MaxRenewals: 2}), s
}

func createTask(t *testing.T, s *store.Store, id string) *store.Task {
	t.Helper()
	task := store.NewTask(id, "demo", "x", "", store.PriorityNormal, store.Routing{})
	if err := s.Create(task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return task
}

func TestAcquireGrantsLease(t *testing.T) {
	m, s := newTestManager(t)
	createTask(t, s, "T-1")

	l, err := m.Acquire("T-1", "agent-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l.Agent != "agent-a" {
		t.Errorf("Agent = %q, want agent-a", l.Agent)
	}
	if l.RenewCount != 0 {
		t.Errorf("RenewCount = %d, want 0", l.RenewCount)
	}
}

func TestAcquireFailsWhenAlreadyLeased(t *testing.T) {
	m, s := newTestManager(t)
	createTask(t, s, "T-2")

	if _, err := m.Acquire("T-2", "agent-a"); err != nil {
		t.Fatalf("Acquire (first): %v", err)
	}
	if _, err := m.Acquire("T-2", "agent-b"); err == nil {
		t.Fatal("Acquire (second): expected ErrAlreadyLeased, got nil")
	}
}

func TestAcquireSucceedsAfterExpiry(t *testing.T) {
	m, s := newTestManager(t)
	createTask(t, s, "T-3")

	fakeNow := time.Now()
	m.SetClock(func() time.Time { return fakeNow })

	if _, err := m.Acquire("T-3", "agent-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	fakeNow = fakeNow.Add(2 * time.Minute) // past the 1-minute TTL
	if _, err := m.Acquire("T-3", "agent-b"); err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	task, _ := s.Get("T-3")
	if task.Lease.Agent != "agent-b" {
		t.Errorf("Lease.Agent = %q, want agent-b", task.Lease.Agent)
	}
}

func TestRenewExtendsAndCountsUp(t *testing.T) {
	m, s := newTestManager(t)
	createTask(t, s, "T-4")
	if _, err := m.Acquire("T-4", "agent-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	l, err := m.Renew("T-4", "agent-a")
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if l.RenewCount != 1 {
		t.Errorf("RenewCount = %d, want 1", l.RenewCount)
	}
}

func TestRenewRejectsWrongAgent(t *testing.T) {
	m, s := newTestManager(t)
	createTask(t, s, "T-5")
	if _, err := m.Acquire("T-5", "agent-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := m.Renew("T-5", "agent-b"); err == nil {
		t.Fatal("Renew: expected ErrWrongAgent, got nil")
	}
}

func TestRenewRejectsOverCap(t *testing.T) {
	m, s := newTestManager(t)
	createTask(t, s, "T-6")
	if _, err := m.Acquire("T-6", "agent-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := m.Renew("T-6", "agent-a"); err != nil {
		t.Fatalf("Renew 1: %v", err)
	}
	if _, err := m.Renew("T-6", "agent-a"); err != nil {
		t.Fatalf("Renew 2: %v", err)
	}
	if _, err := m.Renew("T-6", "agent-a"); err == nil {
		t.Fatal("Renew 3: expected ErrRenewalCapExceeded, got nil")
	}
}

func TestReleaseClearsLease(t *testing.T) {
	m, s := newTestManager(t)
	createTask(t, s, "T-7")
	if _, err := m.Acquire("T-7", "agent-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Release("T-7", "agent-a"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	task, _ := s.Get("T-7")
	if task.Lease != nil {
		t.Errorf("Lease = %+v, want nil", task.Lease)
	}
}

func TestReleaseOfAbsentLeaseIsNoop(t *testing.T) {
	m, s := newTestManager(t)
	createTask(t, s, "T-8")
	if err := m.Release("T-8", "agent-a"); err != nil {
		t.Fatalf("Release on unleased task: %v", err)
	}
}

func TestExpireClearsRegardlessOfAgent(t *testing.T) {
	m, s := newTestManager(t)
	createTask(t, s, "T-9")
	if _, err := m.Acquire("T-9", "agent-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	expired, err := m.Expire("T-9")
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if expired.Agent != "agent-a" {
		t.Errorf("expired.Agent = %q, want agent-a", expired.Agent)
	}
	task, _ := s.Get("T-9")
	if task.Lease != nil {
		t.Error("task lease not cleared after Expire")
	}
}
