package lease

import (
	"testing"
	"time"

	"github.com/d0labs/taskflow/internal/store"
)

func TestRenewalRegistryRenewsBeforeExpiry(t *testing.T) {
	s, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	task := store.NewTask("T-1", "demo", "x", "", store.PriorityNormal, store.Routing{})
	if err := s.Create(task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mgr := New(s, Options{TTL: 100 * time.Millisecond})
	if _, err := mgr.Acquire("T-1", "agent-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	reg := NewRenewalRegistry(mgr, nil)
	reg.Start("T-1", "agent-a", 100*time.Millisecond)
	defer reg.StopAll()

	time.Sleep(250 * time.Millisecond)

	got, _ := s.Get("T-1")
	if got.Lease == nil {
		t.Fatal("expected lease to still be present")
	}
	if got.Lease.RenewCount == 0 {
		t.Error("expected at least one automatic renewal")
	}
}

func TestRenewalRegistryStopCancelsTimer(t *testing.T) {
	s, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	task := store.NewTask("T-2", "demo", "x", "", store.PriorityNormal, store.Routing{})
	if err := s.Create(task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	mgr := New(s, Options{TTL: time.Minute})
	if _, err := mgr.Acquire("T-2", "agent-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	reg := NewRenewalRegistry(mgr, nil)
	reg.Start("T-2", "agent-a", time.Minute)
	if !reg.Active("T-2") {
		t.Fatal("expected timer to be active after Start")
	}
	reg.Stop("T-2")
	if reg.Active("T-2") {
		t.Error("expected timer to be inactive after Stop")
	}
}
