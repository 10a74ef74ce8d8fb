package protocol

import (
	"testing"
	"time"

	"github.com/d0labs/taskflow/internal/events"
	"github.com/d0labs/taskflow/internal/lease"
	"github.com/d0labs/taskflow/internal/store"
)

func newTestRouter(t *testing.T) (*Router, *store.Store, *lease.Manager) {
	t.Helper()
	s, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	leases := lease.New(s, lease.Options{TTL: time.Minute})
	bus := events.NewBus(nil, nil)
	return New(s, leases, bus, nil), s, leases
}

func createInProgressTask(t *testing.T, s *store.Store, leases *lease.Manager, id, agent string) *store.Task {
	t.Helper()
	task := store.NewTask(id, "demo", "x", "", store.PriorityNormal, store.Routing{})
	if err := s.Create(task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Transition(id, store.StatusReady); err != nil {
		t.Fatalf("Transition to ready: %v", err)
	}
	if _, err := leases.Acquire(id, agent); err != nil {
		t.Fatalf("Acquire lease: %v", err)
	}
	if _, err := s.Transition(id, store.StatusInProgress); err != nil {
		t.Fatalf("Transition to in-progress: %v", err)
	}
	task, _ = s.Get(id)
	return task
}

func TestRouteCompletionReportSuccessMovesToReview(t *testing.T) {
	r, s, leases := newTestRouter(t)
	createInProgressTask(t, s, leases, "T-1", "agent-a")

	err := r.Route(&Envelope{
		Type: TypeCompletionReport, TaskID: "T-1", Agent: "agent-a",
		Outcome: OutcomeSuccess, SentAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	got, _ := s.Get("T-1")
	if got.Status != store.StatusReview {
		t.Errorf("Status = %q, want %q", got.Status, store.StatusReview)
	}
	if got.Lease != nil {
		t.Error("expected lease released after successful completion")
	}
}

func TestRouteCompletionReportFailureBlocks(t *testing.T) {
	r, s, leases := newTestRouter(t)
	createInProgressTask(t, s, leases, "T-2", "agent-a")

	err := r.Route(&Envelope{
		Type: TypeCompletionReport, TaskID: "T-2", Agent: "agent-a",
		Outcome: OutcomeFailure, Reason: "compile error", Blockers: []string{"compile error"}, SentAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	got, _ := s.Get("T-2")
	if got.Status != store.StatusBlocked {
		t.Errorf("Status = %q, want %q", got.Status, store.StatusBlocked)
	}
	if got.Metadata.String(store.MetaBlockReason) != "compile error" {
		t.Errorf("blockReason = %q, want %q", got.Metadata.String(store.MetaBlockReason), "compile error")
	}
}

func TestRouteRejectsWrongAgent(t *testing.T) {
	r, s, leases := newTestRouter(t)
	createInProgressTask(t, s, leases, "T-3", "agent-a")

	err := r.Route(&Envelope{
		Type: TypeCompletionReport, TaskID: "T-3", Agent: "agent-intruder",
		Outcome: OutcomeSuccess, SentAt: time.Now(),
	})
	if err == nil {
		t.Fatal("Route: expected authorization error, got nil")
	}
}

func TestRouteRejectsInvalidEnvelope(t *testing.T) {
	r, _, _ := newTestRouter(t)
	err := r.Route(&Envelope{Type: TypeCompletionReport, TaskID: "", Agent: "agent-a"})
	if err == nil {
		t.Fatal("Route: expected validation error for empty taskId, got nil")
	}
}

func TestRouteStatusUpdateRenewsLease(t *testing.T) {
	r, s, leases := newTestRouter(t)
	createInProgressTask(t, s, leases, "T-4", "agent-a")

	before, _ := s.Get("T-4")
	beforeExpiry := before.Lease.ExpiresAt

	err := r.Route(&Envelope{
		Type: TypeStatusUpdate, TaskID: "T-4", Agent: "agent-a",
		Summary: "still working", SentAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	after, _ := s.Get("T-4")
	if !after.Lease.ExpiresAt.After(beforeExpiry) {
		t.Error("expected lease expiry to advance on status.update")
	}
}

func TestHandoffRequestThenAccept(t *testing.T) {
	r, s, leases := newTestRouter(t)
	createInProgressTask(t, s, leases, "T-5", "agent-a")

	if err := r.Route(&Envelope{
		Type: TypeHandoffRequest, TaskID: "T-5", Agent: "agent-a",
		ToAgent: "agent-b", Reason: "context budget exhausted", SentAt: time.Now(),
	}); err != nil {
		t.Fatalf("Route handoff.request: %v", err)
	}

	if err := r.Route(&Envelope{
		Type: TypeHandoffAccepted, TaskID: "T-5", Agent: "agent-b", SentAt: time.Now(),
	}); err != nil {
		t.Fatalf("Route handoff.accepted: %v", err)
	}

	got, _ := s.Get("T-5")
	if got.Routing.Agent != "agent-b" {
		t.Errorf("Routing.Agent = %q, want agent-b", got.Routing.Agent)
	}
}

func TestHandoffAcceptedByWrongAgentFails(t *testing.T) {
	r, s, leases := newTestRouter(t)
	createInProgressTask(t, s, leases, "T-6", "agent-a")

	if err := r.Route(&Envelope{
		Type: TypeHandoffRequest, TaskID: "T-6", Agent: "agent-a",
		ToAgent: "agent-b", SentAt: time.Now(),
	}); err != nil {
		t.Fatalf("Route handoff.request: %v", err)
	}

	err := r.Route(&Envelope{
		Type: TypeHandoffAccepted, TaskID: "T-6", Agent: "agent-c", SentAt: time.Now(),
	})
	if err == nil {
		t.Fatal("Route: expected error for handoff accepted by non-offered agent, got nil")
	}
}

func TestSessionEndReleasesLease(t *testing.T) {
	r, s, leases := newTestRouter(t)
	createInProgressTask(t, s, leases, "T-7", "agent-a")

	if err := r.Route(&Envelope{
		Type: TypeSessionEnd, TaskID: "T-7", Agent: "agent-a", SentAt: time.Now(),
	}); err != nil {
		t.Fatalf("Route session_end: %v", err)
	}
	got, _ := s.Get("T-7")
	if got.Lease != nil {
		t.Error("expected lease released after session_end")
	}
}
