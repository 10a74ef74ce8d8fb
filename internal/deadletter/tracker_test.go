package deadletter

import (
	"errors"
	"testing"

	"github.com/d0labs/taskflow/internal/events"
	"github.com/d0labs/taskflow/internal/store"
)

func newTestTracker(t *testing.T) (*Tracker, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	bus := events.NewBus(nil, nil)
	return New(s, bus, nil), s
}

func inProgressTask(t *testing.T, s *store.Store, id string) {
	t.Helper()
	task := store.NewTask(id, "demo", "x", "", store.PriorityNormal, store.Routing{})
	if err := s.Create(task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Transition(id, store.StatusReady); err != nil {
		t.Fatalf("Transition ready: %v", err)
	}
	if _, err := s.Transition(id, store.StatusInProgress); err != nil {
		t.Fatalf("Transition in-progress: %v", err)
	}
}

func TestRecordFailureBelowThresholdStaysInProgress(t *testing.T) {
	tr, s := newTestTracker(t)
	inProgressTask(t, s, "T-1")

	deadlettered, err := tr.RecordFailure("T-1", ErrorClassTransient, "timeout")
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if deadlettered {
		t.Error("expected not deadlettered on first transient failure")
	}
	got, _ := s.Get("T-1")
	if got.Status != store.StatusInProgress {
		t.Errorf("Status = %q, want %q", got.Status, store.StatusInProgress)
	}
	if got.Metadata.Int(store.MetaDispatchFailures, 0) != 1 {
		t.Errorf("dispatchFailures = %d, want 1", got.Metadata.Int(store.MetaDispatchFailures, 0))
	}
}

func TestRecordFailureAtThresholdDeadletters(t *testing.T) {
	tr, s := newTestTracker(t)
	inProgressTask(t, s, "T-2")

	var lastDeadlettered bool
	for i := 0; i < MaxDispatchFailures; i++ {
		var err error
		lastDeadlettered, err = tr.RecordFailure("T-2", ErrorClassTransient, "flaky network")
		if err != nil {
			t.Fatalf("RecordFailure %d: %v", i, err)
		}
	}
	if !lastDeadlettered {
		t.Fatal("expected deadlettered after reaching failure threshold")
	}
	got, _ := s.Get("T-2")
	if got.Status != store.StatusDeadletter {
		t.Errorf("Status = %q, want %q", got.Status, store.StatusDeadletter)
	}
}

func TestRecordFailurePermanentDeadlettersImmediately(t *testing.T) {
	tr, s := newTestTracker(t)
	inProgressTask(t, s, "T-3")

	deadlettered, err := tr.RecordFailure("T-3", ErrorClassPermanent, "permission denied")
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if !deadlettered {
		t.Fatal("expected immediate deadletter for permanent error")
	}
	got, _ := s.Get("T-3")
	if got.Status != store.StatusDeadletter {
		t.Errorf("Status = %q, want %q", got.Status, store.StatusDeadletter)
	}
}

func TestResetFailuresClearsMetadata(t *testing.T) {
	tr, s := newTestTracker(t)
	inProgressTask(t, s, "T-4")
	if _, err := tr.RecordFailure("T-4", ErrorClassTransient, "timeout"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if err := tr.ResetFailures("T-4"); err != nil {
		t.Fatalf("ResetFailures: %v", err)
	}
	got, _ := s.Get("T-4")
	if got.Metadata.Int(store.MetaDispatchFailures, -1) != 0 {
		t.Errorf("dispatchFailures after reset = %d, want absent(0)", got.Metadata.Int(store.MetaDispatchFailures, -1))
	}
}

func TestClassifyError(t *testing.T) {
	if got := ClassifyError(errors.New("Permission Denied: cannot write")); got != ErrorClassPermanent {
		t.Errorf("ClassifyError(permission denied) = %s, want permanent", got)
	}
	if got := ClassifyError(errors.New("connection reset by peer")); got != ErrorClassTransient {
		t.Errorf("ClassifyError(connection reset) = %s, want transient", got)
	}
}
