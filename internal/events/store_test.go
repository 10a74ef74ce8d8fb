package events

import (
	"os"
	"testing"
)

func TestFileStoreSaveAndGetPending(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer fs.Close()

	ev := New(TypeTaskCreated, "store", "T-1", "agent-a", PriorityNormal, map[string]any{"k": "v"})
	if err := fs.Save(ev); err != nil {
		t.Fatalf("Save: %v", err)
	}

	pending, err := fs.GetPending("agent-a", nil)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("len(pending) = %d, want 1", len(pending))
	}
	if pending[0].ID != ev.ID {
		t.Errorf("pending[0].ID = %q, want %q", pending[0].ID, ev.ID)
	}
}

func TestFileStoreMarkDeliveredExcludesFromPending(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer fs.Close()

	ev := New(TypeTaskCreated, "store", "T-1", "agent-a", PriorityNormal, nil)
	if err := fs.Save(ev); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := fs.MarkDelivered(ev.ID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	pending, err := fs.GetPending("agent-a", nil)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("len(pending) = %d, want 0 after delivery", len(pending))
	}
}

func TestFileStoreGetPendingFiltersByTypeAndTarget(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer fs.Close()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	must(fs.Save(New(TypeTaskCreated, "store", "T-1", "agent-a", PriorityNormal, nil)))
	must(fs.Save(New(TypeLeaseExpired, "lease", "T-1", "agent-a", PriorityNormal, nil)))
	must(fs.Save(New(TypeTaskCreated, "store", "T-2", "agent-b", PriorityNormal, nil)))

	pending, err := fs.GetPending("agent-a", []Type{TypeLeaseExpired})
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(pending) != 1 || pending[0].Type != TypeLeaseExpired {
		t.Fatalf("GetPending filter mismatch: %+v", pending)
	}
}

func TestFileStoreOrdersByPriorityThenCreated(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer fs.Close()

	low := New(TypeTaskCreated, "store", "T-1", "agent-a", PriorityLow, nil)
	crit := New(TypeTaskCreated, "store", "T-2", "agent-a", PriorityCritical, nil)
	if err := fs.Save(low); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := fs.Save(crit); err != nil {
		t.Fatalf("Save: %v", err)
	}

	pending, err := fs.GetPending("agent-a", nil)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != crit.ID {
		t.Fatalf("expected critical event first, got %+v", pending)
	}
}

func TestFileStoreRotatesOnSize(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer fs.Close()
	fs.rotateAt = 256 // force rotation quickly for the test

	for i := 0; i < 20; i++ {
		ev := New(TypeTaskCreated, "store", "T-1", "agent-a", PriorityNormal, map[string]any{"pad": "0123456789"})
		if err := fs.Save(ev); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	entries, err := os.ReadDir(root + "/events")
	if err != nil {
		t.Fatalf("read events dir: %v", err)
	}
	found := false
	for _, e := range entries {
		name := e.Name()
		if len(name) > 3 && name[len(name)-3:] == ".gz" {
			found = true
		}
	}
	if !found {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected at least one rotated .gz segment, got entries: %v", names)
	}
}
