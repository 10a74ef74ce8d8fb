package gate

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
workflows:
  standard:
    name: standard
    gates:
      - name: implement
        role: builder
      - name: review
        role: reviewer
        canReject: true
        onReject: implement
        timeout: 1h
        escalateTo: lead
`

func TestLoadParsesWorkflowConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	wf, ok := cfg.Workflows["standard"]
	if !ok {
		t.Fatal("Load: missing standard workflow")
	}
	if len(wf.Gates) != 2 {
		t.Fatalf("len(Gates) = %d, want 2", len(wf.Gates))
	}
	review, ok := wf.Gate("review")
	if !ok {
		t.Fatal("Gate(review): not found")
	}
	if !review.CanReject || review.OnReject != "implement" {
		t.Errorf("review gate = %+v, want CanReject=true OnReject=implement", review)
	}
}

func TestLoadRejectsWorkflowWithNoGates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(path, []byte("workflows:\n  empty:\n    name: empty\n    gates: []\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load: expected error for workflow with no gates, got nil")
	}
}

func TestWorkflowIndex(t *testing.T) {
	wf := standardWorkflow()
	if idx := wf.Index("review"); idx != 1 {
		t.Errorf("Index(review) = %d, want 1", idx)
	}
	if idx := wf.Index("nonexistent"); idx != -1 {
		t.Errorf("Index(nonexistent) = %d, want -1", idx)
	}
}
