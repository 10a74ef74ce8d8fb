package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/d0labs/taskflow/internal/store"
)

const sampleProjectConfig = `
id: demo
sla: 2h
tagSla:
  hotfix: 15m
workflow:
  name: standard
  gates:
    - name: implement
      role: builder
    - name: review
      role: reviewer
      canReject: true
      onReject: implement
`

func writeProjectConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "project.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadProjectConfigParsesFields(t *testing.T) {
	path := writeProjectConfig(t, sampleProjectConfig)

	cfg, err := LoadProjectConfig(path)
	if err != nil {
		t.Fatalf("LoadProjectConfig: %v", err)
	}
	if cfg.ID != "demo" {
		t.Errorf("ID = %q, want demo", cfg.ID)
	}
	if cfg.SLA != 2*time.Hour {
		t.Errorf("SLA = %v, want 2h", cfg.SLA)
	}
	if cfg.Workflow == nil || len(cfg.Workflow.Gates) != 2 {
		t.Fatalf("Workflow = %+v, want 2 gates", cfg.Workflow)
	}
}

func TestLoadProjectConfigRequiresID(t *testing.T) {
	path := writeProjectConfig(t, "sla: 1h\n")
	if _, err := LoadProjectConfig(path); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestSLAForPrefersTagOverride(t *testing.T) {
	cfg := &ProjectConfig{ID: "demo", SLA: 2 * time.Hour, TagSLA: map[string]time.Duration{"hotfix": 15 * time.Minute}}

	if got := cfg.SLAFor([]string{"hotfix"}); got != 15*time.Minute {
		t.Errorf("SLAFor(hotfix) = %v, want 15m", got)
	}
	if got := cfg.SLAFor([]string{"backend"}); got != 2*time.Hour {
		t.Errorf("SLAFor(backend) = %v, want 2h (default)", got)
	}
}

func TestRegistrySLAForUnknownProjectReturnsZero(t *testing.T) {
	r := NewRegistry()
	if got := r.SLAFor("nonexistent"); got != 0 {
		t.Errorf("SLAFor(unknown) = %v, want 0", got)
	}
}

func TestRegistryWorkflowForResolvesByProject(t *testing.T) {
	path := writeProjectConfig(t, sampleProjectConfig)
	cfg, err := LoadProjectConfig(path)
	if err != nil {
		t.Fatalf("LoadProjectConfig: %v", err)
	}
	r := NewRegistry(cfg)

	task := &store.Task{Project: "demo"}
	wf, ok := r.WorkflowFor(task)
	if !ok {
		t.Fatal("WorkflowFor: expected a workflow for project demo")
	}
	if wf.Name != "standard" {
		t.Errorf("wf.Name = %q, want standard", wf.Name)
	}

	other := &store.Task{Project: "other"}
	if _, ok := r.WorkflowFor(other); ok {
		t.Error("WorkflowFor: expected no workflow for unknown project")
	}
}
