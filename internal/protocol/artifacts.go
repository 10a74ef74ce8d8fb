package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/d0labs/taskflow/internal/store"
)

// handoffArtifact is the JSON record written alongside the
// human-readable markdown companion whenever a handoff.request is
// accepted into a task's pending state.
type handoffArtifact struct {
	From    string    `json:"from"`
	ToAgent string    `json:"toAgent,omitempty"`
	ToRole  string    `json:"toRole,omitempty"`
	Reason  string    `json:"reason"`
	SentAt  time.Time `json:"sentAt"`
}

// writeHandoffArtifacts records a handoff request under
// tasks/<status>/<id>/inputs/, so the next agent to pick up the task
// (or a human reviewing it after the fact) finds the delegation
// reasoning on disk rather than only in the event log.
func writeHandoffArtifacts(root string, status store.Status, id string, a handoffArtifact) error {
	dir := filepath.Join(root, "tasks", string(status), id, "inputs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create handoff inputs dir: %w", err)
	}

	raw, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal handoff artifact: %w", err)
	}
	name := fmt.Sprintf("handoff-%d", a.SentAt.UnixNano())
	if err := writeAtomic(filepath.Join(dir, name+".json"), raw); err != nil {
		return fmt.Errorf("write handoff json artifact: %w", err)
	}

	md := renderHandoffMarkdown(a)
	if err := writeAtomic(filepath.Join(dir, name+".md"), []byte(md)); err != nil {
		return fmt.Errorf("write handoff markdown artifact: %w", err)
	}
	return nil
}

func renderHandoffMarkdown(a handoffArtifact) string {
	to := a.ToAgent
	if to == "" {
		to = a.ToRole
	}
	return fmt.Sprintf("# Handoff request\n\nFrom: %s\nTo: %s\nRequested: %s\n\n%s\n",
		a.From, to, a.SentAt.Format(time.RFC3339), a.Reason)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	return nil
}
