// Package gate implements the multi-stage review workflow a task
// passes through between in-progress and done: a sequence of named
// gates, each optionally skippable by a "when" condition, with
// rejection loopback and timeout escalation.
package gate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Condition gates a step's applicability on task metadata, mirroring
// the match-map condition shape used for workflow rule matching in
// the wider retrieval pack.
type Condition struct {
	Match map[string]string `yaml:"match,omitempty"`
}

// Matches reports whether every key in c.Match agrees with fields,
// where a "*" expected value only requires the key to be present and
// non-empty.
func (c Condition) Matches(fields map[string]string) bool {
	for key, expected := range c.Match {
		actual, exists := fields[key]
		if expected == "*" {
			if !exists || actual == "" {
				return false
			}
			continue
		}
		if !exists || actual != expected {
			return false
		}
	}
	return true
}

// Gate is one stage of a workflow.
type Gate struct {
	Name       string        `yaml:"name"`
	Role       string        `yaml:"role,omitempty"`
	When       *Condition    `yaml:"when,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	EscalateTo string        `yaml:"escalateTo,omitempty"`
	OnReject   string        `yaml:"onReject,omitempty"`
	CanReject  bool          `yaml:"canReject,omitempty"`
}

// Workflow is an ordered sequence of gates a task walks through.
type Workflow struct {
	Name  string `yaml:"name"`
	Gates []Gate `yaml:"gates"`
}

// Config is the top-level workflow configuration file, keyed by
// workflow name so one project can define several pipelines (e.g.
// "standard", "hotfix").
type Config struct {
	Workflows map[string]Workflow `yaml:"workflows"`
}

// Load reads and parses a workflow config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse workflow config %s: %w", path, err)
	}
	for name, wf := range cfg.Workflows {
		if len(wf.Gates) == 0 {
			return nil, fmt.Errorf("workflow %s: must define at least one gate", name)
		}
	}
	return &cfg, nil
}

// Gate looks up a named gate within a workflow.
func (w Workflow) Gate(name string) (Gate, bool) {
	for _, g := range w.Gates {
		if g.Name == name {
			return g, true
		}
	}
	return Gate{}, false
}

// Index returns the position of the named gate in the sequence, or -1.
func (w Workflow) Index(name string) int {
	for i, g := range w.Gates {
		if g.Name == name {
			return i
		}
	}
	return -1
}
