// Package config loads the per-project manifest that tells the
// scheduler which workflow a project's tasks gate through and what
// SLA to hold them to.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/d0labs/taskflow/internal/gate"
	"github.com/d0labs/taskflow/internal/store"
)

// ProjectConfig is the decoded form of a data directory's
// project.yaml: an id, an optional inline workflow, and SLA limits
// that default per-project but can be overridden per tag.
type ProjectConfig struct {
	ID       string                   `yaml:"id"`
	Workflow *gate.Workflow           `yaml:"workflow,omitempty"`
	SLA      time.Duration            `yaml:"sla,omitempty"`
	TagSLA   map[string]time.Duration `yaml:"tagSla,omitempty"`
}

// LoadProjectConfig reads and parses a project.yaml file.
func LoadProjectConfig(path string) (*ProjectConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project config %s: %w", path, err)
	}
	var cfg ProjectConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse project config %s: %w", path, err)
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("project config %s: id is required", path)
	}
	return &cfg, nil
}

// SLAFor returns the SLA a task should be held to: the override of the
// first tag in tags that has one, falling back to the project default.
func (c *ProjectConfig) SLAFor(tags []string) time.Duration {
	for _, tag := range tags {
		if d, ok := c.TagSLA[tag]; ok && d > 0 {
			return d
		}
	}
	return c.SLA
}

// Registry aggregates every known project's config so the scheduler
// can resolve SLAs and workflows by project id without caring how
// many project.yaml files exist on disk.
type Registry struct {
	projects map[string]*ProjectConfig
}

// NewRegistry builds a Registry from already-loaded configs, keyed by
// their own ID field.
func NewRegistry(configs ...*ProjectConfig) *Registry {
	r := &Registry{projects: make(map[string]*ProjectConfig, len(configs))}
	for _, c := range configs {
		r.projects[c.ID] = c
	}
	return r
}

// Get returns the config for project, or nil if unknown.
func (r *Registry) Get(project string) *ProjectConfig {
	return r.projects[project]
}

// SLAFor implements the scheduler's Options.SLAFor signature: the
// project's default SLA, or zero if the project is unknown (the
// scheduler then falls back to its own DefaultSLA).
func (r *Registry) SLAFor(project string) time.Duration {
	c := r.Get(project)
	if c == nil {
		return 0
	}
	return c.SLA
}

// WorkflowFor implements the scheduler's Options.WorkflowFor
// signature, resolving a task's workflow from its project's manifest.
func (r *Registry) WorkflowFor(t *store.Task) (gate.Workflow, bool) {
	c := r.Get(t.Project)
	if c == nil || c.Workflow == nil {
		return gate.Workflow{}, false
	}
	return *c.Workflow, true
}
