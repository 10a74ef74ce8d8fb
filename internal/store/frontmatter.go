package store

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const frontMatterDelim = "---"

// frontMatterDoc is the YAML shape written between the delimiters.
// It mirrors Task's exported fields minus Body, which lives in the
// markdown section that follows.
type frontMatterDoc struct {
	ID               string             `yaml:"id"`
	Project          string             `yaml:"project"`
	Title            string             `yaml:"title"`
	Status           Status             `yaml:"status"`
	Priority         Priority           `yaml:"priority"`
	Routing          Routing            `yaml:"routing,omitempty"`
	DependsOn        []string           `yaml:"dependsOn,omitempty"`
	ParentID         string             `yaml:"parentId,omitempty"`
	Resource         string             `yaml:"resource,omitempty"`
	Lease            *Lease             `yaml:"lease,omitempty"`
	Gate             *GateRef           `yaml:"gate,omitempty"`
	GateHistory      []GateHistoryEntry `yaml:"gateHistory,omitempty"`
	ReviewContext    *ReviewContext     `yaml:"reviewContext,omitempty"`
	Metadata         Metadata           `yaml:"metadata,omitempty"`
	CreatedAt        time.Time          `yaml:"createdAt"`
	UpdatedAt        time.Time          `yaml:"updatedAt"`
	LastTransitionAt time.Time          `yaml:"lastTransitionAt"`
}

// EncodeTask renders t as a front-matter document followed by its
// markdown body, in the "---\n<yaml>\n---\n\n<body>" shape used
// throughout the teacher's config and plan files.
func EncodeTask(t *Task) ([]byte, error) {
	doc := frontMatterDoc{
		ID:               t.ID,
		Project:          t.Project,
		Title:            t.Title,
		Status:           t.Status,
		Priority:         t.Priority,
		Routing:          t.Routing,
		DependsOn:        t.DependsOn,
		ParentID:         t.ParentID,
		Resource:         t.Resource,
		Lease:            t.Lease,
		Gate:             t.Gate,
		GateHistory:      t.GateHistory,
		ReviewContext:    t.ReviewContext,
		Metadata:         t.Metadata,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		LastTransitionAt: t.LastTransitionAt,
	}

	var yamlBuf bytes.Buffer
	enc := yaml.NewEncoder(&yamlBuf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}

	var out bytes.Buffer
	out.WriteString(frontMatterDelim)
	out.WriteByte('\n')
	out.Write(yamlBuf.Bytes())
	out.WriteString(frontMatterDelim)
	out.WriteString("\n\n")
	out.WriteString(t.Body)
	if len(t.Body) > 0 && !strings.HasSuffix(t.Body, "\n") {
		out.WriteByte('\n')
	}
	return out.Bytes(), nil
}

// DecodeTask parses a front-matter document written by EncodeTask.
func DecodeTask(raw []byte) (*Task, error) {
	text := string(raw)
	if !strings.HasPrefix(text, frontMatterDelim) {
		return nil, fmt.Errorf("decode task: missing front-matter delimiter")
	}
	rest := text[len(frontMatterDelim):]
	rest = strings.TrimPrefix(rest, "\n")

	idx := strings.Index(rest, "\n"+frontMatterDelim)
	if idx < 0 {
		return nil, fmt.Errorf("decode task: unterminated front-matter")
	}
	yamlPart := rest[:idx]
	remainder := rest[idx+len("\n"+frontMatterDelim):]
	remainder = strings.TrimPrefix(remainder, "\n")
	remainder = strings.TrimPrefix(remainder, "\n")

	var doc frontMatterDoc
	if err := yaml.Unmarshal([]byte(yamlPart), &doc); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}

	if doc.Metadata == nil {
		doc.Metadata = make(Metadata)
	}

	t := &Task{
		ID:               doc.ID,
		Project:          doc.Project,
		Title:            doc.Title,
		Status:           doc.Status,
		Priority:         doc.Priority,
		Routing:          doc.Routing,
		DependsOn:        doc.DependsOn,
		ParentID:         doc.ParentID,
		Resource:         doc.Resource,
		Lease:            doc.Lease,
		Gate:             doc.Gate,
		GateHistory:      doc.GateHistory,
		ReviewContext:    doc.ReviewContext,
		Metadata:         doc.Metadata,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
		LastTransitionAt: doc.LastTransitionAt,
		Body:             remainder,
	}
	if !t.Status.Valid() {
		return nil, fmt.Errorf("decode task %s: unknown status %q", t.ID, t.Status)
	}
	return t, nil
}

// FileExt is the extension used for task files, chosen so a task's
// markdown body renders correctly in any editor or git viewer.
const FileExt = ".md"
