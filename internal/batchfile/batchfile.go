// Package batchfile reads batch definitions from YAML or JSON files.
//
// A batch file looks like:
//
//	name: auth rollout
//	items:
//	  - id: t1
//	    title: Implement login endpoint
//	    body: ...
//	    kind: development
//	    priority: high
//	    assignment: alfred
//	    dependencies: [t0]
//	    tags: [api]
//	    estimated_effort: 1.5
//	    context_files: ["internal/auth/*.go"]
//
// Unknown fields are ignored. Because YAML is a superset of JSON, the same
// parser accepts JSON documents.
package batchfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/squad/pkg/models"
)

// ErrNoItems is returned when the document has neither items nor tasks.
var ErrNoItems = errors.New("batch file has no items")

// document is the on-disk shape. "tasks" is accepted as a synonym for "items".
type document struct {
	Name  string      `yaml:"name"`
	Items []itemEntry `yaml:"items"`
	Tasks []itemEntry `yaml:"tasks"`
}

type itemEntry struct {
	ID              string   `yaml:"id"`
	Title           string   `yaml:"title"`
	Body            string   `yaml:"body"`
	Description     string   `yaml:"description"`
	Kind            string   `yaml:"kind"`
	Type            string   `yaml:"type"`
	Priority        string   `yaml:"priority"`
	Assignment      string   `yaml:"assignment"`
	AssignedTo      string   `yaml:"assigned_to"`
	Dependencies    []string `yaml:"dependencies"`
	DependsOn       []string `yaml:"depends_on"`
	Tags            []string `yaml:"tags"`
	EstimatedEffort float64  `yaml:"estimated_effort"`
	ContextFiles    []string `yaml:"context_files"`
}

// Load reads and parses a batch file. The batch name defaults to the file's
// base name without extension.
func Load(path string) (*models.Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if b.Name == "" {
		b.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return b, nil
}

// Parse builds an unvalidated batch from a YAML or JSON document. Structural
// problems (missing id or title, unknown kind or priority) are reported here;
// dependency resolution and cycle detection belong to Batch.Validate.
func Parse(data []byte) (*models.Batch, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse batch: %w", err)
	}

	entries := doc.Items
	if len(entries) == 0 {
		entries = doc.Tasks
	}
	if len(entries) == 0 {
		return nil, ErrNoItems
	}

	items := make([]*models.WorkItem, 0, len(entries))
	var errs []error
	for i, e := range entries {
		it, err := e.toWorkItem()
		if err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", i+1, err))
			continue
		}
		items = append(items, it)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return models.NewBatch(doc.Name, items), nil
}

func (e itemEntry) toWorkItem() (*models.WorkItem, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return nil, errors.New("missing id")
	}
	if strings.TrimSpace(e.Title) == "" {
		return nil, fmt.Errorf("%s: missing title", id)
	}

	kind, err := models.ParseKind(firstNonEmpty(e.Kind, e.Type))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	priority, err := models.ParsePriority(e.Priority)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	if e.EstimatedEffort < 0 {
		return nil, fmt.Errorf("%s: negative estimated_effort", id)
	}

	it := models.NewWorkItem(id, strings.TrimSpace(e.Title), firstNonEmpty(e.Body, e.Description))
	it.Kind = kind
	it.Priority = priority
	it.Assignment = strings.TrimSpace(firstNonEmpty(e.Assignment, e.AssignedTo))
	it.Dependencies = dedupe(append(append([]string(nil), e.Dependencies...), e.DependsOn...))
	it.Tags = e.Tags
	it.EstimatedEffort = e.EstimatedEffort
	it.ContextFiles = e.ContextFiles
	return it, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
