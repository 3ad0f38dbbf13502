package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrInvalidTransition is returned when a status change would move a work item backward.
var ErrInvalidTransition = errors.New("invalid status transition")

// maxSerializedOutput bounds the output carried in a serialized work item.
const maxSerializedOutput = 1000

// TaskStatus represents the current state of a work item.
type TaskStatus string

const (
	// TaskStatusPending indicates the item has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates a runner is executing the item.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates the worker subprocess succeeded.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the worker subprocess failed or timed out.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusSkipped indicates the item never ran, usually because a dependency failed.
	TaskStatusSkipped TaskStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true for completed, failed and skipped.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusSkipped
}

// TaskKind classifies the nature of a work item.
type TaskKind string

const (
	KindDevelopment    TaskKind = "development"
	KindTesting        TaskKind = "testing"
	KindDocumentation  TaskKind = "documentation"
	KindInfrastructure TaskKind = "infrastructure"
	KindResearch       TaskKind = "research"
	KindBugFix         TaskKind = "bug_fix"
	KindRefactor       TaskKind = "refactor"
)

// Valid returns true if the kind is a known value.
func (k TaskKind) Valid() bool {
	switch k {
	case KindDevelopment, KindTesting, KindDocumentation, KindInfrastructure,
		KindResearch, KindBugFix, KindRefactor:
		return true
	default:
		return false
	}
}

// ParseKind normalizes a user-supplied kind ("bug-fix", "Bug Fix", "bugfix").
// An empty string maps to development.
func ParseKind(s string) (TaskKind, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	if norm == "" {
		return KindDevelopment, nil
	}
	if norm == "bugfix" {
		return KindBugFix, nil
	}
	k := TaskKind(norm)
	if !k.Valid() {
		return "", fmt.Errorf("unknown kind %q", s)
	}
	return k, nil
}

// Priority orders work items; it also scales the redundant variant count.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Rank returns 0 for low through 3 for critical, -1 if unknown.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return -1
	}
}

// ParsePriority normalizes a user-supplied priority. An empty string maps to medium.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if p == "" {
		return PriorityMedium, nil
	}
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// ArtifactType identifies what was extracted from worker output.
type ArtifactType string

const (
	// ArtifactCodeBlock is a fenced code block.
	ArtifactCodeBlock ArtifactType = "code_block"
	// ArtifactFilePath is a file path referenced in the output.
	ArtifactFilePath ArtifactType = "file_path"
)

// Artifact is a structured fragment extracted from worker output.
type Artifact struct {
	// Type says whether this is a code block or a path reference.
	Type ArtifactType `json:"type"`
	// Language is the fence info string for code blocks.
	Language string `json:"language,omitempty"`
	// Content is the code block body or the path.
	Content string `json:"content"`
}

// WorkItem is a unit of work dispatched to a worker.
type WorkItem struct {
	// ID is the stable identifier, unique within a batch.
	ID string `json:"id"`
	// Title is the short human description.
	Title string `json:"title"`
	// Body is the free-text task description.
	Body string `json:"body,omitempty"`
	// Kind classifies the work.
	Kind TaskKind `json:"kind"`
	// Priority orders the work.
	Priority Priority `json:"priority"`
	// Assignment is the worker id, empty for auto-routing.
	Assignment string `json:"assignment,omitempty"`
	// Status is the lifecycle state.
	Status TaskStatus `json:"status"`
	// Dependencies lists item IDs that must complete before this one starts.
	Dependencies []string `json:"dependencies,omitempty"`
	// Tags are free-form labels used for tool suggestions and knowledge lookup.
	Tags []string `json:"tags,omitempty"`
	// ContextFiles are glob patterns, relative to the isolation root, whose
	// contents are included in the prompt.
	ContextFiles []string `json:"context_files,omitempty"`
	// EstimatedEffort is the caller's effort estimate in hours.
	EstimatedEffort float64 `json:"estimated_effort,omitempty"`
	// CreatedAt is when the item was constructed.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is set by MarkStarted.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is set by every terminal transition.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Output is the captured stdout of the worker.
	Output string `json:"output,omitempty"`
	// Error is the failure or skip diagnostic.
	Error string `json:"error,omitempty"`
	// Artifacts are extracted from Output on success.
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// NewWorkItem creates a pending item with defaults for kind and priority.
func NewWorkItem(id, title, body string) *WorkItem {
	return &WorkItem{
		ID:        id,
		Title:     title,
		Body:      body,
		Kind:      KindDevelopment,
		Priority:  PriorityMedium,
		Status:    TaskStatusPending,
		CreatedAt: time.Now(),
	}
}

// MarkStarted moves a pending item to in-progress.
func (w *WorkItem) MarkStarted() error {
	if w.Status != TaskStatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.Status, TaskStatusInProgress)
	}
	now := time.Now()
	w.StartedAt = &now
	w.Status = TaskStatusInProgress
	return nil
}

// MarkCompleted records output and moves an in-progress item to completed.
func (w *WorkItem) MarkCompleted(output string) error {
	if w.Status != TaskStatusInProgress {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.Status, TaskStatusCompleted)
	}
	w.Output = output
	w.finish(TaskStatusCompleted)
	return nil
}

// MarkFailed records the error and moves an in-progress item to failed.
func (w *WorkItem) MarkFailed(errText string) error {
	if w.Status != TaskStatusInProgress {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.Status, TaskStatusFailed)
	}
	w.Error = errText
	w.finish(TaskStatusFailed)
	return nil
}

// MarkSkipped terminates a pending or in-progress item without running it to completion.
func (w *WorkItem) MarkSkipped(reason string) error {
	if w.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.Status, TaskStatusSkipped)
	}
	w.Error = reason
	w.finish(TaskStatusSkipped)
	return nil
}

func (w *WorkItem) finish(status TaskStatus) {
	now := time.Now()
	if w.StartedAt == nil {
		started := now
		w.StartedAt = &started
	} else if now.Before(*w.StartedAt) {
		now = *w.StartedAt
	}
	w.CompletedAt = &now
	w.Status = status
}

// Duration returns the elapsed execution time. For an item still running it
// measures up to now; for an item never started it is zero.
func (w *WorkItem) Duration() time.Duration {
	if w.StartedAt == nil {
		return 0
	}
	if w.CompletedAt == nil {
		return time.Since(*w.StartedAt)
	}
	return w.CompletedAt.Sub(*w.StartedAt)
}

// Clone returns a deep copy of the item.
func (w *WorkItem) Clone() *WorkItem {
	c := *w
	c.Dependencies = append([]string(nil), w.Dependencies...)
	c.Tags = append([]string(nil), w.Tags...)
	c.ContextFiles = append([]string(nil), w.ContextFiles...)
	c.Artifacts = append([]Artifact(nil), w.Artifacts...)
	if w.StartedAt != nil {
		t := *w.StartedAt
		c.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// MarshalJSON serializes the item with output truncated and the duration included.
func (w *WorkItem) MarshalJSON() ([]byte, error) {
	type alias WorkItem
	out := w.Output
	if len(out) > maxSerializedOutput {
		cut := maxSerializedOutput
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	a := alias(*w)
	a.Output = out
	return json.Marshal(struct {
		alias
		DurationSeconds float64 `json:"duration_seconds"`
	}{a, w.Duration().Seconds()})
}

// Keywords returns the lowercased title, body and tags used for matching.
func (w *WorkItem) Keywords() string {
	parts := append([]string{w.Title, w.Body}, w.Tags...)
	return strings.ToLower(strings.Join(parts, " "))
}
