// Package isolation gives every worker its own place to write: a worktree on
// a dedicated branch (safe), the trunk working tree (fast), or several
// worktrees for one task (redundant).
package isolation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ShayCichocki/squad/internal/git"
	"github.com/ShayCichocki/squad/pkg/models"
)

// ErrOutsideContext is returned when a path escapes the context root.
var ErrOutsideContext = errors.New("path outside isolation context")

// Manager creates and tears down isolation contexts for a session.
type Manager interface {
	// Prepare returns one context per key. Keys are worker ids, or
	// "<worker>-v<n>" for redundant variants.
	Prepare(ctx context.Context, workers []string) (map[string]*Context, error)
	// Finalize removes whatever the contexts own unless they are preserved.
	// Branches are never deleted here.
	Finalize(ctx context.Context, contexts map[string]*Context) error
}

// Context is one worker's working tree. A context is used by one runner at a
// time; callers serialize access with Lock and Unlock.
type Context struct {
	// WorkerID owns the context.
	WorkerID string `json:"worker_id"`
	// Variant is 1..n under redundant isolation, 0 otherwise.
	Variant int `json:"variant,omitempty"`
	// Branch is the dedicated branch, or the trunk under fast isolation.
	Branch string `json:"branch"`
	// Path is the absolute root of the working tree.
	Path string `json:"path"`
	// Base is the trunk the branch was cut from.
	Base string `json:"base"`
	// Commits are the SHAs created through Commit, oldest first.
	Commits []string `json:"commits,omitempty"`
	// Files is the sorted union of files touched by Commits.
	Files []string `json:"files,omitempty"`
	// Preserved keeps the worktree at Finalize, e.g. after a merge conflict.
	Preserved bool `json:"preserved,omitempty"`
	// Isolated is false when the context is the trunk working tree.
	Isolated bool `json:"isolated"`

	mu  sync.Mutex
	git git.Runner
}

// Lock serializes runners sharing this context.
func (c *Context) Lock() { c.mu.Lock() }

// Unlock releases Lock.
func (c *Context) Unlock() { c.mu.Unlock() }

// Key identifies the context within a session.
func (c *Context) Key() string {
	return contextKey(c.WorkerID, c.Variant)
}

// Git returns a git runner bound to the context root.
func (c *Context) Git() git.Runner {
	return c.git
}

// Resolve returns the absolute path of rel inside the context, rejecting
// anything that would land outside Path.
func (c *Context) Resolve(rel string) (string, error) {
	var p string
	if filepath.IsAbs(rel) {
		p = filepath.Clean(rel)
	} else {
		p = filepath.Join(c.Path, rel)
	}
	r, err := filepath.Rel(c.Path, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideContext, rel)
	}
	return p, nil
}

// CommitMessage is the deterministic message for a completed item.
func CommitMessage(workerID string, item *models.WorkItem) string {
	return fmt.Sprintf("%s: %s\n\ntask: %s", workerID, item.Title, item.ID)
}

// Commit stages every change and commits it with CommitMessage. A clean tree
// is not an error: it returns an empty SHA and no files.
func (c *Context) Commit(ctx context.Context, item *models.WorkItem) (string, []string, error) {
	if c.git == nil {
		return "", nil, errors.New("context has no git runner")
	}
	if err := c.git.AddAll(ctx); err != nil {
		return "", nil, fmt.Errorf("stage changes: %w", err)
	}
	staged, err := c.git.HasStagedChanges(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("check staged changes: %w", err)
	}
	if !staged {
		return "", nil, nil
	}
	sha, err := c.git.Commit(ctx, CommitMessage(c.WorkerID, item))
	if err != nil {
		return "", nil, fmt.Errorf("commit: %w", err)
	}
	files, err := c.git.CommitFiles(ctx, sha)
	if err != nil {
		return sha, nil, fmt.Errorf("list committed files: %w", err)
	}
	c.Commits = append(c.Commits, sha)
	c.Files = mergeSorted(c.Files, files)
	return sha, files, nil
}

func contextKey(worker string, variant int) string {
	if variant == 0 {
		return worker
	}
	return fmt.Sprintf("%s-v%d", worker, variant)
}

func mergeSorted(have, add []string) []string {
	seen := make(map[string]bool, len(have)+len(add))
	out := make([]string, 0, len(have)+len(add))
	for _, f := range append(append([]string(nil), have...), add...) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
