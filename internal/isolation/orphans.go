package isolation

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ShayCichocki/squad/internal/git"
)

// Worktree is an entry of git worktree list.
type Worktree struct {
	Path   string
	Branch string
	// Session is the session id parsed from the branch, if it is a squad branch.
	Session string
}

// ParseWorktreeList parses git worktree list --porcelain output.
func ParseWorktreeList(output string) ([]Worktree, error) {
	var worktrees []Worktree
	var current *Worktree

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current != nil {
				worktrees = append(worktrees, *current)
				current = nil
			}
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				worktrees = append(worktrees, *current)
			}
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && current != nil:
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			current.Session = SessionOf(current.Branch)
		}
	}
	if current != nil {
		worktrees = append(worktrees, *current)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse worktree list: %w", err)
	}
	return worktrees, nil
}

// SessionOf returns the session id of a squad worker branch, or "".
func SessionOf(branch string) string {
	session, _, ok := strings.Cut(branch, "/")
	if !ok || !strings.HasPrefix(session, SessionPrefix) {
		return ""
	}
	return session
}

// ListOrphans returns squad worktrees under root whose session is not active.
func ListOrphans(ctx context.Context, g git.WorktreeOperations, root string, active []string) ([]Worktree, error) {
	out, err := g.WorktreeListPorcelain(ctx)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	all, err := ParseWorktreeList(out)
	if err != nil {
		return nil, err
	}

	activeSet := make(map[string]bool, len(active))
	for _, s := range active {
		activeSet[s] = true
	}
	absRoot, _ := filepath.Abs(root)

	var orphans []Worktree
	for _, wt := range all {
		if wt.Session == "" || activeSet[wt.Session] {
			continue
		}
		if absRoot != "" && !within(absRoot, wt.Path) {
			continue
		}
		orphans = append(orphans, wt)
	}
	return orphans, nil
}

// RemoveOrphans force-removes the given worktrees and prunes stale entries.
// Branches are kept. The returned paths were removed.
func RemoveOrphans(ctx context.Context, g git.WorktreeOperations, orphans []Worktree) ([]string, error) {
	var removed []string
	var errs []error
	for _, wt := range orphans {
		if err := g.WorktreeRemove(ctx, wt.Path); err != nil {
			if rmErr := os.RemoveAll(wt.Path); rmErr != nil {
				errs = append(errs, fmt.Errorf("remove %s: %w", wt.Path, err))
				continue
			}
		}
		removed = append(removed, wt.Path)
	}
	if err := g.WorktreePrune(ctx); err != nil {
		errs = append(errs, err)
	}
	return removed, errors.Join(errs...)
}

// RetainedBranches lists squad worker branches still present, excluding active sessions.
func RetainedBranches(ctx context.Context, g git.BranchOperations, active []string) ([]string, error) {
	branches, err := g.ListBranches(ctx, SessionPrefix+"*/*")
	if err != nil {
		return nil, err
	}
	activeSet := make(map[string]bool, len(active))
	for _, s := range active {
		activeSet[s] = true
	}
	var out []string
	for _, b := range branches {
		if !activeSet[SessionOf(b)] {
			out = append(out, b)
		}
	}
	return out, nil
}

func within(root, path string) bool {
	r, err := filepath.Rel(root, path)
	return err == nil && r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator))
}
