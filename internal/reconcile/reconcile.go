// Package reconcile merges worker branches back into trunk after a session.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/ShayCichocki/squad/internal/bus"
	"github.com/ShayCichocki/squad/internal/git"
	"github.com/ShayCichocki/squad/internal/isolation"
	"github.com/ShayCichocki/squad/internal/logging"
	"github.com/ShayCichocki/squad/pkg/models"
)

// Options configures a Reconciler.
type Options struct {
	// Git operates on the repository root, where trunk is checked out.
	Git git.Runner
	// PushBeforeDelete pushes each merged branch to Remote before deleting it.
	PushBeforeDelete bool
	Remote           string
	// Bus, when set, receives an error report per conflict.
	Bus    *bus.Bus
	Logger *slog.Logger
}

// Reconciler merges worker branches in a deterministic order.
type Reconciler struct {
	git    git.Runner
	push   bool
	remote string
	bus    *bus.Bus
	logger *slog.Logger
}

// New creates a reconciler.
func New(opts Options) *Reconciler {
	remote := opts.Remote
	if remote == "" {
		remote = "origin"
	}
	return &Reconciler{
		git:    opts.Git,
		push:   opts.PushBeforeDelete,
		remote: remote,
		bus:    opts.Bus,
		logger: logging.OrNop(opts.Logger),
	}
}

// MergeMessage is the merge commit message for a worker branch.
func MergeMessage(c *isolation.Context) string {
	return fmt.Sprintf("squad: merge %s (%s)", c.Branch, c.WorkerID)
}

// Reconcile checks out trunk and merges every isolated context's branch with
// --no-ff, ordered by worker id then variant. Missing branches are skipped,
// already merged branches are only cleaned up, and a conflicting merge is
// aborted with its context marked preserved. Running it twice over the same
// contexts is a no-op the second time.
//
// The returned error is reserved for failures that stop reconciliation as a
// whole, such as being unable to check out trunk.
func (r *Reconciler) Reconcile(ctx context.Context, trunk string, contexts []*isolation.Context) (*models.ReconcileSummary, error) {
	summary := &models.ReconcileSummary{}

	ordered := make([]*isolation.Context, 0, len(contexts))
	for _, c := range contexts {
		if c.Isolated && c.Branch != "" {
			ordered = append(ordered, c)
		}
	}
	if len(ordered) == 0 {
		return summary, nil
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].WorkerID != ordered[j].WorkerID {
			return ordered[i].WorkerID < ordered[j].WorkerID
		}
		return ordered[i].Variant < ordered[j].Variant
	})

	if cur, err := r.git.CurrentBranch(ctx); err != nil || cur != trunk {
		if err := r.git.Checkout(ctx, trunk); err != nil {
			return summary, fmt.Errorf("checkout %s: %w", trunk, err)
		}
	}

	for _, c := range ordered {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		r.reconcileOne(ctx, trunk, c, summary)
	}

	r.logger.Info("reconciled", "merged", len(summary.Merged), "conflicts", len(summary.Conflicts), "skipped", len(summary.Skipped))
	return summary, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, trunk string, c *isolation.Context, summary *models.ReconcileSummary) {
	logger := r.logger.With("worker", c.WorkerID, "branch", c.Branch)

	exists, err := r.git.BranchExists(ctx, c.Branch)
	if err != nil {
		logger.Warn("branch lookup failed", "error", err)
		summary.Skipped = append(summary.Skipped, c.Branch)
		return
	}
	if !exists {
		logger.Debug("branch gone, skipping")
		summary.Skipped = append(summary.Skipped, c.Branch)
		return
	}

	merged, err := r.git.IsAncestor(ctx, c.Branch, trunk)
	if err != nil {
		logger.Warn("ancestry check failed", "error", err)
	}
	if merged {
		logger.Debug("nothing to merge")
		r.cleanup(ctx, c, summary, false)
		summary.Skipped = append(summary.Skipped, c.Branch)
		return
	}

	if err := r.git.MergeNoFF(ctx, c.Branch, MergeMessage(c)); err != nil {
		files, ferr := r.git.ConflictedFiles(ctx)
		if ferr != nil {
			logger.Debug("conflicted files unavailable", "error", ferr)
		}
		if aerr := r.git.MergeAbort(ctx); aerr != nil {
			logger.Warn("merge abort failed", "error", aerr)
		}
		c.Preserved = true
		conflict := models.MergeConflict{
			WorkerID: c.WorkerID,
			Branch:   c.Branch,
			Worktree: c.Path,
			Files:    files,
			Message:  err.Error(),
		}
		summary.Conflicts = append(summary.Conflicts, conflict)
		logger.Warn("merge conflict, branch preserved", "files", files, "worktree", c.Path)
		r.report(conflict)
		return
	}

	logger.Info("merged")
	summary.Merged = append(summary.Merged, c.Branch)
	r.cleanup(ctx, c, summary, true)
}

// cleanup removes the worktree, optionally pushes, then deletes the branch.
// Push failures are logged and never block deletion.
func (r *Reconciler) cleanup(ctx context.Context, c *isolation.Context, summary *models.ReconcileSummary, push bool) {
	if _, err := os.Stat(c.Path); err == nil {
		if err := r.git.WorktreeRemove(ctx, c.Path); err != nil {
			r.logger.Warn("worktree not removed; branch kept", "path", c.Path, "error", err)
			return
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("worktree state unknown", "path", c.Path, "error", err)
	}

	if push && r.push {
		if !r.git.HasRemote(ctx, r.remote) {
			r.logger.Warn("remote not configured, skipping push", "remote", r.remote)
		} else if err := r.git.Push(ctx, r.remote, c.Branch); err != nil {
			r.logger.Warn("push failed", "branch", c.Branch, "remote", r.remote, "error", err)
		} else {
			summary.Pushed = append(summary.Pushed, c.Branch)
		}
	}

	if err := r.git.DeleteBranch(ctx, c.Branch); err != nil {
		r.logger.Warn("branch not deleted", "branch", c.Branch, "error", err)
	}
}

func (r *Reconciler) report(c models.MergeConflict) {
	if r.bus == nil {
		return
	}
	msg := fmt.Sprintf("merge conflict on %s; worktree kept at %s", c.Branch, c.Worktree)
	if err := r.bus.RecordError(bus.SystemSender, "", msg); err != nil {
		r.logger.Debug("conflict not recorded", "error", err)
	}
	_ = r.bus.Send(bus.Message{From: bus.SystemSender, To: bus.Broadcast, Payload: bus.ErrorReport{Error: msg}})
}
