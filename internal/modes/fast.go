package modes

import (
	"context"
	"sync"

	"github.com/ShayCichocki/squad/internal/isolation"
	"github.com/ShayCichocki/squad/internal/runner"
	"github.com/ShayCichocki/squad/pkg/models"
)

// Fast runs items one at a time directly in the trunk working tree.
type Fast struct {
	deps   Deps
	runner *runner.Runner

	mu       sync.Mutex
	manager  *isolation.Fast
	contexts map[string]*isolation.Context
	residue  []string
}

// NewFast creates a fast mode. Changes are committed per item only when
// deps.FastAutoCommit is set.
func NewFast(deps Deps) *Fast {
	deps = deps.withDefaults()
	return &Fast{deps: deps, runner: deps.newRunner(deps.FastAutoCommit)}
}

func (f *Fast) Name() models.ExecutionMode { return models.ModeFast }
func (f *Fast) SupportsParallelism() bool  { return false }
func (f *Fast) MaxParallel() int           { return 1 }

// Prepare points every worker at the working tree, warning when it is dirty.
func (f *Fast) Prepare(ctx context.Context, items []*models.WorkItem) error {
	mgr := isolation.NewFast(f.deps.Git, f.deps.Trunk, f.deps.Logger)
	contexts, err := mgr.Prepare(ctx, workersOf(items))
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.manager, f.contexts = mgr, contexts
	f.mu.Unlock()
	return nil
}

// Execute runs the item in the shared tree. Calls are serialized even if the
// scheduler were to overlap them.
func (f *Fast) Execute(ctx context.Context, item *models.WorkItem, worker *models.WorkerSpec) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ic := f.contexts[worker.ID]
	if ic == nil {
		return failItem(item, "no working tree context for worker "+worker.ID)
	}
	return f.runner.Run(ctx, item, worker, ic).Success
}

// Cleanup records and reports uncommitted files left in the tree.
func (f *Fast) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.manager == nil {
		return nil
	}
	residue, err := f.manager.Residue(ctx)
	if err != nil {
		f.deps.Logger.Warn("could not list uncommitted files", "error", err)
	} else if len(residue) > 0 {
		f.residue = residue
		f.deps.Logger.Warn("uncommitted changes left in working tree", "files", residue)
	}
	return f.manager.Finalize(ctx, f.contexts)
}

// Contexts returns the per-worker views of the working tree.
func (f *Fast) Contexts() []*isolation.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedContexts(f.contexts)
}

// Residue returns the uncommitted files found at cleanup.
func (f *Fast) Residue() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.residue...)
}
