package modes

import (
	"context"
	"sort"
	"sync"

	"github.com/ShayCichocki/squad/internal/isolation"
	"github.com/ShayCichocki/squad/internal/runner"
	"github.com/ShayCichocki/squad/pkg/models"
)

// Safe gives every worker its own worktree and branch. Items for the same
// worker run one at a time in that worker's tree; different workers run in
// parallel. Branches are merged by the reconciler.
type Safe struct {
	deps   Deps
	runner *runner.Runner

	mu       sync.Mutex
	manager  *isolation.Safe
	contexts map[string]*isolation.Context
}

var (
	_ Reconciling  = (*Safe)(nil)
	_ WorkerSerial = (*Safe)(nil)
)

// NewSafe creates a safe mode.
func NewSafe(deps Deps) *Safe {
	deps = deps.withDefaults()
	return &Safe{deps: deps, runner: deps.newRunner(true)}
}

func (s *Safe) Name() models.ExecutionMode { return models.ModeSafe }
func (s *Safe) SupportsParallelism() bool  { return true }
func (s *Safe) SerialPerWorker() bool      { return true }

// MaxParallel is the number of worker trees, bounded by the configured
// ceiling. Before Prepare it is the ceiling.
func (s *Safe) MaxParallel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.contexts) == 0 {
		return s.deps.MaxParallel
	}
	return min(len(s.contexts), s.deps.MaxParallel)
}

// Prepare verifies the repository and creates one worktree per assigned worker.
func (s *Safe) Prepare(ctx context.Context, items []*models.WorkItem) error {
	mgr, err := isolation.NewSafe(s.deps.isolationOptions(s.deps.Trunk))
	if err != nil {
		return err
	}
	contexts, err := mgr.Prepare(ctx, workersOf(items))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.manager, s.contexts = mgr, contexts
	s.mu.Unlock()
	return nil
}

// Execute runs the item in the worker's tree, serialized per worker.
func (s *Safe) Execute(ctx context.Context, item *models.WorkItem, worker *models.WorkerSpec) bool {
	s.mu.Lock()
	ic := s.contexts[worker.ID]
	s.mu.Unlock()
	if ic == nil {
		return failItem(item, "no isolation context for worker "+worker.ID)
	}
	ic.Lock()
	defer ic.Unlock()
	return s.runner.Run(ctx, item, worker, ic).Success
}

// Trunk returns the resolved trunk branch.
func (s *Safe) Trunk() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manager == nil {
		return s.deps.Trunk
	}
	return s.manager.Trunk()
}

// Contexts returns the worker contexts sorted by worker id.
func (s *Safe) Contexts() []*isolation.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedContexts(s.contexts)
}

// Cleanup removes every worktree not preserved by the reconciler.
func (s *Safe) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	mgr, contexts := s.manager, s.contexts
	s.mu.Unlock()
	if mgr == nil {
		return nil
	}
	return mgr.Finalize(ctx, contexts)
}

func sortedContexts(m map[string]*isolation.Context) []*isolation.Context {
	out := make([]*isolation.Context, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WorkerID != out[j].WorkerID {
			return out[i].WorkerID < out[j].WorkerID
		}
		return out[i].Variant < out[j].Variant
	})
	return out
}
