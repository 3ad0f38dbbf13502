package modes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/ShayCichocki/squad/internal/isolation"
	"github.com/ShayCichocki/squad/internal/runner"
	"github.com/ShayCichocki/squad/pkg/models"
)

// axisInstructions are the prompt sections for the built-in axes. Unknown
// axes get a generic instruction.
var axisInstructions = map[string]string{
	"simplicity":  "Favor the simplest solution that fully works. Minimize abstractions and moving parts.",
	"performance": "Optimize for runtime performance. Prefer efficient algorithms and avoid unnecessary allocations or I/O.",
	"security":    "Treat security as the primary concern. Validate every input and handle failure paths explicitly.",
	"modern":      "Use modern language features and current best-known libraries and idioms.",
	"scalability": "Design for growth: clear module boundaries, configuration over constants, and room to extend.",
}

// AxisInstruction returns the approach section for a variation axis.
func AxisInstruction(axis string) string {
	if s, ok := axisInstructions[strings.ToLower(axis)]; ok {
		return s
	}
	return fmt.Sprintf("Optimize this solution for %s.", axis)
}

// VariantResult is written to results/<task>/variant_<n>/result.json.
type VariantResult struct {
	TaskID    string        `json:"task_id"`
	Variant   int           `json:"variant"`
	Axis      string        `json:"axis"`
	Worker    string        `json:"worker"`
	Branch    string        `json:"branch"`
	Worktree  string        `json:"worktree"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	CommitSHA string        `json:"commit_sha,omitempty"`
	Files     []string      `json:"files,omitempty"`
	Duration  time.Duration `json:"duration"`
	Output    string        `json:"output,omitempty"`
}

// VariantSummary is one entry of results/<task>/summary.json.
type VariantSummary struct {
	Variant    int    `json:"variant"`
	Axis       string `json:"axis"`
	Status     string `json:"status"`
	FileCount  int    `json:"file_count"`
	TotalBytes int64  `json:"total_bytes"`
	HasTests   bool   `json:"has_tests"`
	Branch     string `json:"branch"`
}

// TaskSummary is results/<task>/summary.json.
type TaskSummary struct {
	TaskID    string           `json:"task_id"`
	Title     string           `json:"title"`
	Worker    string           `json:"worker"`
	Succeeded int              `json:"succeeded"`
	Variants  []VariantSummary `json:"variants"`
}

// Redundant runs every item N times in independent worktrees, each variant
// steered along a different axis. Variants are preserved and summarized for
// a human to pick from; nothing is merged.
type Redundant struct {
	deps   Deps
	runner *runner.Runner

	// prepMu serializes worktree creation across concurrently running items.
	prepMu sync.Mutex

	mu       sync.Mutex
	trunk    string
	managers []redundantRun
}

type redundantRun struct {
	manager  *isolation.Redundant
	contexts map[string]*isolation.Context
}

var _ ResultProducer = (*Redundant)(nil)

// NewRedundant creates a redundant mode.
func NewRedundant(deps Deps) *Redundant {
	deps = deps.withDefaults()
	if len(deps.Axes) == 0 {
		deps.Axes = []string{"simplicity", "performance", "security", "modern", "scalability"}
	}
	return &Redundant{deps: deps, runner: deps.newRunner(true)}
}

func (r *Redundant) Name() models.ExecutionMode { return models.ModeRedundant }
func (r *Redundant) SupportsParallelism() bool  { return true }
func (r *Redundant) MaxParallel() int           { return r.deps.MaxParallel }

// ResultsDir is where per-task variant results are written.
func (r *Redundant) ResultsDir() string {
	return filepath.Join(r.deps.SessionDir, "results")
}

// Prepare resolves the trunk once so every item's variants share a base.
func (r *Redundant) Prepare(ctx context.Context, items []*models.WorkItem) error {
	if !r.deps.Git.IsRepository(ctx) {
		return fmt.Errorf("redundant mode needs a git repository: %s", r.deps.Git.Dir())
	}
	trunk, err := isolation.ResolveTrunk(ctx, r.deps.Git, r.deps.Trunk)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.trunk = trunk
	r.mu.Unlock()
	return os.MkdirAll(r.ResultsDir(), 0755)
}

// Execute fans the item out to its variants and succeeds if any variant does.
func (r *Redundant) Execute(ctx context.Context, item *models.WorkItem, worker *models.WorkerSpec) bool {
	logger := r.deps.Logger.With("item", item.ID, "worker", worker.ID)
	ensureStarted(item)
	n := isolation.Variants(item.Priority, r.deps.MinVariants, r.deps.MaxVariants)

	r.mu.Lock()
	trunk := r.trunk
	r.mu.Unlock()
	mgr, err := isolation.NewRedundant(r.deps.isolationOptions(trunk), n)
	if err != nil {
		return failItem(item, err.Error())
	}
	r.prepMu.Lock()
	contexts, err := mgr.Prepare(ctx, []string{worker.ID})
	r.prepMu.Unlock()
	if err != nil {
		return failItem(item, fmt.Sprintf("prepare variants: %v", err))
	}
	r.mu.Lock()
	r.managers = append(r.managers, redundantRun{manager: mgr, contexts: contexts})
	r.mu.Unlock()
	logger.Info("running variants", "count", n)

	variants := sortedContexts(contexts)
	p := pool.NewWithResults[VariantResult]().WithMaxGoroutines(min(n, r.deps.MaxParallel))
	for _, ic := range variants {
		axis := r.deps.Axes[(ic.Variant-1)%len(r.deps.Axes)]
		p.Go(func() VariantResult {
			v := item.Clone()
			out := r.runner.RunWithInstructions(ctx, v, worker, ic, AxisInstruction(axis))
			return VariantResult{
				TaskID:    item.ID,
				Variant:   ic.Variant,
				Axis:      axis,
				Worker:    worker.ID,
				Branch:    ic.Branch,
				Worktree:  ic.Path,
				Status:    string(v.Status),
				Error:     v.Error,
				CommitSHA: out.CommitSHA,
				Files:     out.Files,
				Duration:  out.Duration,
				Output:    v.Output,
			}
		})
	}
	results := p.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Variant < results[j].Variant })

	summary, err := r.writeResults(item, worker, results)
	if err != nil {
		logger.Warn("variant results not written", "error", err)
	}

	if summary.Succeeded == 0 {
		if ctx.Err() != nil {
			_ = item.MarkFailed(runner.CancelledError)
			return false
		}
		var errs []string
		for _, res := range results {
			errs = append(errs, fmt.Sprintf("variant %d (%s): %s", res.Variant, res.Axis, res.Error))
		}
		_ = item.MarkFailed("all variants failed: " + strings.Join(errs, "; "))
		return false
	}
	_ = item.MarkCompleted(formatSummary(summary, filepath.Join(r.ResultsDir(), refSafeName(item.ID))))
	return true
}

// Contexts returns every variant context created so far.
func (r *Redundant) Contexts() []*isolation.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*isolation.Context
	for _, run := range r.managers {
		out = append(out, sortedContexts(run.contexts)...)
	}
	return out
}

// Cleanup finalizes every variant set. Variants are preserved, so their
// worktrees and branches remain for review.
func (r *Redundant) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	runs := r.managers
	r.managers = nil
	r.mu.Unlock()

	var firstErr error
	for _, run := range runs {
		if err := run.manager.Finalize(ctx, run.contexts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Redundant) writeResults(item *models.WorkItem, worker *models.WorkerSpec, results []VariantResult) (TaskSummary, error) {
	summary := TaskSummary{TaskID: item.ID, Title: item.Title, Worker: worker.ID}
	taskDir := filepath.Join(r.ResultsDir(), refSafeName(item.ID))

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, res := range results {
		vs := VariantSummary{Variant: res.Variant, Axis: res.Axis, Status: res.Status, Branch: res.Branch}
		if res.Status == string(models.TaskStatusCompleted) {
			summary.Succeeded++
		}
		dir := filepath.Join(taskDir, fmt.Sprintf("variant_%d", res.Variant))
		if err := os.MkdirAll(dir, 0755); err != nil {
			keep(err)
			continue
		}
		for _, f := range res.Files {
			size, err := copyFile(filepath.Join(res.Worktree, f), filepath.Join(dir, f))
			if err != nil {
				// Deleted files have nothing to copy.
				continue
			}
			vs.FileCount++
			vs.TotalBytes += size
			if isTestFile(f) {
				vs.HasTests = true
			}
		}
		keep(writeJSON(filepath.Join(dir, "result.json"), res))
		summary.Variants = append(summary.Variants, vs)
	}
	keep(writeJSON(filepath.Join(taskDir, "summary.json"), summary))
	return summary, firstErr
}

func formatSummary(s TaskSummary, dir string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d of %d variants succeeded; results in %s\n", s.Succeeded, len(s.Variants), dir)
	for _, v := range s.Variants {
		fmt.Fprintf(&sb, "- variant %d (%s): %s, %d files, %d bytes, tests: %t, branch %s\n",
			v.Variant, v.Axis, v.Status, v.FileCount, v.TotalBytes, v.HasTests, v.Branch)
	}
	return sb.String()
}

func isTestFile(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	return strings.Contains(base, "_test.") || strings.HasPrefix(base, "test_") ||
		strings.Contains(base, ".test.") || strings.Contains(base, ".spec.")
}

func refSafeName(id string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, id)
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
