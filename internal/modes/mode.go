// Package modes implements the execution strategies a session can run
// under. A mode owns isolation setup, per-item execution and teardown; the
// orchestrator owns scheduling.
package modes

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ShayCichocki/squad/internal/exec"
	"github.com/ShayCichocki/squad/internal/git"
	"github.com/ShayCichocki/squad/internal/isolation"
	"github.com/ShayCichocki/squad/internal/logging"
	"github.com/ShayCichocki/squad/internal/runner"
	"github.com/ShayCichocki/squad/pkg/models"
)

// Auto-selection thresholds.
const (
	autoMaxFastItems = 10
	autoFastEffort   = 2.0
)

// Mode is one execution strategy.
//
// Execute receives an in-progress copy of the item and leaves it in a
// terminal status. It reports whether the item completed.
type Mode interface {
	Name() models.ExecutionMode
	Prepare(ctx context.Context, items []*models.WorkItem) error
	Execute(ctx context.Context, item *models.WorkItem, worker *models.WorkerSpec) bool
	Cleanup(ctx context.Context) error
	SupportsParallelism() bool
	MaxParallel() int
}

// ContextHolder is implemented by modes that run workers in isolation
// contexts.
type ContextHolder interface {
	Contexts() []*isolation.Context
}

// Reconciling is implemented by modes whose worker branches are merged
// back into trunk after execution.
type Reconciling interface {
	Mode
	ContextHolder
	// Trunk is the branch worker branches were cut from.
	Trunk() string
}

// WorkerSerial is implemented by modes that run at most one item per
// worker at a time. The scheduler holds back ready items whose worker is
// busy instead of letting them queue inside Execute.
type WorkerSerial interface {
	SerialPerWorker() bool
}

// ResultProducer is implemented by modes that write per-item results
// outside the repository.
type ResultProducer interface {
	ResultsDir() string
}

// Deps is everything a mode needs from the session.
type Deps struct {
	// Git operates on the repository root.
	Git git.Runner
	// Exec runs worker and multiplexer subprocesses.
	Exec exec.CommandRunner
	// Runner is the worker invocation template; each mode decides Commit.
	Runner        runner.Config
	RunnerOptions []runner.Option

	// Workers is the roster; spawn instructions carry each worker's role.
	Workers []*models.WorkerSpec

	Session      string
	SessionDir   string
	WorktreeRoot string
	// Trunk may be empty or "auto" to use the current branch.
	Trunk       string
	MaxParallel int

	// FastAutoCommit commits after each successful item in fast mode.
	FastAutoCommit bool

	MinVariants int
	MaxVariants int
	Axes        []string

	// Multiplexer is auto, tmux, wezterm or none.
	Multiplexer  string
	PollInterval time.Duration
	Deadline     time.Duration
	// Out receives manual launch instructions.
	Out io.Writer

	Logger *slog.Logger
}

func (d Deps) isolationOptions(trunk string) isolation.Options {
	return isolation.Options{
		Git:          d.Git,
		Session:      d.Session,
		WorktreeRoot: d.WorktreeRoot,
		Trunk:        trunk,
		Logger:       d.Logger,
	}
}

func (d Deps) newRunner(commit bool) *runner.Runner {
	cfg := d.Runner
	cfg.Commit = commit
	opts := append([]runner.Option{runner.WithLogger(d.Logger)}, d.RunnerOptions...)
	return runner.New(cfg, d.Exec, opts...)
}

func (d Deps) withDefaults() Deps {
	d.Logger = logging.OrNop(d.Logger)
	if d.MaxParallel <= 0 {
		d.MaxParallel = 1
	}
	if d.Out == nil {
		d.Out = os.Stdout
	}
	if d.PollInterval <= 0 {
		d.PollInterval = 5 * time.Second
	}
	if d.Deadline <= 0 {
		d.Deadline = time.Hour
	}
	if d.Multiplexer == "" {
		d.Multiplexer = MultiplexerAuto
	}
	return d
}

// New constructs the named mode. Auto must be resolved with Select first.
func New(name models.ExecutionMode, deps Deps) (Mode, error) {
	deps = deps.withDefaults()
	switch name {
	case models.ModeSafe:
		return NewSafe(deps), nil
	case models.ModeFast:
		return NewFast(deps), nil
	case models.ModeRedundant:
		return NewRedundant(deps), nil
	case models.ModeParallelSpawn:
		return NewSpawn(deps), nil
	default:
		return nil, fmt.Errorf("unknown execution mode %q", name)
	}
}

// Select chooses a concrete mode for auto: large or dependent batches run
// safe, small low-effort batches run fast.
func Select(items []*models.WorkItem) models.ExecutionMode {
	if len(items) > autoMaxFastItems {
		return models.ModeSafe
	}
	var effort float64
	for _, it := range items {
		if len(it.Dependencies) > 0 {
			return models.ModeSafe
		}
		effort += it.EstimatedEffort
	}
	if effort < autoFastEffort {
		return models.ModeFast
	}
	return models.ModeSafe
}

// workersOf returns the distinct assigned workers in first-seen order.
func workersOf(items []*models.WorkItem) []string {
	seen := make(map[string]bool)
	var out []string
	for _, it := range items {
		if it.Assignment == "" || seen[it.Assignment] {
			continue
		}
		seen[it.Assignment] = true
		out = append(out, it.Assignment)
	}
	return out
}

func ensureStarted(item *models.WorkItem) {
	if item.Status == models.TaskStatusPending {
		_ = item.MarkStarted()
	}
}

// failItem terminates an item that never reached a runner.
func failItem(item *models.WorkItem, msg string) bool {
	ensureStarted(item)
	_ = item.MarkFailed(msg)
	return false
}
