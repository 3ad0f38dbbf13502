// Package runner executes one work item in one isolation context: it builds
// the prompt, runs the worker subprocess, records the result on the item and
// commits the worker's changes. Nothing escapes Run as an error or a panic.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ShayCichocki/squad/internal/bus"
	"github.com/ShayCichocki/squad/internal/exec"
	"github.com/ShayCichocki/squad/internal/isolation"
	"github.com/ShayCichocki/squad/internal/logging"
	"github.com/ShayCichocki/squad/internal/tools"
	"github.com/ShayCichocki/squad/pkg/models"
)

// Prompt delivery.
const (
	PromptViaStdin = "stdin"
	PromptViaArg   = "arg"
)

// CancelledError is the item error for work interrupted by cancellation.
const CancelledError = "cancelled"

// maxErrorText bounds the stderr kept on a failed item.
const maxErrorText = 4000

// Config controls how the worker subprocess is invoked.
type Config struct {
	// Command is the worker argv.
	Command []string
	// PromptVia is PromptViaStdin or PromptViaArg.
	PromptVia string
	// Timeout is the per-item wall clock.
	Timeout time.Duration
	// ContextFileMaxBytes truncates each inlined context file.
	ContextFileMaxBytes int
	// ContextFiles are glob patterns added to every item's own patterns.
	ContextFiles []string
	// DebugDir receives prompt_<id> and response_<id>; empty disables them.
	DebugDir string
	// Commit stages and commits after a successful run.
	Commit bool
	// Env is added to every worker's environment.
	Env []string
}

// Outcome is the result of one Run.
type Outcome struct {
	// Item is the runner's final copy, in a terminal status.
	Item *models.WorkItem
	// Success is true when the item completed.
	Success  bool
	TimedOut bool
	// Duration is the subprocess wall clock.
	Duration time.Duration
	// CommitSHA is empty when nothing was committed.
	CommitSHA string
	// Files are the files the commit touched.
	Files []string
}

// Runner runs work items.
type Runner struct {
	cfg    Config
	exec   exec.CommandRunner
	bus    *bus.Bus
	tools  *tools.Registry
	logger *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithBus publishes progress and shared context to b.
func WithBus(b *bus.Bus) Option {
	return func(r *Runner) { r.bus = b }
}

// WithTools adds tool suggestions to prompts.
func WithTools(reg *tools.Registry) Option {
	return func(r *Runner) { r.tools = reg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = logging.OrNop(l) }
}

// New creates a runner.
func New(cfg Config, cr exec.CommandRunner, opts ...Option) *Runner {
	if cfg.PromptVia == "" {
		cfg.PromptVia = PromptViaStdin
	}
	r := &Runner{cfg: cfg, exec: cr, logger: logging.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the runner configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

// Run executes item as worker inside ic. A pending item is started first.
func (r *Runner) Run(ctx context.Context, item *models.WorkItem, worker *models.WorkerSpec, ic *isolation.Context) Outcome {
	return r.RunWithInstructions(ctx, item, worker, ic, "")
}

// RunWithInstructions is Run with an extra prompt section.
func (r *Runner) RunWithInstructions(ctx context.Context, item *models.WorkItem, worker *models.WorkerSpec, ic *isolation.Context, instructions string) (out Outcome) {
	out.Item = item
	logger := logging.WithWorker(r.logger, worker.ID).With("item", item.ID)

	defer func() {
		if p := recover(); p != nil {
			logger.Error("runner panic", "panic", p)
			r.fail(item, worker.ID, fmt.Sprintf("internal error: %v", p))
			out.Success = false
		}
	}()

	if item.Status == models.TaskStatusPending {
		if err := item.MarkStarted(); err != nil {
			r.fail(item, worker.ID, err.Error())
			return out
		}
	}
	r.publish(worker.ID, item.ID, "started", item.Title)

	debugID := item.ID
	if ic.Variant > 0 {
		debugID = fmt.Sprintf("%s_v%d", item.ID, ic.Variant)
	}

	patterns := append(append([]string(nil), r.cfg.ContextFiles...), item.ContextFiles...)
	files, err := CollectContextFiles(ic, patterns, r.cfg.ContextFileMaxBytes)
	if err != nil {
		logger.Warn("context files skipped", "error", err)
	}
	in := PromptInput{
		Worker:       worker,
		Item:         item,
		ContextFiles: files,
		Instructions: instructions,
	}
	if r.tools != nil {
		in.Tools = r.tools.SuggestFor(item)
	}
	if r.bus != nil {
		in.Digest = r.bus.Digest(item.Keywords())
	}
	prompt := BuildPrompt(in)
	r.writeDebug("prompt_"+debugID, prompt, logger)

	cmd := exec.Command{
		Args:    append([]string(nil), r.cfg.Command...),
		Dir:     ic.Path,
		Timeout: r.cfg.Timeout,
		Env:     append([]string{"SQUAD_WORKER=" + worker.ID, "SQUAD_TASK=" + item.ID}, r.cfg.Env...),
	}
	if r.cfg.PromptVia == PromptViaArg {
		cmd.Args = append(cmd.Args, prompt)
	} else {
		cmd.Stdin = []byte(prompt)
	}

	logger.Info("worker started", "dir", ic.Path, "timeout", r.cfg.Timeout)
	res, runErr := r.exec.Run(ctx, cmd)
	if res == nil {
		res = &exec.Result{ExitCode: -1}
	}
	out.Duration = res.Duration
	out.TimedOut = res.TimedOut || errors.Is(runErr, exec.ErrTimeout)
	r.writeDebug("response_"+debugID, formatResponse(res, runErr), logger)

	if runErr != nil {
		msg := failureText(ctx, res, runErr, r.cfg.Timeout)
		r.fail(item, worker.ID, msg)
		logger.Warn("worker failed", "error", msg, "duration", res.Duration)
		return out
	}

	item.Artifacts = ExtractArtifacts(res.Stdout)
	if r.cfg.Commit && ic.Git() != nil {
		sha, committed, err := ic.Commit(ctx, item)
		if err != nil {
			r.fail(item, worker.ID, fmt.Sprintf("commit failed: %v", err))
			logger.Error("commit failed", "error", err)
			return out
		}
		out.CommitSHA, out.Files = sha, committed
		if sha != "" {
			logger.Info("changes committed", "sha", sha, "files", len(committed))
		}
	}

	if err := item.MarkCompleted(res.Stdout); err != nil {
		r.fail(item, worker.ID, err.Error())
		return out
	}
	out.Success = true
	logger.Info("worker completed", "duration", res.Duration)

	if r.bus != nil {
		if err := r.bus.RecordTaskCompleted(worker.ID, item.ID, summarize(res.Stdout)); err != nil {
			logger.Warn("record task completion failed", "error", err)
		}
		if err := r.bus.RecordFilesModified(out.Files...); err != nil {
			logger.Warn("record modified files failed", "error", err)
		}
	}
	r.publish(worker.ID, item.ID, string(models.TaskStatusCompleted), "")
	return out
}

// fail marks the item failed, publishing the error. An item that cannot
// transition (already terminal) is left as is.
func (r *Runner) fail(item *models.WorkItem, worker, msg string) {
	if item.Status == models.TaskStatusPending {
		_ = item.MarkStarted()
	}
	if err := item.MarkFailed(msg); err != nil {
		return
	}
	if r.bus != nil {
		_ = r.bus.RecordError(worker, item.ID, msg)
		_ = r.bus.Send(bus.Message{From: worker, To: bus.Broadcast, Payload: bus.ErrorReport{TaskID: item.ID, Error: msg}})
	}
	r.publish(worker, item.ID, string(models.TaskStatusFailed), msg)
}

func (r *Runner) publish(worker, itemID, status, detail string) {
	if r.bus == nil {
		return
	}
	err := r.bus.Send(bus.Message{
		From:    worker,
		To:      bus.Broadcast,
		Payload: bus.TaskUpdate{TaskID: itemID, Status: status, Detail: detail},
	})
	if err != nil {
		r.logger.Debug("task update not sent", "item", itemID, "error", err)
	}
}

func (r *Runner) writeDebug(name, content string, logger *slog.Logger) {
	if r.cfg.DebugDir == "" {
		return
	}
	if err := os.MkdirAll(r.cfg.DebugDir, 0755); err != nil {
		logger.Debug("debug dir unavailable", "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(r.cfg.DebugDir, name), []byte(content), 0644); err != nil {
		logger.Debug("debug file not written", "name", name, "error", err)
	}
}

// failureText builds the item error. Timeouts say "timeout"; cancellation
// says CancelledError.
func failureText(ctx context.Context, res *exec.Result, err error, timeout time.Duration) string {
	stderr := truncate(strings.TrimSpace(res.Stderr), maxErrorText)
	var head string
	var exitErr *exec.ExitError
	switch {
	case res.TimedOut || errors.Is(err, exec.ErrTimeout):
		head = fmt.Sprintf("timeout: worker exceeded %s", timeout)
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return CancelledError
	case errors.As(err, &exitErr):
		head = fmt.Sprintf("exit status %d", exitErr.Code)
	default:
		head = err.Error()
	}
	if stderr == "" {
		return head
	}
	return head + ": " + stderr
}

func formatResponse(res *exec.Result, err error) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "exit_code: %d\nduration: %s\ntimed_out: %t\n", res.ExitCode, res.Duration, res.TimedOut)
	if err != nil {
		fmt.Fprintf(&sb, "error: %v\n", err)
	}
	sb.WriteString("\n--- stdout ---\n")
	sb.WriteString(res.Stdout)
	sb.WriteString("\n--- stderr ---\n")
	sb.WriteString(res.Stderr)
	return sb.String()
}

func summarize(output string) string {
	return truncate(strings.TrimSpace(output), 500)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + TruncationMarker
}
