package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/squad/internal/bus"
	"github.com/ShayCichocki/squad/internal/config"
	"github.com/ShayCichocki/squad/internal/exec"
	"github.com/ShayCichocki/squad/internal/git"
	"github.com/ShayCichocki/squad/internal/isolation"
	"github.com/ShayCichocki/squad/internal/logging"
	"github.com/ShayCichocki/squad/internal/modes"
	"github.com/ShayCichocki/squad/internal/reconcile"
	"github.com/ShayCichocki/squad/internal/runner"
	"github.com/ShayCichocki/squad/internal/tools"
	"github.com/ShayCichocki/squad/pkg/models"
)

// SessionFileName is the session record written into each session directory.
const SessionFileName = "session.json"

// Orchestrator drives batches through an execution mode.
type Orchestrator struct {
	git    git.Runner
	exec   exec.CommandRunner
	cfg    *config.Config
	opts   orchestratorOptions
	logger *slog.Logger
	events *EventEmitter

	mu    sync.Mutex
	hooks []func(*models.SessionRecord)
}

// New creates an orchestrator.
func New(req RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if req.Git == nil || req.Exec == nil || req.Config == nil {
		return nil, errors.New("orchestrator: Git, Exec and Config are required")
	}
	var o orchestratorOptions
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.workers) == 0 {
		o.workers = req.Config.Roster()
	}
	if o.maxParallel <= 0 {
		o.maxParallel = req.Config.Execution.MaxParallel
	}
	if o.timeout <= 0 {
		o.timeout = req.Config.Execution.SubprocessTimeout()
	}
	if o.out == nil {
		o.out = os.Stdout
	}

	orch := &Orchestrator{
		git:    req.Git,
		exec:   req.Exec,
		cfg:    req.Config,
		opts:   o,
		logger: logging.OrNop(o.logger),
	}
	if o.eventBuffer > 0 {
		orch.events = NewEventEmitter(o.eventBuffer, orch.logger)
	}
	return orch, nil
}

// Events returns the event stream, or nil unless WithEvents was given.
func (o *Orchestrator) Events() <-chan Event {
	return o.events.Events()
}

// OnSessionComplete registers fn to receive every finished session record.
func (o *Orchestrator) OnSessionComplete(fn func(*models.SessionRecord)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, fn)
}

// SessionDir returns the directory holding a session's state.
func (o *Orchestrator) SessionDir(sessionID string) string {
	root := o.cfg.Execution.SessionRoot
	if !filepath.IsAbs(root) {
		root = filepath.Join(o.git.Dir(), root)
	}
	return filepath.Join(root, sessionID)
}

// Run executes the batch under mode and returns the session record. The
// returned error is a *ValidationError, an *EnvironmentError, or the context
// error when the run was interrupted before execution started. Item failures
// are reported in the record only.
func (o *Orchestrator) Run(ctx context.Context, batch *models.Batch, mode models.ExecutionMode) (*models.SessionRecord, error) {
	sessionID := o.opts.sessionID
	if sessionID == "" {
		sessionID = isolation.NewSessionID()
	}
	logger := logging.WithSession(o.logger, sessionID)

	if mode == "" {
		mode = models.ExecutionMode(o.cfg.Execution.DefaultMode)
	}
	if !mode.Valid() {
		return nil, &ValidationError{Err: fmt.Errorf("unknown execution mode %q", mode)}
	}
	if batch == nil {
		batch = models.NewBatch("", nil)
	}
	if batch.Len() == 0 {
		record := models.NewSessionRecord(sessionID, batch.Name, mode)
		o.finish(record, batch)
		return record, nil
	}

	if err := batch.Validate(); err != nil {
		return nil, &ValidationError{Err: err}
	}
	if err := Route(batch, o.opts.workers, o.cfg.Routing.FallbackWorker); err != nil {
		return nil, &ValidationError{Err: err}
	}

	if mode == models.ModeAuto {
		mode = modes.Select(batch.Items())
		logger.Info("auto mode resolved", "mode", mode)
	}
	record := models.NewSessionRecord(sessionID, batch.Name, mode)

	sessionDir := o.SessionDir(sessionID)
	b, err := bus.New(sessionDir,
		bus.WithPersistence(o.cfg.Bus.PersistMessages),
		bus.WithLogger(logger),
	)
	if err != nil {
		return o.abort(record, batch, &EnvironmentError{Err: err})
	}
	defer b.Close()

	roster := make(map[string]*models.WorkerSpec, len(o.opts.workers))
	for _, w := range o.opts.workers {
		roster[w.ID] = w
	}
	for _, it := range batch.Items() {
		if err := b.Register(it.Assignment); err != nil {
			return o.abort(record, batch, &EnvironmentError{Err: err})
		}
	}
	for _, hook := range o.opts.busHooks {
		hook(b)
	}

	m, err := o.newMode(mode, sessionID, sessionDir, b, logger)
	if err != nil {
		return o.abort(record, batch, &EnvironmentError{Err: err})
	}
	if err := o.checkWorkerCommand(mode); err != nil {
		return o.abort(record, batch, &EnvironmentError{Err: err})
	}

	logger.Info("preparing session", "mode", mode, "items", batch.Len(), "dir", sessionDir)
	if err := m.Prepare(ctx, batch.Items()); err != nil {
		if cerr := m.Cleanup(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("cleanup after failed prepare", "error", cerr)
		}
		if ctx.Err() != nil {
			record.Interrupted = true
			return o.abort(record, batch, ctx.Err())
		}
		return o.abort(record, batch, &EnvironmentError{Err: err})
	}
	o.events.Emit(Event{Type: EventSessionStarted, SessionID: sessionID, Mode: mode, Summary: batch.Summary()})

	o.drive(ctx, batch, m, roster, record, logger)

	// Teardown runs to completion even when the run was cancelled.
	teardown := context.WithoutCancel(ctx)
	if holder, ok := m.(modes.ContextHolder); ok {
		o.collectFiles(record, holder.Contexts())
		if record.Interrupted {
			preserveAll(holder.Contexts())
		}
	}
	if rm, ok := m.(modes.Reconciling); ok && !record.Interrupted {
		o.reconcile(teardown, rm, b, record, logger)
	}
	if err := m.Cleanup(teardown); err != nil {
		logger.Warn("mode cleanup failed", "error", err)
	}
	if rp, ok := m.(modes.ResultProducer); ok {
		record.ResultsDir = rp.ResultsDir()
	}

	o.finish(record, batch)
	if err := writeRecord(filepath.Join(sessionDir, SessionFileName), record); err != nil {
		logger.Warn("session record not written", "error", err)
	}
	logger.Info("session finished",
		"completed", record.Count(models.TaskStatusCompleted),
		"failed", record.Count(models.TaskStatusFailed),
		"skipped", record.Count(models.TaskStatusSkipped),
		"interrupted", record.Interrupted,
		"duration", record.Duration().Round(time.Millisecond))
	return record, nil
}

func (o *Orchestrator) newMode(mode models.ExecutionMode, sessionID, sessionDir string, b *bus.Bus, logger *slog.Logger) (modes.Mode, error) {
	reg := o.opts.tools
	if reg == nil {
		reg = tools.Discover(o.exec)
	}
	cfg := o.cfg
	return modes.New(mode, modes.Deps{
		Git:  o.git,
		Exec: o.exec,
		Runner: runner.Config{
			Command:             cfg.Worker.Command,
			PromptVia:           cfg.Worker.PromptVia,
			Timeout:             o.opts.timeout,
			ContextFileMaxBytes: cfg.Worker.ContextFileMaxBytes,
			ContextFiles:        cfg.Worker.ContextFiles,
			DebugDir:            cfg.Worker.DebugDir,
			Env:                 workerEnv(cfg),
		},
		RunnerOptions:  []runner.Option{runner.WithBus(b), runner.WithTools(reg)},
		Workers:        o.opts.workers,
		Session:        sessionID,
		SessionDir:     sessionDir,
		WorktreeRoot:   cfg.Isolation.WorktreeRoot,
		Trunk:          cfg.Isolation.TrunkBranch,
		MaxParallel:    o.opts.maxParallel,
		FastAutoCommit: cfg.Fast.AutoCommit,
		MinVariants:    cfg.Redundant.MinVariants,
		MaxVariants:    cfg.Redundant.MaxVariants,
		Axes:           cfg.Redundant.Axes,
		Multiplexer:    cfg.Spawn.Multiplexer,
		PollInterval:   cfg.Spawn.PollInterval(),
		Deadline:       cfg.Execution.SessionDeadline(),
		Out:            o.opts.out,
		Logger:         logger,
	})
}

// BusURLEnv names the variable telling workers where the bus server listens.
const BusURLEnv = "SQUAD_BUS_URL"

func workerEnv(cfg *config.Config) []string {
	addr := cfg.Bus.ListenAddr
	if addr == "" {
		return nil
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return []string{BusURLEnv + "=http://" + addr + "/mcp"}
}

// checkWorkerCommand fails early when the worker executable is missing.
// Parallel-spawn workers may be launched by hand, so it is not checked there.
func (o *Orchestrator) checkWorkerCommand(mode models.ExecutionMode) error {
	if mode == models.ModeParallelSpawn || len(o.cfg.Worker.Command) == 0 {
		return nil
	}
	name := o.cfg.Worker.Command[0]
	if _, err := o.exec.LookPath(name); err != nil {
		return fmt.Errorf("worker command %q not found: %w", name, err)
	}
	return nil
}

// drive schedules ready items until the batch is done, deadlocked or the
// context is cancelled.
func (o *Orchestrator) drive(ctx context.Context, batch *models.Batch, m modes.Mode, roster map[string]*models.WorkerSpec, record *models.SessionRecord, logger *slog.Logger) {
	limit := 1
	if m.SupportsParallelism() {
		limit = max(1, m.MaxParallel())
	}
	serial := false
	if ws, ok := m.(modes.WorkerSerial); ok {
		serial = ws.SerialPerWorker()
	}
	done := make(chan string)
	busy := make(map[string]bool)
	running := 0

	for ctx.Err() == nil {
		for _, it := range batch.Ready() {
			if running >= limit {
				break
			}
			if serial && busy[it.Assignment] {
				continue
			}
			item, err := batch.Start(it.ID)
			if err != nil {
				logger.Warn("item not started", "item", it.ID, "error", err)
				continue
			}
			running++
			busy[item.Assignment] = true
			o.events.Emit(Event{
				Type: EventItemStarted, SessionID: record.ID, Mode: record.Mode,
				ItemID: item.ID, ItemTitle: item.Title, WorkerID: item.Assignment,
				Summary: batch.Summary(),
			})
			go func() {
				o.execute(ctx, batch, m, item, roster[item.Assignment], record, logger)
				done <- item.Assignment
			}()
		}
		if running == 0 {
			break
		}
		select {
		case w := <-done:
			running--
			delete(busy, w)
		case <-ctx.Done():
		}
	}
	for ; running > 0; running-- {
		<-done
	}

	if ctx.Err() != nil {
		record.Interrupted = true
		for _, it := range batch.Items() {
			if it.Status == models.TaskStatusPending {
				o.skip(batch, it, runner.CancelledError, record)
			}
		}
		logger.Warn("session interrupted")
		return
	}
	if batch.Deadlocked() {
		blocked := batch.Summary().Blocked
		record.Error = fmt.Sprintf("deadlock: no runnable items; blocked: %s", strings.Join(blocked, ", "))
		logger.Error("batch deadlocked", "blocked", blocked)
		for _, it := range batch.Items() {
			if it.Status == models.TaskStatusPending {
				o.skip(batch, it, record.Error, record)
			}
		}
	}
}

// execute runs one item and stores the result. Items left non-terminal by
// the mode are failed.
func (o *Orchestrator) execute(ctx context.Context, batch *models.Batch, m modes.Mode, item *models.WorkItem, worker *models.WorkerSpec, record *models.SessionRecord, logger *slog.Logger) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("mode panicked", "item", item.ID, "panic", r)
				_ = item.MarkFailed(fmt.Sprintf("panic: %v", r))
			}
		}()
		m.Execute(ctx, item, worker)
	}()
	if !item.Status.Terminal() {
		msg := "execution ended without a result"
		if ctx.Err() != nil {
			msg = runner.CancelledError
		}
		if item.Status == models.TaskStatusPending {
			_ = item.MarkStarted()
		}
		_ = item.MarkFailed(msg)
	}
	if err := batch.Apply(item); err != nil {
		logger.Error("item result not applied", "item", item.ID, "error", err)
		return
	}

	ev := Event{
		SessionID: record.ID, Mode: record.Mode,
		ItemID: item.ID, ItemTitle: item.Title, WorkerID: item.Assignment,
		Duration: item.Duration(),
	}
	if item.Status == models.TaskStatusCompleted {
		logger.Info("item completed", "item", item.ID, "worker", item.Assignment, "duration", item.Duration().Round(time.Millisecond))
		ev.Type = EventItemCompleted
		ev.Summary = batch.Summary()
		o.events.Emit(ev)
		return
	}

	logger.Warn("item failed", "item", item.ID, "worker", item.Assignment, "error", item.Error)
	skipped := batch.SkipDependents(item.ID)
	ev.Type = EventItemFailed
	ev.Error = item.Error
	ev.Summary = batch.Summary()
	o.events.Emit(ev)
	for _, id := range skipped {
		logger.Info("item skipped", "item", id, "dependency", item.ID)
		if it, ok := batch.Get(id); ok {
			o.events.Emit(Event{
				Type: EventItemSkipped, SessionID: record.ID, Mode: record.Mode,
				ItemID: it.ID, ItemTitle: it.Title, WorkerID: it.Assignment,
				Error: it.Error, Summary: ev.Summary,
			})
		}
	}
}

func (o *Orchestrator) skip(batch *models.Batch, it *models.WorkItem, reason string, record *models.SessionRecord) {
	if err := batch.Skip(it.ID, reason); err != nil {
		return
	}
	o.events.Emit(Event{
		Type: EventItemSkipped, SessionID: record.ID, Mode: record.Mode,
		ItemID: it.ID, ItemTitle: it.Title, WorkerID: it.Assignment,
		Error: reason,
	})
}

func (o *Orchestrator) reconcile(ctx context.Context, rm modes.Reconciling, b *bus.Bus, record *models.SessionRecord, logger *slog.Logger) {
	o.events.Emit(Event{Type: EventReconcileStarted, SessionID: record.ID, Mode: record.Mode})
	rec := reconcile.New(reconcile.Options{
		Git:              o.git,
		PushBeforeDelete: o.cfg.Reconciler.PushBeforeDelete,
		Remote:           o.cfg.Reconciler.Remote,
		Bus:              b,
		Logger:           logger,
	})
	summary, err := rec.Reconcile(ctx, rm.Trunk(), rm.Contexts())
	record.Reconcile = summary
	if err != nil {
		record.Error = fmt.Sprintf("reconcile: %v", err)
		logger.Error("reconcile failed", "error", err)
	}
	for _, c := range summary.Conflicts {
		o.events.Emit(Event{
			Type: EventMergeConflict, SessionID: record.ID, Mode: record.Mode,
			WorkerID: c.WorkerID, Message: c.Branch, Error: c.Message,
		})
	}
	o.events.Emit(Event{
		Type: EventReconcileCompleted, SessionID: record.ID, Mode: record.Mode,
		Message: fmt.Sprintf("%d merged, %d conflicts, %d skipped", len(summary.Merged), len(summary.Conflicts), len(summary.Skipped)),
	})
}

// collectFiles credits each worker with the files its contexts committed.
func (o *Orchestrator) collectFiles(record *models.SessionRecord, contexts []*isolation.Context) {
	for _, c := range contexts {
		if len(c.Files) > 0 {
			record.Worker(c.WorkerID).AddFilesTouched(c.Files...)
		}
	}
}

// preserveAll keeps every isolated worktree of an interrupted session.
// Nothing was reconciled, so each tree still holds the only copy of its
// worker's uncommitted or unmerged work.
func preserveAll(contexts []*isolation.Context) {
	for _, c := range contexts {
		if c.Isolated {
			c.Preserved = true
		}
	}
}

// abort skips every pending item, finalizes the record and returns err.
func (o *Orchestrator) abort(record *models.SessionRecord, batch *models.Batch, err error) (*models.SessionRecord, error) {
	o.logger.Error("session aborted", "session_id", record.ID, "error", err)
	reason := err.Error()
	if errors.Is(err, context.Canceled) {
		reason = runner.CancelledError
	}
	for _, it := range batch.Items() {
		if it.Status == models.TaskStatusPending {
			_ = batch.Skip(it.ID, reason)
		}
	}
	record.Error = err.Error()
	o.finish(record, batch)
	return record, err
}

// finish fills the record from the batch and notifies subscribers.
func (o *Orchestrator) finish(record *models.SessionRecord, batch *models.Batch) {
	record.Items = batch.Items()
	record.Summary = batch.Summary()
	for _, it := range record.Items {
		if it.Assignment == "" {
			continue
		}
		ws := record.Worker(it.Assignment)
		switch it.Status {
		case models.TaskStatusCompleted:
			ws.Completed++
			ws.TimeUsed += it.Duration()
		case models.TaskStatusFailed:
			ws.Failed++
			ws.TimeUsed += it.Duration()
			record.Failures = append(record.Failures, models.ItemFailure{
				ItemID: it.ID, WorkerID: it.Assignment, Error: it.Error,
			})
		}
	}
	sort.Slice(record.Failures, func(i, j int) bool { return record.Failures[i].ItemID < record.Failures[j].ItemID })
	record.EndedAt = time.Now()

	o.mu.Lock()
	hooks := append([]func(*models.SessionRecord){}, o.hooks...)
	o.mu.Unlock()
	for _, fn := range hooks {
		fn(record)
	}
	o.events.Emit(Event{Type: EventSessionDone, SessionID: record.ID, Mode: record.Mode, Summary: record.Summary, Record: record})
}

// LoadRecord reads a session record written by Run.
func LoadRecord(path string) (*models.SessionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record models.SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &record, nil
}

func writeRecord(path string, record *models.SessionRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
