package modes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/ShayCichocki/squad/internal/exec"
	"github.com/ShayCichocki/squad/internal/runner"
	"github.com/ShayCichocki/squad/pkg/models"
)

// Spawn session states.
const (
	SpawnRunning     = "running"
	SpawnCompleted   = "completed"
	SpawnTimedOut    = "timeout"
	SpawnInterrupted = "interrupted"
)

// SpawnResult is the file a spawned worker writes to
// results/<worker>/result_<task>.json when it finishes a task.
type SpawnResult struct {
	TaskID string   `json:"task_id"`
	Status string   `json:"status"`
	Output string   `json:"output,omitempty"`
	Error  string   `json:"error,omitempty"`
	Files  []string `json:"files,omitempty"`
}

// SpawnTaskStatus is one task entry in the status file.
type SpawnTaskStatus struct {
	Worker string `json:"worker"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// SpawnStatus is status/session_<uid>.json.
type SpawnStatus struct {
	Session   string                     `json:"session"`
	UID       string                     `json:"uid"`
	Status    string                     `json:"status"`
	StartedAt time.Time                  `json:"started_at"`
	Deadline  time.Time                  `json:"deadline"`
	UpdatedAt time.Time                  `json:"updated_at"`
	Tasks     map[string]SpawnTaskStatus `json:"tasks"`
}

// spawnSession is context/session_<uid>.json.
type spawnSession struct {
	Session   string             `json:"session"`
	UID       string             `json:"uid"`
	Repo      string             `json:"repo"`
	CreatedAt time.Time          `json:"created_at"`
	Deadline  time.Time          `json:"deadline"`
	Workers   []string           `json:"workers"`
	Items     []*models.WorkItem `json:"items"`
}

// Spawn hands the batch to independent interactive worker sessions, one per
// worker, and collects the result files they write. Items complete as their
// result files appear; anything missing at the session deadline fails.
type Spawn struct {
	deps Deps
	uid  string

	mu       sync.Mutex
	status   SpawnStatus
	archived string
	launched []instance
	// cancelled is set once Execute gives up because its context ended.
	cancelled bool

	// changed is closed and replaced whenever the results tree changes.
	changed chan struct{}
	watcher *fsnotify.Watcher
	done    chan struct{}
}

var _ ResultProducer = (*Spawn)(nil)

// NewSpawn creates a parallel-spawn mode.
func NewSpawn(deps Deps) *Spawn {
	deps = deps.withDefaults()
	return &Spawn{
		deps:    deps,
		uid:     uuid.New().String()[:8],
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *Spawn) Name() models.ExecutionMode { return models.ModeParallelSpawn }
func (s *Spawn) SupportsParallelism() bool  { return true }

// MaxParallel is unbounded in practice: every item only waits for a file.
func (s *Spawn) MaxParallel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.status.Tasks); n > 0 {
		return n
	}
	return s.deps.MaxParallel
}

// UID is the spawn instance id used in file names.
func (s *Spawn) UID() string { return s.uid }

// Launched lists the workers opened in a multiplexer.
func (s *Spawn) Launched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	workers := make([]string, 0, len(s.launched))
	for _, inst := range s.launched {
		workers = append(workers, inst.Worker)
	}
	return workers
}

func (s *Spawn) dir(parts ...string) string {
	return filepath.Join(append([]string{s.deps.SessionDir}, parts...)...)
}

// ResultsDir is the results tree, or its archive after cleanup.
func (s *Spawn) ResultsDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.archived != "" {
		return s.archived
	}
	return s.dir("results")
}

// ResultPath is where worker writes the result for taskID.
func (s *Spawn) ResultPath(worker, taskID string) string {
	return s.dir("results", worker, "result_"+refSafeName(taskID)+".json")
}

// InstructionsPath is the markdown instruction file for worker.
func (s *Spawn) InstructionsPath(worker string) string {
	return s.dir("context", fmt.Sprintf("agent_%s_%s.md", worker, s.uid))
}

// StatusPath is the session status file.
func (s *Spawn) StatusPath() string {
	return s.dir("status", fmt.Sprintf("session_%s.json", s.uid))
}

// Prepare writes the session, instruction and status files, starts watching
// for results and launches the workers.
func (s *Spawn) Prepare(ctx context.Context, items []*models.WorkItem) error {
	workers := workersOf(items)
	for _, w := range workers {
		if err := os.MkdirAll(s.dir("results", w), 0755); err != nil {
			return fmt.Errorf("create results dir: %w", err)
		}
	}
	for _, d := range []string{"context", "status"} {
		if err := os.MkdirAll(s.dir(d), 0755); err != nil {
			return fmt.Errorf("create %s dir: %w", d, err)
		}
	}

	now := time.Now()
	repo := s.deps.Git.Dir()
	if top, err := s.deps.Git.TopLevel(ctx); err == nil {
		repo = top
	}
	session := spawnSession{
		Session:   s.deps.Session,
		UID:       s.uid,
		Repo:      repo,
		CreatedAt: now,
		Deadline:  now.Add(s.deps.Deadline),
		Workers:   workers,
		Items:     items,
	}
	if err := writeJSON(s.dir("context", fmt.Sprintf("session_%s.json", s.uid)), session); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}

	s.mu.Lock()
	s.status = SpawnStatus{
		Session:   s.deps.Session,
		UID:       s.uid,
		Status:    SpawnRunning,
		StartedAt: now,
		Deadline:  session.Deadline,
		Tasks:     make(map[string]SpawnTaskStatus, len(items)),
	}
	for _, it := range items {
		s.status.Tasks[it.ID] = SpawnTaskStatus{Worker: it.Assignment, Title: it.Title, Status: string(models.TaskStatusPending)}
	}
	err := s.saveStatusLocked()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write status file: %w", err)
	}

	var specs []launchSpec
	for _, w := range workers {
		md := s.InstructionsPath(w)
		if err := os.WriteFile(md, []byte(s.instructions(w, items)), 0644); err != nil {
			return fmt.Errorf("write instructions for %s: %w", w, err)
		}
		args := append(append([]string(nil), s.deps.Runner.Command...),
			fmt.Sprintf("Read %s and complete every task it lists.", md))
		specs = append(specs, launchSpec{Worker: w, Dir: repo, Args: args, Instructions: md})
	}

	s.watch(workers)

	mux := DetectMultiplexer(s.deps.Multiplexer, s.deps.Exec)
	launched := launch(ctx, s.deps.Exec, mux, specs, s.deps.Out)
	s.mu.Lock()
	s.launched = launched
	s.mu.Unlock()
	s.deps.Logger.Info("spawned workers", "uid", s.uid, "multiplexer", mux, "launched", len(launched), "deadline", session.Deadline)
	return nil
}

// watch notifies waiters on result file changes. Without fsnotify the poll
// interval alone drives collection.
func (s *Spawn) watch(workers []string) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.deps.Logger.Debug("file watching unavailable, polling", "error", err)
		return
	}
	for _, worker := range workers {
		if err := w.Add(s.dir("results", worker)); err != nil {
			s.deps.Logger.Debug("watch results dir failed", "worker", worker, "error", err)
		}
	}
	s.watcher = w
	go func() {
		for {
			select {
			case <-s.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					s.notify()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

func (s *Spawn) notify() {
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// Execute waits for the worker's result file for the item.
func (s *Spawn) Execute(ctx context.Context, item *models.WorkItem, worker *models.WorkerSpec) bool {
	ensureStarted(item)
	path := s.ResultPath(worker.ID, item.ID)
	s.mu.Lock()
	deadline := s.status.Deadline
	s.mu.Unlock()
	if deadline.IsZero() {
		deadline = time.Now().Add(s.deps.Deadline)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	ticker := time.NewTicker(s.deps.PollInterval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		changed := s.changed
		s.mu.Unlock()

		if res, ok := readResult(path); ok {
			return s.apply(item, res)
		}

		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cancelled = true
			s.mu.Unlock()
			_ = item.MarkFailed(runner.CancelledError)
			s.setTask(item.ID, string(models.TaskStatusFailed))
			return false
		case <-timer.C:
			if res, ok := readResult(path); ok {
				return s.apply(item, res)
			}
			_ = item.MarkFailed(fmt.Sprintf("timeout: no result from %s before the session deadline", worker.ID))
			s.setTask(item.ID, string(models.TaskStatusFailed))
			return false
		case <-changed:
		case <-ticker.C:
		}
	}
}

// readResult reports a complete, parseable result file. A partially
// written file is treated as absent until the next change.
func readResult(path string) (SpawnResult, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SpawnResult{}, false
	}
	var res SpawnResult
	if err := json.Unmarshal(data, &res); err != nil {
		return SpawnResult{}, false
	}
	return res, true
}

func (s *Spawn) apply(item *models.WorkItem, res SpawnResult) bool {
	ok := strings.EqualFold(res.Status, string(models.TaskStatusCompleted)) || strings.EqualFold(res.Status, "success")
	if ok {
		_ = item.MarkCompleted(res.Output)
	} else {
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("worker reported status %q", res.Status)
		}
		_ = item.MarkFailed(msg)
	}
	s.setTask(item.ID, string(item.Status))
	return ok
}

func (s *Spawn) setTask(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.status.Tasks[id]
	t.Status = status
	s.status.Tasks[id] = t
	if err := s.saveStatusLocked(); err != nil {
		s.deps.Logger.Warn("status file not updated", "error", err)
	}
}

func (s *Spawn) saveStatusLocked() error {
	s.status.UpdatedAt = time.Now()
	return writeJSON(s.StatusPath(), s.status)
}

// Status returns a copy of the session status.
func (s *Spawn) Status() SpawnStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Tasks = make(map[string]SpawnTaskStatus, len(s.status.Tasks))
	for k, v := range s.status.Tasks {
		st.Tasks[k] = v
	}
	return st
}

// Cleanup stops watching, records the final state and archives the
// context, status and results trees under archive/<uid>/. A timed-out or
// interrupted session also closes the terminals it launched; results
// already written are archived with the rest.
func (s *Spawn) Cleanup(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
	}

	s.mu.Lock()
	if s.status.Tasks == nil {
		s.mu.Unlock()
		return nil
	}
	switch {
	case ctx.Err() != nil || s.cancelled:
		s.status.Status = SpawnInterrupted
	case time.Now().After(s.status.Deadline):
		s.status.Status = SpawnTimedOut
	default:
		s.status.Status = SpawnCompleted
		for _, t := range s.status.Tasks {
			if t.Status == string(models.TaskStatusPending) {
				s.status.Status = SpawnInterrupted
			}
		}
	}
	err := s.saveStatusLocked()
	final := s.status.Status
	launched := s.launched
	s.mu.Unlock()
	if err != nil {
		s.deps.Logger.Warn("final status not written", "error", err)
	}
	if final == SpawnTimedOut || final == SpawnInterrupted {
		s.kill(context.WithoutCancel(ctx), launched)
	}

	archive := s.dir("archive", s.uid)
	if err := os.MkdirAll(archive, 0755); err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	var errs []error
	for _, d := range []string{"context", "status", "results"} {
		if err := os.Rename(s.dir(d), filepath.Join(archive, d)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.mu.Lock()
	s.archived = filepath.Join(archive, "results")
	s.mu.Unlock()
	return errors.Join(errs...)
}

// kill closes the launched terminals. Failures are logged; the window may
// already be gone.
func (s *Spawn) kill(ctx context.Context, launched []instance) {
	for _, inst := range launched {
		args := killArgs(inst)
		if args == nil {
			continue
		}
		if _, err := s.deps.Exec.Run(ctx, exec.Command{Args: args}); err != nil {
			s.deps.Logger.Warn("worker terminal not closed", "worker", inst.Worker, "id", inst.ID, "error", err)
			continue
		}
		s.deps.Logger.Info("closed worker terminal", "worker", inst.Worker, "id", inst.ID)
	}
}

func (s *Spawn) instructions(worker string, items []*models.WorkItem) string {
	var mine []*models.WorkItem
	for _, it := range items {
		if it.Assignment == worker {
			mine = append(mine, it)
		}
	}
	sort.SliceStable(mine, func(i, j int) bool {
		return mine[i].Priority.Rank() > mine[j].Priority.Rank()
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Worker %s (session %s)\n\n", worker, s.deps.Session)
	for _, w := range s.deps.Workers {
		if w.ID == worker && w.Role != "" {
			fmt.Fprintf(&sb, "%s\n\n", w.Role)
		}
	}
	sb.WriteString("## Tasks\n\n")
	for _, it := range mine {
		fmt.Fprintf(&sb, "### %s: %s\n\n", it.ID, it.Title)
		fmt.Fprintf(&sb, "- Kind: %s\n- Priority: %s\n", it.Kind, it.Priority)
		if len(it.Dependencies) > 0 {
			fmt.Fprintf(&sb, "- Wait for: %s\n", strings.Join(it.Dependencies, ", "))
		}
		if it.Body != "" {
			fmt.Fprintf(&sb, "\n%s\n", it.Body)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("## Reporting results\n\n")
	sb.WriteString("When you finish a task, write a JSON file to:\n\n")
	for _, it := range mine {
		fmt.Fprintf(&sb, "- `%s`\n", s.ResultPath(worker, it.ID))
	}
	sb.WriteString("\nwith this shape:\n\n```json\n")
	sb.WriteString(`{"task_id": "<id>", "status": "completed", "output": "<summary>", "error": "", "files": ["<changed file>"]}`)
	sb.WriteString("\n```\n\nUse status \"failed\" and fill error if you could not finish.\n\n")
	sb.WriteString("## Session status\n\n")
	fmt.Fprintf(&sb, "Progress for the whole session is kept in `%s`. Do not edit it.\n", s.StatusPath())
	fmt.Fprintf(&sb, "The session ends at %s; results written later are ignored.\n", s.status.Deadline.Format(time.RFC3339))
	return sb.String()
}
