package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/squad/internal/config"
	"github.com/ShayCichocki/squad/internal/exec"
	"github.com/ShayCichocki/squad/internal/git"
	"github.com/ShayCichocki/squad/internal/git/gittest"
	"github.com/ShayCichocki/squad/pkg/models"
)

// fakeWorker stands in for the worker binary. For each task it writes the
// configured file into the working directory, or fails.
type fakeWorker struct {
	mu      sync.Mutex
	files   map[string][2]string // task -> {path, content}
	fail    map[string]bool
	block   bool
	blockOn string // blocks only this task
	started chan struct{}
	once    sync.Once

	// delay holds every successful call in the subprocess-wait state.
	delay    time.Duration
	inflight atomic.Int32
	peak     atomic.Int32
	spans    map[string][2]time.Time // task -> {start, end}
}

func (f *fakeWorker) wait(ctx context.Context, task string) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	start := time.Now()
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
	}
	f.mu.Lock()
	if f.spans == nil {
		f.spans = make(map[string][2]time.Time)
	}
	f.spans[task] = [2]time.Time{start, time.Now()}
	f.mu.Unlock()
}

func (f *fakeWorker) Run(ctx context.Context, cmd exec.Command) (*exec.Result, error) {
	task := ""
	for _, kv := range cmd.Env {
		if v, ok := strings.CutPrefix(kv, "SQUAD_TASK="); ok {
			task = v
		}
	}
	f.mu.Lock()
	file, hasFile := f.files[task]
	fail, block := f.fail[task], f.block || (f.blockOn != "" && f.blockOn == task)
	f.mu.Unlock()

	if block {
		f.once.Do(func() { close(f.started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return &exec.Result{Stderr: "boom", ExitCode: 1}, &exec.ExitError{Args: cmd.Args, Code: 1}
	}
	if f.delay > 0 {
		f.wait(ctx, task)
	}
	if !hasFile {
		file = [2]string{task + ".txt", task + "\n"}
	}
	if err := os.WriteFile(filepath.Join(cmd.Dir, file[0]), []byte(file[1]), 0644); err != nil {
		return &exec.Result{ExitCode: 1}, err
	}
	return &exec.Result{Stdout: "wrote " + file[0]}, nil
}

func (f *fakeWorker) LookPath(name string) (string, error) {
	return "/usr/bin/" + name, nil
}

var testWorkers = []*models.WorkerSpec{
	{ID: "alfred", Role: "Backend.", Match: &models.KeywordPredicate{Keywords: []string{"api"}}},
	{ID: "robin", Role: "Frontend.", Match: &models.KeywordPredicate{Keywords: []string{"ui"}}},
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Worker.Command = []string{"fake-worker"}
	cfg.Worker.DebugDir = ""
	cfg.Execution.SessionRoot = t.TempDir()
	cfg.Execution.MaxParallel = 2
	cfg.Isolation.WorktreeRoot = t.TempDir()
	return cfg
}

func newOrchestrator(t *testing.T, dir string, fw *fakeWorker, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithWorkers(testWorkers), WithOutput(&bytes.Buffer{})}, opts...)
	o, err := New(RequiredConfig{
		Git:    git.NewRunner(dir, exec.NewRunner(time.Second)),
		Exec:   fw,
		Config: testConfig(t),
	}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func item(id, worker string, deps ...string) *models.WorkItem {
	it := models.NewWorkItem(id, "task "+id, "")
	it.Assignment = worker
	it.Dependencies = deps
	return it
}

func statuses(record *models.SessionRecord) map[string]models.TaskStatus {
	out := make(map[string]models.TaskStatus)
	for _, it := range record.Items {
		out[it.ID] = it.Status
	}
	return out
}

func TestRoute(t *testing.T) {
	tests := []struct {
		name     string
		items    []*models.WorkItem
		fallback string
		want     map[string]string
		wantErr  bool
	}{
		{
			name:     "first matching worker",
			items:    []*models.WorkItem{models.NewWorkItem("a", "Build the API and UI", "")},
			fallback: "robin",
			want:     map[string]string{"a": "alfred"},
		},
		{
			name:     "body is matched",
			items:    []*models.WorkItem{models.NewWorkItem("a", "polish", "the UI header")},
			fallback: "alfred",
			want:     map[string]string{"a": "robin"},
		},
		{
			name:     "fallback",
			items:    []*models.WorkItem{models.NewWorkItem("a", "write docs", "")},
			fallback: "robin",
			want:     map[string]string{"a": "robin"},
		},
		{
			name:     "explicit assignment kept",
			items:    []*models.WorkItem{item("a", "robin")},
			fallback: "alfred",
			want:     map[string]string{"a": "robin"},
		},
		{
			name:     "unknown assignment",
			items:    []*models.WorkItem{item("a", "bane")},
			fallback: "alfred",
			wantErr:  true,
		},
		{
			name:     "fallback not in roster",
			items:    []*models.WorkItem{models.NewWorkItem("a", "x", "")},
			fallback: "bane",
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := models.NewBatch("b", tt.items)
			err := Route(b, testWorkers, tt.fallback)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Route() error = %v, wantErr %v", err, tt.wantErr)
			}
			for id, want := range tt.want {
				it, _ := b.Get(id)
				if it.Assignment != want {
					t.Errorf("%s routed to %q, want %q", id, it.Assignment, want)
				}
			}
		})
	}
}

func TestRun_SafeMergesBothWorkers(t *testing.T) {
	dir := gittest.InitRepo(t)
	fw := &fakeWorker{}
	o := newOrchestrator(t, dir, fw, WithEvents(256))

	var notified *models.SessionRecord
	o.OnSessionComplete(func(r *models.SessionRecord) { notified = r })

	b := models.NewBatch("pair", []*models.WorkItem{
		models.NewWorkItem("t1", "impl-auth api", ""),
		models.NewWorkItem("t2", "impl-ui", ""),
	})
	record, err := o.Run(context.Background(), b, models.ModeSafe)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := ExitCode(record, err); got != ExitOK {
		t.Errorf("ExitCode = %d, want 0", got)
	}
	if record.Count(models.TaskStatusCompleted) != 2 || record.Count(models.TaskStatusFailed) != 0 {
		t.Errorf("summary = %+v", record.Summary)
	}
	if notified != record {
		t.Error("OnSessionComplete not called with the record")
	}
	if record.Reconcile == nil || len(record.Reconcile.Merged) != 2 {
		t.Fatalf("reconcile = %+v", record.Reconcile)
	}
	for _, f := range []string{"t1.txt", "t2.txt"} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Errorf("%s missing on trunk: %v", f, err)
		}
	}
	if branches := gittest.Git(t, dir, "branch", "--list"); strings.Contains(branches, record.ID) {
		t.Errorf("worker branches left behind: %q", branches)
	}
	if ws := record.Workers["alfred"]; ws == nil || ws.Completed != 1 || len(ws.FilesTouched) != 1 || ws.FilesTouched[0] != "t1.txt" {
		t.Errorf("alfred stats = %+v", ws)
	}
	if ws := record.Workers["robin"]; ws == nil || ws.Completed != 1 {
		t.Errorf("robin stats = %+v", ws)
	}

	saved, err := LoadRecord(filepath.Join(o.SessionDir(record.ID), SessionFileName))
	if err != nil {
		t.Fatalf("LoadRecord() error = %v", err)
	}
	if saved.ID != record.ID || len(saved.Items) != 2 {
		t.Errorf("saved record = %+v", saved)
	}

	var types []EventType
	for len(o.Events()) > 0 {
		types = append(types, (<-o.Events()).Type)
	}
	if len(types) == 0 || types[0] != EventSessionStarted || types[len(types)-1] != EventSessionDone {
		t.Errorf("events = %v", types)
	}
}

func TestRun_FailureSkipsDependents(t *testing.T) {
	dir := gittest.InitRepo(t)
	fw := &fakeWorker{fail: map[string]bool{"t2": true}}
	o := newOrchestrator(t, dir, fw)

	b := models.NewBatch("chain", []*models.WorkItem{
		item("t1", "alfred"),
		item("t2", "alfred", "t1"),
		item("t3", "alfred", "t2"),
		item("t4", "robin"),
	})
	record, err := o.Run(context.Background(), b, models.ModeSafe)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]models.TaskStatus{
		"t1": models.TaskStatusCompleted,
		"t2": models.TaskStatusFailed,
		"t3": models.TaskStatusSkipped,
		"t4": models.TaskStatusCompleted,
	}
	got := statuses(record)
	for id, s := range want {
		if got[id] != s {
			t.Errorf("%s = %s, want %s", id, got[id], s)
		}
	}
	if len(record.Failures) != 1 || record.Failures[0].ItemID != "t2" || !strings.Contains(record.Failures[0].Error, "boom") {
		t.Errorf("failures = %+v", record.Failures)
	}
	if record.Workers["alfred"].Failed != 1 {
		t.Errorf("alfred stats = %+v", record.Workers["alfred"])
	}
	if code := ExitCode(record, err); code != ExitOK {
		t.Errorf("ExitCode = %d, want 0", code)
	}
}

func TestRun_ConflictExitsFour(t *testing.T) {
	dir := gittest.InitRepo(t)
	fw := &fakeWorker{files: map[string][2]string{
		"t1": {"shared.txt", "alfred\n"},
		"t2": {"shared.txt", "robin\n"},
	}}
	o := newOrchestrator(t, dir, fw)

	b := models.NewBatch("clash", []*models.WorkItem{item("t1", "alfred"), item("t2", "robin")})
	record, err := o.Run(context.Background(), b, models.ModeSafe)
	if err != nil {
		t.Fatal(err)
	}
	if record.Count(models.TaskStatusCompleted) != 2 {
		t.Errorf("summary = %+v", record.Summary)
	}
	if !record.HasConflicts() {
		t.Fatalf("reconcile = %+v", record.Reconcile)
	}
	c := record.Reconcile.Conflicts[0]
	if c.WorkerID != "robin" || !strings.Contains(c.Branch, "robin") {
		t.Errorf("conflict = %+v", c)
	}
	if _, err := os.Stat(c.Worktree); err != nil {
		t.Errorf("conflicting worktree not retained: %v", err)
	}
	if got := gittest.Git(t, dir, "branch", "--list", c.Branch); !strings.Contains(got, c.Branch) {
		t.Errorf("conflicting branch not retained: %q", got)
	}
	if code := ExitCode(record, err); code != ExitConflicts {
		t.Errorf("ExitCode = %d, want 4", code)
	}
}

func TestRun_MaxParallelBoundsWorkers(t *testing.T) {
	dir := gittest.InitRepo(t)
	fw := &fakeWorker{delay: 100 * time.Millisecond}
	workers := []*models.WorkerSpec{{ID: "w1"}, {ID: "w2"}, {ID: "w3"}, {ID: "w4"}}
	o := newOrchestrator(t, dir, fw, WithWorkers(workers), WithMaxParallel(2))

	var items []*models.WorkItem
	for _, w := range workers {
		items = append(items, item(w.ID+"-a", w.ID), item(w.ID+"-b", w.ID))
	}
	record, err := o.Run(context.Background(), models.NewBatch("wide", items), models.ModeSafe)
	if err != nil {
		t.Fatal(err)
	}
	if got := record.Count(models.TaskStatusCompleted); got != len(items) {
		t.Errorf("completed = %d, want %d (statuses %v)", got, len(items), statuses(record))
	}
	if peak := fw.peak.Load(); peak != 2 {
		t.Errorf("peak concurrent workers = %d, want exactly max_parallel 2", peak)
	}
}

func TestRun_SafeRunsIdleWorkerBesideBusyOne(t *testing.T) {
	dir := gittest.InitRepo(t)
	const delay = 300 * time.Millisecond
	fw := &fakeWorker{delay: delay}
	o := newOrchestrator(t, dir, fw, WithMaxParallel(2))

	b := models.NewBatch("uneven", []*models.WorkItem{
		item("a1", "alfred"),
		item("a2", "alfred"),
		item("b1", "robin"),
	})
	record, err := o.Run(context.Background(), b, models.ModeSafe)
	if err != nil {
		t.Fatal(err)
	}
	if got := record.Count(models.TaskStatusCompleted); got != 3 {
		t.Fatalf("statuses = %v", statuses(record))
	}

	fw.mu.Lock()
	a1, a2, b1 := fw.spans["a1"], fw.spans["a2"], fw.spans["b1"]
	fw.mu.Unlock()
	if !b1[0].Before(a1[1]) {
		t.Errorf("robin started at %v, after alfred's first item ended at %v", b1[0], a1[1])
	}
	if a2[0].Before(a1[1]) {
		t.Error("alfred ran two items at once")
	}
	for _, it := range record.Items {
		if it.ID == "a2" && it.Duration() >= 2*delay {
			t.Errorf("a2 duration %v includes time queued behind a1", it.Duration())
		}
	}
}

func TestRun_ValidationErrors(t *testing.T) {
	dir := gittest.InitRepo(t)
	tests := []struct {
		name  string
		items []*models.WorkItem
	}{
		{"cycle", []*models.WorkItem{item("a", "alfred", "b"), item("b", "alfred", "a")}},
		{"unknown dependency", []*models.WorkItem{item("a", "alfred", "ghost")}},
		{"unknown worker", []*models.WorkItem{item("a", "bane")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOrchestrator(t, dir, &fakeWorker{})
			record, err := o.Run(context.Background(), models.NewBatch("bad", tt.items), models.ModeSafe)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Run() error = %v, want ValidationError", err)
			}
			if code := ExitCode(record, err); code != ExitValidation {
				t.Errorf("ExitCode = %d, want 2", code)
			}
		})
	}
}

func TestRun_EmptyBatch(t *testing.T) {
	o := newOrchestrator(t, t.TempDir(), &fakeWorker{})
	record, err := o.Run(context.Background(), models.NewBatch("empty", nil), models.ModeAuto)
	if err != nil {
		t.Fatal(err)
	}
	if len(record.Items) != 0 || record.Summary.Total != 0 {
		t.Errorf("record = %+v", record)
	}
	if code := ExitCode(record, err); code != ExitOK {
		t.Errorf("ExitCode = %d", code)
	}
}

func TestRun_NotRepository(t *testing.T) {
	gittest.RequireGit(t)
	o := newOrchestrator(t, t.TempDir(), &fakeWorker{})
	b := models.NewBatch("b", []*models.WorkItem{item("t1", "alfred")})
	record, err := o.Run(context.Background(), b, models.ModeSafe)
	var ee *EnvironmentError
	if !errors.As(err, &ee) {
		t.Fatalf("Run() error = %v, want EnvironmentError", err)
	}
	if code := ExitCode(record, err); code != ExitEnvironment {
		t.Errorf("ExitCode = %d, want 3", code)
	}
	if got := statuses(record)["t1"]; got != models.TaskStatusSkipped {
		t.Errorf("t1 = %s, want skipped", got)
	}
}

func TestRun_Cancelled(t *testing.T) {
	dir := gittest.InitRepo(t)
	fw := &fakeWorker{block: true, started: make(chan struct{})}
	o := newOrchestrator(t, dir, fw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-fw.started
		cancel()
	}()

	b := models.NewBatch("b", []*models.WorkItem{item("t1", "alfred"), item("t2", "alfred")})
	record, err := o.Run(ctx, b, models.ModeFast)
	if err != nil {
		t.Fatal(err)
	}
	if !record.Interrupted {
		t.Error("record not marked interrupted")
	}
	got := statuses(record)
	if got["t1"] != models.TaskStatusFailed || got["t2"] != models.TaskStatusSkipped {
		t.Errorf("statuses = %v", got)
	}
	for _, it := range record.Items {
		if it.Error != "cancelled" {
			t.Errorf("%s error = %q, want cancelled", it.ID, it.Error)
		}
	}
	if code := ExitCode(record, err); code != ExitInterrupted {
		t.Errorf("ExitCode = %d, want 130", code)
	}
}

func TestRun_InterruptedKeepsEveryWorktree(t *testing.T) {
	dir := gittest.InitRepo(t)
	fw := &fakeWorker{blockOn: "t2", started: make(chan struct{}), delay: 10 * time.Millisecond}
	o := newOrchestrator(t, dir, fw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-fw.started
		for {
			fw.mu.Lock()
			_, done := fw.spans["t1"]
			fw.mu.Unlock()
			if done {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	b := models.NewBatch("b", []*models.WorkItem{item("t1", "robin"), item("t2", "alfred")})
	record, err := o.Run(ctx, b, models.ModeSafe)
	if err != nil {
		t.Fatal(err)
	}
	if !record.Interrupted || record.Reconcile != nil {
		t.Fatalf("interrupted = %v, reconcile = %+v", record.Interrupted, record.Reconcile)
	}
	entries, err := os.ReadDir(filepath.Join(o.cfg.Isolation.WorktreeRoot, record.ID))
	if err != nil {
		t.Fatalf("session worktrees removed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("kept %d worktrees, want one per worker", len(entries))
	}
}

func TestRun_MissingWorkerCommand(t *testing.T) {
	dir := gittest.InitRepo(t)
	o := newOrchestrator(t, dir, &fakeWorker{})
	o.exec = missingExec{}
	b := models.NewBatch("b", []*models.WorkItem{item("t1", "alfred")})
	_, err := o.Run(context.Background(), b, models.ModeFast)
	var ee *EnvironmentError
	if !errors.As(err, &ee) {
		t.Fatalf("Run() error = %v, want EnvironmentError", err)
	}
}

type missingExec struct{}

func (missingExec) Run(context.Context, exec.Command) (*exec.Result, error) {
	return nil, errors.New("unexpected run")
}

func (missingExec) LookPath(string) (string, error) { return "", os.ErrNotExist }

func TestExitCode(t *testing.T) {
	conflicted := &models.SessionRecord{Reconcile: &models.ReconcileSummary{Conflicts: []models.MergeConflict{{Branch: "b"}}}}
	interrupted := &models.SessionRecord{Interrupted: true, Reconcile: conflicted.Reconcile}
	tests := []struct {
		name   string
		record *models.SessionRecord
		err    error
		want   int
	}{
		{"clean", &models.SessionRecord{}, nil, ExitOK},
		{"item failures only", &models.SessionRecord{Failures: []models.ItemFailure{{ItemID: "a"}}}, nil, ExitOK},
		{"validation", nil, &ValidationError{Err: errors.New("cycle")}, ExitValidation},
		{"environment", &models.SessionRecord{}, &EnvironmentError{Err: errors.New("no repo")}, ExitEnvironment},
		{"conflicts", conflicted, nil, ExitConflicts},
		{"interrupted beats conflicts", interrupted, nil, ExitInterrupted},
		{"cancelled error", nil, context.Canceled, ExitInterrupted},
		{"batch error", &models.SessionRecord{Error: "deadlock"}, nil, ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.record, tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
