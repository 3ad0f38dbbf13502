package models

import (
	"sort"
	"time"
)

// ExecutionMode names an execution strategy.
type ExecutionMode string

const (
	ModeAuto          ExecutionMode = "auto"
	ModeSafe          ExecutionMode = "safe"
	ModeFast          ExecutionMode = "fast"
	ModeRedundant     ExecutionMode = "redundant"
	ModeParallelSpawn ExecutionMode = "parallel-spawn"
)

// Valid returns true if the mode is a known value.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeAuto, ModeSafe, ModeFast, ModeRedundant, ModeParallelSpawn:
		return true
	default:
		return false
	}
}

// WorkerStats accumulates per-worker counters over a session.
type WorkerStats struct {
	// Completed counts items the worker finished successfully.
	Completed int `json:"completed"`
	// Failed counts items that failed on this worker.
	Failed int `json:"failed"`
	// TimeUsed is the summed execution time of the worker's items.
	TimeUsed time.Duration `json:"time_used"`
	// FilesTouched lists files committed by the worker, sorted.
	FilesTouched []string `json:"files_touched,omitempty"`
}

// MergeConflict describes a worker branch the reconciler could not merge.
type MergeConflict struct {
	WorkerID string   `json:"worker_id"`
	Branch   string   `json:"branch"`
	Worktree string   `json:"worktree,omitempty"`
	Files    []string `json:"files,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// ReconcileSummary is the reconciler's outcome as recorded in the session.
type ReconcileSummary struct {
	// Merged lists branches merged into trunk and deleted.
	Merged []string `json:"merged,omitempty"`
	// Conflicts lists branches preserved for manual resolution.
	Conflicts []MergeConflict `json:"conflicts,omitempty"`
	// Skipped lists branches that no longer existed or had nothing to merge.
	Skipped []string `json:"skipped,omitempty"`
	// Pushed lists branches pushed to the remote before deletion.
	Pushed []string `json:"pushed,omitempty"`
}

// ItemFailure is one entry in the structured failure list.
type ItemFailure struct {
	ItemID   string `json:"item_id"`
	WorkerID string `json:"worker_id,omitempty"`
	Error    string `json:"error"`
}

// SessionRecord is the orchestrator's output for a single batch run.
type SessionRecord struct {
	// ID is the session identifier used in branch names and state paths.
	ID string `json:"id"`
	// Name is the batch display name.
	Name string `json:"name"`
	// Mode is the resolved execution mode.
	Mode ExecutionMode `json:"mode"`
	// StartedAt is when the orchestrator began the session.
	StartedAt time.Time `json:"started_at"`
	// EndedAt is when the session record was finalized.
	EndedAt time.Time `json:"ended_at"`
	// Workers holds per-worker counters keyed by worker id.
	Workers map[string]*WorkerStats `json:"workers"`
	// Summary is the final batch summary.
	Summary BatchSummary `json:"summary"`
	// Items are the final states of every work item.
	Items []*WorkItem `json:"items"`
	// Failures lists failed items with their diagnostics.
	Failures []ItemFailure `json:"failures,omitempty"`
	// Reconcile is nil when the mode does not reconcile.
	Reconcile *ReconcileSummary `json:"reconcile,omitempty"`
	// ResultsDir is where redundant or spawned results were written.
	ResultsDir string `json:"results_dir,omitempty"`
	// Interrupted is true when the session was cancelled.
	Interrupted bool `json:"interrupted,omitempty"`
	// Error carries a batch-level diagnostic such as a deadlock.
	Error string `json:"error,omitempty"`
}

// NewSessionRecord creates an empty record stamped with the start time.
func NewSessionRecord(id, name string, mode ExecutionMode) *SessionRecord {
	return &SessionRecord{
		ID:        id,
		Name:      name,
		Mode:      mode,
		StartedAt: time.Now(),
		Workers:   make(map[string]*WorkerStats),
		Summary:   BatchSummary{Counts: make(map[TaskStatus]int)},
	}
}

// Worker returns the stats for id, creating them on first use.
func (r *SessionRecord) Worker(id string) *WorkerStats {
	ws, ok := r.Workers[id]
	if !ok {
		ws = &WorkerStats{}
		r.Workers[id] = ws
	}
	return ws
}

// Count returns the number of items in status s.
func (r *SessionRecord) Count(s TaskStatus) int {
	return r.Summary.Counts[s]
}

// HasConflicts reports whether any branch was preserved after a failed merge.
func (r *SessionRecord) HasConflicts() bool {
	return r.Reconcile != nil && len(r.Reconcile.Conflicts) > 0
}

// Duration is the wall-clock length of the session.
func (r *SessionRecord) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// AddFilesTouched merges files into a worker's sorted, de-duplicated list.
func (ws *WorkerStats) AddFilesTouched(files ...string) {
	seen := make(map[string]bool, len(ws.FilesTouched)+len(files))
	for _, f := range ws.FilesTouched {
		seen[f] = true
	}
	for _, f := range files {
		if f != "" && !seen[f] {
			seen[f] = true
			ws.FilesTouched = append(ws.FilesTouched, f)
		}
	}
	sort.Strings(ws.FilesTouched)
}
