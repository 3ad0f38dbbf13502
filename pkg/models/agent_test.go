package models

import (
	"testing"
	"time"
)

func TestKeywordPredicate_Match(t *testing.T) {
	p := &KeywordPredicate{
		Keywords: []string{"Docker", "deploy"},
		Patterns: []string{`^fix\s+#\d+`, `(`},
	}

	tests := []struct {
		text string
		want bool
	}{
		{"write a docker compose file", true},
		{"deploy to staging", true},
		{"fix #42 in parser", true},
		{"update readme", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := p.Match(tt.text); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestWorkerSpec_MatchesLowercases(t *testing.T) {
	w := &WorkerSpec{ID: "batgirl", Match: &KeywordPredicate{Keywords: []string{"react"}}}
	if !w.Matches("Build REACT Component", "") {
		t.Error("expected case-insensitive match")
	}
	if (&WorkerSpec{ID: "none"}).Matches("react", "") {
		t.Error("worker without predicate must not match")
	}
}

func TestDefaultWorkers(t *testing.T) {
	workers := DefaultWorkers()
	if len(workers) != 5 {
		t.Fatalf("len(DefaultWorkers()) = %d, want 5", len(workers))
	}

	seen := make(map[string]bool)
	for _, w := range workers {
		if seen[w.ID] {
			t.Errorf("duplicate worker id %q", w.ID)
		}
		seen[w.ID] = true
		if w.Role == "" {
			t.Errorf("worker %q has no role", w.ID)
		}
	}
	if !seen[DefaultFallbackWorker] {
		t.Errorf("fallback worker %q missing from defaults", DefaultFallbackWorker)
	}
}

func TestSessionRecord_WorkerStats(t *testing.T) {
	rec := NewSessionRecord("s1", "batch", ModeSafe)
	ws := rec.Worker("alfred")
	ws.Completed++
	ws.TimeUsed += time.Second
	ws.AddFilesTouched("b.go", "a.go", "b.go", "")

	if rec.Worker("alfred").Completed != 1 {
		t.Error("Worker() must return the same stats on repeated calls")
	}
	if got := rec.Workers["alfred"].FilesTouched; len(got) != 2 || got[0] != "a.go" {
		t.Errorf("FilesTouched = %v, want [a.go b.go]", got)
	}
	if rec.HasConflicts() {
		t.Error("new record has no conflicts")
	}
	rec.Reconcile = &ReconcileSummary{Conflicts: []MergeConflict{{WorkerID: "robin"}}}
	if !rec.HasConflicts() {
		t.Error("expected conflicts")
	}
}

func TestExecutionMode_Valid(t *testing.T) {
	for _, m := range []ExecutionMode{ModeAuto, ModeSafe, ModeFast, ModeRedundant, ModeParallelSpawn} {
		if !m.Valid() {
			t.Errorf("%q should be valid", m)
		}
	}
	if ExecutionMode("infinity").Valid() {
		t.Error("unknown mode should be invalid")
	}
}
