package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/squad/internal/orchestrator"
	"github.com/ShayCichocki/squad/pkg/models"
)

func printStatus(w io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
}

// printEvent renders one orchestrator event as a headless progress line.
// Events with nothing worth a line are ignored.
func printEvent(w io.Writer, ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventSessionStarted:
		printStatus(w, "▶", fmt.Sprintf("session %s (%s, %d items)", ev.SessionID, ev.Mode, ev.Summary.Total), color.FgCyan)
	case orchestrator.EventItemStarted:
		printStatus(w, "●", fmt.Sprintf("%s → %s: %s", ev.ItemID, ev.WorkerID, ev.ItemTitle), color.FgBlue)
	case orchestrator.EventItemCompleted:
		printStatus(w, "✓", fmt.Sprintf("%s done in %s", ev.ItemID, ev.Duration.Round(100*time.Millisecond)), color.FgGreen)
	case orchestrator.EventItemFailed:
		printStatus(w, "✗", fmt.Sprintf("%s failed: %s", ev.ItemID, firstLine(ev.Error)), color.FgRed)
	case orchestrator.EventItemSkipped:
		printStatus(w, "⊘", fmt.Sprintf("%s skipped: %s", ev.ItemID, ev.Error), color.FgYellow)
	case orchestrator.EventReconcileStarted:
		printStatus(w, "⇄", "merging worker branches", color.FgCyan)
	case orchestrator.EventMergeConflict:
		printStatus(w, "⚠", fmt.Sprintf("conflict: %s preserved (%s)", ev.Message, ev.WorkerID), color.FgYellow)
	case orchestrator.EventReconcileCompleted:
		printStatus(w, "⇄", ev.Message, color.FgCyan)
	}
}

// printSummary writes the end-of-run report.
func printSummary(w io.Writer, r *models.SessionRecord, sessionDir string) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Session %s  %s  %s\n", color.CyanString(r.ID), r.Mode, r.Duration().Round(time.Second))
	fmt.Fprintf(w, "  %s completed  %s failed  %s skipped  of %d\n",
		color.GreenString("%d", r.Count(models.TaskStatusCompleted)),
		color.RedString("%d", r.Count(models.TaskStatusFailed)),
		color.YellowString("%d", r.Count(models.TaskStatusSkipped)),
		r.Summary.Total)

	ids := make([]string, 0, len(r.Workers))
	for id := range r.Workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := r.Workers[id]
		fmt.Fprintf(w, "  %-10s %d done, %d failed, %d files, %s\n",
			id, s.Completed, s.Failed, len(s.FilesTouched), s.TimeUsed.Round(time.Second))
	}

	for _, f := range r.Failures {
		printStatus(w, "✗", fmt.Sprintf("%s (%s): %s", f.ItemID, f.WorkerID, firstLine(f.Error)), color.FgRed)
	}
	if rc := r.Reconcile; rc != nil {
		fmt.Fprintf(w, "  merged %d branch(es), %d conflict(s)\n", len(rc.Merged), len(rc.Conflicts))
		for _, c := range rc.Conflicts {
			printStatus(w, "⚠", fmt.Sprintf("%s conflicts in %v; resolve in %s", c.Branch, c.Files, c.Worktree), color.FgYellow)
		}
	}
	if r.ResultsDir != "" {
		fmt.Fprintf(w, "  results: %s\n", r.ResultsDir)
	}
	if r.Interrupted {
		printStatus(w, "■", "interrupted", color.FgYellow)
	}
	if r.Error != "" {
		printStatus(w, "✗", r.Error, color.FgRed)
	}
	if sessionDir != "" {
		fmt.Fprintf(w, "  record: %s\n", sessionDir)
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
