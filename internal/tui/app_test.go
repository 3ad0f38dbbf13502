package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/squad/internal/orchestrator"
	"github.com/ShayCichocki/squad/internal/state"
	"github.com/ShayCichocki/squad/pkg/models"
)

func summary(total, completed, failed, running int) models.BatchSummary {
	return models.BatchSummary{
		Total: total,
		Counts: map[models.TaskStatus]int{
			models.TaskStatusCompleted:  completed,
			models.TaskStatusFailed:     failed,
			models.TaskStatusInProgress: running,
		},
	}
}

func send(m *Monitor, ev orchestrator.Event) tea.Cmd {
	_, cmd := m.Update(EventMsg{Event: ev})
	return cmd
}

func TestMonitor_TracksItems(t *testing.T) {
	m := NewMonitor(make(chan orchestrator.Event), nil)

	send(m, orchestrator.Event{Type: orchestrator.EventSessionStarted, SessionID: "squad-1a2b3c4d", Mode: models.ModeSafe, Summary: summary(2, 0, 0, 0)})
	send(m, orchestrator.Event{Type: orchestrator.EventItemStarted, ItemID: "t1", ItemTitle: "Add API", WorkerID: "alfred", Timestamp: time.Now(), Summary: summary(2, 0, 0, 1)})
	send(m, orchestrator.Event{Type: orchestrator.EventItemCompleted, ItemID: "t1", WorkerID: "alfred", Duration: 3 * time.Second, Summary: summary(2, 1, 0, 0)})
	cmd := send(m, orchestrator.Event{Type: orchestrator.EventItemFailed, ItemID: "t2", ItemTitle: "Style UI", WorkerID: "robin", Error: "exit status 1\nmore", Summary: summary(2, 1, 1, 0)})
	if cmd == nil {
		t.Error("monitor stopped listening before session_done")
	}

	if len(m.rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(m.rows))
	}
	if m.rows[0].status != models.TaskStatusCompleted || m.rows[0].title != "Add API" || m.rows[0].worker != "alfred" {
		t.Errorf("t1 row = %+v", m.rows[0])
	}
	if m.rows[1].status != models.TaskStatusFailed {
		t.Errorf("t2 row = %+v", m.rows[1])
	}
	if m.fraction() != 1 {
		t.Errorf("fraction = %v, want 1", m.fraction())
	}

	view := m.View()
	for _, want := range []string{"squad-1a2b3c4d", "Add API", "Style UI", "t2 failed: exit status 1", "2/2"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
	if strings.Contains(view, "more") {
		t.Error("log line should show only the first error line")
	}
}

func TestMonitor_SessionDone(t *testing.T) {
	m := NewMonitor(make(chan orchestrator.Event), nil)
	rec := models.NewSessionRecord("squad-1", "demo", models.ModeSafe)
	rec.Error = "deadlock: t3"

	if cmd := send(m, orchestrator.Event{Type: orchestrator.EventSessionDone, Record: rec}); cmd != nil {
		t.Error("monitor should stop listening after session_done")
	}
	if !m.done || m.Record() != rec {
		t.Fatal("session_done not applied")
	}
	if view := m.View(); !strings.Contains(view, "deadlock: t3") {
		t.Errorf("view missing session error:\n%s", view)
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil || !m.quitting {
		t.Error("q after session_done should quit")
	}
}

func TestMonitor_QuitWhileRunningCancels(t *testing.T) {
	var cancelled int
	m := NewMonitor(make(chan orchestrator.Event), func() { cancelled++ })

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd != nil {
		t.Error("monitor should keep running until session_done")
	}
	m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cancelled != 1 {
		t.Errorf("cancel called %d times, want 1", cancelled)
	}
	if !m.stopping || !strings.Contains(m.View(), "stopping") {
		t.Error("monitor not in stopping state")
	}
}

func TestMonitor_ClosedChannel(t *testing.T) {
	events := make(chan orchestrator.Event)
	close(events)
	m := NewMonitor(events, nil)

	msg := waitForEvent(events)()
	m.Update(msg)
	if !m.done {
		t.Error("closed event channel should end the monitor")
	}
}

func TestRenderSessions(t *testing.T) {
	if got := RenderSessions(nil); !strings.Contains(got, "no sessions") {
		t.Errorf("empty = %q", got)
	}

	end := time.Now()
	out := RenderSessions([]state.SessionSummary{
		{ID: "squad-aaaa", Name: "first", Mode: models.ModeSafe, StartedAt: end.Add(-time.Minute), EndedAt: &end, Total: 3, Completed: 3},
		{ID: "squad-bbbb", Name: "second", Mode: models.ModeFast, StartedAt: end, Total: 2, Completed: 1, Failed: 1, Interrupted: true},
	})
	for _, want := range []string{"SESSION", "squad-aaaa", "3/3", "1m0s", "squad-bbbb", "interrupted"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestRenderRecord(t *testing.T) {
	rec := models.NewSessionRecord("squad-1", "demo", models.ModeSafe)
	it := models.NewWorkItem("t1", "Add API", "")
	it.Assignment = "alfred"
	it.Status = models.TaskStatusCompleted
	rec.Items = []*models.WorkItem{it}
	rec.Workers["alfred"] = &models.WorkerStats{Completed: 1, FilesTouched: []string{"a.go"}}
	rec.Reconcile = &models.ReconcileSummary{
		Conflicts: []models.MergeConflict{{WorkerID: "robin", Branch: "squad-1/robin-abcd", Worktree: "/tmp/wt/robin"}},
	}

	out := RenderRecord(rec)
	for _, want := range []string{"squad-1", "Add API", "alfred", "completed", "1 conflicts", "squad-1/robin-abcd preserved at /tmp/wt/robin"} {
		if !strings.Contains(out, want) {
			t.Errorf("record missing %q:\n%s", want, out)
		}
	}
}

func TestMonitor_DoneMsgWithoutEvent(t *testing.T) {
	m := NewMonitor(make(chan orchestrator.Event), nil)
	m.Update(DoneMsg{Err: errors.New("invalid batch: cycle")})
	if !m.done {
		t.Fatal("DoneMsg did not end the monitor")
	}
	if !strings.Contains(m.View(), "invalid batch: cycle") {
		t.Errorf("view missing run error:\n%s", m.View())
	}
}

func TestStateStyle(t *testing.T) {
	tests := []struct {
		state string
		want  lipgloss.TerminalColor
	}{
		{"ok", runningStyle.GetForeground()},
		{string(models.TaskStatusCompleted), runningStyle.GetForeground()},
		{"failed", failedStyle.GetForeground()},
		{"error", failedStyle.GetForeground()},
		{"conflicts", warnStyle.GetForeground()},
		{"interrupted", warnStyle.GetForeground()},
		{"pending", dimStyle.GetForeground()},
	}
	for _, tt := range tests {
		if got := stateStyle(tt.state).GetForeground(); got != tt.want {
			t.Errorf("stateStyle(%q) foreground = %v, want %v", tt.state, got, tt.want)
		}
	}
}
