package tui

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/ShayCichocki/squad/internal/state"
	"github.com/ShayCichocki/squad/pkg/models"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252")).Padding(0, 1)

var cellStyle = lipgloss.NewStyle().Padding(0, 1)

// RenderSessions formats session history newest first.
func RenderSessions(sessions []state.SessionSummary) string {
	if len(sessions) == 0 {
		return dimStyle.Render("no sessions recorded")
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.ID,
			s.Name,
			string(s.Mode),
			s.StartedAt.Local().Format("2006-01-02 15:04"),
			formatDuration(s.Duration()),
			fmt.Sprintf("%d/%d", s.Completed, s.Total),
			fmt.Sprint(s.Failed),
			fmt.Sprint(s.Conflicts),
			sessionState(s),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(separatorStyle).
		Headers("SESSION", "NAME", "MODE", "STARTED", "TOOK", "DONE", "FAILED", "CONFLICTS", "STATE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 8 {
				return cellStyle.Inherit(stateStyle(rows[row][8]))
			}
			return cellStyle
		})
	return t.Render()
}

// RenderRecord formats one session's items and worker stats.
func RenderRecord(r *models.SessionRecord) string {
	items := make([][]string, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, []string{
			it.ID,
			truncate(it.Title, 40),
			it.Assignment,
			string(it.Status),
			formatDuration(it.Duration()),
			truncate(firstLine(it.Error), 50),
		})
	}
	itemTable := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(separatorStyle).
		Headers("ITEM", "TITLE", "WORKER", "STATUS", "TOOK", "ERROR").
		Rows(items...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 3 {
				return cellStyle.Inherit(stateStyle(items[row][3]))
			}
			return cellStyle
		})

	ids := make([]string, 0, len(r.Workers))
	for id := range r.Workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	workers := make([][]string, 0, len(ids))
	for _, id := range ids {
		w := r.Workers[id]
		workers = append(workers, []string{
			id,
			fmt.Sprint(w.Completed),
			fmt.Sprint(w.Failed),
			fmt.Sprint(len(w.FilesTouched)),
			formatDuration(w.TimeUsed),
		})
	}
	workerTable := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(separatorStyle).
		Headers("WORKER", "COMPLETED", "FAILED", "FILES", "TIME").
		Rows(workers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	title := fmt.Sprintf("%s  %s  %s", workerStyle.Render(r.ID), r.Name, dimStyle.Render(string(r.Mode)))
	parts := []string{title, itemTable.Render(), workerTable.Render()}
	if r.Reconcile != nil {
		parts = append(parts, fmt.Sprintf("reconcile: %d merged, %d conflicts, %d skipped",
			len(r.Reconcile.Merged), len(r.Reconcile.Conflicts), len(r.Reconcile.Skipped)))
		for _, c := range r.Reconcile.Conflicts {
			parts = append(parts, warnStyle.Render(fmt.Sprintf("  %s preserved at %s", c.Branch, c.Worktree)))
		}
	}
	if r.Error != "" {
		parts = append(parts, failedStyle.Render("error: "+r.Error))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func sessionState(s state.SessionSummary) string {
	switch {
	case s.Interrupted:
		return "interrupted"
	case s.Error != "":
		return "error"
	case s.EndedAt == nil:
		return "running"
	case s.Conflicts > 0:
		return "conflicts"
	case s.Failed > 0:
		return "failed"
	default:
		return "ok"
	}
}

func stateStyle(s string) lipgloss.Style {
	switch s {
	case "ok", string(models.TaskStatusCompleted):
		return runningStyle
	case "failed", "error":
		return failedStyle
	case "conflicts", "interrupted", "running":
		return warnStyle
	default:
		return dimStyle
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
