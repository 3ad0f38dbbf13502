package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/squad/pkg/models"
)

var (
	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("34"))  // Green
	doneStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("28")).Bold(true)
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // Orange
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	hintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	separatorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("236"))
	workerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
)

func statusIcon(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusCompleted:
		return doneStyle.Render("✓")
	case models.TaskStatusFailed:
		return failedStyle.Render("✗")
	case models.TaskStatusSkipped:
		return dimStyle.Render("⊘")
	case models.TaskStatusInProgress:
		return runningStyle.Render("●")
	default:
		return dimStyle.Render("○")
	}
}

func logStyle(level string) lipgloss.Style {
	switch level {
	case "ERROR":
		return failedStyle
	case "WARN":
		return warnStyle
	default:
		return dimStyle
	}
}
