package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/squad/pkg/models"
)

// Header renders the title bar.
type Header struct {
	width int

	titleStyle lipgloss.Style
	metaStyle  lipgloss.Style
	phaseStyle lipgloss.Style
}

// NewHeader creates a new Header.
func NewHeader() *Header {
	return &Header{
		width: 80,
		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#4ECDC4")),
		metaStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")),
		phaseStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Italic(true),
	}
}

// SetWidth sets the header width.
func (h *Header) SetWidth(width int) {
	h.width = width
}

// View renders the header for a session.
func (h *Header) View(sessionID string, mode models.ExecutionMode, phase string) string {
	left := h.titleStyle.Render("squad")
	if sessionID != "" {
		left += " " + h.metaStyle.Render(sessionID)
	}
	if mode != "" {
		left += h.metaStyle.Render(" · " + string(mode))
	}
	right := h.phaseStyle.Render(phase)

	gap := h.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, left, lipgloss.NewStyle().Width(gap).Render(""), right)
}
