package tui

import (
	"fmt"

	"github.com/ShayCichocki/squad/pkg/models"
)

// Footer renders the status line and keyboard hints.
type Footer struct {
	done     bool
	stopping bool
	errText  string
	summary  models.BatchSummary
}

// NewFooter creates a new Footer instance.
func NewFooter() *Footer {
	return &Footer{}
}

// Set updates what the footer shows.
func (f *Footer) Set(done, stopping bool, errText string, summary models.BatchSummary) {
	f.done = done
	f.stopping = stopping
	f.errText = errText
	f.summary = summary
}

// View renders the footer.
func (f *Footer) View() string {
	c := f.summary.Counts
	counts := fmt.Sprintf("✓%d", c[models.TaskStatusCompleted])
	if n := c[models.TaskStatusFailed]; n > 0 {
		counts += failedStyle.Render(fmt.Sprintf(" ✗%d", n))
	}
	if n := c[models.TaskStatusSkipped]; n > 0 {
		counts += dimStyle.Render(fmt.Sprintf(" ⊘%d", n))
	}
	if n := c[models.TaskStatusInProgress]; n > 0 {
		counts += runningStyle.Render(fmt.Sprintf(" ⏳%d", n))
	}

	sep := separatorStyle.Render(" │ ")
	switch {
	case f.done && f.errText != "":
		return counts + sep + failedStyle.Render("✗ "+f.errText) + sep + hintStyle.Render("q exit")
	case f.done:
		return counts + sep + doneStyle.Render("✓ session complete") + sep + hintStyle.Render("q exit")
	case f.stopping:
		return counts + sep + hintStyle.Render("stopping…")
	default:
		return counts + sep + hintStyle.Render("q stop")
	}
}
