package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/squad/internal/orchestrator"
	"github.com/ShayCichocki/squad/pkg/models"
)

// maxLogLines is how many activity lines the monitor keeps.
const maxLogLines = 8

// EventMsg wraps an orchestrator event for the program.
type EventMsg struct {
	Event orchestrator.Event
}

// DoneMsg tells the monitor the run has returned, covering runs that end
// without a session_done event.
type DoneMsg struct {
	Record *models.SessionRecord
	Err    error
}

type eventsClosedMsg struct{}

// LogEntry is one line of the activity log.
type LogEntry struct {
	Timestamp time.Time
	Level     string
	Message   string
}

type itemRow struct {
	id       string
	title    string
	worker   string
	status   models.TaskStatus
	started  time.Time
	duration time.Duration
	err      string
}

// Monitor is the bubbletea model for a running session.
type Monitor struct {
	events <-chan orchestrator.Event
	cancel func()

	sessionID string
	mode      models.ExecutionMode
	summary   models.BatchSummary
	rows      []*itemRow
	index     map[string]*itemRow
	logs      []LogEntry
	phase     string

	spinner  spinner.Model
	progress progress.Model
	header   *Header
	footer   *Footer

	width      int
	stopping   bool
	done       bool
	quitting   bool
	record     *models.SessionRecord
	sessionErr string
}

// NewMonitor creates a monitor reading from events. cancel is called when
// the user quits before the session is done; it may be nil.
func NewMonitor(events <-chan orchestrator.Event, cancel func()) *Monitor {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = runningStyle
	return &Monitor{
		events:   events,
		cancel:   cancel,
		index:    make(map[string]*itemRow),
		spinner:  sp,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		header:   NewHeader(),
		footer:   NewFooter(),
		width:    80,
		phase:    "starting",
	}
}

// NewProgram creates a program running a Monitor.
func NewProgram(events <-chan orchestrator.Event, cancel func()) (*tea.Program, *Monitor) {
	m := NewMonitor(events, cancel)
	return tea.NewProgram(m, tea.WithAltScreen()), m
}

// Record returns the final session record, or nil before session_done.
func (m *Monitor) Record() *models.SessionRecord {
	return m.record
}

// Init implements tea.Model.
func (m *Monitor) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func waitForEvent(events <-chan orchestrator.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return EventMsg{Event: ev}
	}
}

// Update implements tea.Model.
func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.done {
				m.quitting = true
				return m, tea.Quit
			}
			if !m.stopping {
				m.stopping = true
				m.log("WARN", "stopping: waiting for running items")
				if m.cancel != nil {
					m.cancel()
				}
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = min(60, max(10, msg.Width-30))
		return m, nil

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case EventMsg:
		m.apply(msg.Event)
		if m.done {
			return m, nil
		}
		return m, waitForEvent(m.events)

	case DoneMsg:
		m.done = true
		m.phase = "done"
		if m.record == nil && msg.Record != nil {
			m.apply(orchestrator.Event{Type: orchestrator.EventSessionDone, Record: msg.Record, Summary: msg.Record.Summary})
		}
		if msg.Err != nil {
			m.sessionErr = msg.Err.Error()
		}
		return m, nil

	case eventsClosedMsg:
		m.done = true
		return m, nil
	}
	return m, nil
}

func (m *Monitor) apply(ev orchestrator.Event) {
	if ev.Summary.Total > 0 {
		m.summary = ev.Summary
	}
	switch ev.Type {
	case orchestrator.EventSessionStarted:
		m.sessionID = ev.SessionID
		m.mode = ev.Mode
		m.phase = "running"

	case orchestrator.EventItemStarted:
		r := m.row(ev)
		r.status = models.TaskStatusInProgress
		r.started = ev.Timestamp

	case orchestrator.EventItemCompleted:
		r := m.row(ev)
		r.status = models.TaskStatusCompleted
		r.duration = ev.Duration

	case orchestrator.EventItemFailed:
		r := m.row(ev)
		r.status = models.TaskStatusFailed
		r.duration = ev.Duration
		r.err = ev.Error
		m.log("ERROR", fmt.Sprintf("%s failed: %s", ev.ItemID, firstLine(ev.Error)))

	case orchestrator.EventItemSkipped:
		r := m.row(ev)
		r.status = models.TaskStatusSkipped
		r.err = ev.Error
		m.log("INFO", fmt.Sprintf("%s skipped: %s", ev.ItemID, firstLine(ev.Error)))

	case orchestrator.EventReconcileStarted:
		m.phase = "reconciling"

	case orchestrator.EventMergeConflict:
		m.log("WARN", fmt.Sprintf("conflict merging %s (%s), branch preserved", ev.Message, ev.WorkerID))

	case orchestrator.EventReconcileCompleted:
		m.log("INFO", "reconcile: "+ev.Message)

	case orchestrator.EventSessionDone:
		m.done = true
		m.phase = "done"
		m.record = ev.Record
		if ev.Record != nil {
			m.sessionErr = ev.Record.Error
			if ev.Record.Interrupted && m.sessionErr == "" {
				m.sessionErr = "interrupted"
			}
		}
	}
}

func (m *Monitor) row(ev orchestrator.Event) *itemRow {
	r, ok := m.index[ev.ItemID]
	if !ok {
		r = &itemRow{id: ev.ItemID, status: models.TaskStatusPending}
		m.index[ev.ItemID] = r
		m.rows = append(m.rows, r)
	}
	if ev.ItemTitle != "" {
		r.title = ev.ItemTitle
	}
	if ev.WorkerID != "" {
		r.worker = ev.WorkerID
	}
	return r
}

func (m *Monitor) log(level, message string) {
	m.logs = append(m.logs, LogEntry{Timestamp: time.Now(), Level: level, Message: message})
	if len(m.logs) > maxLogLines {
		m.logs = m.logs[len(m.logs)-maxLogLines:]
	}
}

// View implements tea.Model.
func (m *Monitor) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder

	m.header.SetWidth(m.width)
	b.WriteString(m.header.View(m.sessionID, m.mode, m.phase))
	b.WriteString("\n\n")

	b.WriteString(m.progress.ViewAs(m.fraction()))
	fmt.Fprintf(&b, "  %d/%d\n\n", m.terminal(), m.summary.Total)

	b.WriteString(m.viewItems())

	if len(m.logs) > 0 {
		b.WriteString("\n")
		for _, e := range m.logs {
			b.WriteString(logStyle(e.Level).Render(fmt.Sprintf("%s %s", e.Timestamp.Format("15:04:05"), e.Message)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	m.footer.Set(m.done, m.stopping, m.sessionErr, m.summary)
	b.WriteString(m.footer.View())
	return b.String()
}

func (m *Monitor) viewItems() string {
	if len(m.rows) == 0 {
		return dimStyle.Render("waiting for items") + "\n"
	}
	var b strings.Builder
	for _, r := range m.rows {
		icon := statusIcon(r.status)
		if r.status == models.TaskStatusInProgress {
			icon = m.spinner.View()
		}
		dur := ""
		switch {
		case r.duration > 0:
			dur = r.duration.Round(time.Second).String()
		case r.status == models.TaskStatusInProgress && !r.started.IsZero():
			dur = time.Since(r.started).Round(time.Second).String()
		}
		title := truncate(r.title, max(10, m.width-40))
		fmt.Fprintf(&b, "%s %-10s %-9s %s %s\n",
			icon, truncate(r.id, 10), workerStyle.Render(truncate(r.worker, 9)), title, dimStyle.Render(dur))
	}
	return b.String()
}

func (m *Monitor) terminal() int {
	c := m.summary.Counts
	return c[models.TaskStatusCompleted] + c[models.TaskStatusFailed] + c[models.TaskStatusSkipped]
}

func (m *Monitor) fraction() float64 {
	if m.summary.Total == 0 {
		return 0
	}
	return float64(m.terminal()) / float64(m.summary.Total)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
