package orchestrator

import (
	"time"

	"github.com/ShayCichocki/squad/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventSessionStarted is emitted once the mode is prepared.
	EventSessionStarted EventType = "session_started"
	// EventItemStarted indicates an item was handed to the mode.
	EventItemStarted EventType = "item_started"
	// EventItemCompleted indicates an item completed.
	EventItemCompleted EventType = "item_completed"
	// EventItemFailed indicates an item failed.
	EventItemFailed EventType = "item_failed"
	// EventItemSkipped indicates an item will not run.
	EventItemSkipped EventType = "item_skipped"
	// EventReconcileStarted indicates worker branches are being merged.
	EventReconcileStarted EventType = "reconcile_started"
	// EventMergeConflict indicates a branch was preserved after a conflict.
	EventMergeConflict EventType = "merge_conflict"
	// EventReconcileCompleted indicates reconciliation finished.
	EventReconcileCompleted EventType = "reconcile_completed"
	// EventSessionDone indicates the entire session is complete.
	EventSessionDone EventType = "session_done"
)

// Event is emitted by the orchestrator while a session runs.
// These events are used to update the TUI.
type Event struct {
	Type      EventType
	SessionID string
	Mode      models.ExecutionMode
	// ItemID and ItemTitle identify the related item, if any.
	ItemID    string
	ItemTitle string
	WorkerID  string
	Message   string
	// Error holds the failure text for failure events.
	Error string
	// Duration is the item's execution time for terminal item events.
	Duration  time.Duration
	Timestamp time.Time
	// Summary is the batch state after the event.
	Summary models.BatchSummary
	// Record is set on EventSessionDone.
	Record *models.SessionRecord
}
