package state

import (
	"io"
	"time"

	"github.com/ShayCichocki/squad/pkg/models"
)

// SessionStore handles session-related persistence operations.
type SessionStore interface {
	SaveSession(r *models.SessionRecord) error
	GetSession(id string) (*models.SessionRecord, error)
	ListSessions(limit int) ([]SessionSummary, error)
	DeleteSession(id string) error
	PurgeOldSessions(olderThan time.Duration) (int64, error)
}

// StatsStore answers aggregate questions across sessions.
type StatsStore interface {
	WorkerTotals() ([]WorkerTotal, error)
	Conflicts(sessionID string) ([]models.MergeConflict, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// HistoryStore is the full session history backend.
type HistoryStore interface {
	io.Closer
	Migrator
	SessionStore
	StatsStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ HistoryStore = (*DB)(nil)
	_ SessionStore = (*DB)(nil)
	_ StatsStore   = (*DB)(nil)
)
