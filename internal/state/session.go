package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/squad/pkg/models"
)

// SessionSummary is one row of the session history listing.
type SessionSummary struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Mode        models.ExecutionMode `json:"mode"`
	StartedAt   time.Time            `json:"started_at"`
	EndedAt     *time.Time           `json:"ended_at,omitempty"`
	Total       int                  `json:"total"`
	Completed   int                  `json:"completed"`
	Failed      int                  `json:"failed"`
	Skipped     int                  `json:"skipped"`
	Conflicts   int                  `json:"conflicts"`
	Interrupted bool                 `json:"interrupted"`
	Error       string               `json:"error,omitempty"`
}

// Duration is the session's wall clock, zero while it has no end time.
func (s SessionSummary) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// WorkerTotal aggregates a worker's statistics over every stored session.
type WorkerTotal struct {
	WorkerID  string        `json:"worker_id"`
	Sessions  int           `json:"sessions"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	TimeUsed  time.Duration `json:"time_used"`
}

// SaveSession stores a session record, replacing any earlier copy with the
// same id.
func (db *DB) SaveSession(r *models.SessionRecord) error {
	if r == nil || r.ID == "" {
		return errors.New("save session: record has no id")
	}
	blob, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", r.ID, err)
	}

	return db.Transaction(func(tx *sql.Tx) error {
		if err := deleteSession(tx, r.ID); err != nil {
			return fmt.Errorf("replace session: %w", err)
		}
		_, err := tx.Exec(`
			INSERT INTO sessions (id, name, mode, started_at, ended_at, total, completed, failed, skipped, interrupted, error, results_dir, record)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.Name, string(r.Mode), formatTime(r.StartedAt), nullableTime(&r.EndedAt),
			r.Summary.Total, r.Count(models.TaskStatusCompleted), r.Count(models.TaskStatusFailed),
			r.Count(models.TaskStatusSkipped), r.Interrupted, r.Error, r.ResultsDir, string(blob))
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}

		for _, it := range r.Items {
			_, err := tx.Exec(`
				INSERT INTO items (session_id, id, title, worker, status, error, started_at, completed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, r.ID, it.ID, it.Title, it.Assignment, string(it.Status), it.Error,
				nullableTime(it.StartedAt), nullableTime(it.CompletedAt))
			if err != nil {
				return fmt.Errorf("create item %s: %w", it.ID, err)
			}
		}

		for id, ws := range r.Workers {
			files, err := json.Marshal(ws.FilesTouched)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`
				INSERT INTO worker_stats (session_id, worker_id, completed, failed, time_used_ms, files_touched)
				VALUES (?, ?, ?, ?, ?, ?)
			`, r.ID, id, ws.Completed, ws.Failed, ws.TimeUsed.Milliseconds(), string(files))
			if err != nil {
				return fmt.Errorf("create worker stats %s: %w", id, err)
			}
		}

		if r.Reconcile != nil {
			for _, c := range r.Reconcile.Conflicts {
				files, err := json.Marshal(c.Files)
				if err != nil {
					return err
				}
				_, err = tx.Exec(`
					INSERT INTO conflicts (session_id, worker_id, branch, worktree, files, message)
					VALUES (?, ?, ?, ?, ?, ?)
				`, r.ID, c.WorkerID, c.Branch, c.Worktree, string(files), c.Message)
				if err != nil {
					return fmt.Errorf("create conflict %s: %w", c.Branch, err)
				}
			}
		}
		return nil
	})
}

// GetSession retrieves a full session record by ID. It returns nil, nil
// when the session does not exist.
func (db *DB) GetSession(id string) (*models.SessionRecord, error) {
	var blob string
	err := db.QueryRow(`SELECT record FROM sessions WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var r models.SessionRecord
	if err := json.Unmarshal([]byte(blob), &r); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &r, nil
}

// LatestSession returns the most recently started session, or nil.
func (db *DB) LatestSession() (*models.SessionRecord, error) {
	var id string
	err := db.QueryRow(`SELECT id FROM sessions ORDER BY started_at DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest session: %w", err)
	}
	return db.GetSession(id)
}

// ListSessions lists sessions newest first. A limit <= 0 lists all.
func (db *DB) ListSessions(limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT s.id, s.name, s.mode, s.started_at, s.ended_at, s.total, s.completed, s.failed,
			s.skipped, s.interrupted, s.error,
			(SELECT COUNT(*) FROM conflicts c WHERE c.session_id = s.id)
		FROM sessions s
		ORDER BY s.started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		var mode, startedAt string
		var endedAt sql.NullString
		if err := rows.Scan(&s.ID, &s.Name, &mode, &startedAt, &endedAt, &s.Total, &s.Completed,
			&s.Failed, &s.Skipped, &s.Interrupted, &s.Error, &s.Conflicts); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.Mode = models.ExecutionMode(mode)
		s.StartedAt, _ = parseTime(startedAt)
		s.EndedAt = parseNullableTime(endedAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSession deletes a session and everything recorded with it.
func (db *DB) DeleteSession(id string) error {
	if err := db.Transaction(func(tx *sql.Tx) error { return deleteSession(tx, id) }); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// deleteSession removes child rows explicitly so deletion does not depend
// on the connection's foreign_keys setting.
func deleteSession(tx *sql.Tx, id string) error {
	for _, table := range []string{"items", "worker_stats", "conflicts"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE session_id = ?", id); err != nil {
			return err
		}
	}
	_, err := tx.Exec("DELETE FROM sessions WHERE id = ?", id)
	return err
}

// WorkerTotals sums worker statistics over all sessions, ordered by worker id.
func (db *DB) WorkerTotals() ([]WorkerTotal, error) {
	rows, err := db.Query(`
		SELECT worker_id, COUNT(*), SUM(completed), SUM(failed), SUM(time_used_ms)
		FROM worker_stats
		GROUP BY worker_id
		ORDER BY worker_id
	`)
	if err != nil {
		return nil, fmt.Errorf("worker totals: %w", err)
	}
	defer rows.Close()

	var out []WorkerTotal
	for rows.Next() {
		var w WorkerTotal
		var ms int64
		if err := rows.Scan(&w.WorkerID, &w.Sessions, &w.Completed, &w.Failed, &ms); err != nil {
			return nil, fmt.Errorf("scan worker totals: %w", err)
		}
		w.TimeUsed = time.Duration(ms) * time.Millisecond
		out = append(out, w)
	}
	return out, rows.Err()
}

// Conflicts returns the merge conflicts recorded for a session, ordered by
// worker id.
func (db *DB) Conflicts(sessionID string) ([]models.MergeConflict, error) {
	rows, err := db.Query(`
		SELECT worker_id, branch, worktree, files, message
		FROM conflicts WHERE session_id = ?
		ORDER BY worker_id, branch
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []models.MergeConflict
	for rows.Next() {
		var c models.MergeConflict
		var files string
		if err := rows.Scan(&c.WorkerID, &c.Branch, &c.Worktree, &files, &c.Message); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		if err := json.Unmarshal([]byte(files), &c.Files); err != nil {
			return nil, fmt.Errorf("decode conflict files: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
