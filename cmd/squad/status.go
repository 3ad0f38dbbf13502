package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/squad/internal/config"
	"github.com/ShayCichocki/squad/internal/exec"
	"github.com/ShayCichocki/squad/internal/orchestrator"
	"github.com/ShayCichocki/squad/internal/state"
	"github.com/ShayCichocki/squad/internal/tui"
	"github.com/ShayCichocki/squad/pkg/models"
)

var (
	statusLimit   int
	statusWorkers bool
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show session history",
	Long: `With no argument, list recent sessions from the history database.
With a session id, show that session's items, workers and merge outcome.
"latest" selects the most recent session.

The session record is read from the history database, falling back to the
session.json left in the repository's session directory.

Examples:
  squad status
  squad status latest
  squad status squad-1a2b3c4d
  squad status --workers`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 20, "Number of sessions to list (0 for all)")
	statusCmd.Flags().BoolVar(&statusWorkers, "workers", false, "Show per-worker totals across all sessions")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	var db *state.DB
	if _, statErr := os.Stat(cfg.State.DBPath); statErr == nil {
		db, err = state.OpenAndMigrate(cfg.State.DBPath)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer db.Close()
	}

	if len(args) == 1 {
		record, err := findRecord(cmd, cfg, db, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, tui.RenderRecord(record))
		return nil
	}

	if db == nil {
		fmt.Fprintln(out, "No sessions recorded yet. Run 'squad run <batch-file>' to start.")
		return nil
	}
	if statusWorkers {
		return printWorkerTotals(cmd, db)
	}
	sessions, err := db.ListSessions(statusLimit)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	fmt.Fprintln(out, tui.RenderSessions(sessions))
	return nil
}

// findRecord looks a session up in the database, then on disk.
func findRecord(cmd *cobra.Command, cfg *config.Config, db *state.DB, id string) (*models.SessionRecord, error) {
	if db != nil {
		var (
			r   *models.SessionRecord
			err error
		)
		if id == "latest" {
			r, err = db.LatestSession()
		} else {
			r, err = db.GetSession(id)
		}
		if err != nil {
			return nil, fmt.Errorf("read session: %w", err)
		}
		if r != nil {
			return r, nil
		}
	}
	if id == "latest" {
		return nil, errors.New("no sessions recorded")
	}

	g, err := repoRunner(cmd, exec.NewRunner(exec.DefaultGracePeriod))
	if err != nil {
		return nil, err
	}
	path := filepath.Join(sessionRoot(cfg, g.Dir()), id, orchestrator.SessionFileName)
	r, err := orchestrator.LoadRecord(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("session %s not found", id)
		}
		return nil, err
	}
	return r, nil
}

func printWorkerTotals(cmd *cobra.Command, db *state.DB) error {
	totals, err := db.WorkerTotals()
	if err != nil {
		return fmt.Errorf("worker totals: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(totals) == 0 {
		fmt.Fprintln(out, "No worker activity recorded.")
		return nil
	}
	fmt.Fprintf(out, "%-10s %8s %9s %7s %10s\n", "WORKER", "SESSIONS", "COMPLETED", "FAILED", "TIME")
	for _, t := range totals {
		fmt.Fprintf(out, "%-10s %8d %9d %7d %10s\n", t.WorkerID, t.Sessions, t.Completed, t.Failed, t.TimeUsed.Round(time.Second))
	}
	return nil
}
