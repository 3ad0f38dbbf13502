package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/squad/internal/exec"
	"github.com/ShayCichocki/squad/internal/git"
	"github.com/ShayCichocki/squad/internal/isolation"
	"github.com/ShayCichocki/squad/internal/orchestrator"
	"github.com/ShayCichocki/squad/internal/state"
)

const sessionMaxAge = 30 * 24 * time.Hour

var (
	cleanupForce    bool
	cleanupDryRun   bool
	cleanupBranches bool
	cleanupSessions bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned worktrees and old sessions",
	Long: `Clean up what interrupted or conflicting sessions left behind.

This command:
  - Lists squad worktrees whose session is no longer running
  - Removes them and runs git worktree prune
  - Lists worker branches kept for manual conflict resolution

A session counts as running while its session directory has no session.json.

With --branches, retained worker branches are deleted too.
With --sessions, history older than 30 days is purged.

Examples:
  squad cleanup              # Interactive cleanup with confirmation
  squad cleanup --force      # Skip confirmation prompt
  squad cleanup --dry-run    # Show what would be removed
  squad cleanup --branches   # Also delete retained worker branches`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVarP(&cleanupForce, "force", "f", false, "Skip confirmation prompt")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be removed without removing")
	cleanupCmd.Flags().BoolVar(&cleanupBranches, "branches", false, "Delete retained worker branches")
	cleanupCmd.Flags().BoolVar(&cleanupSessions, "sessions", false, "Purge history older than 30 days")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	g, err := repoRunner(cmd, exec.NewRunner(cfg.Execution.GracePeriod()))
	if err != nil {
		return err
	}
	if !g.IsRepository(ctx) {
		return fmt.Errorf("%s is not a git repository", g.Dir())
	}

	active, err := activeSessions(sessionRoot(cfg, g.Dir()))
	if err != nil {
		return fmt.Errorf("find running sessions: %w", err)
	}

	orphans, err := isolation.ListOrphans(ctx, g, cfg.Isolation.WorktreeRoot, active)
	if err != nil {
		return fmt.Errorf("list orphaned worktrees: %w", err)
	}
	if len(orphans) == 0 {
		fmt.Fprintln(out, "No orphaned worktrees found.")
	} else {
		fmt.Fprintf(out, "Found %d orphaned worktree(s):\n", len(orphans))
		for _, wt := range orphans {
			fmt.Fprintf(out, "  - %s (branch: %s)\n", wt.Path, wt.Branch)
		}
		if cleanupDryRun {
			fmt.Fprintln(out, "Dry run mode - no worktrees were removed.")
		} else if confirm(cmd, "Remove these worktrees?") {
			removed, err := isolation.RemoveOrphans(ctx, g, orphans)
			for _, p := range removed {
				printStatus(out, "✓", "removed "+p, color.FgGreen)
			}
			if err != nil {
				return fmt.Errorf("remove orphaned worktrees: %w", err)
			}
		}
	}

	if err := cleanupRetained(cmd, g, active); err != nil {
		return err
	}
	if cleanupSessions {
		return purgeSessions(out, cfg.State.DBPath)
	}
	return nil
}

// activeSessions returns session ids whose directory has no session record yet.
func activeSessions(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var active []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), isolation.SessionPrefix) {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), orchestrator.SessionFileName)); os.IsNotExist(err) {
			active = append(active, e.Name())
		}
	}
	return active, nil
}

func cleanupRetained(cmd *cobra.Command, g git.Runner, active []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	branches, err := isolation.RetainedBranches(ctx, g, active)
	if err != nil {
		return fmt.Errorf("list retained branches: %w", err)
	}
	if len(branches) == 0 {
		return nil
	}
	fmt.Fprintf(out, "Retained worker branches (%d):\n", len(branches))
	for _, b := range branches {
		fmt.Fprintf(out, "  - %s\n", b)
	}
	if !cleanupBranches {
		fmt.Fprintln(out, "Merge or inspect them, or rerun with --branches to delete.")
		return nil
	}
	if cleanupDryRun || !confirm(cmd, "Delete these branches? Unmerged work is lost.") {
		return nil
	}
	for _, b := range branches {
		if err := g.DeleteBranch(ctx, b); err != nil {
			printStatus(out, "✗", fmt.Sprintf("%s: %v", b, err), color.FgRed)
			continue
		}
		printStatus(out, "✓", "deleted "+b, color.FgGreen)
	}
	return nil
}

func purgeSessions(out io.Writer, dbPath string) error {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintln(out, "No history database - no sessions to purge.")
		return nil
	}
	db, err := state.OpenAndMigrate(dbPath)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer db.Close()

	if cleanupDryRun {
		sessions, err := db.ListSessions(0)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		cutoff := time.Now().Add(-sessionMaxAge)
		count := 0
		for _, s := range sessions {
			if s.StartedAt.Before(cutoff) {
				count++
			}
		}
		fmt.Fprintf(out, "Dry run: would purge %d session(s) older than 30 days.\n", count)
		return nil
	}

	purged, err := db.PurgeOldSessions(sessionMaxAge)
	if err != nil {
		return fmt.Errorf("purge old sessions: %w", err)
	}
	if purged > 0 {
		fmt.Fprintf(out, "Purged %d session(s) older than 30 days.\n", purged)
	} else {
		fmt.Fprintln(out, "No sessions older than 30 days found.")
	}
	return nil
}

func confirm(cmd *cobra.Command, prompt string) bool {
	if cleanupForce {
		return true
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N] ", prompt)
	reader := bufio.NewReader(cmd.InOrStdin())
	response, err := reader.ReadString('\n')
	if err != nil && response == "" {
		return false
	}
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}
