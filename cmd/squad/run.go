package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ShayCichocki/squad/internal/batchfile"
	"github.com/ShayCichocki/squad/internal/bus"
	"github.com/ShayCichocki/squad/internal/busserver"
	"github.com/ShayCichocki/squad/internal/config"
	"github.com/ShayCichocki/squad/internal/exec"
	"github.com/ShayCichocki/squad/internal/logging"
	"github.com/ShayCichocki/squad/internal/orchestrator"
	"github.com/ShayCichocki/squad/internal/state"
	"github.com/ShayCichocki/squad/pkg/models"
)

const eventBuffer = 256

var (
	runMode        string
	runMaxParallel int
	runTimeout     time.Duration
	runName        string
	runTUI         bool
	runVerbose     bool
)

var runCmd = &cobra.Command{
	Use:   "run <batch-file>",
	Short: "Run a batch of work items",
	Long: `Run every item of a YAML or JSON batch file across the worker roster.

Items without an explicit worker are routed by keyword. Dependencies are
honoured: an item starts only after everything it depends on completed, and
items depending on a failure are skipped.

Exit codes:
  0    the batch ran to completion (individual items may have failed)
  1    the batch deadlocked or reconciliation failed
  2    the batch is invalid
  3    the environment is unusable (not a repository, worker missing)
  4    merge conflicts were left for manual resolution
  130  interrupted

Examples:
  squad run batch.yaml
  squad run batch.yaml --mode safe --max-parallel 2
  squad run batch.yaml --tui
  SQUAD_DEBUG=1 squad run batch.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", "", "Execution mode: auto, safe, fast, redundant, parallel-spawn (default from config)")
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "Maximum concurrently running items (default from config)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Per-item timeout, e.g. 10m (default from config)")
	runCmd.Flags().StringVar(&runName, "name", "", "Batch display name (default: file name)")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show the live session monitor")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Write a debug log under the session root")
}

func runBatch(cmd *cobra.Command, args []string) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = &exitError{code: orchestrator.ExitFailure, err: fmt.Errorf("panic in run: %v", r)}
		}
	}()

	cfg, err := loadConfig()
	if err != nil {
		return &exitError{code: orchestrator.ExitEnvironment, err: err}
	}

	batch, err := batchfile.Load(args[0])
	if errors.Is(err, batchfile.ErrNoItems) {
		printStatus(cmd.OutOrStdout(), "○", "batch has no items, nothing to do", color.FgYellow)
		return nil
	}
	if err != nil {
		return &exitError{code: orchestrator.ExitValidation, err: err}
	}
	if runName != "" {
		batch.Name = runName
	}
	mode, err := resolveMode(runMode, cfg)
	if err != nil {
		return &exitError{code: orchestrator.ExitValidation, err: err}
	}

	useTUI := runTUI && term.IsTerminal(int(os.Stdout.Fd()))
	if runTUI && !useTUI {
		printStatus(cmd.ErrOrStderr(), "⚠", "stdout is not a terminal, running headless", color.FgYellow)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			if !useTUI {
				fmt.Fprintf(cmd.ErrOrStderr(), "\n%s received %s, stopping after running items finish\n", color.YellowString("■"), sig)
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	cr := exec.NewRunner(cfg.Execution.GracePeriod())
	g, err := repoRunner(cmd, cr)
	if err != nil {
		return &exitError{code: orchestrator.ExitEnvironment, err: err}
	}

	logger, closeLog, logPath, err := newRunLogger(cfg, sessionRoot(cfg, g.Dir()), useTUI, debugEnabled())
	if err != nil {
		return &exitError{code: orchestrator.ExitEnvironment, err: err}
	}
	defer closeLog.Close()
	if logPath != "" && !useTUI {
		fmt.Fprintf(cmd.ErrOrStderr(), "debug log: %s\n", logPath)
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithEvents(eventBuffer),
		orchestrator.WithOutput(cmd.OutOrStdout()),
	}
	if runMaxParallel > 0 {
		opts = append(opts, orchestrator.WithMaxParallel(runMaxParallel))
	}
	if runTimeout > 0 {
		opts = append(opts, orchestrator.WithTimeout(runTimeout))
	}

	serveCtx, stopServe := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServe()
	if addr := cfg.Bus.ListenAddr; addr != "" {
		opts = append(opts, orchestrator.WithBusHook(func(b *bus.Bus) {
			startBusServer(serveCtx, b, addr, logger)
		}))
	}

	orch, err := orchestrator.New(orchestrator.RequiredConfig{Git: g, Exec: cr, Config: cfg}, opts...)
	if err != nil {
		return &exitError{code: orchestrator.ExitEnvironment, err: err}
	}

	if db, err := state.OpenAndMigrate(cfg.State.DBPath); err != nil {
		logger.Warn("session history unavailable", "path", cfg.State.DBPath, "error", err)
	} else {
		defer db.Close()
		orch.OnSessionComplete(func(r *models.SessionRecord) {
			if err := db.SaveSession(r); err != nil {
				logger.Warn("session history not saved", "session", r.ID, "error", err)
			}
		})
	}

	var record *models.SessionRecord
	var runErr error
	if useTUI {
		record, runErr = runWithTUI(ctx, cancel, orch, batch, mode)
	} else {
		record, runErr = runHeadless(ctx, cmd.OutOrStdout(), orch, batch, mode)
	}
	stopServe()

	if record != nil {
		printSummary(cmd.OutOrStdout(), record, orch.SessionDir(record.ID))
	}
	code := orchestrator.ExitCode(record, runErr)
	if code == orchestrator.ExitOK {
		return nil
	}
	return &exitError{code: code, err: runErr}
}

func runHeadless(ctx context.Context, w io.Writer, orch *orchestrator.Orchestrator, batch *models.Batch, mode models.ExecutionMode) (*models.SessionRecord, error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev := <-orch.Events():
				printEvent(w, ev)
				if ev.Type == orchestrator.EventSessionDone {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	record, err := orch.Run(ctx, batch, mode)
	// Let the printer catch up to session_done.
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return record, err
}

// resolveMode picks the flag value over the configured default.
func resolveMode(flag string, cfg *config.Config) (models.ExecutionMode, error) {
	s := flag
	if s == "" {
		s = cfg.Execution.DefaultMode
	}
	mode := models.ExecutionMode(strings.ToLower(strings.TrimSpace(s)))
	if mode == "" {
		mode = models.ModeAuto
	}
	if !mode.Valid() {
		return "", fmt.Errorf("unknown mode %q (want auto, safe, fast, redundant or parallel-spawn)", s)
	}
	return mode, nil
}

func debugEnabled() bool {
	return runVerbose || os.Getenv("SQUAD_DEBUG") != ""
}

// sessionRoot resolves execution.session_root against the repository.
func sessionRoot(cfg *config.Config, repo string) string {
	root := cfg.Execution.SessionRoot
	if !filepath.IsAbs(root) {
		root = filepath.Join(repo, root)
	}
	return root
}

// newRunLogger builds the run logger. Debug runs log at DEBUG to a
// timestamped file under the session root; TUI runs always log to a file
// so the screen stays clean. The returned path is empty for stderr.
func newRunLogger(cfg *config.Config, root string, tui, debug bool) (*slog.Logger, io.Closer, string, error) {
	opts := logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
	stamp := time.Now().Format("20060102-150405")
	switch {
	case debug:
		opts.Level = logging.LevelDebug
		opts.Path = filepath.Join(root, "debug-"+stamp+".log")
	case tui:
		opts.Path = filepath.Join(root, "squad-"+stamp+".log")
	}
	logger, closer, err := logging.New(opts)
	if err != nil {
		return nil, nil, "", err
	}
	return logger, closer, opts.Path, nil
}

func startBusServer(ctx context.Context, b *bus.Bus, addr string, logger *slog.Logger) {
	srv := busserver.New(b, busserver.WithLogger(logger), busserver.WithVersion(Version()))
	go func() {
		if err := srv.Serve(ctx, addr); err != nil {
			logger.Warn("bus server stopped", "addr", addr, "error", err)
		}
	}()
}
