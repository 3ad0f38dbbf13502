package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/squad/internal/config"
	"github.com/ShayCichocki/squad/internal/exec"
	"github.com/ShayCichocki/squad/internal/git"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "squad",
	Short: "Parallel agent orchestrator",
	Long: `Squad runs a batch of work items across a roster of AI coding workers.

Each item is routed to a worker by keyword, scheduled once its dependencies
complete, and executed by the configured worker command inside an isolated
git worktree. Finished worker branches are merged back to trunk; branches
that conflict are preserved for manual resolution.

Execution modes:
  safe            one worktree per worker, merged at the end (default for risky work)
  fast            all workers share the repository, no merge step
  redundant       several variants per item, results kept side by side
  parallel-spawn  workers launched in terminal windows and polled for results
  auto            pick from the batch contents

Configuration is read from ~/.config/squad/config.yaml, then .squad.yaml in
the repository, then SQUAD_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// Execute runs the root command
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			printError(ee.err)
		}
		os.Exit(ee.code)
	}
	printError(err)
	os.Exit(1)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: user and project config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// repoRunner returns a git runner at the repository top level, or at the
// working directory when it is not inside a repository.
func repoRunner(cmd *cobra.Command, cr exec.CommandRunner) (git.Runner, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	g := git.NewRunner(cwd, cr)
	top, err := g.TopLevel(cmd.Context())
	if err != nil {
		return g, nil
	}
	return g.At(top), nil
}
