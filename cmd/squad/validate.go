package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/squad/internal/batchfile"
	"github.com/ShayCichocki/squad/internal/config"
	"github.com/ShayCichocki/squad/internal/modes"
	"github.com/ShayCichocki/squad/internal/orchestrator"
	"github.com/ShayCichocki/squad/pkg/models"
)

var validateCmd = &cobra.Command{
	Use:   "validate <batch-file>",
	Short: "Check a batch file without running it",
	Long: `Parse a batch file, resolve dependencies, route items to workers and
report the execution mode auto would choose. Nothing is executed.

Exits 2 when the batch is invalid.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return &exitError{code: orchestrator.ExitEnvironment, err: err}
	}
	batch, err := batchfile.Load(args[0])
	if err != nil {
		return &exitError{code: orchestrator.ExitValidation, err: err}
	}
	if err := checkBatch(batch, cfg); err != nil {
		return &exitError{code: orchestrator.ExitValidation, err: err}
	}
	printPlan(cmd.OutOrStdout(), batch)
	return nil
}

// checkBatch validates and routes the batch the way a run would.
func checkBatch(batch *models.Batch, cfg *config.Config) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	return orchestrator.Route(batch, cfg.Roster(), cfg.Routing.FallbackWorker)
}

func printPlan(w io.Writer, batch *models.Batch) {
	items := batch.Items()
	printStatus(w, "✓", fmt.Sprintf("%s: %d items, valid", batch.Name, len(items)), color.FgGreen)
	fmt.Fprintf(w, "  auto mode: %s\n", modes.Select(items))
	for _, it := range items {
		deps := ""
		if len(it.Dependencies) > 0 {
			deps = fmt.Sprintf(" (after %v)", it.Dependencies)
		}
		fmt.Fprintf(w, "  %-10s %-8s %-9s %s%s\n", it.ID, it.Priority, color.CyanString(it.Assignment), it.Title, deps)
	}
}
