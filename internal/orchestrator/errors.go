package orchestrator

import (
	"context"
	"errors"

	"github.com/ShayCichocki/squad/pkg/models"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitValidation  = 2
	ExitEnvironment = 3
	ExitConflicts   = 4
	ExitInterrupted = 130
)

// ValidationError is a problem with the batch found before execution:
// cycles, unknown dependencies or unknown worker assignments.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "invalid batch: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// EnvironmentError is a host problem found while preparing the mode, such
// as a missing repository, worktree or worker executable.
type EnvironmentError struct {
	Err error
}

func (e *EnvironmentError) Error() string { return "environment: " + e.Err.Error() }
func (e *EnvironmentError) Unwrap() error { return e.Err }

// ExitCode maps a run's outcome to the process exit code. When several
// categories apply the worst wins: interrupted, then environment, then
// validation, then conflicts. Per-item failures alone exit 0.
func ExitCode(record *models.SessionRecord, err error) int {
	var ve *ValidationError
	var ee *EnvironmentError
	switch {
	case (record != nil && record.Interrupted) || errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.As(err, &ee):
		return ExitEnvironment
	case errors.As(err, &ve):
		return ExitValidation
	case err != nil:
		return ExitFailure
	case record == nil:
		return ExitOK
	case record.HasConflicts():
		return ExitConflicts
	case record.Error != "":
		return ExitFailure
	}
	return ExitOK
}
