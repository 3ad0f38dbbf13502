// Package exec is the single subprocess primitive. Every worker and git
// invocation goes through a CommandRunner so timeouts and cancellation
// behave the same everywhere.
package exec

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when a command exceeds its wall-clock timeout.
var ErrTimeout = errors.New("timeout")

// Command describes one subprocess invocation.
type Command struct {
	// Args is the argv; Args[0] is resolved on PATH.
	Args []string
	// Dir is the working directory; empty means the current directory.
	Dir string
	// Stdin is written to the process standard input when non-nil.
	Stdin []byte
	// Env is appended to the parent environment.
	Env []string
	// Timeout bounds wall-clock time; zero means no timeout.
	Timeout time.Duration
}

// Result is what a finished command produced.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	// TimedOut is true when the command was terminated by its timeout.
	TimedOut bool
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Args []string
	Code int
}

func (e *ExitError) Error() string {
	name := ""
	if len(e.Args) > 0 {
		name = e.Args[0]
	}
	return fmt.Sprintf("%s: exit status %d", name, e.Code)
}

// CommandRunner defines the interface for running external commands.
// This abstraction allows faking command execution in tests.
type CommandRunner interface {
	// Run executes cmd and always returns a non-nil Result. The error is nil
	// only for exit code 0; it wraps ErrTimeout on timeout, the context error
	// on cancellation, and is an *ExitError for a non-zero exit.
	Run(ctx context.Context, cmd Command) (*Result, error)

	// LookPath reports the absolute path of an executable on PATH.
	LookPath(name string) (string, error)
}
