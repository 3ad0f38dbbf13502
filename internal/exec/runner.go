package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// DefaultGracePeriod is how long a terminated process gets before it is killed.
const DefaultGracePeriod = 3 * time.Second

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct {
	grace time.Duration
}

var _ CommandRunner = (*ExecRunner)(nil)

// NewRunner creates a new ExecRunner. A grace of zero uses DefaultGracePeriod.
func NewRunner(grace time.Duration) *ExecRunner {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &ExecRunner{grace: grace}
}

// LookPath reports the absolute path of an executable on PATH.
func (r *ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Run executes the command, enforcing its timeout and the context.
// On timeout or cancellation the process group receives the termination
// signal, and is killed if it is still alive after the grace period.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	res := &Result{ExitCode: -1}
	if len(c.Args) == 0 {
		return res, errors.New("empty command")
	}

	cmd := exec.Command(c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = r.grace
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		res.Duration = time.Since(start)
		return res, fmt.Errorf("start %s: %w", c.Args[0], err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var waitErr, stopErr error
	select {
	case waitErr = <-done:
	case <-timeout:
		res.TimedOut = true
		waitErr = r.stop(cmd, done)
		stopErr = fmt.Errorf("%s: %w after %s", c.Args[0], ErrTimeout, c.Timeout)
	case <-ctx.Done():
		waitErr = r.stop(cmd, done)
		stopErr = fmt.Errorf("%s: %w", c.Args[0], ctx.Err())
	}

	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if stopErr != nil {
		return res, stopErr
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, &ExitError{Args: c.Args, Code: res.ExitCode}
		}
		return res, fmt.Errorf("wait %s: %w", c.Args[0], waitErr)
	}
	return res, nil
}

// stop terminates the process group, escalating to kill after the grace period.
func (r *ExecRunner) stop(cmd *exec.Cmd, done <-chan error) error {
	terminate(cmd)
	select {
	case err := <-done:
		return err
	case <-time.After(r.grace):
	}
	kill(cmd)
	return <-done
}
