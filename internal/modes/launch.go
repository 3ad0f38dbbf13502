package modes

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/kballard/go-shellquote"

	"github.com/ShayCichocki/squad/internal/exec"
)

// Multiplexers.
const (
	MultiplexerAuto    = "auto"
	MultiplexerTmux    = "tmux"
	MultiplexerWezterm = "wezterm"
	MultiplexerNone    = "none"
)

// DetectMultiplexer resolves auto to the multiplexer the current terminal
// runs inside, or none.
func DetectMultiplexer(configured string, lookup exec.CommandRunner) string {
	switch configured {
	case MultiplexerTmux, MultiplexerWezterm, MultiplexerNone:
		return configured
	}
	if os.Getenv("TMUX") != "" {
		if _, err := lookup.LookPath("tmux"); err == nil {
			return MultiplexerTmux
		}
	}
	if os.Getenv("WEZTERM_PANE") != "" {
		if _, err := lookup.LookPath("wezterm"); err == nil {
			return MultiplexerWezterm
		}
	}
	return MultiplexerNone
}

// launchSpec is one terminal to open.
type launchSpec struct {
	Worker       string
	Dir          string
	Args         []string
	Instructions string
}

// instance is a terminal opened for a worker. ID is the tmux window id or
// the wezterm pane id the multiplexer printed.
type instance struct {
	Worker string
	Mux    string
	ID     string
}

// launchArgs returns the multiplexer argv opening a terminal for spec, or
// nil when the worker must be launched by hand. Both forms print the new
// window or pane id on stdout.
func launchArgs(mux string, spec launchSpec) []string {
	switch mux {
	case MultiplexerTmux:
		return []string{"tmux", "new-window", "-d", "-P", "-F", "#{window_id}", "-n", "squad-" + spec.Worker, "-c", spec.Dir, shellquote.Join(spec.Args...)}
	case MultiplexerWezterm:
		return append([]string{"wezterm", "cli", "spawn", "--cwd", spec.Dir, "--"}, spec.Args...)
	default:
		return nil
	}
}

// killArgs returns the argv closing inst, or nil when its id is unknown.
func killArgs(inst instance) []string {
	if inst.ID == "" {
		return nil
	}
	switch inst.Mux {
	case MultiplexerTmux:
		return []string{"tmux", "kill-window", "-t", inst.ID}
	case MultiplexerWezterm:
		return []string{"wezterm", "cli", "kill-pane", "--pane-id", inst.ID}
	default:
		return nil
	}
}

// launch opens a terminal per spec. Workers that cannot be launched
// automatically are printed as manual instructions.
func launch(ctx context.Context, cr exec.CommandRunner, mux string, specs []launchSpec, out io.Writer) []instance {
	var manual []launchSpec
	var launched []instance
	for _, spec := range specs {
		args := launchArgs(mux, spec)
		if args == nil {
			manual = append(manual, spec)
			continue
		}
		res, err := cr.Run(ctx, exec.Command{Args: args})
		if err != nil {
			manual = append(manual, spec)
			continue
		}
		inst := instance{Worker: spec.Worker, Mux: mux}
		if res != nil {
			inst.ID = strings.TrimSpace(res.Stdout)
		}
		launched = append(launched, inst)
	}
	if len(manual) > 0 {
		printManual(out, manual)
	}
	return launched
}

func printManual(out io.Writer, specs []launchSpec) {
	title := color.New(color.FgCyan, color.Bold)
	worker := color.New(color.FgYellow, color.Bold)
	dim := color.New(color.Faint)

	title.Fprintln(out, "Open one terminal per worker and run:")
	for _, spec := range specs {
		fmt.Fprintln(out)
		worker.Fprintf(out, "  %s\n", spec.Worker)
		fmt.Fprintf(out, "    cd %s\n", shellquote.Join(spec.Dir))
		fmt.Fprintf(out, "    %s\n", shellquote.Join(spec.Args...))
		dim.Fprintf(out, "    instructions: %s\n", spec.Instructions)
	}
	fmt.Fprintln(out)
	dim.Fprintln(out, "Results are collected automatically as workers write them.")
}
