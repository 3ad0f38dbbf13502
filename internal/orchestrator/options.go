package orchestrator

import (
	"io"
	"log/slog"
	"time"

	"github.com/ShayCichocki/squad/internal/bus"
	"github.com/ShayCichocki/squad/internal/config"
	"github.com/ShayCichocki/squad/internal/exec"
	"github.com/ShayCichocki/squad/internal/git"
	"github.com/ShayCichocki/squad/internal/tools"
	"github.com/ShayCichocki/squad/pkg/models"
)

// RequiredConfig contains the minimal required configuration for an Orchestrator.
// All fields are required and have no defaults.
type RequiredConfig struct {
	// Git operates on the repository root.
	Git git.Runner
	// Exec runs worker and helper subprocesses.
	Exec exec.CommandRunner
	// Config is the loaded configuration.
	Config *config.Config
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	logger      *slog.Logger
	tools       *tools.Registry
	workers     []*models.WorkerSpec
	maxParallel int
	timeout     time.Duration
	sessionID   string
	out         io.Writer
	eventBuffer int
	busHooks    []func(*bus.Bus)
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithTools sets a pre-built tool registry. By default the host is searched
// once per run.
func WithTools(r *tools.Registry) Option {
	return func(o *orchestratorOptions) { o.tools = r }
}

// WithWorkers replaces the configured roster.
func WithWorkers(w []*models.WorkerSpec) Option {
	return func(o *orchestratorOptions) { o.workers = w }
}

// WithMaxParallel overrides execution.max_parallel.
func WithMaxParallel(n int) Option {
	return func(o *orchestratorOptions) { o.maxParallel = n }
}

// WithTimeout overrides the per-item subprocess timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.timeout = d }
}

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) Option {
	return func(o *orchestratorOptions) { o.sessionID = id }
}

// WithOutput sets where manual launch instructions are printed.
func WithOutput(w io.Writer) Option {
	return func(o *orchestratorOptions) { o.out = w }
}

// WithEvents enables the event stream with the given buffer size.
func WithEvents(bufferSize int) Option {
	return func(o *orchestratorOptions) { o.eventBuffer = bufferSize }
}

// WithBusHook registers a function called with the session bus once it is
// open, before any item runs. The bus is closed when Run returns.
func WithBusHook(fn func(*bus.Bus)) Option {
	return func(o *orchestratorOptions) { o.busHooks = append(o.busHooks, fn) }
}
