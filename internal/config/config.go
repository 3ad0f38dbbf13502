// Package config handles configuration loading for squad.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/squad/pkg/models"
)

// ProjectConfigName is the per-repository config file searched upward from the working directory.
const ProjectConfigName = ".squad.yaml"

// Config holds all configuration for squad.
type Config struct {
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Isolation  IsolationConfig  `mapstructure:"isolation"`
	Fast       FastConfig       `mapstructure:"fast"`
	Redundant  RedundantConfig  `mapstructure:"redundant"`
	Routing    RoutingConfig    `mapstructure:"routing"`
	Bus        BusConfig        `mapstructure:"bus"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Spawn      SpawnConfig      `mapstructure:"spawn"`
	State      StateConfig      `mapstructure:"state"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	TUI        TUIConfig        `mapstructure:"tui"`
	// Workers replaces the built-in roster when non-empty.
	Workers []*models.WorkerSpec `mapstructure:"workers"`
}

// ExecutionConfig controls scheduling and timeouts.
type ExecutionConfig struct {
	DefaultMode              string `mapstructure:"default_mode"`
	MaxParallel              int    `mapstructure:"max_parallel"`
	SubprocessTimeoutSeconds int    `mapstructure:"subprocess_timeout_seconds"`
	SessionDeadlineSeconds   int    `mapstructure:"session_deadline_seconds"`
	GracePeriodSeconds       int    `mapstructure:"grace_period_seconds"`
	// SessionRoot holds per-session state directories. Relative paths resolve against the repository.
	SessionRoot string `mapstructure:"session_root"`
}

// IsolationConfig controls worktree placement.
type IsolationConfig struct {
	WorktreeRoot string `mapstructure:"worktree_root"`
	// TrunkBranch is "auto" to use the current branch.
	TrunkBranch string `mapstructure:"trunk_branch"`
}

// FastConfig controls fast mode.
type FastConfig struct {
	AutoCommit bool `mapstructure:"auto_commit"`
}

// RedundantConfig controls variant fan-out.
type RedundantConfig struct {
	MinVariants int      `mapstructure:"min_variants"`
	MaxVariants int      `mapstructure:"max_variants"`
	Axes        []string `mapstructure:"axes"`
}

// RoutingConfig controls worker selection.
type RoutingConfig struct {
	FallbackWorker string `mapstructure:"fallback_worker"`
}

// BusConfig controls the coordination bus.
type BusConfig struct {
	PersistMessages bool `mapstructure:"persist_messages"`
	// ListenAddr serves the bus over HTTP when non-empty.
	ListenAddr string `mapstructure:"listen_addr"`
}

// ReconcilerConfig controls merging back to trunk.
type ReconcilerConfig struct {
	PushBeforeDelete bool   `mapstructure:"push_before_delete"`
	Remote           string `mapstructure:"remote"`
}

// WorkerConfig describes how the worker subprocess is invoked.
type WorkerConfig struct {
	Command []string `mapstructure:"command"`
	// PromptVia is "stdin" or "arg".
	PromptVia           string   `mapstructure:"prompt_via"`
	ContextFileMaxBytes int      `mapstructure:"context_file_max_bytes"`
	ContextFiles        []string `mapstructure:"context_files"`
	DebugDir            string   `mapstructure:"debug_dir"`
}

// SpawnConfig controls parallel-spawn mode.
type SpawnConfig struct {
	// Multiplexer is auto, tmux, wezterm or none.
	Multiplexer         string `mapstructure:"multiplexer"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
}

// StateConfig locates the session history database.
type StateConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// SubprocessTimeout is the per-item wall clock.
func (c ExecutionConfig) SubprocessTimeout() time.Duration {
	return time.Duration(c.SubprocessTimeoutSeconds) * time.Second
}

// SessionDeadline is the parallel-spawn hard stop.
func (c ExecutionConfig) SessionDeadline() time.Duration {
	return time.Duration(c.SessionDeadlineSeconds) * time.Second
}

// GracePeriod is the wait between terminate and kill.
func (c ExecutionConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// PollInterval is the spawn status poll fallback.
func (c SpawnConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Roster returns the configured workers or the built-in roster.
func (c *Config) Roster() []*models.WorkerSpec {
	if len(c.Workers) > 0 {
		return c.Workers
	}
	return models.DefaultWorkers()
}

// Validate checks value ranges that the rest of the system relies on.
func (c *Config) Validate() error {
	var errs []error
	if !models.ExecutionMode(c.Execution.DefaultMode).Valid() {
		errs = append(errs, fmt.Errorf("execution.default_mode: unknown mode %q", c.Execution.DefaultMode))
	}
	if c.Execution.MaxParallel < 1 {
		errs = append(errs, fmt.Errorf("execution.max_parallel must be >= 1, got %d", c.Execution.MaxParallel))
	}
	if c.Execution.SubprocessTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("execution.subprocess_timeout_seconds must be >= 1, got %d", c.Execution.SubprocessTimeoutSeconds))
	}
	if c.Redundant.MinVariants < 2 || c.Redundant.MaxVariants > 5 || c.Redundant.MinVariants > c.Redundant.MaxVariants {
		errs = append(errs, fmt.Errorf("redundant variants must satisfy 2 <= min <= max <= 5, got %d..%d",
			c.Redundant.MinVariants, c.Redundant.MaxVariants))
	}
	if len(c.Redundant.Axes) == 0 {
		errs = append(errs, errors.New("redundant.axes must not be empty"))
	}
	switch c.Worker.PromptVia {
	case "stdin", "arg":
	default:
		errs = append(errs, fmt.Errorf("worker.prompt_via must be stdin or arg, got %q", c.Worker.PromptVia))
	}
	if len(c.Worker.Command) == 0 {
		errs = append(errs, errors.New("worker.command must not be empty"))
	}
	switch c.Spawn.Multiplexer {
	case "auto", "tmux", "wezterm", "none":
	default:
		errs = append(errs, fmt.Errorf("spawn.multiplexer must be auto, tmux, wezterm or none, got %q", c.Spawn.Multiplexer))
	}
	seen := make(map[string]bool)
	for _, w := range c.Workers {
		if w == nil || w.ID == "" {
			errs = append(errs, errors.New("workers: every worker needs an id"))
			continue
		}
		if seen[w.ID] {
			errs = append(errs, fmt.Errorf("workers: duplicate id %q", w.ID))
		}
		seen[w.ID] = true
	}
	return errors.Join(errs...)
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (SQUAD_EXECUTION_MAX_PARALLEL, ...)
// 2. Project config (.squad.yaml in current directory or parent)
// 3. User config (~/.config/squad/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SQUAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Isolation.WorktreeRoot = expandPath(cfg.Isolation.WorktreeRoot)
	cfg.Execution.SessionRoot = expandPath(cfg.Execution.SessionRoot)
	cfg.State.DBPath = expandPath(cfg.State.DBPath)
	cfg.Worker.DebugDir = expandPath(cfg.Worker.DebugDir)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("execution.default_mode", d.Execution.DefaultMode)
	v.SetDefault("execution.max_parallel", d.Execution.MaxParallel)
	v.SetDefault("execution.subprocess_timeout_seconds", d.Execution.SubprocessTimeoutSeconds)
	v.SetDefault("execution.session_deadline_seconds", d.Execution.SessionDeadlineSeconds)
	v.SetDefault("execution.grace_period_seconds", d.Execution.GracePeriodSeconds)
	v.SetDefault("execution.session_root", d.Execution.SessionRoot)

	v.SetDefault("isolation.worktree_root", d.Isolation.WorktreeRoot)
	v.SetDefault("isolation.trunk_branch", d.Isolation.TrunkBranch)

	v.SetDefault("fast.auto_commit", d.Fast.AutoCommit)

	v.SetDefault("redundant.min_variants", d.Redundant.MinVariants)
	v.SetDefault("redundant.max_variants", d.Redundant.MaxVariants)
	v.SetDefault("redundant.axes", d.Redundant.Axes)

	v.SetDefault("routing.fallback_worker", d.Routing.FallbackWorker)

	v.SetDefault("bus.persist_messages", d.Bus.PersistMessages)
	v.SetDefault("bus.listen_addr", d.Bus.ListenAddr)

	v.SetDefault("reconciler.push_before_delete", d.Reconciler.PushBeforeDelete)
	v.SetDefault("reconciler.remote", d.Reconciler.Remote)

	v.SetDefault("worker.command", d.Worker.Command)
	v.SetDefault("worker.prompt_via", d.Worker.PromptVia)
	v.SetDefault("worker.context_file_max_bytes", d.Worker.ContextFileMaxBytes)
	v.SetDefault("worker.context_files", d.Worker.ContextFiles)
	v.SetDefault("worker.debug_dir", d.Worker.DebugDir)

	v.SetDefault("spawn.multiplexer", d.Spawn.Multiplexer)
	v.SetDefault("spawn.poll_interval_seconds", d.Spawn.PollIntervalSeconds)

	v.SetDefault("state.db_path", d.State.DBPath)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("tui.refresh_rate", d.TUI.RefreshRate.String())
}

// getUserConfigDir returns the XDG config directory for squad.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "squad")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "squad")
	}
	return filepath.Join(home, ".config", "squad")
}

// getUserDataDir returns the XDG data directory for squad.
func getUserDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "squad")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".local", "share", "squad")
	}
	return filepath.Join(home, ".local", "share", "squad")
}

// findProjectConfig searches for .squad.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandPath expands ${VAR} references and a leading ~.
func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[1:])
		}
	}
	return p
}

// DefaultWorkerCommand runs the worker CLI non-interactively with the prompt on stdin.
var DefaultWorkerCommand = []string{"claude", "--print", "--dangerously-skip-permissions", "--max-turns", "10"}

// DefaultAxes are the redundant-mode variation axes in variant order.
var DefaultAxes = []string{"simplicity", "performance", "security", "modern", "scalability"}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Execution: ExecutionConfig{
			DefaultMode:              string(models.ModeAuto),
			MaxParallel:              4,
			SubprocessTimeoutSeconds: 600,
			SessionDeadlineSeconds:   3600,
			GracePeriodSeconds:       3,
			SessionRoot:              ".squad/sessions",
		},
		Isolation: IsolationConfig{
			WorktreeRoot: filepath.Join(os.TempDir(), "squad-worktrees"),
			TrunkBranch:  "auto",
		},
		Fast: FastConfig{
			AutoCommit: false,
		},
		Redundant: RedundantConfig{
			MinVariants: 2,
			MaxVariants: 5,
			Axes:        append([]string(nil), DefaultAxes...),
		},
		Routing: RoutingConfig{
			FallbackWorker: models.DefaultFallbackWorker,
		},
		Bus: BusConfig{
			PersistMessages: true,
		},
		Reconciler: ReconcilerConfig{
			PushBeforeDelete: false,
			Remote:           "origin",
		},
		Worker: WorkerConfig{
			Command:             append([]string(nil), DefaultWorkerCommand...),
			PromptVia:           "stdin",
			ContextFileMaxBytes: 10000,
			DebugDir:            filepath.Join(os.TempDir(), "squad-debug"),
		},
		Spawn: SpawnConfig{
			Multiplexer:         "auto",
			PollIntervalSeconds: 5,
		},
		State: StateConfig{
			DBPath: filepath.Join(getUserDataDir(), "history.db"),
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		TUI: TUIConfig{
			RefreshRate: 100 * time.Millisecond,
		},
	}
}
