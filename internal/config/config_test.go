package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Execution.DefaultMode != "auto" {
		t.Errorf("expected default mode 'auto', got %q", cfg.Execution.DefaultMode)
	}
	if cfg.Execution.SubprocessTimeout() != 10*time.Minute {
		t.Errorf("expected subprocess timeout 10m, got %v", cfg.Execution.SubprocessTimeout())
	}
	if cfg.Execution.SessionDeadline() != time.Hour {
		t.Errorf("expected session deadline 1h, got %v", cfg.Execution.SessionDeadline())
	}
	if cfg.Redundant.MinVariants != 2 || cfg.Redundant.MaxVariants != 5 {
		t.Errorf("expected variants 2..5, got %d..%d", cfg.Redundant.MinVariants, cfg.Redundant.MaxVariants)
	}
	if len(cfg.Redundant.Axes) != 5 {
		t.Errorf("expected five axes, got %v", cfg.Redundant.Axes)
	}
	if cfg.Routing.FallbackWorker != "alfred" {
		t.Errorf("expected fallback worker alfred, got %q", cfg.Routing.FallbackWorker)
	}
	if !cfg.Bus.PersistMessages {
		t.Error("expected bus.persist_messages to be true")
	}
	if cfg.Worker.ContextFileMaxBytes != 10000 {
		t.Errorf("expected context file max 10000, got %d", cfg.Worker.ContextFileMaxBytes)
	}
	if cfg.Spawn.PollInterval() != 5*time.Second {
		t.Errorf("expected poll interval 5s, got %v", cfg.Spawn.PollInterval())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() does not validate: %v", err)
	}
	if len(cfg.Roster()) != 5 {
		t.Errorf("expected built-in roster of 5, got %d", len(cfg.Roster()))
	}
}

func TestDefault_AxesNotShared(t *testing.T) {
	cfg := Default()
	cfg.Redundant.Axes[0] = "changed"
	if DefaultAxes[0] != "simplicity" {
		t.Error("Default() aliases DefaultAxes")
	}
}

func TestLoadFromPath(t *testing.T) {
	path := writeConfig(t, `
execution:
  default_mode: safe
  max_parallel: 2
  subprocess_timeout_seconds: 30
isolation:
  trunk_branch: develop
fast:
  auto_commit: true
redundant:
  max_variants: 3
  axes: [simplicity, security]
routing:
  fallback_worker: robin
bus:
  persist_messages: false
reconciler:
  push_before_delete: true
worker:
  command: [sh, -c, "cat"]
  prompt_via: arg
tui:
  refresh_rate: 200ms
workers:
  - id: ops
    role: Operator
    capabilities: [deploy]
    match:
      keywords: [deploy, rollout]
      patterns: ["k8s|kubernetes"]
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Execution.DefaultMode != "safe" {
		t.Errorf("expected mode 'safe', got %q", cfg.Execution.DefaultMode)
	}
	if cfg.Execution.MaxParallel != 2 {
		t.Errorf("expected max_parallel 2, got %d", cfg.Execution.MaxParallel)
	}
	if cfg.Execution.SubprocessTimeout() != 30*time.Second {
		t.Errorf("expected timeout 30s, got %v", cfg.Execution.SubprocessTimeout())
	}
	// Unset keys keep their defaults.
	if cfg.Execution.SessionDeadlineSeconds != 3600 {
		t.Errorf("expected default deadline 3600, got %d", cfg.Execution.SessionDeadlineSeconds)
	}
	if cfg.Isolation.TrunkBranch != "develop" {
		t.Errorf("expected trunk 'develop', got %q", cfg.Isolation.TrunkBranch)
	}
	if !cfg.Fast.AutoCommit {
		t.Error("expected fast.auto_commit true")
	}
	if cfg.Redundant.MaxVariants != 3 || cfg.Redundant.MinVariants != 2 {
		t.Errorf("expected variants 2..3, got %d..%d", cfg.Redundant.MinVariants, cfg.Redundant.MaxVariants)
	}
	if strings.Join(cfg.Redundant.Axes, ",") != "simplicity,security" {
		t.Errorf("unexpected axes %v", cfg.Redundant.Axes)
	}
	if cfg.Routing.FallbackWorker != "robin" {
		t.Errorf("expected fallback robin, got %q", cfg.Routing.FallbackWorker)
	}
	if cfg.Bus.PersistMessages {
		t.Error("expected bus.persist_messages false")
	}
	if !cfg.Reconciler.PushBeforeDelete {
		t.Error("expected push_before_delete true")
	}
	if strings.Join(cfg.Worker.Command, " ") != "sh -c cat" || cfg.Worker.PromptVia != "arg" {
		t.Errorf("unexpected worker config %+v", cfg.Worker)
	}
	if cfg.TUI.RefreshRate != 200*time.Millisecond {
		t.Errorf("expected refresh rate 200ms, got %v", cfg.TUI.RefreshRate)
	}

	roster := cfg.Roster()
	if len(roster) != 1 || roster[0].ID != "ops" {
		t.Fatalf("expected custom roster [ops], got %v", roster)
	}
	if !roster[0].Matches("Rollout new version", "") {
		t.Error("expected keyword match on 'rollout'")
	}
	if !roster[0].Matches("Fix pods", "kubernetes manifests") {
		t.Error("expected pattern match on 'kubernetes'")
	}
}

func TestLoadFromPath_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown mode", "execution:\n  default_mode: turbo\n", "default_mode"},
		{"zero parallel", "execution:\n  max_parallel: 0\n", "max_parallel"},
		{"variant range", "redundant:\n  min_variants: 4\n  max_variants: 3\n", "variants"},
		{"too many variants", "redundant:\n  max_variants: 9\n", "variants"},
		{"prompt via", "worker:\n  prompt_via: pipe\n", "prompt_via"},
		{"multiplexer", "spawn:\n  multiplexer: screen\n", "multiplexer"},
		{"duplicate workers", "workers:\n  - id: a\n  - id: a\n", "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromPath(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromPath_EnvOverride(t *testing.T) {
	t.Setenv("SQUAD_EXECUTION_MAX_PARALLEL", "7")
	t.Setenv("SQUAD_FAST_AUTO_COMMIT", "true")

	cfg, err := LoadFromPath(writeConfig(t, "execution:\n  max_parallel: 2\n"))
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Execution.MaxParallel != 7 {
		t.Errorf("expected env to win with 7, got %d", cfg.Execution.MaxParallel)
	}
	if !cfg.Fast.AutoCommit {
		t.Error("expected fast.auto_commit from env")
	}
}

func TestLoadFromPath_ExpandsPaths(t *testing.T) {
	t.Setenv("SQUAD_TEST_ROOT", "/srv/squad")

	cfg, err := LoadFromPath(writeConfig(t, "isolation:\n  worktree_root: ${SQUAD_TEST_ROOT}/trees\n"))
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Isolation.WorktreeRoot != "/srv/squad/trees" {
		t.Errorf("expected expanded worktree root, got %q", cfg.Isolation.WorktreeRoot)
	}
}

func TestLoadFromPath_Missing(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestGetUserConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")

	if dir := getUserConfigDir(); dir != "/custom/config/squad" {
		t.Errorf("expected /custom/config/squad, got %q", dir)
	}
}

func TestFindProjectConfig(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, ProjectConfigName), []byte("fast:\n  auto_commit: true\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)

	got := findProjectConfig()
	want, _ := filepath.EvalSymlinks(filepath.Join(root, ProjectConfigName))
	gotResolved, _ := filepath.EvalSymlinks(got)
	if gotResolved != want {
		t.Errorf("findProjectConfig() = %q, want %q", got, want)
	}
}
