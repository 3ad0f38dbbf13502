// Package gittest creates throwaway git repositories for tests.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Trunk is the branch name every repository created here starts on.
const Trunk = "main"

// RequireGit skips the test when git is not installed.
func RequireGit(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// InitRepo creates a repository in a temp dir with one commit on Trunk.
func InitRepo(t testing.TB) string {
	t.Helper()
	RequireGit(t)

	dir := t.TempDir()
	// Resolve symlinks so paths compare equal to git's --show-toplevel.
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	Git(t, dir, "init")
	Git(t, dir, "symbolic-ref", "HEAD", "refs/heads/"+Trunk)
	Git(t, dir, "config", "user.name", "Test")
	Git(t, dir, "config", "user.email", "test@test.com")
	Git(t, dir, "config", "commit.gpgsign", "false")
	CommitFile(t, dir, "README.md", "# Test\n", "initial commit")
	return dir
}

// Git runs a git command in dir and fails the test on error.
func Git(t testing.TB, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// WriteFile writes content to a path relative to dir, creating parents.
func WriteFile(t testing.TB, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// CommitFile writes a file and commits everything in dir.
func CommitFile(t testing.TB, dir, rel, content, message string) {
	t.Helper()
	WriteFile(t, dir, rel, content)
	Git(t, dir, "add", "-A")
	Git(t, dir, "commit", "-m", message)
}
