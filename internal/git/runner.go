package git

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/squad/internal/exec"
)

// ExecRunner implements Runner by shelling out to git.
type ExecRunner struct {
	dir  string
	exec exec.CommandRunner
}

var _ Runner = (*ExecRunner)(nil)

// NewRunner creates a git runner for the directory, executing through cr.
func NewRunner(dir string, cr exec.CommandRunner) *ExecRunner {
	return &ExecRunner{dir: dir, exec: cr}
}

// Dir returns the directory commands run in.
func (r *ExecRunner) Dir() string {
	return r.dir
}

// At returns a runner bound to dir sharing the same command runner.
func (r *ExecRunner) At(dir string) Runner {
	return &ExecRunner{dir: dir, exec: r.exec}
}

// run executes a git command and returns its trimmed stdout.
func (r *ExecRunner) run(ctx context.Context, args ...string) (string, error) {
	res, err := r.exec.Run(ctx, exec.Command{
		Args: append([]string{"git"}, args...),
		Dir:  r.dir,
	})
	if err != nil {
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(res.Stdout)
		}
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, detail)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// exitCode runs a git command whose exit status is the answer.
func (r *ExecRunner) exitCode(ctx context.Context, args ...string) (int, error) {
	res, err := r.exec.Run(ctx, exec.Command{
		Args: append([]string{"git"}, args...),
		Dir:  r.dir,
	})
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return -1, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return res.ExitCode, nil
}

// Run executes an arbitrary git command with the given arguments.
func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	return r.run(ctx, args...)
}

// IsRepository reports whether the directory is inside a work tree.
func (r *ExecRunner) IsRepository(ctx context.Context) bool {
	out, err := r.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// TopLevel returns the absolute root of the work tree.
func (r *ExecRunner) TopLevel(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotRepository, err)
	}
	return out, nil
}

// HeadCommit returns the SHA of HEAD.
func (r *ExecRunner) HeadCommit(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "HEAD")
}

// CurrentBranch returns the name of the current branch.
func (r *ExecRunner) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// ListBranches returns local branches matching pattern.
func (r *ExecRunner) ListBranches(ctx context.Context, pattern string) ([]string, error) {
	args := []string{"branch", "--list", "--format=%(refname:short)"}
	if pattern != "" {
		args = append(args, pattern)
	}
	out, err := r.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// BranchExists returns true if the branch exists.
func (r *ExecRunner) BranchExists(ctx context.Context, name string) (bool, error) {
	code, err := r.exitCode(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		return false, fmt.Errorf("check branch exists: %w", err)
	}
	switch code {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("check branch exists: exit status %d", code)
	}
}

// CreateBranch creates a branch at base without checking it out.
func (r *ExecRunner) CreateBranch(ctx context.Context, name, base string) error {
	_, err := r.run(ctx, "branch", name, base)
	return err
}

// DeleteBranch force-deletes the branch.
func (r *ExecRunner) DeleteBranch(ctx context.Context, name string) error {
	_, err := r.run(ctx, "branch", "-D", name)
	return err
}

// Checkout switches to the branch.
func (r *ExecRunner) Checkout(ctx context.Context, name string) error {
	_, err := r.run(ctx, "checkout", name)
	return err
}

// IsAncestor reports whether ancestor is reachable from ref.
func (r *ExecRunner) IsAncestor(ctx context.Context, ancestor, ref string) (bool, error) {
	code, err := r.exitCode(ctx, "merge-base", "--is-ancestor", ancestor, ref)
	if err != nil {
		return false, err
	}
	switch code {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("merge-base --is-ancestor %s %s: exit status %d", ancestor, ref, code)
	}
}

// Status returns the output of git status --porcelain.
func (r *ExecRunner) Status(ctx context.Context) (string, error) {
	return r.run(ctx, "status", "--porcelain")
}

// HasChanges returns true if there are uncommitted changes.
func (r *ExecRunner) HasChanges(ctx context.Context) (bool, error) {
	status, err := r.Status(ctx)
	if err != nil {
		return false, err
	}
	return status != "", nil
}

// ChangedFilesBetween returns files changed between two refs.
func (r *ExecRunner) ChangedFilesBetween(ctx context.Context, ref1, ref2 string) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", ref1, ref2)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// CommitFiles returns the files a single commit touched.
func (r *ExecRunner) CommitFiles(ctx context.Context, sha string) ([]string, error) {
	out, err := r.run(ctx, "diff-tree", "--no-commit-id", "--name-only", "-r", "--root", sha)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// ConflictedFiles returns a list of files with unmerged changes.
func (r *ExecRunner) ConflictedFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// AddAll stages every change including untracked files.
func (r *ExecRunner) AddAll(ctx context.Context) error {
	_, err := r.run(ctx, "add", "-A")
	return err
}

// HasStagedChanges reports whether the index differs from HEAD.
func (r *ExecRunner) HasStagedChanges(ctx context.Context) (bool, error) {
	code, err := r.exitCode(ctx, "diff", "--cached", "--quiet")
	if err != nil {
		return false, err
	}
	return code != 0, nil
}

// Commit creates a new commit with the given message and returns its SHA.
func (r *ExecRunner) Commit(ctx context.Context, message string) (string, error) {
	if _, err := r.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return r.HeadCommit(ctx)
}

// MergeNoFF merges the branch creating a merge commit.
func (r *ExecRunner) MergeNoFF(ctx context.Context, branch, message string) error {
	args := []string{"merge", "--no-ff"}
	if message != "" {
		args = append(args, "-m", message)
	}
	_, err := r.run(ctx, append(args, branch)...)
	return err
}

// MergeAbort aborts an in-progress merge.
func (r *ExecRunner) MergeAbort(ctx context.Context) error {
	_, err := r.run(ctx, "merge", "--abort")
	return err
}

// WorktreeAddNewBranch creates a worktree at path on a new branch cut from base.
func (r *ExecRunner) WorktreeAddNewBranch(ctx context.Context, path, branch, base string) error {
	_, err := r.run(ctx, "worktree", "add", "-b", branch, path, base)
	return err
}

// WorktreeRemove force-removes the worktree at path.
func (r *ExecRunner) WorktreeRemove(ctx context.Context, path string) error {
	_, err := r.run(ctx, "worktree", "remove", "--force", path)
	return err
}

// WorktreeListPorcelain returns the raw porcelain output for parsing.
func (r *ExecRunner) WorktreeListPorcelain(ctx context.Context) (string, error) {
	return r.run(ctx, "worktree", "list", "--porcelain")
}

// WorktreePrune removes stale worktree administrative entries.
func (r *ExecRunner) WorktreePrune(ctx context.Context) error {
	_, err := r.run(ctx, "worktree", "prune")
	return err
}

// HasRemote reports whether the named remote is configured.
func (r *ExecRunner) HasRemote(ctx context.Context, name string) bool {
	_, err := r.run(ctx, "remote", "get-url", name)
	return err == nil
}

// Push pushes a local branch to the remote under the same name.
func (r *ExecRunner) Push(ctx context.Context, remote, branch string) error {
	_, err := r.run(ctx, "push", remote, branch)
	return err
}

func splitLines(out string) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
