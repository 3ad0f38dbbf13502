// Package git wraps the git command line. Every invocation goes through the
// exec.CommandRunner primitive.
package git

import (
	"context"
	"errors"
)

// ErrNotRepository is returned when the working directory is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// RepositoryOperations inspects the repository itself.
type RepositoryOperations interface {
	// IsRepository reports whether the directory is inside a work tree.
	IsRepository(ctx context.Context) bool
	// TopLevel returns the absolute root of the work tree.
	TopLevel(ctx context.Context) (string, error)
	// HeadCommit returns the SHA of HEAD.
	HeadCommit(ctx context.Context) (string, error)
}

// BranchOperations defines the interface for git branch operations.
type BranchOperations interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch(ctx context.Context) (string, error)
	// ListBranches returns local branches matching a glob pattern ("" for all).
	ListBranches(ctx context.Context, pattern string) ([]string, error)
	// BranchExists returns true if the local branch exists.
	BranchExists(ctx context.Context, name string) (bool, error)
	// CreateBranch creates a branch at base without checking it out.
	CreateBranch(ctx context.Context, name, base string) error
	// DeleteBranch force-deletes the branch.
	DeleteBranch(ctx context.Context, name string) error
	// Checkout switches to the branch.
	Checkout(ctx context.Context, name string) error
	// IsAncestor reports whether ancestor is reachable from ref.
	IsAncestor(ctx context.Context, ancestor, ref string) (bool, error)
}

// StatusOperations defines the interface for status and diff queries.
type StatusOperations interface {
	// Status returns the output of git status --porcelain.
	Status(ctx context.Context) (string, error)
	// HasChanges returns true if there are uncommitted changes.
	HasChanges(ctx context.Context) (bool, error)
	// ChangedFilesBetween returns files changed between two refs.
	ChangedFilesBetween(ctx context.Context, ref1, ref2 string) ([]string, error)
	// CommitFiles returns the files a single commit touched.
	CommitFiles(ctx context.Context, sha string) ([]string, error)
	// ConflictedFiles returns a list of files with unmerged changes.
	ConflictedFiles(ctx context.Context) ([]string, error)
}

// CommitOperations defines the interface for git commit operations.
type CommitOperations interface {
	// AddAll stages every change including untracked files.
	AddAll(ctx context.Context) error
	// HasStagedChanges reports whether the index differs from HEAD.
	HasStagedChanges(ctx context.Context) (bool, error)
	// Commit creates a new commit with the given message and returns its SHA.
	Commit(ctx context.Context, message string) (string, error)
}

// MergeOperations defines the interface for git merge operations.
type MergeOperations interface {
	// MergeNoFF merges the branch creating a merge commit (--no-ff).
	MergeNoFF(ctx context.Context, branch, message string) error
	// MergeAbort aborts an in-progress merge.
	MergeAbort(ctx context.Context) error
}

// WorktreeOperations defines the interface for git worktree operations.
type WorktreeOperations interface {
	// WorktreeAddNewBranch creates a worktree at path on a new branch cut from base.
	WorktreeAddNewBranch(ctx context.Context, path, branch, base string) error
	// WorktreeRemove force-removes the worktree at path.
	WorktreeRemove(ctx context.Context, path string) error
	// WorktreeListPorcelain returns the raw porcelain output for parsing.
	WorktreeListPorcelain(ctx context.Context) (string, error)
	// WorktreePrune removes stale worktree administrative entries.
	WorktreePrune(ctx context.Context) error
}

// RemoteOperations defines the interface for git remote operations.
type RemoteOperations interface {
	// HasRemote reports whether the named remote is configured.
	HasRemote(ctx context.Context, name string) bool
	// Push pushes a local branch to the remote under the same name.
	Push(ctx context.Context, remote, branch string) error
}

// Runner defines the complete interface for git operations in one directory.
// Consumers should prefer the focused interfaces when possible.
type Runner interface {
	RepositoryOperations
	BranchOperations
	StatusOperations
	CommitOperations
	MergeOperations
	WorktreeOperations
	RemoteOperations
	// Dir returns the directory commands run in.
	Dir() string
	// At returns a runner bound to another directory, typically a worktree.
	At(dir string) Runner
	// Run executes an arbitrary git command and returns trimmed stdout.
	Run(ctx context.Context, args ...string) (string, error)
}
