package isolation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ShayCichocki/squad/internal/git"
	"github.com/ShayCichocki/squad/internal/logging"
)

// SessionPrefix starts every session id and therefore every worker branch.
const SessionPrefix = "squad-"

// NewSessionID returns a fresh session id such as "squad-3f2a9c1e".
func NewSessionID() string {
	return SessionPrefix + shortUID()
}

var shortUID = func() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

var unsafeRef = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// refSafe reduces s to characters that are valid in a branch component and a
// directory name.
func refSafe(s string) string {
	s = unsafeRef.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return "x"
	}
	return s
}

// Options configures the worktree-backed managers.
type Options struct {
	// Git is bound to the main repository.
	Git git.Runner
	// Session names the branch namespace and the worktree subdirectory.
	Session string
	// WorktreeRoot is the base for session worktree directories.
	WorktreeRoot string
	// Trunk is the branch new worker branches are cut from.
	Trunk string
	Logger *slog.Logger
}

// worktrees creates and removes per-context worktrees.
type worktrees struct {
	git     git.Runner
	session string
	root    string
	trunk   string
	logger  *slog.Logger
}

func newWorktrees(opts Options) (*worktrees, error) {
	if opts.Git == nil {
		return nil, errors.New("isolation: git runner is required")
	}
	if opts.Session == "" {
		return nil, errors.New("isolation: session is required")
	}
	root := opts.WorktreeRoot
	if root == "" {
		root = filepath.Join(os.TempDir(), "squad-worktrees")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve worktree root: %w", err)
	}
	if opts.Trunk == "auto" {
		opts.Trunk = ""
	}
	return &worktrees{
		git:     opts.Git,
		session: refSafe(opts.Session),
		root:    abs,
		trunk:   opts.Trunk,
		logger:  logging.OrNop(opts.Logger),
	}, nil
}

// SessionDir is the directory holding this session's worktrees.
func (w *worktrees) SessionDir() string {
	return filepath.Join(w.root, w.session)
}

// verify fails fast outside a repository and resolves the trunk.
func (w *worktrees) verify(ctx context.Context) error {
	if !w.git.IsRepository(ctx) {
		return fmt.Errorf("%w: %s", git.ErrNotRepository, w.git.Dir())
	}
	if w.trunk == "" {
		trunk, err := ResolveTrunk(ctx, w.git, "")
		if err != nil {
			return err
		}
		w.trunk = trunk
	}
	return nil
}

func (w *worktrees) create(ctx context.Context, worker string, variant int) (*Context, error) {
	name := refSafe(worker)
	if variant > 0 {
		name = fmt.Sprintf("%s-v%d", name, variant)
	}
	name = name + "-" + shortUID()

	branch := w.session + "/" + name
	path := filepath.Join(w.SessionDir(), name)

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("worktree path already exists: %s", path)
	}
	if err := os.MkdirAll(w.SessionDir(), 0755); err != nil {
		return nil, fmt.Errorf("create session worktree dir: %w", err)
	}
	if err := w.git.WorktreeAddNewBranch(ctx, path, branch, w.trunk); err != nil {
		return nil, fmt.Errorf("create worktree for %s: %w", worker, err)
	}
	w.logger.Debug("worktree created", "worker", worker, "variant", variant, "branch", branch, "path", path)

	return &Context{
		WorkerID: worker,
		Variant:  variant,
		Branch:   branch,
		Path:     path,
		Base:     w.trunk,
		Isolated: true,
		git:      w.git.At(path),
	}, nil
}

func (w *worktrees) finalize(ctx context.Context, contexts map[string]*Context) error {
	keys := make([]string, 0, len(contexts))
	for k := range contexts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		c := contexts[k]
		if !c.Isolated || c.Preserved {
			continue
		}
		if _, err := os.Stat(c.Path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := w.git.WorktreeRemove(ctx, c.Path); err != nil {
			errs = append(errs, fmt.Errorf("remove worktree %s: %w", c.Path, err))
			continue
		}
		w.logger.Debug("worktree removed", "worker", c.WorkerID, "path", c.Path)
	}
	if err := w.git.WorktreePrune(ctx); err != nil {
		errs = append(errs, err)
	}
	// Leave the session directory only if something was preserved in it.
	_ = os.Remove(w.SessionDir())
	return errors.Join(errs...)
}

// abandon undoes a partial Prepare: worktrees are removed and their fresh
// branches deleted. Errors are logged; the Prepare error is what matters.
func (w *worktrees) abandon(ctx context.Context, contexts map[string]*Context) {
	if err := w.finalize(ctx, contexts); err != nil {
		w.logger.Warn("remove partial worktrees", "error", err)
	}
	for _, c := range contexts {
		if !c.Isolated {
			continue
		}
		if err := w.git.DeleteBranch(ctx, c.Branch); err != nil {
			w.logger.Warn("delete partial branch", "branch", c.Branch, "error", err)
		}
	}
}

// checkUnique enforces that no two contexts share a working tree or branch.
func checkUnique(contexts map[string]*Context) error {
	paths := make(map[string]string, len(contexts))
	branches := make(map[string]string, len(contexts))
	for k, c := range contexts {
		if !c.Isolated {
			continue
		}
		if other, ok := paths[c.Path]; ok {
			return fmt.Errorf("contexts %s and %s share worktree %s", other, k, c.Path)
		}
		if other, ok := branches[c.Branch]; ok {
			return fmt.Errorf("contexts %s and %s share branch %s", other, k, c.Branch)
		}
		paths[c.Path] = k
		branches[c.Branch] = k
	}
	return nil
}

// ResolveTrunk returns configured unless it is empty or "auto", in which case
// the current branch of the repository is used.
func ResolveTrunk(ctx context.Context, g git.BranchOperations, configured string) (string, error) {
	if configured != "" && configured != "auto" {
		return configured, nil
	}
	branch, err := g.CurrentBranch(ctx)
	if err != nil {
		return "", fmt.Errorf("detect trunk branch: %w", err)
	}
	if branch == "HEAD" {
		return "", errors.New("detect trunk branch: HEAD is detached")
	}
	return branch, nil
}

// Safe gives every worker a worktree on its own branch cut from the trunk.
type Safe struct {
	wt *worktrees
}

var _ Manager = (*Safe)(nil)

// NewSafe creates a safe isolation manager.
func NewSafe(opts Options) (*Safe, error) {
	wt, err := newWorktrees(opts)
	if err != nil {
		return nil, err
	}
	return &Safe{wt: wt}, nil
}

// Trunk returns the resolved trunk branch.
func (s *Safe) Trunk() string {
	return s.wt.trunk
}

// Prepare creates one worktree and branch per worker. On failure every
// worktree created so far is removed.
func (s *Safe) Prepare(ctx context.Context, workers []string) (map[string]*Context, error) {
	if err := s.wt.verify(ctx); err != nil {
		return nil, err
	}
	contexts := make(map[string]*Context, len(workers))
	for _, w := range workers {
		if _, dup := contexts[w]; dup {
			continue
		}
		c, err := s.wt.create(ctx, w, 0)
		if err != nil {
			s.wt.abandon(ctx, contexts)
			return nil, err
		}
		contexts[w] = c
	}
	if err := checkUnique(contexts); err != nil {
		s.wt.abandon(ctx, contexts)
		return nil, err
	}
	return contexts, nil
}

// Finalize removes the worktrees of contexts that are not preserved.
func (s *Safe) Finalize(ctx context.Context, contexts map[string]*Context) error {
	return s.wt.finalize(ctx, contexts)
}
