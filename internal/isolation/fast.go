package isolation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ShayCichocki/squad/internal/git"
	"github.com/ShayCichocki/squad/internal/logging"
)

// Fast points every worker at the trunk working tree. There is no
// isolation: callers must run one item at a time.
type Fast struct {
	git    git.Runner
	trunk  string
	logger *slog.Logger
	dirty  bool
}

var _ Manager = (*Fast)(nil)

// NewFast creates a fast isolation manager over the repository working tree.
func NewFast(g git.Runner, trunk string, logger *slog.Logger) *Fast {
	if trunk == "auto" {
		trunk = ""
	}
	return &Fast{git: g, trunk: trunk, logger: logging.OrNop(logger)}
}

// DirtyAtEntry reports whether uncommitted changes existed at Prepare.
func (f *Fast) DirtyAtEntry() bool {
	return f.dirty
}

// Prepare returns a context per worker, all rooted at the trunk working tree.
// Outside a repository the contexts still work but cannot commit.
func (f *Fast) Prepare(ctx context.Context, workers []string) (map[string]*Context, error) {
	path := f.git.Dir()
	var runner git.Runner
	if f.git.IsRepository(ctx) {
		top, err := f.git.TopLevel(ctx)
		if err != nil {
			return nil, err
		}
		path = top
		runner = f.git.At(top)
		if f.trunk == "" {
			if f.trunk, err = ResolveTrunk(ctx, f.git, ""); err != nil {
				return nil, err
			}
		}
		dirty, err := f.git.HasChanges(ctx)
		if err != nil {
			return nil, fmt.Errorf("check working tree: %w", err)
		}
		if dirty {
			f.dirty = true
			f.logger.Warn("working tree has uncommitted changes; fast mode writes directly into it", "path", path)
		}
	} else {
		f.logger.Warn("not a git repository; fast mode cannot commit", "path", path)
	}

	contexts := make(map[string]*Context, len(workers))
	for _, w := range workers {
		contexts[w] = &Context{
			WorkerID: w,
			Branch:   f.trunk,
			Path:     path,
			Base:     f.trunk,
			git:      runner,
		}
	}
	return contexts, nil
}

// Finalize has nothing to remove.
func (f *Fast) Finalize(ctx context.Context, contexts map[string]*Context) error {
	return nil
}

// Residue lists files with uncommitted changes left in the working tree.
func (f *Fast) Residue(ctx context.Context) ([]string, error) {
	if !f.git.IsRepository(ctx) {
		return nil, nil
	}
	status, err := f.git.Status(ctx)
	if err != nil {
		return nil, err
	}
	return ParsePorcelain(status), nil
}

// ParsePorcelain extracts paths from git status --porcelain output. Renames
// report the new path.
func ParsePorcelain(status string) []string {
	var files []string
	for _, line := range strings.Split(status, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		i := strings.IndexByte(line, ' ')
		if i < 0 {
			continue
		}
		path := strings.TrimSpace(line[i+1:])
		if j := strings.Index(path, " -> "); j >= 0 {
			path = path[j+4:]
		}
		files = append(files, strings.Trim(path, `"`))
	}
	return files
}
