package isolation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/squad/internal/exec"
	"github.com/ShayCichocki/squad/internal/git"
	"github.com/ShayCichocki/squad/internal/git/gittest"
	"github.com/ShayCichocki/squad/pkg/models"
)

func newRepo(t *testing.T) (git.Runner, string) {
	t.Helper()
	dir := gittest.InitRepo(t)
	return git.NewRunner(dir, exec.NewRunner(time.Second)), dir
}

func tempRoot(t *testing.T) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return root
}

func TestVariants(t *testing.T) {
	tests := []struct {
		p      models.Priority
		lo, hi int
		want   int
	}{
		{models.PriorityLow, 2, 5, 2},
		{models.PriorityMedium, 2, 5, 3},
		{models.PriorityHigh, 2, 5, 4},
		{models.PriorityCritical, 2, 5, 5},
		{models.PriorityCritical, 2, 3, 3},
		{models.PriorityMedium, 2, 3, 2},
		{models.PriorityHigh, 2, 3, 2},
		{models.PriorityLow, 1, 1, 2},
	}
	for _, tt := range tests {
		if got := Variants(tt.p, tt.lo, tt.hi); got != tt.want {
			t.Errorf("Variants(%s, %d, %d) = %d, want %d", tt.p, tt.lo, tt.hi, got, tt.want)
		}
	}
}

func TestContext_Resolve(t *testing.T) {
	c := &Context{Path: "/work/tree"}
	tests := []struct {
		rel     string
		want    string
		wantErr bool
	}{
		{"src/main.go", "/work/tree/src/main.go", false},
		{"./a/../b.go", "/work/tree/b.go", false},
		{"/work/tree/x", "/work/tree/x", false},
		{"../escape", "", true},
		{"a/../../escape", "", true},
		{"/etc/passwd", "", true},
		{"/work/treehouse/x", "", true},
	}
	for _, tt := range tests {
		got, err := c.Resolve(tt.rel)
		if tt.wantErr {
			if !errors.Is(err, ErrOutsideContext) {
				t.Errorf("Resolve(%q) error = %v, want ErrOutsideContext", tt.rel, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("Resolve(%q) = %q, %v; want %q", tt.rel, got, err, tt.want)
		}
	}
}

func TestSafe_PrepareCommitFinalize(t *testing.T) {
	g, _ := newRepo(t)
	ctx := context.Background()
	root := tempRoot(t)

	safe, err := NewSafe(Options{Git: g, Session: "squad-test1", WorktreeRoot: root})
	if err != nil {
		t.Fatal(err)
	}
	contexts, err := safe.Prepare(ctx, []string{"alfred", "robin", "alfred"})
	if err != nil {
		t.Fatalf("Prepare() error: %v", err)
	}
	if len(contexts) != 2 {
		t.Fatalf("Prepare() returned %d contexts, want 2", len(contexts))
	}
	if safe.Trunk() != gittest.Trunk {
		t.Errorf("Trunk() = %q, want %q", safe.Trunk(), gittest.Trunk)
	}

	a := contexts["alfred"]
	if !strings.HasPrefix(a.Branch, "squad-test1/alfred-") {
		t.Errorf("branch = %q", a.Branch)
	}
	if filepath.Dir(a.Path) != filepath.Join(root, "squad-test1") {
		t.Errorf("path = %q", a.Path)
	}
	if a.Path == contexts["robin"].Path || a.Branch == contexts["robin"].Branch {
		t.Fatal("contexts share a tree or branch")
	}

	item := models.NewWorkItem("t1", "impl-auth", "")
	sha, files, err := a.Commit(ctx, item)
	if err != nil || sha != "" || files != nil {
		t.Fatalf("Commit() on clean tree = %q, %v, %v", sha, files, err)
	}

	gittest.WriteFile(t, a.Path, "auth.go", "package auth\n")
	sha, files, err = a.Commit(ctx, item)
	if err != nil || sha == "" {
		t.Fatalf("Commit() = %q, %v", sha, err)
	}
	if len(files) != 1 || files[0] != "auth.go" {
		t.Errorf("committed files = %v", files)
	}
	msg := gittest.Git(t, a.Path, "log", "-1", "--format=%B")
	if msg != "alfred: impl-auth\n\ntask: t1" {
		t.Errorf("commit message = %q", msg)
	}
	if len(a.Commits) != 1 || a.Files[0] != "auth.go" {
		t.Errorf("context record = %+v", a)
	}

	contexts["robin"].Preserved = true
	if err := safe.Finalize(ctx, contexts); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if _, err := os.Stat(a.Path); !os.IsNotExist(err) {
		t.Errorf("alfred worktree still exists")
	}
	if _, err := os.Stat(contexts["robin"].Path); err != nil {
		t.Errorf("preserved worktree removed: %v", err)
	}
	// Branches outlive Finalize.
	for _, c := range contexts {
		if ok, _ := g.BranchExists(ctx, c.Branch); !ok {
			t.Errorf("branch %s deleted by Finalize", c.Branch)
		}
	}
}

func TestSafe_PrepareFailureDeletesBranches(t *testing.T) {
	g, _ := newRepo(t)
	ctx := context.Background()

	orig := shortUID
	shortUID = func() string { return "fixed000" }
	t.Cleanup(func() { shortUID = orig })

	safe, err := NewSafe(Options{Git: g, Session: "squad-part", WorktreeRoot: tempRoot(t)})
	if err != nil {
		t.Fatal(err)
	}
	// Both names reduce to the same worktree path, so the second create fails.
	if _, err := safe.Prepare(ctx, []string{"bat girl", "bat-girl"}); err == nil {
		t.Fatal("Prepare() should fail on a colliding worktree path")
	}
	if ok, _ := g.BranchExists(ctx, "squad-part/bat-girl-fixed000"); ok {
		t.Error("branch of the removed worktree left behind")
	}
	if _, err := os.Stat(filepath.Join(safe.wt.SessionDir(), "bat-girl-fixed000")); !os.IsNotExist(err) {
		t.Error("partial worktree left behind")
	}
}

func TestSafe_NotARepository(t *testing.T) {
	g := git.NewRunner(t.TempDir(), exec.NewRunner(time.Second))
	gittest.RequireGit(t)
	safe, err := NewSafe(Options{Git: g, Session: "squad-x", WorktreeRoot: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	_, err = safe.Prepare(context.Background(), []string{"alfred"})
	if !errors.Is(err, git.ErrNotRepository) {
		t.Errorf("Prepare() error = %v, want ErrNotRepository", err)
	}
}

func TestRedundant_PreparesPreservedVariants(t *testing.T) {
	g, _ := newRepo(t)
	ctx := context.Background()

	r, err := NewRedundant(Options{Git: g, Session: "squad-red", WorktreeRoot: tempRoot(t)}, 3)
	if err != nil {
		t.Fatal(err)
	}
	contexts, err := r.Prepare(ctx, []string{"oracle"})
	if err != nil {
		t.Fatalf("Prepare() error: %v", err)
	}
	if len(contexts) != 3 {
		t.Fatalf("got %d contexts, want 3", len(contexts))
	}
	for v := 1; v <= 3; v++ {
		c, ok := contexts[contextKey("oracle", v)]
		if !ok {
			t.Fatalf("missing variant %d", v)
		}
		if !c.Preserved || c.Variant != v || !strings.Contains(c.Branch, "-v") {
			t.Errorf("variant %d = %+v", v, c)
		}
	}

	if err := r.Finalize(ctx, contexts); err != nil {
		t.Fatal(err)
	}
	for _, c := range contexts {
		if _, err := os.Stat(c.Path); err != nil {
			t.Errorf("variant worktree removed: %v", err)
		}
	}
}

func TestNewRedundant_RejectsSingleVariant(t *testing.T) {
	if _, err := NewRedundant(Options{Git: nil, Session: "s"}, 1); err == nil {
		t.Error("expected error for one variant")
	}
}

func TestFast_DirtyAndResidue(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()
	gittest.WriteFile(t, dir, "scratch.txt", "x")

	f := NewFast(g, "", nil)
	contexts, err := f.Prepare(ctx, []string{"alfred", "robin"})
	if err != nil {
		t.Fatal(err)
	}
	if !f.DirtyAtEntry() {
		t.Error("DirtyAtEntry() = false with an untracked file")
	}
	for _, c := range contexts {
		if c.Path != dir || c.Isolated || c.Branch != gittest.Trunk {
			t.Errorf("fast context = %+v", c)
		}
	}

	gittest.WriteFile(t, dir, "README.md", "changed\n")
	residue, err := f.Residue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(residue, ",") != "README.md,scratch.txt" {
		t.Errorf("Residue() = %v", residue)
	}
}

func TestParsePorcelain(t *testing.T) {
	got := ParsePorcelain("M a.go\n M b.go\n?? dir/c.go\nR  old.go -> new.go\n")
	want := "a.go,b.go,dir/c.go,new.go"
	if strings.Join(got, ",") != want {
		t.Errorf("ParsePorcelain() = %v, want %s", got, want)
	}
}

func TestOrphans(t *testing.T) {
	g, _ := newRepo(t)
	ctx := context.Background()
	root := tempRoot(t)

	old, _ := NewSafe(Options{Git: g, Session: "squad-old", WorktreeRoot: root})
	if _, err := old.Prepare(ctx, []string{"alfred"}); err != nil {
		t.Fatal(err)
	}
	live, _ := NewSafe(Options{Git: g, Session: "squad-live", WorktreeRoot: root})
	if _, err := live.Prepare(ctx, []string{"robin"}); err != nil {
		t.Fatal(err)
	}

	orphans, err := ListOrphans(ctx, g, root, []string{"squad-live"})
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 1 || orphans[0].Session != "squad-old" {
		t.Fatalf("ListOrphans() = %+v", orphans)
	}

	removed, err := RemoveOrphans(ctx, g, orphans)
	if err != nil || len(removed) != 1 {
		t.Fatalf("RemoveOrphans() = %v, %v", removed, err)
	}

	branches, err := RetainedBranches(ctx, g, []string{"squad-live"})
	if err != nil {
		t.Fatal(err)
	}
	if len(branches) != 1 || !strings.HasPrefix(branches[0], "squad-old/alfred-") {
		t.Errorf("RetainedBranches() = %v", branches)
	}
}

func TestParseWorktreeList(t *testing.T) {
	out := "worktree /repo\nHEAD abc\nbranch refs/heads/main\n\nworktree /tmp/squad-1/alfred-x\nHEAD def\nbranch refs/heads/squad-1/alfred-x\n"
	wts, err := ParseWorktreeList(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(wts) != 2 {
		t.Fatalf("got %d worktrees", len(wts))
	}
	if wts[0].Session != "" || wts[1].Session != "squad-1" || wts[1].Branch != "squad-1/alfred-x" {
		t.Errorf("parsed = %+v", wts)
	}
}
