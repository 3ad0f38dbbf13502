package git

import (
	"context"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/squad/internal/exec"
	"github.com/ShayCichocki/squad/internal/git/gittest"
)

func newTestRunner(t *testing.T) (*ExecRunner, string) {
	t.Helper()
	dir := gittest.InitRepo(t)
	return NewRunner(dir, exec.NewRunner(time.Second)), dir
}

func TestExecRunner_Repository(t *testing.T) {
	r, dir := newTestRunner(t)
	ctx := context.Background()

	if !r.IsRepository(ctx) {
		t.Fatal("IsRepository() = false inside a repo")
	}
	top, err := r.TopLevel(ctx)
	if err != nil {
		t.Fatalf("TopLevel() error: %v", err)
	}
	if top != dir {
		t.Errorf("TopLevel() = %q, want %q", top, dir)
	}

	outside := NewRunner(t.TempDir(), exec.NewRunner(time.Second))
	if outside.IsRepository(ctx) {
		t.Error("IsRepository() = true outside a repo")
	}
}

func TestExecRunner_Branches(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()

	branch, err := r.CurrentBranch(ctx)
	if err != nil || branch != gittest.Trunk {
		t.Fatalf("CurrentBranch() = %q, %v", branch, err)
	}

	if err := r.CreateBranch(ctx, "s1/alfred-abc", gittest.Trunk); err != nil {
		t.Fatalf("CreateBranch() error: %v", err)
	}
	exists, err := r.BranchExists(ctx, "s1/alfred-abc")
	if err != nil || !exists {
		t.Fatalf("BranchExists() = %v, %v", exists, err)
	}
	missing, err := r.BranchExists(ctx, "nope")
	if err != nil || missing {
		t.Fatalf("BranchExists(nope) = %v, %v", missing, err)
	}

	list, err := r.ListBranches(ctx, "s1/*")
	if err != nil {
		t.Fatalf("ListBranches() error: %v", err)
	}
	if !reflect.DeepEqual(list, []string{"s1/alfred-abc"}) {
		t.Errorf("ListBranches() = %v", list)
	}

	anc, err := r.IsAncestor(ctx, "s1/alfred-abc", gittest.Trunk)
	if err != nil || !anc {
		t.Errorf("IsAncestor() = %v, %v", anc, err)
	}

	if err := r.DeleteBranch(ctx, "s1/alfred-abc"); err != nil {
		t.Fatalf("DeleteBranch() error: %v", err)
	}
}

func TestExecRunner_CommitCycle(t *testing.T) {
	r, dir := newTestRunner(t)
	ctx := context.Background()

	changed, _ := r.HasChanges(ctx)
	if changed {
		t.Fatal("fresh repo should be clean")
	}

	gittest.WriteFile(t, dir, "src/main.go", "package main\n")
	if changed, _ := r.HasChanges(ctx); !changed {
		t.Fatal("expected changes after write")
	}
	if err := r.AddAll(ctx); err != nil {
		t.Fatalf("AddAll() error: %v", err)
	}
	staged, err := r.HasStagedChanges(ctx)
	if err != nil || !staged {
		t.Fatalf("HasStagedChanges() = %v, %v", staged, err)
	}
	sha, err := r.Commit(ctx, "alfred: impl\n\ntask: t1")
	if err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	files, err := r.CommitFiles(ctx, sha)
	if err != nil {
		t.Fatalf("CommitFiles() error: %v", err)
	}
	if !reflect.DeepEqual(files, []string{"src/main.go"}) {
		t.Errorf("CommitFiles() = %v", files)
	}
	msg := gittest.Git(t, dir, "log", "-1", "--format=%B")
	if !strings.Contains(msg, "task: t1") {
		t.Errorf("commit message = %q", msg)
	}
}

func TestExecRunner_WorktreeAndMerge(t *testing.T) {
	r, dir := newTestRunner(t)
	ctx := context.Background()

	wtPath := filepath.Join(t.TempDir(), "wt")
	if err := r.WorktreeAddNewBranch(ctx, wtPath, "s1/robin-1", gittest.Trunk); err != nil {
		t.Fatalf("WorktreeAddNewBranch() error: %v", err)
	}
	porcelain, err := r.WorktreeListPorcelain(ctx)
	if err != nil {
		t.Fatalf("WorktreeListPorcelain() error: %v", err)
	}
	if !strings.Contains(porcelain, "branch refs/heads/s1/robin-1") {
		t.Errorf("porcelain missing worktree branch:\n%s", porcelain)
	}

	wt := r.At(wtPath)
	gittest.WriteFile(t, wtPath, "robin.txt", "hi\n")
	if err := wt.AddAll(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Commit(ctx, "robin: add file"); err != nil {
		t.Fatal(err)
	}

	if err := r.MergeNoFF(ctx, "s1/robin-1", "merge robin"); err != nil {
		t.Fatalf("MergeNoFF() error: %v", err)
	}
	parents := gittest.Git(t, dir, "log", "-1", "--format=%P")
	if len(strings.Fields(parents)) != 2 {
		t.Errorf("expected merge commit with two parents, got %q", parents)
	}

	if err := r.WorktreeRemove(ctx, wtPath); err != nil {
		t.Fatalf("WorktreeRemove() error: %v", err)
	}
	if err := r.WorktreePrune(ctx); err != nil {
		t.Fatalf("WorktreePrune() error: %v", err)
	}
}

func TestExecRunner_MergeConflict(t *testing.T) {
	r, dir := newTestRunner(t)
	ctx := context.Background()

	gittest.Git(t, dir, "checkout", "-b", "other")
	gittest.CommitFile(t, dir, "README.md", "theirs\n", "other change")
	gittest.Git(t, dir, "checkout", gittest.Trunk)
	gittest.CommitFile(t, dir, "README.md", "ours\n", "trunk change")

	if err := r.MergeNoFF(ctx, "other", ""); err == nil {
		t.Fatal("expected merge conflict")
	}
	files, err := r.ConflictedFiles(ctx)
	if err != nil {
		t.Fatalf("ConflictedFiles() error: %v", err)
	}
	if !reflect.DeepEqual(files, []string{"README.md"}) {
		t.Errorf("ConflictedFiles() = %v", files)
	}
	if err := r.MergeAbort(ctx); err != nil {
		t.Fatalf("MergeAbort() error: %v", err)
	}
	if changed, _ := r.HasChanges(ctx); changed {
		t.Error("tree should be clean after abort")
	}
}

func TestExecRunner_NoRemote(t *testing.T) {
	r, _ := newTestRunner(t)
	if r.HasRemote(context.Background(), "origin") {
		t.Error("fresh repo has no origin")
	}
}
