package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func runGit(t *testing.T, path string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = path
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := t.TempDir()
	runGit(t, root, "init", "-b", "main")
	runGit(t, root, "config", "user.email", "foreman@example.com")
	runGit(t, root, "config", "user.name", "foreman")
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write readme: %v", err)
	}
	runGit(t, root, "add", ".")
	runGit(t, root, "commit", "-m", "init")
	return root
}

func TestCreateCommitAndRemove(t *testing.T) {
	root := initRepo(t)
	ctx := context.Background()
	g := NewGit(root, "")

	wt, err := g.Create(ctx, "sess-1 E1/S1", "main")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if wt.Branch != "foreman/sess-1-e1-s1" {
		t.Fatalf("unexpected branch %q", wt.Branch)
	}
	if _, err := os.Stat(filepath.Join(wt.Path, "README.md")); err != nil {
		t.Fatalf("expected checkout in %s: %v", wt.Path, err)
	}

	again, err := g.Create(ctx, "sess-1 E1/S1", "main")
	if err != nil || again.Path != wt.Path {
		t.Fatalf("expected create to reuse the worktree, got %+v err=%v", again, err)
	}

	committed, err := g.CommitAll(ctx, wt, "nothing")
	if err != nil || committed {
		t.Fatalf("expected clean tree to skip commit, committed=%v err=%v", committed, err)
	}
	if err := os.WriteFile(filepath.Join(wt.Path, "feature.go"), []byte("package feature\n"), 0o644); err != nil {
		t.Fatalf("write feature: %v", err)
	}
	committed, err = g.CommitAll(ctx, wt, "E1/S1: add feature")
	if err != nil || !committed {
		t.Fatalf("expected commit, committed=%v err=%v", committed, err)
	}
	if log := runGit(t, wt.Path, "log", "--oneline", "-1"); !strings.Contains(log, "E1/S1: add feature") {
		t.Fatalf("unexpected log %q", log)
	}

	if err := g.Remove(ctx, wt); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(wt.Path); !os.IsNotExist(err) {
		t.Fatalf("expected worktree path to be removed")
	}
	if err := g.Remove(ctx, wt); err != nil {
		t.Fatalf("expected removing twice to be a no-op: %v", err)
	}
}

func TestConflictingFiles(t *testing.T) {
	root := initRepo(t)
	ctx := context.Background()
	g := NewGit(root, "foreman")

	wt, err := g.Create(ctx, "E1-S2", "main")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wt.Path, "README.md"), []byte("branch\n"), 0o644); err != nil {
		t.Fatalf("write branch readme: %v", err)
	}
	if _, err := g.CommitAll(ctx, wt, "branch edit"); err != nil {
		t.Fatalf("commit branch: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("main\n"), 0o644); err != nil {
		t.Fatalf("write main readme: %v", err)
	}
	runGit(t, root, "commit", "-am", "main edit")

	files, err := g.ConflictingFiles(ctx, wt, "main")
	if err != nil {
		t.Skipf("git merge-tree --write-tree unavailable: %v", err)
	}
	if len(files) != 1 || files[0] != "README.md" {
		t.Fatalf("expected README.md to conflict, got %v", files)
	}
}

func TestParseMergeTreeNames(t *testing.T) {
	out := "3f1c2a\nREADME.md\nmain.go\nREADME.md\n"
	files := parseMergeTreeNames(out)
	if len(files) != 2 || files[0] != "README.md" || files[1] != "main.go" {
		t.Fatalf("unexpected files %v", files)
	}
	if parseMergeTreeNames("3f1c2a\n") != nil {
		t.Fatalf("expected no files for a clean merge")
	}
}
