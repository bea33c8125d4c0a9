package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"foreman/internal/policy"
)

type Worktree struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// Manager isolates each story in its own checkout.
type Manager interface {
	Create(ctx context.Context, key string, base string) (Worktree, error)
	Remove(ctx context.Context, wt Worktree) error
	// CommitAll stages and commits whatever the agent left uncommitted. It
	// reports false when there was nothing to commit.
	CommitAll(ctx context.Context, wt Worktree, message string) (bool, error)
	// ConflictingFiles lists paths that would conflict when merging the
	// worktree branch into base.
	ConflictingFiles(ctx context.Context, wt Worktree, base string) ([]string, error)
}

// Git manages worktrees below <repo>/.foreman/worktrees with `git worktree`.
type Git struct {
	RepoRoot     string
	BranchPrefix string
}

func NewGit(repoRoot string, branchPrefix string) *Git {
	if strings.TrimSpace(branchPrefix) == "" {
		branchPrefix = "foreman"
	}
	return &Git{RepoRoot: repoRoot, BranchPrefix: branchPrefix}
}

var _ Manager = (*Git)(nil)

func (g *Git) Dir() string {
	return filepath.Join(g.RepoRoot, ".foreman", "worktrees")
}

func (g *Git) Create(ctx context.Context, key string, base string) (Worktree, error) {
	id := policy.SanitizeToken(key)
	wt := Worktree{
		ID:     id,
		Path:   filepath.Join(g.Dir(), id),
		Branch: g.BranchPrefix + "/" + id,
	}
	if _, err := os.Stat(wt.Path); err == nil {
		// Reuse the checkout left by an earlier run of the same story.
		return wt, nil
	}
	if err := os.MkdirAll(g.Dir(), 0o755); err != nil {
		return Worktree{}, fmt.Errorf("create worktree dir: %w", err)
	}
	start := strings.TrimSpace(base)
	if start == "" {
		start = "HEAD"
	}
	if gitRefExists(ctx, g.RepoRoot, "refs/heads/"+wt.Branch) {
		if _, err := runGitCommand(ctx, g.RepoRoot, "worktree", "add", wt.Path, wt.Branch); err != nil {
			return Worktree{}, err
		}
		return wt, nil
	}
	if _, err := runGitCommand(ctx, g.RepoRoot, "worktree", "add", "-b", wt.Branch, wt.Path, start); err != nil {
		return Worktree{}, err
	}
	return wt, nil
}

func (g *Git) Remove(ctx context.Context, wt Worktree) error {
	if strings.TrimSpace(wt.Path) == "" {
		return nil
	}
	if _, err := os.Stat(wt.Path); os.IsNotExist(err) {
		_, _ = runGitCommand(ctx, g.RepoRoot, "worktree", "prune")
		return nil
	}
	if _, err := runGitCommand(ctx, g.RepoRoot, "worktree", "remove", "--force", wt.Path); err != nil {
		return err
	}
	return nil
}

func (g *Git) CommitAll(ctx context.Context, wt Worktree, message string) (bool, error) {
	status, err := runGitCommand(ctx, wt.Path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}
	if _, err := runGitCommand(ctx, wt.Path, "add", "-A"); err != nil {
		return false, err
	}
	if _, err := runGitCommand(ctx, wt.Path, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

func (g *Git) ConflictingFiles(ctx context.Context, wt Worktree, base string) ([]string, error) {
	if strings.TrimSpace(base) == "" {
		base = "main"
	}
	_ = exec.CommandContext(ctx, "git", "-C", wt.Path, "fetch", "origin", base).Run()
	target := base
	if gitRefExists(ctx, wt.Path, "refs/remotes/origin/"+base) {
		target = "origin/" + base
	}
	// merge-tree exits 1 when the merge has conflicts and still prints the
	// conflicted paths after the tree id.
	cmd := exec.CommandContext(ctx, "git", "-C", wt.Path, "merge-tree", "--write-tree", "--name-only", "--no-messages", target, "HEAD")
	out, err := cmd.Output()
	if err == nil {
		return nil, nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok || exitErr.ExitCode() != 1 {
		return nil, fmt.Errorf("git merge-tree %s HEAD failed in %s: %w", target, wt.Path, err)
	}
	return parseMergeTreeNames(string(out)), nil
}

func parseMergeTreeNames(output string) []string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) <= 1 {
		return nil
	}
	seen := map[string]bool{}
	var files []string
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if !seen[line] {
			seen[line] = true
			files = append(files, line)
		}
	}
	return files
}

func runGitCommand(ctx context.Context, repoPath string, args ...string) (string, error) {
	cmdArgs := append([]string{"-C", repoPath}, args...)
	cmd := exec.CommandContext(ctx, "git", cmdArgs...)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text == "" {
			text = err.Error()
		}
		return "", fmt.Errorf("git %s failed in %s: %s", strings.Join(args, " "), repoPath, text)
	}
	return text, nil
}

func gitRefExists(ctx context.Context, repoPath string, ref string) bool {
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "show-ref", "--verify", "--quiet", ref)
	return cmd.Run() == nil
}
