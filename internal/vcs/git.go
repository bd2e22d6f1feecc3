package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cawhq/caw/internal/log"
)

// Git-specific errors surfaced from worktree operations.
var (
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")
	ErrPathAlreadyExists       = errors.New("worktree path already exists")
	ErrWorktreeLocked          = errors.New("worktree is locked")
	ErrNotGitRepo              = errors.New("not a git repository")
)

// GitVCS is the default VCS implementation, shelling out to the git and gh
// CLIs the same way perles's internal/git and internal/beads packages shell
// out to git and bd.
type GitVCS struct {
	ghBinary string // override for tests; defaults to "gh"
}

// NewGitVCS creates a VCS implementation backed by the git and gh binaries
// on PATH.
func NewGitVCS() *GitVCS {
	return &GitVCS{ghBinary: "gh"}
}

var _ VCS = (*GitVCS)(nil)

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	//nolint:gosec // G204: args are constructed from controlled sources
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", parseGitError(stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func parseGitError(stderr string, originalErr error) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "already checked out"):
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	case strings.Contains(lower, "already exists"):
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	case strings.Contains(lower, "is locked"):
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, stderr)
	case strings.Contains(lower, "not a git repository"):
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	default:
		return fmt.Errorf("git error: %s: %w", stderr, originalErr)
	}
}

// CreateWorktree runs `git worktree add -b <branch> <path> [<baseBranch>]`
// from repoPath.
func (g *GitVCS) CreateWorktree(ctx context.Context, repoPath, path, branch, baseBranch string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	log.Debug(log.CatVCS, "creating worktree", "path", path, "branch", branch, "base", baseBranch)
	_, err := runGit(ctx, repoPath, args...)
	return err
}

// AbandonWorktree removes a worktree, forcing removal if it has local
// changes git would otherwise refuse to discard silently.
func (g *GitVCS) AbandonWorktree(ctx context.Context, repoPath, path string) error {
	if _, err := runGit(ctx, repoPath, "worktree", "remove", path); err != nil {
		if _, forceErr := runGit(ctx, repoPath, "worktree", "remove", "--force", path); forceErr != nil {
			return forceErr
		}
	}
	return nil
}

// Rebase rebases branch onto baseBranch inside the worktree at path.
// On conflict it aborts the rebase and returns ok=false rather than an
// error — conflicts are an expected outcome the PR cycle handles by
// spawning a rebase agent, not a failure of the VCS operation itself.
func (g *GitVCS) Rebase(ctx context.Context, repoPath, path, branch, baseBranch string) (bool, error) {
	if _, err := runGit(ctx, path, "fetch", "origin", baseBranch); err != nil {
		return false, fmt.Errorf("fetch base branch: %w", err)
	}
	if _, err := runGit(ctx, path, "rebase", "origin/"+baseBranch); err != nil {
		_, _ = runGit(ctx, path, "rebase", "--abort")
		return false, nil
	}
	return true, nil
}

// Merge fast-forwards or merges branch into baseBranch and returns the
// resulting merge commit hash.
func (g *GitVCS) Merge(ctx context.Context, repoPath, branch, baseBranch string) (string, error) {
	if _, err := runGit(ctx, repoPath, "checkout", baseBranch); err != nil {
		return "", fmt.Errorf("checkout base branch: %w", err)
	}
	if _, err := runGit(ctx, repoPath, "merge", "--no-ff", branch); err != nil {
		return "", fmt.Errorf("merge: %w", err)
	}
	sha, err := runGit(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve merge commit: %w", err)
	}
	return sha, nil
}
