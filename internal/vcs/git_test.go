package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0644))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestGitVCS_CreateAndAbandonWorktree(t *testing.T) {
	repo := initTestRepo(t)
	g := NewGitVCS()
	ctx := context.Background()

	wtPath := filepath.Join(t.TempDir(), "wt")
	err := g.CreateWorktree(ctx, repo, wtPath, "feature-a", "main")
	require.NoError(t, err)
	require.DirExists(t, wtPath)

	err = g.AbandonWorktree(ctx, repo, wtPath)
	require.NoError(t, err)
	require.NoDirExists(t, wtPath)
}

func TestGitVCS_CreateWorktree_DuplicateBranch(t *testing.T) {
	repo := initTestRepo(t)
	g := NewGitVCS()
	ctx := context.Background()

	wtPath1 := filepath.Join(t.TempDir(), "wt1")
	require.NoError(t, g.CreateWorktree(ctx, repo, wtPath1, "feature-b", "main"))

	wtPath2 := filepath.Join(t.TempDir(), "wt2")
	err := g.CreateWorktree(ctx, repo, wtPath2, "feature-b", "main")
	require.Error(t, err)
}

func TestGitVCS_Merge(t *testing.T) {
	repo := initTestRepo(t)
	g := NewGitVCS()
	ctx := context.Background()

	wtPath := filepath.Join(t.TempDir(), "wt")
	require.NoError(t, g.CreateWorktree(ctx, repo, wtPath, "feature-c", "main"))

	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "new.txt"), []byte("data"), 0644))
	commit := exec.Command("git", "add", ".")
	commit.Dir = wtPath
	require.NoError(t, commit.Run())
	commitCmd := exec.Command("git", "-c", "user.name=test", "-c", "user.email=test@example.com", "commit", "-m", "feature commit")
	commitCmd.Dir = wtPath
	out, err := commitCmd.CombinedOutput()
	require.NoErrorf(t, err, "commit: %s", out)

	sha, err := g.Merge(ctx, repo, "feature-c", "main")
	require.NoError(t, err)
	require.NotEmpty(t, sha)
}
