// Package vcs defines the VCS collaborator capability the orchestrator core
// consumes at its boundary (spec §6): worktree lifecycle, PR refresh,
// mergeability checks, conflict rebase, and merge. The core never shells out
// to git/gh directly outside this package — every other component depends
// only on the VCS interface below, so it can be faked in tests.
package vcs

import "context"

// PRStatus summarizes the mergeability of an open pull request.
type PRStatus struct {
	URL         string
	Open        bool
	Mergeable   bool
	HasConflict bool
	Merged      bool
	ChecksPass  bool
}

// VCS is the abstract capability the agent runner pool (C10) and the PR
// cycle (C11) depend on. Implementations are free to shell out to git/gh,
// call a hosted API, or (in tests) record calls in memory.
type VCS interface {
	// CreateWorktree provisions an isolated on-disk copy of the repository
	// at path, on a new branch, starting from baseBranch (current HEAD if
	// baseBranch is empty).
	CreateWorktree(ctx context.Context, repoPath, path, branch, baseBranch string) error

	// AbandonWorktree removes a worktree and its branch. Safe to call on a
	// worktree already removed from disk (idempotent).
	AbandonWorktree(ctx context.Context, repoPath, path string) error

	// OpenOrRefreshPR opens a pull request for branch against baseBranch if
	// none exists, or pushes new commits and refreshes the existing one.
	// Returns the PR URL.
	OpenOrRefreshPR(ctx context.Context, repoPath, branch, baseBranch, title, body string) (string, error)

	// CheckStatus reports the current mergeability of the PR for branch.
	CheckStatus(ctx context.Context, repoPath, branch string) (PRStatus, error)

	// Rebase rebases branch onto baseBranch, returning ok=false (not an
	// error) when conflicts are left for a human or rebase agent to resolve.
	Rebase(ctx context.Context, repoPath, path, branch, baseBranch string) (ok bool, err error)

	// Merge merges branch into baseBranch and returns the merge commit SHA.
	Merge(ctx context.Context, repoPath, branch, baseBranch string) (commit string, err error)
}
