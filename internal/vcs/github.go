package vcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cawhq/caw/internal/log"
)

func (g *GitVCS) gh(ctx context.Context, dir string, args ...string) (string, error) {
	bin := g.ghBinary
	if bin == "" {
		bin = "gh"
	}
	//nolint:gosec // G204: args are constructed from controlled sources
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", fmt.Errorf("gh %s: %s", strings.Join(args, " "), stderrStr)
		}
		return "", fmt.Errorf("gh %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

type ghPRView struct {
	URL            string `json:"url"`
	State          string `json:"state"`
	Mergeable      string `json:"mergeable"`
	MergeStateStatus string `json:"mergeStateStatus"`
}

// OpenOrRefreshPR opens a PR for branch via `gh pr create`, or pushes and
// leaves the existing PR for `gh pr view` to pick up on the next
// CheckStatus call.
func (g *GitVCS) OpenOrRefreshPR(ctx context.Context, repoPath, branch, baseBranch, title, body string) (string, error) {
	if _, err := runGit(ctx, repoPath, "push", "--force-with-lease", "-u", "origin", branch); err != nil {
		return "", fmt.Errorf("push branch: %w", err)
	}

	if url, err := g.gh(ctx, repoPath, "pr", "view", branch, "--json", "url", "-q", ".url"); err == nil && url != "" {
		log.Debug(log.CatVCS, "pr already open", "branch", branch, "url", url)
		return url, nil
	}

	url, err := g.gh(ctx, repoPath, "pr", "create",
		"--head", branch, "--base", baseBranch,
		"--title", title, "--body", body)
	if err != nil {
		return "", fmt.Errorf("create pr: %w", err)
	}
	log.Info(log.CatVCS, "opened pr", "branch", branch, "url", url)
	return strings.TrimSpace(url), nil
}

// CheckStatus queries the PR's mergeability via `gh pr view --json`.
func (g *GitVCS) CheckStatus(ctx context.Context, repoPath, branch string) (PRStatus, error) {
	out, err := g.gh(ctx, repoPath, "pr", "view", branch,
		"--json", "url,state,mergeable,mergeStateStatus")
	if err != nil {
		return PRStatus{}, fmt.Errorf("view pr: %w", err)
	}

	var view ghPRView
	if jsonErr := json.Unmarshal([]byte(out), &view); jsonErr != nil {
		return PRStatus{}, fmt.Errorf("parse pr view: %w", jsonErr)
	}

	status := PRStatus{
		URL:         view.URL,
		Open:        view.State == "OPEN",
		Merged:      view.State == "MERGED",
		Mergeable:   view.Mergeable == "MERGEABLE",
		HasConflict: view.Mergeable == "CONFLICTING",
		ChecksPass:  view.MergeStateStatus == "CLEAN" || view.MergeStateStatus == "UNSTABLE",
	}
	return status, nil
}
