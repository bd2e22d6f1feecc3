// Package cycle implements the PR integration cycle (spec §4.11, C11), using
// config.ResolveCycleMode for the cycle mode: on a workflow's task-set
// completion it decides whether
// to auto-merge, hand off to a human, or do nothing, and for auto mode
// drives the rebase/merge loop through the vcs.VCS collaborator, spawning a
// short-lived rebase agent on conflict. It implements pool.PostCompletionHook
// so the runner pool (C10) can invoke it without depending on this package.
package cycle

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cawhq/caw/internal/config"
	"github.com/cawhq/caw/internal/domain"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/log"
	"github.com/cawhq/caw/internal/repository"
	"github.com/cawhq/caw/internal/tracing"
	"github.com/cawhq/caw/internal/vcs"
	"github.com/cawhq/caw/internal/workflow"
)

// RebaseSpawner is the capability the cycle hook uses to run a short-lived
// rebase agent against a conflicted worktree (spec §4.11: "a short-lived
// re-invocation of the spawner targeted at conflict resolution"). Unlike
// pool.AgentSpawner it is a single blocking call that reports only an error,
// with no progress or outcome channels; it is declared here so cycle does not
// import pool.
type RebaseSpawner interface {
	SpawnRebaseAgent(ctx context.Context, workspacePath, instructions string) error
}

// Deps bundles cycle's dependencies.
type Deps struct {
	Workflows  *workflow.Service
	Workspaces *repository.WorkspaceRepo
	Repos      *repository.RepositoryRepo
	VCS        vcs.VCS
	Rebase     RebaseSpawner
	FileConfig config.Config
	Clock      *ids.Clock
	Tracer     trace.Tracer
}

// Hook implements pool.PostCompletionHook.
type Hook struct {
	deps Deps
}

// New constructs a cycle Hook.
func New(deps Deps) *Hook {
	if deps.Tracer == nil {
		deps.Tracer = tracing.NoopTracer()
	}
	return &Hook{deps: deps}
}

const maxRebaseAttempts = 2

// OnTaskSetComplete resolves workflowID's cycle mode and, for auto mode,
// drives every one of its still-active workspaces through open/refresh PR,
// conflict rebase, and merge before reporting completion. It returns
// awaitingMerge=true only for hitl mode; auto and off both report false
// (auto because it finished the merge itself, off because there is nothing
// to wait on).
func (h *Hook) OnTaskSetComplete(ctx context.Context, workflowID string) (bool, error) {
	wf, err := h.deps.Workflows.Get(ctx, workflowID, workflow.GetOptions{})
	if err != nil {
		return false, fmt.Errorf("cycle resolve: %w", err)
	}

	workspaces, err := h.deps.Workspaces.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return false, fmt.Errorf("cycle resolve: %w", err)
	}

	mode := config.ResolveCycleMode("", firstWorkspaceConfig(workspaces), wf.Config, h.deps.FileConfig)
	log.Info(log.CatCycle, "resolved cycle mode", "workflow_id", workflowID, "mode", mode)

	switch mode {
	case config.CycleOff:
		return false, nil
	case config.CycleHITL:
		return true, nil
	case config.CycleAuto:
		return false, h.runAutoCycle(ctx, workflowID, workspaces)
	default:
		return false, nil
	}
}

func firstWorkspaceConfig(workspaces []*domain.Workspace) map[string]any {
	for _, ws := range workspaces {
		if ws.Status == domain.WorkspaceActive && ws.Config != nil {
			return ws.Config
		}
	}
	return nil
}

// runAutoCycle drives every active workspace through PR open/refresh,
// conflict rebase, and merge (spec §4.11). The first workspace whose merge
// fails stops the loop and returns its error; workspaces already merged are
// left untouched.
func (h *Hook) runAutoCycle(ctx context.Context, workflowID string, workspaces []*domain.Workspace) error {
	for _, ws := range workspaces {
		if ws.Status != domain.WorkspaceActive {
			continue
		}
		if err := h.cycleWorkspace(ctx, ws); err != nil {
			return fmt.Errorf("cycle workspace %s: %w", ws.ID, err)
		}
	}
	return nil
}

func (h *Hook) cycleWorkspace(ctx context.Context, ws *domain.Workspace) error {
	ctx, span := h.deps.Tracer.Start(ctx, "cycle.workspace", trace.WithAttributes(
		attribute.String(tracing.AttrWorkspace, ws.Path),
	))
	defer span.End()

	repo, err := h.deps.Repos.Get(ctx, ws.RepositoryID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	prURL, err := h.deps.VCS.OpenOrRefreshPR(ctx, repo.Path, ws.Branch, ws.BaseBranch,
		fmt.Sprintf("caw: %s", ws.Branch), "Opened by the orchestrator's PR cycle.")
	if err != nil {
		return fmt.Errorf("open/refresh PR: %w", err)
	}
	ws.PRURL = prURL

	for attempt := 0; attempt <= maxRebaseAttempts; attempt++ {
		status, err := h.deps.VCS.CheckStatus(ctx, repo.Path, ws.Branch)
		if err != nil {
			return fmt.Errorf("check PR status: %w", err)
		}
		if !status.HasConflict {
			break
		}
		if attempt == maxRebaseAttempts {
			return fmt.Errorf("unresolved conflicts after %d rebase attempts", maxRebaseAttempts)
		}
		span.SetAttributes(attribute.Int(tracing.AttrAttempt, attempt))
		if h.deps.Rebase != nil {
			if err := h.deps.Rebase.SpawnRebaseAgent(ctx, ws.Path,
				"Resolve the current merge conflicts and leave the worktree clean."); err != nil {
				span.SetStatus(codes.Error, err.Error())
				return fmt.Errorf("rebase agent: %w", err)
			}
		}
		ok, err := h.deps.VCS.Rebase(ctx, repo.Path, ws.Path, ws.Branch, ws.BaseBranch)
		if err != nil {
			return fmt.Errorf("rebase: %w", err)
		}
		if !ok {
			log.Warn(log.CatCycle, "rebase left conflicts", "workspace_id", ws.ID, "attempt", attempt)
		}
	}

	commit, err := h.deps.VCS.Merge(ctx, repo.Path, ws.Branch, ws.BaseBranch)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}

	ws.Status = domain.WorkspaceMerged
	ws.MergeCommit = commit
	ws.UpdatedAt = h.deps.Clock.NowMillis()
	if err := h.deps.Workspaces.Update(ctx, nil, ws); err != nil {
		return fmt.Errorf("record merge: %w", err)
	}
	log.Info(log.CatCycle, "workspace merged", "workspace_id", ws.ID, "commit", commit)
	return nil
}
