// Package task implements the task service (spec §4.4): status transitions,
// planning, claim/release concurrency control, and dependency queries.
// Grounded on the same command-handler style as internal/workflow.
package task

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cawhq/caw/internal/cawerr"
	"github.com/cawhq/caw/internal/domain"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/jsonutil"
	"github.com/cawhq/caw/internal/log"
	"github.com/cawhq/caw/internal/repository"
	"github.com/cawhq/caw/internal/store"
	"github.com/cawhq/caw/internal/transition"
)

// Service implements spec §4.4's task operations.
type Service struct {
	db          *store.DB
	tasks       *repository.TaskRepo
	deps        *repository.DependencyRepo
	checkpoints *repository.CheckpointRepo
	agents      *repository.AgentRepo
	clock       *ids.Clock
}

// New constructs a task Service.
func New(db *store.DB, tasks *repository.TaskRepo, deps *repository.DependencyRepo, checkpoints *repository.CheckpointRepo, agents *repository.AgentRepo, clock *ids.Clock) *Service {
	return &Service{db: db, tasks: tasks, deps: deps, checkpoints: checkpoints, agents: agents, clock: clock}
}

// GetOptions controls Get's eager loading of checkpoints.
type GetOptions struct {
	IncludeCheckpoints bool
	CheckpointLimit    int
}

// TaskWithCheckpoints pairs a task with its optionally eager-loaded
// checkpoints.
type TaskWithCheckpoints struct {
	*domain.Task
	Checkpoints []*domain.Checkpoint
}

// Get returns the task, optionally with its checkpoints.
func (s *Service) Get(ctx context.Context, id string, opts GetOptions) (*TaskWithCheckpoints, error) {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &TaskWithCheckpoints{Task: t}
	if opts.IncludeCheckpoints {
		cps, cpErr := s.checkpoints.ListByTask(ctx, id, opts.CheckpointLimit)
		if cpErr != nil {
			return nil, cpErr
		}
		out.Checkpoints = cps
	}
	return out, nil
}

// StatusUpdate is the argument to UpdateStatus.
type StatusUpdate struct {
	Outcome string
	Error   string
}

// UpdateStatus validates the transition through C4 and applies the
// additional preconditions from spec §4.4: pending->planning requires the
// task be unblocked; *->completed requires a non-empty outcome; *->failed
// requires a non-empty error (stored into outcome_detail).
func (s *Service) UpdateStatus(ctx context.Context, id string, next domain.TaskStatus, upd StatusUpdate) error {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if !transition.IsValidTaskTransition(t.Status, next) {
		return fmt.Errorf("%s -> %s: %w", t.Status, next, cawerr.ErrInvalidTransition)
	}

	switch next {
	case domain.TaskPlanning:
		if t.Status == domain.TaskPending {
			blocked, blockErr := s.IsBlocked(ctx, id)
			if blockErr != nil {
				return blockErr
			}
			if blocked {
				return fmt.Errorf("task %s is blocked: %w", id, cawerr.ErrPreconditionFailed)
			}
		}
	case domain.TaskCompleted:
		if upd.Outcome == "" {
			return fmt.Errorf("completed requires a non-empty outcome: %w", cawerr.ErrPreconditionFailed)
		}
		t.Outcome = upd.Outcome
	case domain.TaskFailed:
		if upd.Error == "" {
			return fmt.Errorf("failed requires a non-empty error: %w", cawerr.ErrPreconditionFailed)
		}
		t.OutcomeDetail = upd.Error
	}

	t.Status = next
	t.UpdatedAt = s.clock.NowMillis()
	if err := s.tasks.Update(ctx, nil, t); err != nil {
		return err
	}
	log.Info(log.CatScheduler, "task transitioned", "task_id", id, "status", next)
	return nil
}

// SetPlanInput is the argument to SetPlan.
type SetPlanInput struct {
	Plan    string
	Context map[string]any
}

// SetPlan is legal only when the task is planning. It writes plan as json
// and deep-merges context into the existing context, preserving prior keys.
func (s *Service) SetPlan(ctx context.Context, id string, in SetPlanInput) error {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != domain.TaskPlanning {
		return fmt.Errorf("task %s is %s, not planning: %w", id, t.Status, cawerr.ErrPreconditionFailed)
	}

	t.Plan = in.Plan
	t.Context = jsonutil.DeepMerge(t.Context, in.Context)
	t.UpdatedAt = s.clock.NowMillis()
	return s.tasks.Update(ctx, nil, t)
}

// Replan is legal from failed or in_progress. Atomically writes the new
// plan, clears outcome/outcome_detail, sets status pending, and appends a
// checkpoint of type replan whose summary is reason.
func (s *Service) Replan(ctx context.Context, id, reason, newPlan string) error {
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		t, err := s.tasks.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskFailed && t.Status != domain.TaskInProgress {
			return fmt.Errorf("task %s is %s, not failed or in_progress: %w", id, t.Status, cawerr.ErrPreconditionFailed)
		}

		now := s.clock.NowMillis()
		t.Plan = newPlan
		t.Outcome = ""
		t.OutcomeDetail = ""
		t.Status = domain.TaskPending
		t.UpdatedAt = now
		if err := s.tasks.Update(ctx, tx, t); err != nil {
			return err
		}

		seq, err := s.checkpoints.NextSequence(ctx, tx, id)
		if err != nil {
			return err
		}
		cp := &domain.Checkpoint{
			ID:             ids.New(ids.PrefixCheckpoint),
			TaskID:         id,
			Sequence:       seq,
			CheckpointType: domain.CheckpointReplan,
			Summary:        reason,
			CreatedAt:      now,
		}
		return s.checkpoints.Create(ctx, tx, cp)
	})
}

// ClaimResult reports claim's outcome (never an error — a conflict is a
// normal control-flow result, per spec §7).
type ClaimResult struct {
	Success          bool
	AlreadyClaimedBy string
}

// Claim atomically assigns taskID to agentID. Terminal tasks (completed,
// skipped) are rejected. A pre-existing claim by a different agent yields
// {success:false, already_claimed_by}; a pre-existing claim by the same
// agent is an idempotent success.
func (s *Service) Claim(ctx context.Context, taskID, agentID string) (*ClaimResult, error) {
	result := &ClaimResult{}
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		t, err := s.tasks.GetTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status == domain.TaskCompleted || t.Status == domain.TaskSkipped {
			return fmt.Errorf("task %s is terminal: %w", taskID, cawerr.ErrPreconditionFailed)
		}
		if t.AssignedAgentID != "" {
			if t.AssignedAgentID == agentID {
				result.Success = true
				return nil
			}
			result.Success = false
			result.AlreadyClaimedBy = t.AssignedAgentID
			return nil
		}

		now := s.clock.NowMillis()
		t.AssignedAgentID = agentID
		t.ClaimedAt = now
		if err := s.tasks.Update(ctx, tx, t); err != nil {
			return err
		}

		agent, err := s.agents.GetTx(ctx, tx, agentID)
		if err != nil {
			return err
		}
		agent.Status = domain.AgentBusy
		agent.CurrentTaskID = taskID
		agent.UpdatedAt = now
		if err := s.agents.Update(ctx, tx, agent); err != nil {
			return err
		}

		result.Success = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Release requires the task be currently claimed by agentID; clears the
// claim and transitions the agent back to online.
func (s *Service) Release(ctx context.Context, taskID, agentID string) error {
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		t, err := s.tasks.GetTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.AssignedAgentID != agentID {
			return fmt.Errorf("task %s is not claimed by %s: %w", taskID, agentID, cawerr.ErrPreconditionFailed)
		}

		now := s.clock.NowMillis()
		t.AssignedAgentID = ""
		t.ClaimedAt = 0
		if err := s.tasks.Update(ctx, tx, t); err != nil {
			return err
		}

		agent, err := s.agents.GetTx(ctx, tx, agentID)
		if err != nil {
			return err
		}
		agent.Status = domain.AgentOnline
		agent.CurrentTaskID = ""
		agent.UpdatedAt = now
		return s.agents.Update(ctx, tx, agent)
	})
}

// GetAvailableOptions narrows GetAvailable's results.
type GetAvailableOptions struct {
	WorkflowID string
	Limit      int
}

// GetAvailable returns tasks that are pending, unclaimed, and not blocked,
// ordered by (workflow_id, sequence) ascending. workflow_id is optional
// (spec.md:141): omitting it searches across every workflow.
func (s *Service) GetAvailable(ctx context.Context, opts GetAvailableOptions) ([]*domain.Task, error) {
	var candidates []*domain.Task
	if opts.WorkflowID != "" {
		tasks, err := s.tasks.ListByWorkflow(ctx, opts.WorkflowID)
		if err != nil {
			return nil, err
		}
		candidates = tasks
	} else {
		tasks, err := s.tasks.ListAll(ctx)
		if err != nil {
			return nil, err
		}
		candidates = tasks
	}

	var out []*domain.Task
	for _, t := range candidates {
		if t.Status != domain.TaskPending || t.AssignedAgentID != "" {
			continue
		}
		blocked, err := s.IsBlocked(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if blocked {
			continue
		}
		out = append(out, t)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// IsBlocked returns true iff any blocks predecessor of id is not in
// {completed, skipped}.
func (s *Service) IsBlocked(ctx context.Context, id string) (bool, error) {
	deps, err := s.deps.ListDependencies(ctx, id)
	if err != nil {
		return false, err
	}
	for _, d := range deps {
		if d.DependencyType != domain.DependencyBlocks {
			continue
		}
		predecessor, err := s.tasks.Get(ctx, d.DependsOnID)
		if err != nil {
			return false, err
		}
		if predecessor.Status != domain.TaskCompleted && predecessor.Status != domain.TaskSkipped {
			return true, nil
		}
	}
	return false, nil
}

// Dependencies is the result of GetDependencies.
type Dependencies struct {
	DependsOn  []domain.TaskDependency // edges where id is the dependent
	Dependents []domain.TaskDependency // edges where id is the depended-upon
}

// GetDependencies returns both adjacency directions for id.
func (s *Service) GetDependencies(ctx context.Context, id string) (*Dependencies, error) {
	dependsOn, err := s.deps.ListDependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	dependents, err := s.deps.ListDependents(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Dependencies{DependsOn: dependsOn, Dependents: dependents}, nil
}
