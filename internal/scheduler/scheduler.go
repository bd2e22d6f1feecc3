// Package scheduler implements the orchestration service (spec §4.5, C5): a
// read-mostly view computed from the persisted task graph. It never writes;
// claim/release/status mutations live in internal/task and internal/workflow.
package scheduler

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cawhq/caw/internal/domain"
	"github.com/cawhq/caw/internal/repository"
	"github.com/cawhq/caw/internal/tracing"
)

// Service implements spec §4.5's read-mostly scheduling queries.
type Service struct {
	workflows *repository.WorkflowRepo
	tasks     *repository.TaskRepo
	deps      *repository.DependencyRepo
	tracer    trace.Tracer
}

// New constructs a scheduler Service.
func New(workflows *repository.WorkflowRepo, tasks *repository.TaskRepo, deps *repository.DependencyRepo) *Service {
	return &Service{workflows: workflows, tasks: tasks, deps: deps, tracer: tracing.NoopTracer()}
}

// SetTracer overrides the scheduler's no-op default tracer; called once at
// daemon startup with the configured tracing.Provider's tracer.
func (s *Service) SetTracer(t trace.Tracer) {
	if t != nil {
		s.tracer = t
	}
}

// ReturnableTask is a task enriched with scheduling metadata for
// getNextTasks.
type ReturnableTask struct {
	*domain.Task
	CanParallelize         bool
	ParallelWith           []string
	DependenciesCompleted []string
}

// NextTasksResult is getNextTasks's return shape.
type NextTasksResult struct {
	Tasks            []*ReturnableTask
	AllComplete      bool
	WorkflowStatus   domain.WorkflowStatus
	MaxParallel      int
	RecommendedCount int
}

// isTerminal reports whether status counts as done for completion purposes.
func isTerminal(status domain.TaskStatus) bool {
	return status == domain.TaskCompleted || status == domain.TaskSkipped
}

// GetNextTasks computes the returnable set for workflowID (spec §4.5). A
// task is returnable when pending (or failed if includeFailed), unclaimed,
// and not blocked. Cycles are rejected at plan admission, but a cycle
// introduced by manual insertion must not hang this computation nor return
// tasks that participate in it — isBlockedAmong below treats any task whose
// blocking chain cannot resolve to a terminal state as blocked, so cyclic
// tasks are simply never returnable.
func (s *Service) GetNextTasks(ctx context.Context, workflowID string, includeFailed bool) (*NextTasksResult, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.getNextTasks",
		trace.WithAttributes(attribute.String(tracing.AttrWorkflowID, workflowID)))
	defer span.End()

	w, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.tasks.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	edges, err := s.deps.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	blockingDeps := make(map[string][]string) // task id -> ids of blocks predecessors
	for _, e := range edges {
		if e.DependencyType == domain.DependencyBlocks {
			blockingDeps[e.TaskID] = append(blockingDeps[e.TaskID], e.DependsOnID)
		}
	}

	allComplete := len(tasks) > 0
	for _, t := range tasks {
		if !isTerminal(t.Status) {
			allComplete = false
			break
		}
	}

	groups := make(map[string][]string) // parallel_group -> task ids
	for _, t := range tasks {
		if t.ParallelGroup != "" {
			groups[t.ParallelGroup] = append(groups[t.ParallelGroup], t.ID)
		}
	}

	var returnable []*ReturnableTask
	for _, t := range tasks {
		eligibleStatus := t.Status == domain.TaskPending || (includeFailed && t.Status == domain.TaskFailed)
		if !eligibleStatus || t.AssignedAgentID != "" {
			continue
		}
		if isBlockedAmong(t.ID, blockingDeps, byID, map[string]bool{}) {
			continue
		}

		rt := &ReturnableTask{Task: t}
		if t.ParallelGroup != "" {
			rt.CanParallelize = true
			for _, sibling := range groups[t.ParallelGroup] {
				if sibling != t.ID {
					rt.ParallelWith = append(rt.ParallelWith, sibling)
				}
			}
		}
		for _, depID := range blockingDeps[t.ID] {
			if dep, ok := byID[depID]; ok && isTerminal(dep.Status) {
				rt.DependenciesCompleted = append(rt.DependenciesCompleted, dep.Name)
			}
		}
		returnable = append(returnable, rt)
	}

	sort.Slice(returnable, func(i, j int) bool {
		if returnable[i].Sequence != returnable[j].Sequence {
			return returnable[i].Sequence < returnable[j].Sequence
		}
		return returnable[i].Name < returnable[j].Name
	})

	recommended := len(returnable)
	if w.MaxParallelTasks < recommended {
		recommended = w.MaxParallelTasks
	}

	return &NextTasksResult{
		Tasks:            returnable,
		AllComplete:      allComplete,
		WorkflowStatus:   w.Status,
		MaxParallel:      w.MaxParallelTasks,
		RecommendedCount: recommended,
	}, nil
}

// isBlockedAmong walks the blocks predecessors of taskID within the
// in-memory snapshot, treating a dependency on a skipped task as satisfied.
// visiting guards against runtime cycles (from manual insertion) so the walk
// always terminates; a task reachable from itself through blocking edges is
// conservatively treated as blocked rather than hung.
func isBlockedAmong(taskID string, blockingDeps map[string][]string, byID map[string]*domain.Task, visiting map[string]bool) bool {
	if visiting[taskID] {
		return true
	}
	visiting[taskID] = true
	defer delete(visiting, taskID)

	for _, depID := range blockingDeps[taskID] {
		dep, ok := byID[depID]
		if !ok {
			continue
		}
		if isTerminal(dep.Status) {
			continue
		}
		return true
	}
	return false
}

// BlockedTask is one entry in getProgress's blocked_tasks list.
type BlockedTask struct {
	ID        string
	Name      string
	BlockedBy []string // names
}

// ParallelGroupProgress summarizes one parallel_group's completion.
type ParallelGroupProgress struct {
	TaskCount int
	Completed int
}

// ProgressResult is getProgress's return shape.
type ProgressResult struct {
	TotalTasks         int
	ByStatus           map[domain.TaskStatus]int
	CompletedSequence  int
	CurrentSequence    int
	BlockedTasks       []BlockedTask
	ParallelGroups     map[string]*ParallelGroupProgress
	EstimatedRemaining int
}

// GetProgress computes a workflow's progress summary (spec §4.5).
func (s *Service) GetProgress(ctx context.Context, workflowID string) (*ProgressResult, error) {
	tasks, err := s.tasks.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	edges, err := s.deps.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	blockingDeps := make(map[string][]string)
	for _, e := range edges {
		if e.DependencyType == domain.DependencyBlocks {
			blockingDeps[e.TaskID] = append(blockingDeps[e.TaskID], e.DependsOnID)
		}
	}

	result := &ProgressResult{
		TotalTasks:     len(tasks),
		ByStatus:       map[domain.TaskStatus]int{},
		ParallelGroups: map[string]*ParallelGroupProgress{},
	}

	maxSeq := 0
	for _, t := range tasks {
		result.ByStatus[t.Status]++
		if t.Sequence > maxSeq {
			maxSeq = t.Sequence
		}
		if t.ParallelGroup != "" {
			g, ok := result.ParallelGroups[t.ParallelGroup]
			if !ok {
				g = &ParallelGroupProgress{}
				result.ParallelGroups[t.ParallelGroup] = g
			}
			g.TaskCount++
			if isTerminal(t.Status) {
				g.Completed++
			}
		}
	}

	completedSeq := 0
	for seq := 1; seq <= maxSeq; seq++ {
		allTerminalUpTo := true
		for _, t := range tasks {
			if t.Sequence <= seq && !isTerminal(t.Status) {
				allTerminalUpTo = false
				break
			}
		}
		if allTerminalUpTo {
			completedSeq = seq
		} else {
			break
		}
	}
	result.CompletedSequence = completedSeq
	result.CurrentSequence = completedSeq + 1

	for _, t := range tasks {
		if isTerminal(t.Status) {
			continue
		}
		var blockedByNames []string
		for _, depID := range blockingDeps[t.ID] {
			dep, ok := byID[depID]
			if !ok || isTerminal(dep.Status) {
				continue
			}
			blockedByNames = append(blockedByNames, dep.Name)
		}
		if len(blockedByNames) > 0 {
			result.BlockedTasks = append(result.BlockedTasks, BlockedTask{ID: t.ID, Name: t.Name, BlockedBy: blockedByNames})
		}
	}

	result.EstimatedRemaining = result.TotalTasks - result.ByStatus[domain.TaskCompleted] - result.ByStatus[domain.TaskSkipped]
	return result, nil
}

// DependencyCheckResult is checkDependencies's return shape.
type DependencyCheckResult struct {
	Satisfied bool
	Completed []string // names of satisfied predecessors
	Pending   []string // names of unsatisfied predecessors
}

// CheckDependencies reports whether taskID's blocking predecessors are all
// terminal, naming each.
func (s *Service) CheckDependencies(ctx context.Context, taskID string) (*DependencyCheckResult, error) {
	deps, err := s.deps.ListDependencies(ctx, taskID)
	if err != nil {
		return nil, err
	}

	result := &DependencyCheckResult{Satisfied: true}
	for _, d := range deps {
		if d.DependencyType != domain.DependencyBlocks {
			continue
		}
		predecessor, err := s.tasks.Get(ctx, d.DependsOnID)
		if err != nil {
			return nil, err
		}
		if isTerminal(predecessor.Status) {
			result.Completed = append(result.Completed, predecessor.Name)
		} else {
			result.Pending = append(result.Pending, predecessor.Name)
			result.Satisfied = false
		}
	}
	return result, nil
}
