// Package workflow implements the workflow service (spec §4.3): creation,
// plan admission, status transitions, task graph edits, and configuration
// patching. Grounded on the teacher's command-handler style
// (v2/handler/state_transition.go) but collapsed into a plain service with
// explicit error returns instead of a command/event bus, since the core
// spec has no external command dispatcher at this layer.
package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/cawhq/caw/internal/cawerr"
	"github.com/cawhq/caw/internal/domain"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/jsonutil"
	"github.com/cawhq/caw/internal/log"
	"github.com/cawhq/caw/internal/repository"
	"github.com/cawhq/caw/internal/store"
	"github.com/cawhq/caw/internal/transition"
)

// Service implements spec §4.3's workflow operations.
type Service struct {
	db        *store.DB
	workflows *repository.WorkflowRepo
	tasks     *repository.TaskRepo
	deps      *repository.DependencyRepo
	repos     *repository.RepositoryRepo
	clock     *ids.Clock
}

// New constructs a workflow Service.
func New(db *store.DB, workflows *repository.WorkflowRepo, tasks *repository.TaskRepo, deps *repository.DependencyRepo, repos *repository.RepositoryRepo, clock *ids.Clock) *Service {
	return &Service{db: db, workflows: workflows, tasks: tasks, deps: deps, repos: repos, clock: clock}
}

// CreateInput is the argument to Create.
type CreateInput struct {
	Name                 string
	SourceType           domain.SourceType
	SourceRef            string
	SourceContent        string
	RepositoryPaths      []string
	MaxParallelTasks     int
	AutoCreateWorkspaces bool
	Config               map[string]any
}

// Create creates a planning workflow and its workflow_repositories rows,
// registering any unknown repositories on the fly (spec §4.3).
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Workflow, error) {
	if in.MaxParallelTasks <= 0 {
		in.MaxParallelTasks = 1
	}
	now := s.clock.NowMillis()

	w := &domain.Workflow{
		ID:                   ids.New(ids.PrefixWorkflow),
		Name:                 in.Name,
		SourceType:           in.SourceType,
		SourceRef:            in.SourceRef,
		SourceContent:        in.SourceContent,
		Status:               domain.WorkflowPlanning,
		MaxParallelTasks:     in.MaxParallelTasks,
		AutoCreateWorkspaces: in.AutoCreateWorkspaces,
		Config:               in.Config,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if w.Config == nil {
		w.Config = map[string]any{}
	}

	repoIDs := make([]string, 0, len(in.RepositoryPaths))
	for _, path := range in.RepositoryPaths {
		repo, repoErr := s.repos.GetOrCreateByPath(ctx, path, now)
		if repoErr != nil {
			return nil, fmt.Errorf("%w: %w", cawerr.ErrStorageError, repoErr)
		}
		repoIDs = append(repoIDs, repo.ID)
	}

	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		if createErr := s.workflows.Create(ctx, tx, w); createErr != nil {
			return createErr
		}
		for _, repoID := range repoIDs {
			if linkErr := s.workflows.AddRepository(ctx, tx, w.ID, repoID, now); linkErr != nil {
				return linkErr
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", cawerr.ErrStorageError, err)
	}

	log.Info(log.CatScheduler, "workflow created", "workflow_id", w.ID, "name", w.Name)
	return w, nil
}

// PlanTaskInput is one task in a setPlan call.
type PlanTaskInput struct {
	Name          string
	Description   string
	ParallelGroup string
	DependsOn     []string // names of sibling tasks within the same plan
}

// PlanInput is the argument to SetPlan.
type PlanInput struct {
	Summary string
	Tasks   []PlanTaskInput
}

// PlanResult reports what SetPlan admitted.
type PlanResult struct {
	TasksCreated         int
	DependenciesCreated int
}

// SetPlan atomically replaces workflowID's task graph (spec §4.3). The
// input is validated before any write: a cycle, unknown name, or duplicate
// name rejects the whole call and leaves the workflow untouched.
func (s *Service) SetPlan(ctx context.Context, workflowID string, in PlanInput) (*PlanResult, error) {
	w, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.Status != domain.WorkflowPlanning {
		return nil, fmt.Errorf("workflow %s is %s, not planning: %w", workflowID, w.Status, cawerr.ErrPreconditionFailed)
	}

	edges, err := validatePlan(in.Tasks)
	if err != nil {
		return nil, err
	}

	now := s.clock.NowMillis()
	result := &PlanResult{}

	err = s.db.Tx(ctx, func(tx *sql.Tx) error {
		if delErr := s.tasks.DeleteByWorkflow(ctx, tx, workflowID); delErr != nil {
			return delErr
		}

		nameToID := make(map[string]string, len(in.Tasks))
		for i, taskIn := range in.Tasks {
			task := &domain.Task{
				ID:            ids.New(ids.PrefixTask),
				WorkflowID:    workflowID,
				Name:          taskIn.Name,
				Description:   taskIn.Description,
				Status:        domain.TaskPending,
				Sequence:      i + 1,
				ParallelGroup: taskIn.ParallelGroup,
				Context:       map[string]any{},
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if createErr := s.tasks.Create(ctx, tx, task); createErr != nil {
				return createErr
			}
			nameToID[taskIn.Name] = task.ID
			result.TasksCreated++
		}

		for _, e := range edges {
			dep := domain.TaskDependency{
				TaskID:         nameToID[e.from],
				DependsOnID:    nameToID[e.to],
				DependencyType: domain.DependencyBlocks,
			}
			if createErr := s.deps.Create(ctx, tx, dep); createErr != nil {
				return createErr
			}
			result.DependenciesCreated++
		}

		w.PlanSummary = in.Summary
		w.UpdatedAt = now
		if len(in.Tasks) >= 1 {
			w.Status = domain.WorkflowReady
		}
		return s.workflows.Update(ctx, tx, w)
	})
	if err != nil {
		return nil, err
	}

	log.Info(log.CatScheduler, "plan admitted", "workflow_id", workflowID, "tasks", result.TasksCreated, "dependencies", result.DependenciesCreated)
	return result, nil
}

// planEdge is a "from depends on to" edge expressed by task name, as given
// in PlanTaskInput.DependsOn.
type planEdge struct{ from, to string }

// validatePlan checks for unknown names, duplicate names, and dependency
// cycles, returning the name-keyed edge list on success. Input is rejected
// before any write, satisfying the "commits fully or leaves the workflow
// unchanged" invariant (spec §8.6).
func validatePlan(tasks []PlanTaskInput) ([]planEdge, error) {
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if seen[t.Name] {
			return nil, fmt.Errorf("duplicate task name %q: %w", t.Name, cawerr.ErrInvalidPlan)
		}
		seen[t.Name] = true
	}

	var edges []planEdge
	adjacency := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return nil, fmt.Errorf("unknown dependency name %q: %w", dep, cawerr.ErrInvalidPlan)
			}
			edges = append(edges, planEdge{from: t.Name, to: dep})
			adjacency[t.Name] = append(adjacency[t.Name], dep)
		}
	}

	if cycleName, hasCycle := detectCycle(adjacency); hasCycle {
		return nil, fmt.Errorf("dependency cycle through %q: %w", cycleName, cawerr.ErrInvalidPlan)
	}
	return edges, nil
}

// detectCycle runs 3-color DFS over the name-keyed adjacency (spec §9's
// "cycles detected at plan admission (DFS colors)").
func detectCycle(adjacency map[string][]string) (string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)

	names := make([]string, 0, len(adjacency))
	for n := range adjacency {
		names = append(names, n)
	}
	sort.Strings(names)

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		for _, next := range adjacency[n] {
			switch color[next] {
			case gray:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}

	for _, n := range names {
		if color[n] == white {
			if visit(n) {
				return n, true
			}
		}
	}
	return "", false
}

// UpdateStatus validates the transition through C4 and writes it. Refuses
// planning->ready when the workflow has zero tasks.
func (s *Service) UpdateStatus(ctx context.Context, workflowID string, next domain.WorkflowStatus) error {
	w, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if !transition.IsValidWorkflowTransition(w.Status, next) {
		return fmt.Errorf("%s -> %s: %w", w.Status, next, cawerr.ErrInvalidTransition)
	}
	if w.Status == domain.WorkflowPlanning && next == domain.WorkflowReady {
		tasks, taskErr := s.tasks.ListByWorkflow(ctx, workflowID)
		if taskErr != nil {
			return taskErr
		}
		if len(tasks) == 0 {
			return fmt.Errorf("workflow %s has zero tasks: %w", workflowID, cawerr.ErrPreconditionFailed)
		}
	}

	w.Status = next
	w.UpdatedAt = s.clock.NowMillis()
	if err := s.workflows.Update(ctx, nil, w); err != nil {
		return err
	}
	log.Info(log.CatScheduler, "workflow transitioned", "workflow_id", workflowID, "status", next)
	return nil
}

// AddTask appends a task with sequence=max+1. Legal only while the
// workflow is planning, ready, or in_progress.
func (s *Service) AddTask(ctx context.Context, workflowID string, name string, dependsOnIDs []string, parallelGroup string) (*domain.Task, error) {
	w, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	switch w.Status {
	case domain.WorkflowPlanning, domain.WorkflowReady, domain.WorkflowInProgress:
	default:
		return nil, fmt.Errorf("workflow %s is %s: %w", workflowID, w.Status, cawerr.ErrPreconditionFailed)
	}

	now := s.clock.NowMillis()
	var task *domain.Task
	err = s.db.Tx(ctx, func(tx *sql.Tx) error {
		maxSeq, seqErr := s.tasks.MaxSequence(ctx, tx, workflowID)
		if seqErr != nil {
			return seqErr
		}
		task = &domain.Task{
			ID:            ids.New(ids.PrefixTask),
			WorkflowID:    workflowID,
			Name:          name,
			Status:        domain.TaskPending,
			Sequence:      maxSeq + 1,
			ParallelGroup: parallelGroup,
			Context:       map[string]any{},
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if createErr := s.tasks.Create(ctx, tx, task); createErr != nil {
			return createErr
		}
		for _, depID := range dependsOnIDs {
			dep := domain.TaskDependency{TaskID: task.ID, DependsOnID: depID, DependencyType: domain.DependencyBlocks}
			if depErr := s.deps.Create(ctx, tx, dep); depErr != nil {
				return depErr
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// RemoveTaskResult reports removeTask's effect.
type RemoveTaskResult struct {
	RemovedTaskID       string
	DependenciesRewired int
}

// RemoveTask removes taskID, legal only when it is pending or skipped.
// Dependencies are rewired transitively: for every x->taskId->y pair, x->y
// is ensured to exist before the incident edges and the task are deleted
// (spec §4.3), preserving the reachability invariant (spec §8's boundary
// behaviors).
func (s *Service) RemoveTask(ctx context.Context, workflowID, taskID string) (*RemoveTaskResult, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.WorkflowID != workflowID {
		return nil, fmt.Errorf("task %s does not belong to workflow %s: %w", taskID, workflowID, cawerr.ErrNotFound)
	}
	if task.Status != domain.TaskPending && task.Status != domain.TaskSkipped {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, task.Status, cawerr.ErrPreconditionFailed)
	}

	result := &RemoveTaskResult{RemovedTaskID: taskID}

	predecessors, err := s.deps.ListDependencies(ctx, taskID) // edges where task_id=taskID (taskID depends on y)
	if err != nil {
		return nil, err
	}
	dependents, err := s.deps.ListDependents(ctx, taskID) // edges where depends_on_id=taskID (i.e. x depends on taskID)
	if err != nil {
		return nil, err
	}

	err = s.db.Tx(ctx, func(tx *sql.Tx) error {
		// predecessors here are taskID's own dependencies (taskID -> y, y = predecessors[i].DependsOnID).
		// dependents are x -> taskID (x = dependents[i].TaskID).
		seen := make(map[string]struct{})
		for _, x := range dependents {
			for _, y := range predecessors {
				key := x.TaskID + ":" + y.DependsOnID
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				if createErr := s.deps.Create(ctx, tx, domain.TaskDependency{
					TaskID: x.TaskID, DependsOnID: y.DependsOnID, DependencyType: domain.DependencyBlocks,
				}); createErr != nil {
					return createErr
				}
				result.DependenciesRewired++
			}
		}

		if delErr := s.deps.DeleteIncidentTo(ctx, tx, taskID); delErr != nil {
			return delErr
		}
		return s.tasks.Delete(ctx, tx, taskID)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// SetParallelism writes max_parallel_tasks = n (n >= 1). A live runner pool,
// if any, is notified to resize by the pool package's own workflow watcher.
func (s *Service) SetParallelism(ctx context.Context, workflowID string, n int) error {
	if n < 1 {
		return fmt.Errorf("max_parallel_tasks must be >= 1: %w", cawerr.ErrPreconditionFailed)
	}
	w, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	w.MaxParallelTasks = n
	w.UpdatedAt = s.clock.NowMillis()
	return s.workflows.Update(ctx, nil, w)
}

// PatchConfig deep-merges partial into the workflow's config blob.
func (s *Service) PatchConfig(ctx context.Context, workflowID string, partial map[string]any) error {
	w, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	w.Config = jsonutil.DeepMerge(w.Config, partial)
	w.UpdatedAt = s.clock.NowMillis()
	return s.workflows.Update(ctx, nil, w)
}

// GetOptions controls Get's eager loading.
type GetOptions struct {
	IncludeTasks bool
}

// WorkflowWithTasks pairs a workflow with its optionally eager-loaded tasks.
type WorkflowWithTasks struct {
	*domain.Workflow
	Tasks []*domain.Task
}

// Get returns the workflow, optionally with its tasks ordered by sequence.
func (s *Service) Get(ctx context.Context, workflowID string, opts GetOptions) (*WorkflowWithTasks, error) {
	w, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	out := &WorkflowWithTasks{Workflow: w}
	if opts.IncludeTasks {
		tasks, taskErr := s.tasks.ListByWorkflow(ctx, workflowID)
		if taskErr != nil {
			return nil, taskErr
		}
		out.Tasks = tasks
	}
	return out, nil
}

// List returns workflow summaries ordered by updated_at desc.
func (s *Service) List(ctx context.Context, f repository.ListFilter) ([]*domain.Workflow, error) {
	return s.workflows.List(ctx, f)
}
