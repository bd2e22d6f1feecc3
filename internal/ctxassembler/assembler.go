// Package ctxassembler packages workflow/task history into a bounded-token
// payload for a single agent invocation (spec §4.6, C6). It sits downstream
// of the repository layer: it reads, never writes, and is exercised by
// internal/pool immediately before spawning an agent process.
package ctxassembler

import (
	"context"
	"fmt"

	"github.com/cawhq/caw/internal/domain"
	"github.com/cawhq/caw/internal/repository"
)

const (
	defaultMaxTokens = 8000

	workflowFraction    = 0.15
	currentTaskFraction = 0.55
	priorTasksFraction  = 0.20
	siblingsFraction    = 0.10

	defaultCheckpointLimit = 5
	fileListLimit          = 10
)

// Service assembles task context from the repository layer.
type Service struct {
	workflows   *repository.WorkflowRepo
	tasks       *repository.TaskRepo
	deps        *repository.DependencyRepo
	checkpoints *repository.CheckpointRepo
}

// New constructs a context assembler Service.
func New(workflows *repository.WorkflowRepo, tasks *repository.TaskRepo, deps *repository.DependencyRepo, checkpoints *repository.CheckpointRepo) *Service {
	return &Service{workflows: workflows, tasks: tasks, deps: deps, checkpoints: checkpoints}
}

// Include toggles optional sections of the assembled context.
type Include struct {
	AllCheckpoints bool
}

// Options is the argument to Load.
type Options struct {
	Include   Include
	MaxTokens int
}

// WorkflowSummary is the workflow section of an assembled context.
type WorkflowSummary struct {
	ID            string
	Name          string
	Status        domain.WorkflowStatus
	SourceSummary string
}

// TaskSummary is a single task's section of an assembled context.
type TaskSummary struct {
	ID          string
	Name        string
	Description string
	Status      domain.TaskStatus
	PlanSummary string
	Outcome     string
	Checkpoints []*domain.Checkpoint
	FilesChanged []string
	FilesTruncated bool
}

// DependencyOutcome reports a prerequisite task's terminal result.
type DependencyOutcome struct {
	TaskID  string
	Name    string
	Status  domain.TaskStatus
	Outcome string
}

// Result is loadTaskContext's return value.
type Result struct {
	Workflow           *WorkflowSummary
	CurrentTask        *TaskSummary
	PriorTasks         []*TaskSummary
	SiblingTasks       []*TaskSummary
	DependencyOutcomes []DependencyOutcome
	TokenEstimate      int
}

// estimateTokens applies the char/4 rule (spec §8: do not substitute a
// tokenizer, tests assume this exact contract).
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// Load assembles taskID's bounded-token context. Budgets are fractions of
// opts.MaxTokens (workflow 15%, current_task 55%, prior_tasks 20%,
// siblings+deps 10%). If the assembled total exceeds budget, rebalance
// compresses every section in a fixed order, not only the largest one: the
// workflow section drops its source summary, the current-task section keeps
// only its newest half of checkpoints, and array sections drop from the tail
// one entry at a time until the total fits or they are empty.
func (s *Service) Load(ctx context.Context, taskID string, opts Options) (*Result, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	current, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task context: %w", err)
	}

	wf, err := s.workflows.Get(ctx, current.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load task context: %w", err)
	}

	siblings, err := s.tasks.ListByWorkflow(ctx, current.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load task context: %w", err)
	}

	checkpointLimit := 0
	if !opts.Include.AllCheckpoints {
		checkpointLimit = defaultCheckpointLimit
	}
	checkpoints, err := s.checkpoints.ListByTask(ctx, current.ID, checkpointLimit)
	if err != nil {
		return nil, fmt.Errorf("load task context: %w", err)
	}

	deps, err := s.deps.ListDependencies(ctx, current.ID)
	if err != nil {
		return nil, fmt.Errorf("load task context: %w", err)
	}

	result := &Result{
		Workflow:    summarizeWorkflow(wf),
		CurrentTask: summarizeTask(current, checkpoints),
	}

	result.PriorTasks = priorTasks(current, siblings)
	result.SiblingTasks = siblingTasks(current, siblings)

	depOutcomes, err := s.dependencyOutcomes(ctx, current, deps)
	if err != nil {
		return nil, err
	}
	result.DependencyOutcomes = depOutcomes

	result.TokenEstimate = estimateTotal(result)
	rebalance(result, maxTokens)
	result.TokenEstimate = estimateTotal(result)

	return result, nil
}

func summarizeWorkflow(wf *domain.Workflow) *WorkflowSummary {
	return &WorkflowSummary{ID: wf.ID, Name: wf.Name, Status: wf.Status, SourceSummary: wf.SourceContent}
}

func summarizeTask(t *domain.Task, checkpoints []*domain.Checkpoint) *TaskSummary {
	files := collectFiles(checkpoints)
	truncated := false
	if len(files) > fileListLimit {
		files = files[:fileListLimit]
		truncated = true
	}
	return &TaskSummary{
		ID: t.ID, Name: t.Name, Description: t.Description, Status: t.Status,
		PlanSummary: t.PlanSummary, Outcome: t.Outcome, Checkpoints: checkpoints,
		FilesChanged: files, FilesTruncated: truncated,
	}
}

func collectFiles(checkpoints []*domain.Checkpoint) []string {
	var out []string
	for _, c := range checkpoints {
		out = append(out, c.FilesChanged...)
	}
	return out
}

// priorTasks returns the tasks preceding current in the workflow,
// chronological by sequence. If current.ContextFrom is set, it restricts
// the result to exactly that explicit task-id list.
func priorTasks(current *domain.Task, siblings []*domain.Task) []*TaskSummary {
	byID := make(map[string]*domain.Task, len(siblings))
	for _, t := range siblings {
		byID[t.ID] = t
	}

	if len(current.ContextFrom) > 0 {
		var out []*TaskSummary
		for _, id := range current.ContextFrom {
			if t, ok := byID[id]; ok {
				out = append(out, summarizeTask(t, nil))
			}
		}
		return out
	}

	var out []*TaskSummary
	for _, t := range siblings {
		if t.Sequence < current.Sequence {
			out = append(out, summarizeTask(t, nil))
		}
	}
	return out
}

// siblingTasks returns tasks sharing current's parallel group, excluding
// current itself.
func siblingTasks(current *domain.Task, siblings []*domain.Task) []*TaskSummary {
	if current.ParallelGroup == "" {
		return nil
	}
	var out []*TaskSummary
	for _, t := range siblings {
		if t.ID == current.ID || t.ParallelGroup != current.ParallelGroup {
			continue
		}
		out = append(out, summarizeTask(t, nil))
	}
	return out
}

func (s *Service) dependencyOutcomes(ctx context.Context, current *domain.Task, deps []domain.TaskDependency) ([]DependencyOutcome, error) {
	var out []DependencyOutcome
	for _, d := range deps {
		t, err := s.tasks.Get(ctx, d.DependsOnID)
		if err != nil {
			return nil, fmt.Errorf("load dependency outcome: %w", err)
		}
		out = append(out, DependencyOutcome{TaskID: t.ID, Name: t.Name, Status: t.Status, Outcome: t.Outcome})
	}
	return out, nil
}

func estimateTotal(r *Result) int {
	total := estimateTokens(r.Workflow.Name) + estimateTokens(r.Workflow.SourceSummary)
	total += estimateTokens(r.CurrentTask.Description) + estimateTokens(r.CurrentTask.PlanSummary) + estimateTokens(r.CurrentTask.Outcome)
	for _, c := range r.CurrentTask.Checkpoints {
		total += estimateTokens(c.Summary)
	}
	for _, f := range r.CurrentTask.FilesChanged {
		total += estimateTokens(f)
	}
	for _, t := range r.PriorTasks {
		total += estimateTokens(t.Description) + estimateTokens(t.Outcome)
	}
	for _, t := range r.SiblingTasks {
		total += estimateTokens(t.Description)
	}
	for _, d := range r.DependencyOutcomes {
		total += estimateTokens(d.Name) + estimateTokens(d.Outcome)
	}
	return total
}

// rebalance compresses the assembled result when it exceeds maxTokens. It
// does not pick the largest section: it always clears the workflow source
// summary and halves the current task's checkpoints (keeping the newest),
// then, if still over budget, removes tail entries from prior tasks, then
// siblings, then dependency outcomes, one at a time until the total fits or
// all three are empty. The result can still exceed maxTokens.
func rebalance(r *Result, maxTokens int) {
	if estimateTotal(r) <= maxTokens {
		return
	}

	r.Workflow.SourceSummary = ""

	if len(r.CurrentTask.Checkpoints) > 1 {
		keep := len(r.CurrentTask.Checkpoints) / 2
		if keep < 1 {
			keep = 1
		}
		r.CurrentTask.Checkpoints = r.CurrentTask.Checkpoints[len(r.CurrentTask.Checkpoints)-keep:]
	}

	if estimateTotal(r) <= maxTokens {
		return
	}

	for estimateTotal(r) > maxTokens && (len(r.PriorTasks) > 0 || len(r.SiblingTasks) > 0 || len(r.DependencyOutcomes) > 0) {
		switch {
		case len(r.PriorTasks) > 0:
			r.PriorTasks = r.PriorTasks[:len(r.PriorTasks)-1]
		case len(r.SiblingTasks) > 0:
			r.SiblingTasks = r.SiblingTasks[:len(r.SiblingTasks)-1]
		default:
			r.DependencyOutcomes = r.DependencyOutcomes[:len(r.DependencyOutcomes)-1]
		}
	}
}
