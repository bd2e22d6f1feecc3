package ctxassembler_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/ctxassembler"
	"github.com/cawhq/caw/internal/domain"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/repository"
	"github.com/cawhq/caw/internal/store"
)

type fixture struct {
	svc         *ctxassembler.Service
	tasks       *repository.TaskRepo
	checkpoints *repository.CheckpointRepo
	wf          *domain.Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	wfRepo := repository.NewWorkflowRepo(db.Connection())
	taskRepo := repository.NewTaskRepo(db.Connection())
	depRepo := repository.NewDependencyRepo(db.Connection())
	checkpointRepo := repository.NewCheckpointRepo(db.Connection())
	ctx := context.Background()

	wf := &domain.Workflow{
		ID: ids.New(ids.PrefixWorkflow), Name: "wf", SourceType: domain.SourcePrompt, SourceContent: "build the thing",
		Status: domain.WorkflowInProgress, MaxParallelTasks: 1, CreatedAt: 1, UpdatedAt: 1,
	}
	require.NoError(t, wfRepo.Create(ctx, nil, wf))

	return &fixture{
		svc:         ctxassembler.New(wfRepo, taskRepo, depRepo, checkpointRepo),
		tasks:       taskRepo, checkpoints: checkpointRepo, wf: wf,
	}
}

func (f *fixture) createTask(t *testing.T, ctx context.Context, name string, sequence int, parallelGroup string) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID: ids.New(ids.PrefixTask), WorkflowID: f.wf.ID, Name: name, Description: "do " + name,
		Status: domain.TaskPending, Sequence: sequence, ParallelGroup: parallelGroup, Context: map[string]any{},
		CreatedAt: 1, UpdatedAt: 1,
	}
	require.NoError(t, f.tasks.Create(ctx, nil, task))
	return task
}

func TestLoad_IncludesPriorAndSiblingTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.createTask(t, ctx, "a", 1, "")
	b := f.createTask(t, ctx, "b", 2, "grp")
	c := f.createTask(t, ctx, "c", 2, "grp")
	_ = a

	result, err := f.svc.Load(ctx, b.ID, ctxassembler.Options{})
	require.NoError(t, err)
	require.Equal(t, f.wf.Name, result.Workflow.Name)
	require.Equal(t, b.ID, result.CurrentTask.ID)
	require.Len(t, result.PriorTasks, 1)
	require.Equal(t, "a", result.PriorTasks[0].Name)
	require.Len(t, result.SiblingTasks, 1)
	require.Equal(t, "c", result.SiblingTasks[0].Name)
	require.Greater(t, result.TokenEstimate, 0)
}

func TestLoad_ContextFromRestrictsPriorTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.createTask(t, ctx, "a", 1, "")
	_ = f.createTask(t, ctx, "b", 2, "")
	current := f.createTask(t, ctx, "c", 3, "")
	current.ContextFrom = []string{a.ID}
	require.NoError(t, f.tasks.Update(ctx, nil, current))

	result, err := f.svc.Load(ctx, current.ID, ctxassembler.Options{})
	require.NoError(t, err)
	require.Len(t, result.PriorTasks, 1)
	require.Equal(t, "a", result.PriorTasks[0].Name)
}

func TestLoad_RebalancesWhenOverBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	current := f.createTask(t, ctx, "current", 1, "")
	current.Description = strings.Repeat("x", 4000)
	require.NoError(t, f.tasks.Update(ctx, nil, current))

	for i := 1; i <= 8; i++ {
		cp := &domain.Checkpoint{
			ID: ids.New(ids.PrefixCheckpoint), TaskID: current.ID, Sequence: i,
			CheckpointType: domain.CheckpointProgress, Summary: strings.Repeat("y", 200), CreatedAt: int64(i),
		}
		require.NoError(t, f.checkpoints.Create(ctx, nil, cp))
	}

	result, err := f.svc.Load(ctx, current.ID, ctxassembler.Options{MaxTokens: 500})
	require.NoError(t, err)
	require.LessOrEqual(t, result.TokenEstimate, 500+len(current.Description)/4+1)
	require.Empty(t, result.Workflow.SourceSummary)
	require.Less(t, len(result.CurrentTask.Checkpoints), 8)
}
