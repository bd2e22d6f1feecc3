package workflow_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/cawerr"
	"github.com/cawhq/caw/internal/domain"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/repository"
	"github.com/cawhq/caw/internal/store"
	"github.com/cawhq/caw/internal/workflow"
)

func newTestService(t *testing.T) (*workflow.Service, *store.DB) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc := workflow.New(
		db,
		repository.NewWorkflowRepo(db.Connection()),
		repository.NewTaskRepo(db.Connection()),
		repository.NewDependencyRepo(db.Connection()),
		repository.NewRepositoryRepo(db.Connection()),
		ids.NewClock(),
	)
	return svc, db
}

func TestCreate_RegistersRepositoriesOnTheFly(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	w, err := svc.Create(ctx, workflow.CreateInput{
		Name:            "add auth",
		SourceType:      domain.SourcePrompt,
		RepositoryPaths: []string{"/repo/a", "/repo/b"},
	})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowPlanning, w.Status)
	require.Equal(t, 1, w.MaxParallelTasks)

	repos := repository.NewRepositoryRepo(db.Connection())
	list, err := repos.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestSetPlan_LinearPlanTransitionsToReady(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	w, err := svc.Create(ctx, workflow.CreateInput{Name: "wf", SourceType: domain.SourcePrompt})
	require.NoError(t, err)

	result, err := svc.SetPlan(ctx, w.ID, workflow.PlanInput{
		Summary: "three steps",
		Tasks: []workflow.PlanTaskInput{
			{Name: "design"},
			{Name: "implement", DependsOn: []string{"design"}},
			{Name: "test", DependsOn: []string{"implement"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 3, result.TasksCreated)
	require.Equal(t, 2, result.DependenciesCreated)

	got, err := svc.Get(ctx, w.ID, workflow.GetOptions{IncludeTasks: true})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowReady, got.Status)
	require.Len(t, got.Tasks, 3)
	require.Equal(t, "design", got.Tasks[0].Name)
}

func TestSetPlan_RejectsCycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	w, err := svc.Create(ctx, workflow.CreateInput{Name: "wf", SourceType: domain.SourcePrompt})
	require.NoError(t, err)

	_, err = svc.SetPlan(ctx, w.ID, workflow.PlanInput{
		Tasks: []workflow.PlanTaskInput{
			{Name: "a", DependsOn: []string{"b"}},
			{Name: "b", DependsOn: []string{"a"}},
		},
	})
	require.ErrorIs(t, err, cawerr.ErrInvalidPlan)

	// Workflow is untouched: still planning, with zero tasks.
	got, err := svc.Get(ctx, w.ID, workflow.GetOptions{IncludeTasks: true})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowPlanning, got.Status)
	require.Empty(t, got.Tasks)
}

func TestSetPlan_RejectsDuplicateAndUnknownNames(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	w, err := svc.Create(ctx, workflow.CreateInput{Name: "wf", SourceType: domain.SourcePrompt})
	require.NoError(t, err)

	_, err = svc.SetPlan(ctx, w.ID, workflow.PlanInput{
		Tasks: []workflow.PlanTaskInput{{Name: "dup"}, {Name: "dup"}},
	})
	require.ErrorIs(t, err, cawerr.ErrInvalidPlan)

	_, err = svc.SetPlan(ctx, w.ID, workflow.PlanInput{
		Tasks: []workflow.PlanTaskInput{{Name: "only", DependsOn: []string{"ghost"}}},
	})
	require.ErrorIs(t, err, cawerr.ErrInvalidPlan)
}

func TestSetPlan_ZeroTasksStaysPlanning(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	w, err := svc.Create(ctx, workflow.CreateInput{Name: "wf", SourceType: domain.SourcePrompt})
	require.NoError(t, err)

	result, err := svc.SetPlan(ctx, w.ID, workflow.PlanInput{Summary: "empty"})
	require.NoError(t, err)
	require.Equal(t, 0, result.TasksCreated)

	got, err := svc.Get(ctx, w.ID, workflow.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowPlanning, got.Status)
}

func TestUpdateStatus_RefusesReadyWithZeroTasks(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	w, err := svc.Create(ctx, workflow.CreateInput{Name: "wf", SourceType: domain.SourcePrompt})
	require.NoError(t, err)

	err = svc.UpdateStatus(ctx, w.ID, domain.WorkflowReady)
	require.ErrorIs(t, err, cawerr.ErrPreconditionFailed)
}

func TestUpdateStatus_RejectsInvalidTransition(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	w, err := svc.Create(ctx, workflow.CreateInput{Name: "wf", SourceType: domain.SourcePrompt})
	require.NoError(t, err)

	err = svc.UpdateStatus(ctx, w.ID, domain.WorkflowCompleted)
	require.ErrorIs(t, err, cawerr.ErrInvalidTransition)
}

func TestRemoveTask_RewiresDependenciesTransitively(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	w, err := svc.Create(ctx, workflow.CreateInput{Name: "wf", SourceType: domain.SourcePrompt})
	require.NoError(t, err)

	_, err = svc.SetPlan(ctx, w.ID, workflow.PlanInput{
		Tasks: []workflow.PlanTaskInput{
			{Name: "a"},
			{Name: "b", DependsOn: []string{"a"}},
			{Name: "c", DependsOn: []string{"b"}},
		},
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, w.ID, workflow.GetOptions{IncludeTasks: true})
	require.NoError(t, err)
	var aID, bID, cID string
	for _, task := range got.Tasks {
		switch task.Name {
		case "a":
			aID = task.ID
		case "b":
			bID = task.ID
		case "c":
			cID = task.ID
		}
	}

	result, err := svc.RemoveTask(ctx, w.ID, bID)
	require.NoError(t, err)
	require.Equal(t, bID, result.RemovedTaskID)
	require.Equal(t, 1, result.DependenciesRewired)

	deps := repository.NewDependencyRepo(db.Connection())
	cDeps, err := deps.ListDependencies(ctx, cID)
	require.NoError(t, err)
	require.Len(t, cDeps, 1)
	require.Equal(t, aID, cDeps[0].DependsOnID)
}
