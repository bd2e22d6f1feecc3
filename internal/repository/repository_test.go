package repository_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/domain"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/repository"
	"github.com/cawhq/caw/internal/store"
)

func openTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWorkflowRepo_CreateGetList(t *testing.T) {
	db := openTestStore(t)
	repo := repository.NewWorkflowRepo(db.Connection())
	ctx := context.Background()

	w := &domain.Workflow{
		ID:               ids.New(ids.PrefixWorkflow),
		Name:             "add auth",
		SourceType:       domain.SourcePrompt,
		Status:           domain.WorkflowPlanning,
		MaxParallelTasks: 2,
		Config:           map[string]any{"pr": map[string]any{"cycle": "auto"}},
		CreatedAt:        1000,
		UpdatedAt:        1000,
	}
	require.NoError(t, repo.Create(ctx, nil, w))

	got, err := repo.Get(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, w.Name, got.Name)
	require.Equal(t, w.Status, got.Status)
	require.Equal(t, "auto", got.Config["pr"].(map[string]any)["cycle"])

	got.Status = domain.WorkflowReady
	got.UpdatedAt = 2000
	require.NoError(t, repo.Update(ctx, nil, got))

	list, err := repo.List(ctx, repository.ListFilter{Status: domain.WorkflowReady})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, w.ID, list[0].ID)
}

func TestWorkflowRepo_NotFound(t *testing.T) {
	db := openTestStore(t)
	repo := repository.NewWorkflowRepo(db.Connection())

	_, err := repo.Get(context.Background(), "wf_missing")
	require.Error(t, err)
}

func TestTaskRepo_CreateAndDependencies(t *testing.T) {
	db := openTestStore(t)
	wfRepo := repository.NewWorkflowRepo(db.Connection())
	taskRepo := repository.NewTaskRepo(db.Connection())
	depRepo := repository.NewDependencyRepo(db.Connection())
	ctx := context.Background()

	wf := &domain.Workflow{
		ID: ids.New(ids.PrefixWorkflow), Name: "wf", SourceType: domain.SourcePrompt,
		Status: domain.WorkflowPlanning, MaxParallelTasks: 1, CreatedAt: 1, UpdatedAt: 1,
	}
	require.NoError(t, wfRepo.Create(ctx, nil, wf))

	t1 := &domain.Task{ID: ids.New(ids.PrefixTask), WorkflowID: wf.ID, Name: "t1", Status: domain.TaskPending, Sequence: 1, CreatedAt: 1, UpdatedAt: 1}
	t2 := &domain.Task{ID: ids.New(ids.PrefixTask), WorkflowID: wf.ID, Name: "t2", Status: domain.TaskPending, Sequence: 2, CreatedAt: 1, UpdatedAt: 1}
	require.NoError(t, taskRepo.Create(ctx, nil, t1))
	require.NoError(t, taskRepo.Create(ctx, nil, t2))
	require.NoError(t, depRepo.Create(ctx, nil, domain.TaskDependency{TaskID: t2.ID, DependsOnID: t1.ID, DependencyType: domain.DependencyBlocks}))

	tasks, err := taskRepo.ListByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	deps, err := depRepo.ListDependencies(ctx, t2.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	require.Equal(t, t1.ID, deps[0].DependsOnID)

	max, err := taskRepo.MaxSequence(ctx, nil, wf.ID)
	require.NoError(t, err)
	require.Equal(t, 2, max)

	// Deleting the workflow cascades to tasks and their dependencies.
	_, execErr := db.Connection().ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, wf.ID)
	require.NoError(t, execErr)
	remaining, err := taskRepo.ListByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestCheckpointRepo_SequenceIsDense(t *testing.T) {
	db := openTestStore(t)
	wfRepo := repository.NewWorkflowRepo(db.Connection())
	taskRepo := repository.NewTaskRepo(db.Connection())
	cpRepo := repository.NewCheckpointRepo(db.Connection())
	ctx := context.Background()

	wf := &domain.Workflow{ID: ids.New(ids.PrefixWorkflow), Name: "wf", SourceType: domain.SourcePrompt, Status: domain.WorkflowPlanning, MaxParallelTasks: 1, CreatedAt: 1, UpdatedAt: 1}
	require.NoError(t, wfRepo.Create(ctx, nil, wf))
	task := &domain.Task{ID: ids.New(ids.PrefixTask), WorkflowID: wf.ID, Name: "t", Status: domain.TaskPending, Sequence: 1, CreatedAt: 1, UpdatedAt: 1}
	require.NoError(t, taskRepo.Create(ctx, nil, task))

	for i := 0; i < 3; i++ {
		seq, err := cpRepo.NextSequence(ctx, nil, task.ID)
		require.NoError(t, err)
		require.Equal(t, i+1, seq)
		require.NoError(t, cpRepo.Create(ctx, nil, &domain.Checkpoint{
			ID: ids.New(ids.PrefixCheckpoint), TaskID: task.ID, Sequence: seq,
			CheckpointType: domain.CheckpointProgress, Summary: "step", CreatedAt: int64(i),
		}))
	}

	cps, err := cpRepo.ListByTask(ctx, task.ID, 0)
	require.NoError(t, err)
	require.Len(t, cps, 3)
	for i, cp := range cps {
		require.Equal(t, i+1, cp.Sequence)
	}
}

func TestMessageRepo_UnreadCount(t *testing.T) {
	db := openTestStore(t)
	msgRepo := repository.NewMessageRepo(db.Connection())
	ctx := context.Background()

	m := &domain.Message{
		ID: ids.New(ids.PrefixMessage), RecipientID: "ag_1", MessageType: domain.MessageQuery,
		Body: "hi", Priority: domain.PriorityNormal, Status: domain.MessageUnread,
		ThreadID: ids.New(ids.PrefixThread), CreatedAt: 1,
	}
	require.NoError(t, msgRepo.Create(ctx, m))

	count, err := msgRepo.CountUnread(ctx, "ag_1")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.NoError(t, msgRepo.UpdateStatus(ctx, m.ID, domain.MessageRead, 2))
	count, err = msgRepo.CountUnread(ctx, "ag_1")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
