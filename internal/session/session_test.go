package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/domain"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/repository"
	"github.com/cawhq/caw/internal/session"
	"github.com/cawhq/caw/internal/store"
)

type fixture struct {
	svc       *session.Service
	workflows *repository.WorkflowRepo
	tasks     *repository.TaskRepo
	agents    *repository.AgentRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sessRepo := repository.NewSessionRepo(db.Connection())
	wfRepo := repository.NewWorkflowRepo(db.Connection())
	taskRepo := repository.NewTaskRepo(db.Connection())
	agentRepo := repository.NewAgentRepo(db.Connection())

	return &fixture{
		svc:       session.New(db, sessRepo, wfRepo, taskRepo, agentRepo, ids.NewClock()),
		workflows: wfRepo,
		tasks:     taskRepo,
		agents:    agentRepo,
	}
}

func TestPromoteToDaemon_DemotesPrior(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Register(ctx, session.RegisterInput{PID: 1, IsDaemon: true})
	require.NoError(t, err)
	b, err := f.svc.Register(ctx, session.RegisterInput{PID: 2})
	require.NoError(t, err)

	require.NoError(t, f.svc.PromoteToDaemon(ctx, b.ID))

	gotA, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	require.False(t, gotA.IsDaemon)

	daemon, err := f.svc.GetDaemon(ctx)
	require.NoError(t, err)
	require.Equal(t, b.ID, daemon.ID)
}

func TestCleanupStale_ReleasesLocksAndClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.Register(ctx, session.RegisterInput{PID: 1})
	require.NoError(t, err)

	wf := &domain.Workflow{
		ID: ids.New(ids.PrefixWorkflow), Name: "wf", SourceType: domain.SourcePrompt,
		Status: domain.WorkflowInProgress, MaxParallelTasks: 1,
		LockedBySessionID: sess.ID, LockedAt: 1, CreatedAt: 1, UpdatedAt: 1,
	}
	require.NoError(t, f.workflows.Create(ctx, nil, wf))

	task := &domain.Task{
		ID: ids.New(ids.PrefixTask), WorkflowID: wf.ID, Name: "t", Status: domain.TaskInProgress,
		Sequence: 1, Context: map[string]any{}, AssignedAgentID: "", CreatedAt: 1, UpdatedAt: 1,
	}
	require.NoError(t, f.tasks.Create(ctx, nil, task))

	agent := &domain.Agent{
		ID: ids.New(ids.PrefixAgent), WorkflowID: wf.ID, Name: "a", Runtime: "claude",
		Role: domain.RoleWorker, Status: domain.AgentBusy, Capabilities: map[string]any{},
		CurrentTaskID: task.ID, Metadata: map[string]any{}, LastHeartbeat: 1, CreatedAt: 1, UpdatedAt: 1,
	}
	require.NoError(t, f.agents.Create(ctx, nil, agent))
	task.AssignedAgentID = agent.ID
	task.ClaimedAt = 1
	require.NoError(t, f.tasks.Update(ctx, nil, task))

	result, err := f.svc.CleanupStale(ctx, 0) // timeout 0: everything with heartbeat < now is stale
	require.NoError(t, err)
	require.Equal(t, 1, result.SessionsRemoved)
	require.Equal(t, 1, result.LocksReleased)
	require.Equal(t, 1, result.ClaimsReleased)

	gotTask, err := f.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Empty(t, gotTask.AssignedAgentID)
	require.Equal(t, domain.TaskPending, gotTask.Status)

	gotAgent, err := f.agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AgentOffline, gotAgent.Status)

	gotWorkflow, err := f.workflows.Get(ctx, wf.ID)
	require.NoError(t, err)
	require.Empty(t, gotWorkflow.LockedBySessionID)
}
