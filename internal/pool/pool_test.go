package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/ctxassembler"
	"github.com/cawhq/caw/internal/domain"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/repository"
	"github.com/cawhq/caw/internal/scheduler"
	"github.com/cawhq/caw/internal/store"
	"github.com/cawhq/caw/internal/task"
	"github.com/cawhq/caw/internal/workflow"
)

type fakeSpawner struct {
	outcome SpawnOutcome
}

func (f *fakeSpawner) Spawn(ctx context.Context, in SpawnInput) (<-chan ProgressEvent, <-chan SpawnOutcome, error) {
	progress := make(chan ProgressEvent)
	result := make(chan SpawnOutcome, 1)
	close(progress)
	result <- f.outcome
	close(result)
	return progress, result, nil
}

type fixture struct {
	deps Deps
	wf   *domain.Workflow
}

func newFixture(t *testing.T, outcome SpawnOutcome) *fixture {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	wfRepo := repository.NewWorkflowRepo(db.Connection())
	taskRepo := repository.NewTaskRepo(db.Connection())
	depRepo := repository.NewDependencyRepo(db.Connection())
	repoRepo := repository.NewRepositoryRepo(db.Connection())
	checkpointRepo := repository.NewCheckpointRepo(db.Connection())
	agentRepo := repository.NewAgentRepo(db.Connection())
	workspaceRepo := repository.NewWorkspaceRepo(db.Connection())
	clock := ids.NewClock()

	wfSvc := workflow.New(db, wfRepo, taskRepo, depRepo, repoRepo, clock)
	taskSvc := task.New(db, taskRepo, depRepo, checkpointRepo, agentRepo, clock)
	schedSvc := scheduler.New(wfRepo, taskRepo, depRepo)
	ctxSvc := ctxassembler.New(wfRepo, taskRepo, depRepo, checkpointRepo)

	ctx := context.Background()
	wf, err := wfSvc.Create(ctx, workflow.CreateInput{Name: "wf", SourceType: domain.SourcePrompt, MaxParallelTasks: 1})
	require.NoError(t, err)

	_, err = wfSvc.SetPlan(ctx, wf.ID, workflow.PlanInput{
		Tasks: []workflow.PlanTaskInput{{Name: "only"}},
	})
	require.NoError(t, err)

	return &fixture{
		wf: wf,
		deps: Deps{
			Workflows: wfSvc, Tasks: taskSvc, Scheduler: schedSvc, Context: ctxSvc,
			Workspaces: workspaceRepo, Repos: repoRepo, Checkpoints: checkpointRepo, Agents: agentRepo,
			Spawner: &fakeSpawner{outcome: outcome}, Clock: clock,
		},
	}
}

func TestRun_ClaimsSpawnsAndCompletesSingleTask(t *testing.T) {
	prevInterval := pollInterval
	pollInterval = 10 * time.Millisecond
	defer func() { pollInterval = prevInterval }()

	f := newFixture(t, SpawnOutcome{Outcome: "implemented the thing"})
	p := New(f.deps, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx, f.wf.ID, "agent"))

	wf, err := f.deps.Workflows.Get(ctx, f.wf.ID, workflow.GetOptions{IncludeTasks: true})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, wf.Status)
	require.Len(t, wf.Tasks, 1)
	require.Equal(t, domain.TaskCompleted, wf.Tasks[0].Status)
	require.Equal(t, "implemented the thing", wf.Tasks[0].Outcome)
}

func TestRun_FailedSpawnTransitionsTaskToFailed(t *testing.T) {
	prevInterval := pollInterval
	pollInterval = 10 * time.Millisecond
	defer func() { pollInterval = prevInterval }()

	f := newFixture(t, SpawnOutcome{Error: "agent crashed"})
	p := New(f.deps, 1)

	// A failed task never makes the scheduler report all_complete, so Run
	// keeps polling until its context expires.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.ErrorIs(t, p.Run(ctx, f.wf.ID, "agent"), context.DeadlineExceeded)

	wf, err := f.deps.Workflows.Get(context.Background(), f.wf.ID, workflow.GetOptions{IncludeTasks: true})
	require.NoError(t, err)
	require.Len(t, wf.Tasks, 1)
	require.Equal(t, domain.TaskFailed, wf.Tasks[0].Status)
	require.Equal(t, "agent crashed", wf.Tasks[0].OutcomeDetail)
}

func TestStagnationMonitor_EscalatesMonotonically(t *testing.T) {
	m := NewStagnationMonitor(MonitorParams{WarnTurns: 2, AbortTurns: 5, RepeatThreshold: 10, HistoryWindow: 10})
	require.Equal(t, LevelNone, m.Observe(ProgressEvent{Turn: 1}))
	require.Equal(t, LevelWarn, m.Observe(ProgressEvent{Turn: 2}))
	require.Equal(t, LevelAbort, m.Observe(ProgressEvent{Turn: 5}))
	// Never decreases even if a later turn looks fine.
	require.Equal(t, LevelAbort, m.Observe(ProgressEvent{Turn: 1}))
}

func TestStagnationMonitor_RepeatedFingerprintEscalatesToPause(t *testing.T) {
	m := NewStagnationMonitor(MonitorParams{WarnTurns: 1000, AbortTurns: 2000, RepeatThreshold: 3, HistoryWindow: 5})
	ev := ProgressEvent{Turn: 1, LastToolCall: "edit", FilesTouched: []string{"a.go"}, TurnCountBucket: 1}
	require.Equal(t, LevelNone, m.Observe(ev))
	require.Equal(t, LevelNone, m.Observe(ev))
	require.Equal(t, LevelPause, m.Observe(ev))
}
