// Package pool implements the agent runner pool (spec §4.10, C10): one
// bounded-concurrency pool per workflow that claims returnable tasks,
// provisions worktrees, assembles context, spawns the external agent
// process through the AgentSpawner capability, and watches each run with a
// StagnationMonitor. Grounded on the teacher's
// internal/orchestration/pool.WorkerPool (mutex-guarded worker map, atomic
// counters, sync.WaitGroup shutdown, a pubsub.Broker fan-out of lifecycle
// events) generalized from a fixed 4-worker TUI backend to a
// per-workflow pool sized by max_parallel_tasks.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cawhq/caw/internal/ctxassembler"
	"github.com/cawhq/caw/internal/domain"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/log"
	"github.com/cawhq/caw/internal/pubsub"
	"github.com/cawhq/caw/internal/repository"
	"github.com/cawhq/caw/internal/scheduler"
	"github.com/cawhq/caw/internal/task"
	"github.com/cawhq/caw/internal/tracing"
	"github.com/cawhq/caw/internal/vcs"
	"github.com/cawhq/caw/internal/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpawnInput is the argument AgentSpawner.Spawn receives for a claimed task.
type SpawnInput struct {
	WorkflowID    string
	TaskID        string
	AgentID       string
	WorkspacePath string
	Context       *ctxassembler.Result
	SpawnerConfig map[string]any
}

// SpawnOutcome is a completed (or failed) agent run's terminal result.
type SpawnOutcome struct {
	Outcome   string
	Artifacts map[string]any
	Error     string
}

// AgentSpawner is the capability the pool depends on to run an external
// agent command and monitor it (spec §4.10 step 3); the spawn invocation
// and its process details are opaque to the core. Progress is delivered on
// the returned channel for the stagnation monitor to observe; the result
// channel receives exactly one value before closing.
type AgentSpawner interface {
	Spawn(ctx context.Context, in SpawnInput) (progress <-chan ProgressEvent, result <-chan SpawnOutcome, err error)
}

// PostCompletionHook is the cycle-mode hook (§4.11) invoked once a
// workflow's task set is fully complete and no slots remain running. It
// reports whether the workflow should move to awaiting_merge instead of
// completed.
type PostCompletionHook interface {
	OnTaskSetComplete(ctx context.Context, workflowID string) (awaitingMerge bool, err error)
}

// noopHook transitions straight to completed; used when no cycle-mode hook
// is wired.
type noopHook struct{}

func (noopHook) OnTaskSetComplete(context.Context, string) (bool, error) { return false, nil }

// Event reports a pool lifecycle change for a live listener (TUI, MCP, test).
type Event struct {
	WorkflowID string
	TaskID     string
	AgentID    string
	Type       string // "claimed" | "spawned" | "escalated" | "completed" | "failed"
	Detail     string
}

// Deps bundles pool's service-layer dependencies.
type Deps struct {
	Workflows   *workflow.Service
	Tasks       *task.Service
	Scheduler   *scheduler.Service
	Context     *ctxassembler.Service
	Workspaces  *repository.WorkspaceRepo
	Repos       *repository.RepositoryRepo
	Checkpoints *repository.CheckpointRepo
	Agents      *repository.AgentRepo
	VCS         vcs.VCS
	Spawner     AgentSpawner
	Hook        PostCompletionHook
	Clock       *ids.Clock
	Tracer      trace.Tracer
}

// Pool runs one workflow's agent slots to completion.
type Pool struct {
	deps Deps

	mu         sync.Mutex
	maxAgents  int
	running    map[string]context.CancelFunc // task id -> cancel
	broker     *pubsub.Broker[Event]
	wg         sync.WaitGroup
	stopped    atomic.Bool
	monitorFns MonitorParams
}

// New constructs a Pool for one workflow. maxAgents is the initial
// max_parallel_tasks; SetMaxAgents adjusts it live.
func New(deps Deps, maxAgents int) *Pool {
	if deps.Hook == nil {
		deps.Hook = noopHook{}
	}
	if deps.Tracer == nil {
		deps.Tracer = tracing.NoopTracer()
	}
	if maxAgents <= 0 {
		maxAgents = 1
	}
	return &Pool{
		deps: deps, maxAgents: maxAgents, running: make(map[string]context.CancelFunc),
		broker: pubsub.NewBroker[Event](), monitorFns: DefaultMonitorParams,
	}
}

// Broker returns the pool's lifecycle event feed.
func (p *Pool) Broker() *pubsub.Broker[Event] { return p.broker }

// SetMaxAgents adjusts the concurrency cap live.
func (p *Pool) SetMaxAgents(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.maxAgents = n
	p.mu.Unlock()
}

// Stop cancels every running slot and waits for them to exit.
func (p *Pool) Stop() {
	if p.stopped.Swap(true) {
		return
	}
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.running))
	for _, c := range p.running {
		cancels = append(cancels, c)
	}
	p.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	p.wg.Wait()
	p.broker.Close()
}

func (p *Pool) runningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

func (p *Pool) maxAgentsLocked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxAgents
}

// pollInterval is how long Run waits before re-polling the scheduler when
// no slot is free or nothing is currently returnable.
var pollInterval = 2 * time.Second

func pollDelay() <-chan time.Time {
	return time.After(pollInterval)
}

// Run drives workflowID's task graph to completion: on each tick it polls
// the scheduler, claims as many returnable tasks as free slots allow,
// spawns an agent for each, and blocks until every slot drains and the
// scheduler reports all_complete — at which point it transitions the
// workflow and returns. A workflow that is still ready is moved to
// in_progress before the first poll. Run owns the workflow's terminal
// transition; callers invoke it once per workflow lifetime (typically from a
// daemon loop).
func (p *Pool) Run(ctx context.Context, workflowID, agentIDPrefix string) error {
	wf, err := p.deps.Workflows.Get(ctx, workflowID, workflow.GetOptions{})
	if err != nil {
		return fmt.Errorf("pool run: %w", err)
	}
	if wf.Status == domain.WorkflowReady {
		if err := p.deps.Workflows.UpdateStatus(ctx, workflowID, domain.WorkflowInProgress); err != nil {
			return fmt.Errorf("pool run: %w", err)
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		next, err := p.deps.Scheduler.GetNextTasks(ctx, workflowID, false)
		if err != nil {
			return fmt.Errorf("pool run: %w", err)
		}

		free := p.maxAgentsLocked() - p.runningCount()
		for i := 0; i < len(next.Tasks) && free > 0; i++ {
			t := next.Tasks[i]
			claimed, agentID, err := p.claimForSlot(ctx, workflowID, t.ID, agentIDPrefix)
			if err != nil {
				return err
			}
			if !claimed {
				continue
			}
			free--
			p.spawnSlot(ctx, workflowID, t.ID, agentID)
		}

		if next.AllComplete && p.runningCount() == 0 {
			return p.finish(ctx, workflowID)
		}

		if free <= 0 || len(next.Tasks) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-pollDelay():
			}
		}
	}
}

// claimForSlot resolves (or creates) an agent identity and attempts to
// claim taskID for it; a conflict (already claimed elsewhere) is reported
// as claimed=false, not an error.
func (p *Pool) claimForSlot(ctx context.Context, workflowID, taskID, agentIDPrefix string) (claimed bool, agentID string, err error) {
	agent := &domain.Agent{
		ID: ids.New(ids.PrefixAgent), WorkflowID: workflowID, Name: fmt.Sprintf("%s-%d", agentIDPrefix, p.deps.Clock.NowMillis()),
		Runtime: "external", Role: domain.RoleWorker, Status: domain.AgentOnline,
		Capabilities: map[string]any{}, Metadata: map[string]any{},
		CreatedAt: p.deps.Clock.NowMillis(), UpdatedAt: p.deps.Clock.NowMillis(),
	}
	if err := p.deps.Agents.Create(ctx, nil, agent); err != nil {
		return false, "", fmt.Errorf("pool create agent: %w", err)
	}

	result, err := p.deps.Tasks.Claim(ctx, taskID, agent.ID)
	if err != nil {
		return false, "", fmt.Errorf("pool claim: %w", err)
	}
	if !result.Success {
		return false, "", nil
	}

	// A claim only assigns the agent; it never touches status (task.Claim
	// leaves it at whatever GetNextTasks returned it as, pending or failed).
	// Walk it through planning -> in_progress here so completeSlot's final
	// transition to completed/failed lands on a valid edge (spec §4.10 step 2,
	// scenario S1's planning -> in_progress -> completed). A retried task
	// starts at failed, which the transition table only lets back to pending
	// first (failed -> planning is not a legal edge).
	claimedTask, err := p.deps.Tasks.Get(ctx, taskID, task.GetOptions{})
	if err != nil {
		_ = p.deps.Tasks.Release(ctx, taskID, agent.ID)
		return false, "", fmt.Errorf("pool load claimed task: %w", err)
	}
	if claimedTask.Status == domain.TaskFailed {
		if err := p.deps.Tasks.UpdateStatus(ctx, taskID, domain.TaskPending, task.StatusUpdate{}); err != nil {
			_ = p.deps.Tasks.Release(ctx, taskID, agent.ID)
			return false, "", fmt.Errorf("pool transition to pending: %w", err)
		}
	}
	if err := p.deps.Tasks.UpdateStatus(ctx, taskID, domain.TaskPlanning, task.StatusUpdate{}); err != nil {
		_ = p.deps.Tasks.Release(ctx, taskID, agent.ID)
		return false, "", fmt.Errorf("pool transition to planning: %w", err)
	}
	if err := p.deps.Tasks.UpdateStatus(ctx, taskID, domain.TaskInProgress, task.StatusUpdate{}); err != nil {
		_ = p.deps.Tasks.Release(ctx, taskID, agent.ID)
		return false, "", fmt.Errorf("pool transition to in_progress: %w", err)
	}

	p.broker.Publish(pubsub.CreatedEvent, Event{WorkflowID: workflowID, TaskID: taskID, AgentID: agent.ID, Type: "claimed"})
	return true, agent.ID, nil
}

// spawnSlot provisions a worktree (if configured), assembles context, and
// runs the agent in its own goroutine slot, applying the stagnation
// monitor to its progress feed.
func (p *Pool) spawnSlot(ctx context.Context, workflowID, taskID, agentID string) {
	slotCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.running[taskID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.running, taskID)
			p.mu.Unlock()
			cancel()
		}()
		p.runSlot(slotCtx, cancel, workflowID, taskID, agentID)
	}()
}

func (p *Pool) runSlot(ctx context.Context, cancel context.CancelFunc, workflowID, taskID, agentID string) {
	ctx, span := p.deps.Tracer.Start(ctx, "pool.spawn", trace.WithAttributes(
		attribute.String(tracing.AttrWorkflowID, workflowID),
		attribute.String(tracing.AttrTaskID, taskID),
		attribute.String(tracing.AttrAgentID, agentID),
	))
	defer span.End()

	workspacePath, err := p.provisionWorkspace(ctx, workflowID, taskID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.failTask(ctx, taskID, agentID, err.Error())
		return
	}
	span.SetAttributes(attribute.String(tracing.AttrWorkspace, workspacePath))

	taskCtx, err := p.deps.Context.Load(ctx, taskID, ctxassembler.Options{})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.failTask(ctx, taskID, agentID, err.Error())
		return
	}

	progress, result, err := p.deps.Spawner.Spawn(ctx, SpawnInput{
		WorkflowID: workflowID, TaskID: taskID, AgentID: agentID, WorkspacePath: workspacePath, Context: taskCtx,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.failTask(ctx, taskID, agentID, err.Error())
		return
	}
	p.broker.Publish(pubsub.CreatedEvent, Event{WorkflowID: workflowID, TaskID: taskID, AgentID: agentID, Type: "spawned"})

	monitor := NewStagnationMonitor(p.monitorFns)
	for {
		select {
		case ev, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			level := monitor.Observe(ev)
			if level == LevelAbort {
				p.broker.Publish(pubsub.UpdatedEvent, Event{WorkflowID: workflowID, TaskID: taskID, AgentID: agentID, Type: "escalated", Detail: level.String()})
				cancel()
				p.failTask(ctx, taskID, agentID, "aborted: stagnation monitor escalated to abort")
				return
			}
			if level == LevelWarn || level == LevelPause {
				p.broker.Publish(pubsub.UpdatedEvent, Event{WorkflowID: workflowID, TaskID: taskID, AgentID: agentID, Type: "escalated", Detail: level.String()})
			}
		case out, ok := <-result:
			if !ok {
				return
			}
			if out.Error != "" {
				span.SetStatus(codes.Error, out.Error)
			}
			span.SetAttributes(attribute.String(tracing.AttrOutcome, out.Outcome))
			p.completeSlot(ctx, taskID, agentID, out)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) provisionWorkspace(ctx context.Context, workflowID, taskID string) (string, error) {
	t, err := p.deps.Tasks.Get(ctx, taskID, task.GetOptions{})
	if err != nil {
		return "", err
	}
	if t.RepositoryID == "" || p.deps.VCS == nil {
		return "", nil
	}

	repo, err := p.deps.Repos.Get(ctx, t.RepositoryID)
	if err != nil {
		return "", err
	}

	now := p.deps.Clock.NowMillis()
	ws := &domain.Workspace{
		ID: ids.New(ids.PrefixWorkspace), WorkflowID: workflowID, RepositoryID: repo.ID,
		Path: fmt.Sprintf("%s/.caw-workspaces/%s", repo.Path, taskID), Branch: fmt.Sprintf("caw/%s", taskID),
		Status: domain.WorkspaceActive, Config: map[string]any{}, CreatedAt: now, UpdatedAt: now,
	}
	if err := p.deps.VCS.CreateWorktree(ctx, repo.Path, ws.Path, ws.Branch, ws.BaseBranch); err != nil {
		return "", fmt.Errorf("provision workspace: %w", err)
	}
	if err := p.deps.Workspaces.Create(ctx, nil, ws); err != nil {
		return "", fmt.Errorf("record workspace: %w", err)
	}
	return ws.Path, nil
}

// completeSlot applies the terminal checkpoint, task transition, and claim
// release described by spec §4.10 step 5. It does not invoke the cycle hook;
// Run does that through finish once the whole task set is complete.
func (p *Pool) completeSlot(ctx context.Context, taskID, agentID string, out SpawnOutcome) {
	// Detached so a cancelled (e.g. aborted) slot can still durably record
	// its terminal checkpoint and release its claim.
	ctx = context.WithoutCancel(ctx)

	seq, err := p.deps.Checkpoints.NextSequence(ctx, nil, taskID)
	if err != nil {
		log.Error(log.CatPool, "next checkpoint sequence failed", "task_id", taskID, "err", err.Error())
		return
	}

	checkpointType := domain.CheckpointComplete
	status := domain.TaskCompleted
	summary := out.Outcome
	if out.Error != "" {
		checkpointType = domain.CheckpointError
		status = domain.TaskFailed
		summary = out.Error
	}

	cp := &domain.Checkpoint{
		ID: ids.New(ids.PrefixCheckpoint), TaskID: taskID, Sequence: seq, CheckpointType: checkpointType,
		Summary: summary, Detail: out.Artifacts, CreatedAt: p.deps.Clock.NowMillis(),
	}
	if err := p.deps.Checkpoints.Create(ctx, nil, cp); err != nil {
		log.Error(log.CatPool, "checkpoint create failed", "task_id", taskID, "err", err.Error())
	}

	if err := p.deps.Tasks.UpdateStatus(ctx, taskID, status, task.StatusUpdate{Outcome: out.Outcome, Error: out.Error}); err != nil {
		log.Error(log.CatPool, "task status update failed", "task_id", taskID, "err", err.Error())
	}
	if err := p.deps.Tasks.Release(ctx, taskID, agentID); err != nil {
		log.Error(log.CatPool, "task release failed", "task_id", taskID, "err", err.Error())
	}

	eventType := "completed"
	if out.Error != "" {
		eventType = "failed"
	}
	p.broker.Publish(pubsub.UpdatedEvent, Event{TaskID: taskID, AgentID: agentID, Type: eventType, Detail: summary})
}

func (p *Pool) failTask(ctx context.Context, taskID, agentID, reason string) {
	p.completeSlot(ctx, taskID, agentID, SpawnOutcome{Error: reason})
}

// finish is called once getNextTasks reports all_complete with no running
// slots; it transitions the workflow per step 6, deferring to the
// post-completion hook for the completed-vs-awaiting_merge choice.
func (p *Pool) finish(ctx context.Context, workflowID string) error {
	awaitingMerge, err := p.deps.Hook.OnTaskSetComplete(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("post-completion hook: %w", err)
	}
	status := domain.WorkflowCompleted
	if awaitingMerge {
		status = domain.WorkflowAwaitingMerge
	}
	if err := p.deps.Workflows.UpdateStatus(ctx, workflowID, status); err != nil {
		return fmt.Errorf("pool finish: %w", err)
	}
	log.Info(log.CatPool, "workflow task set complete", "workflow_id", workflowID, "status", status)
	return nil
}
