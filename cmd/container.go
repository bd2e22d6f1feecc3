package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cawhq/caw/internal/config"
	"github.com/cawhq/caw/internal/ctxassembler"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/lock"
	"github.com/cawhq/caw/internal/memory"
	"github.com/cawhq/caw/internal/message"
	"github.com/cawhq/caw/internal/paths"
	"github.com/cawhq/caw/internal/repository"
	"github.com/cawhq/caw/internal/scheduler"
	"github.com/cawhq/caw/internal/session"
	"github.com/cawhq/caw/internal/store"
	"github.com/cawhq/caw/internal/task"
	"github.com/cawhq/caw/internal/tracing"
	"github.com/cawhq/caw/internal/workflow"
)

// container bundles every service a subcommand dials into, built once per
// invocation the way perles's cmd/daemon.go assembles its control plane from
// repositories up through the supervisor.
type container struct {
	db    *store.DB
	clock *ids.Clock

	workflows *workflow.Service
	tasks     *task.Service
	scheduler *scheduler.Service
	locks     *lock.Service
	sessions  *session.Service
	messages  *message.Service
	memories  *memory.Service
	context   *ctxassembler.Service

	repos       *repository.RepositoryRepo
	workspaces  *repository.WorkspaceRepo
	checkpoints *repository.CheckpointRepo
	agents      *repository.AgentRepo

	tracer     *tracing.Provider
	fileConfig config.Config
	repoPath   string
}

func buildContainer(cfg config.Config, repoRoot string) (*container, error) {
	cawDir := paths.ResolveCAWDir(repoRoot)
	if err := os.MkdirAll(cawDir, 0700); err != nil {
		return nil, fmt.Errorf("create .caw directory: %w", err)
	}

	db, err := store.Open(filepath.Join(cawDir, "workflows.db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	clock := ids.NewClock()
	conn := db.Connection()
	workflowRepo := repository.NewWorkflowRepo(conn)
	taskRepo := repository.NewTaskRepo(conn)
	depRepo := repository.NewDependencyRepo(conn)
	repoRepo := repository.NewRepositoryRepo(conn)
	workspaceRepo := repository.NewWorkspaceRepo(conn)
	checkpointRepo := repository.NewCheckpointRepo(conn)
	agentRepo := repository.NewAgentRepo(conn)
	sessionRepo := repository.NewSessionRepo(conn)
	messageRepo := repository.NewMessageRepo(conn)
	memoryRepo := repository.NewMemoryRepo(conn)

	tracer, err := tracing.NewProvider(tracing.Config{Exporter: os.Getenv("CAW_TRACE_EXPORTER")})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	schedSvc := scheduler.New(workflowRepo, taskRepo, depRepo)
	schedSvc.SetTracer(tracer.Tracer())

	return &container{
		db:    db,
		clock: clock,

		workflows: workflow.New(db, workflowRepo, taskRepo, depRepo, repoRepo, clock),
		tasks:     task.New(db, taskRepo, depRepo, checkpointRepo, agentRepo, clock),
		scheduler: schedSvc,
		locks:     lock.New(db, workflowRepo, sessionRepo, clock),
		sessions:  session.New(db, sessionRepo, workflowRepo, taskRepo, agentRepo, clock),
		messages:  message.New(db, messageRepo, agentRepo, clock),
		memories:  memory.New(memoryRepo, clock),
		context:   ctxassembler.New(workflowRepo, taskRepo, depRepo, checkpointRepo),

		repos:       repoRepo,
		workspaces:  workspaceRepo,
		checkpoints: checkpointRepo,
		agents:      agentRepo,

		tracer:     tracer,
		fileConfig: cfg,
		repoPath:   repoRoot,
	}, nil
}

func (c *container) Close() error {
	_ = c.tracer.Shutdown(context.Background())
	return c.db.Close()
}
