package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cawhq/caw/internal/cycle"
	"github.com/cawhq/caw/internal/log"
	"github.com/cawhq/caw/internal/pool"
	"github.com/cawhq/caw/internal/session"
	"github.com/cawhq/caw/internal/spawner"
	"github.com/cawhq/caw/internal/vcs"
	"github.com/cawhq/caw/internal/workflow"
)

// staleSessionTimeoutMillis bounds how long a session may go without a
// heartbeat before the reaper releases its claims and locks (spec §4.8).
const staleSessionTimeoutMillis = 2 * 60 * 1000

var (
	daemonWorkflowID string
	agentCommand     string
	agentArgs        []string
	heartbeatEvery   time.Duration
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the agent runner pool for one workflow until its task set completes",
	Long: `daemon registers a session, acquires the workflow's lock, sweeps stale
claims left by dead sessions, then claims and spawns agents for the
workflow's returnable tasks until every task reaches a terminal state. It
resolves the configured cycle mode (spec §4.11) before exiting. One daemon
process drives one workflow to completion; running several workflows
concurrently means running several daemon processes.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().StringVar(&daemonWorkflowID, "workflow", "", "workflow id to run (required)")
	daemonCmd.Flags().StringVar(&agentCommand, "agent-cmd", "", "external agent command to spawn (default: agent.runtime from config)")
	daemonCmd.Flags().StringSliceVar(&agentArgs, "agent-arg", nil, "extra argument passed to every agent invocation (repeatable)")
	daemonCmd.Flags().DurationVar(&heartbeatEvery, "heartbeat", 30*time.Second, "session heartbeat interval")
	_ = daemonCmd.MarkFlagRequired("workflow")
}

func runDaemon(_ *cobra.Command, _ []string) error {
	if debugFlag || os.Getenv("CAW_DEBUG") != "" {
		cleanup, err := log.Init(filepath.Join(os.TempDir(), "caw-debug.log"))
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer cleanup()
		log.Info(log.CatConfig, "caw daemon starting", "workflow_id", daemonWorkflowID)
	}

	dir := repoPath
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
	}

	c, err := buildContainer(fileConfig, dir)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := c.sessions.Register(ctx, session.RegisterInput{PID: os.Getpid(), IsDaemon: true})
	if err != nil {
		return fmt.Errorf("registering session: %w", err)
	}
	defer func() {
		if derr := c.sessions.Deregister(context.WithoutCancel(ctx), sess.ID); derr != nil {
			log.Warn(log.CatSession, "deregister failed", "session_id", sess.ID, "err", derr.Error())
		}
	}()

	if lr, err := c.locks.Lock(ctx, daemonWorkflowID, sess.ID); err != nil {
		return fmt.Errorf("locking workflow: %w", err)
	} else if !lr.Success {
		return fmt.Errorf("workflow %s is locked by session %s", daemonWorkflowID, lr.LockedBy)
	}
	defer func() {
		if uerr := c.locks.Unlock(context.WithoutCancel(ctx), daemonWorkflowID, sess.ID); uerr != nil {
			log.Warn(log.CatLock, "unlock failed", "workflow_id", daemonWorkflowID, "err", uerr.Error())
		}
	}()

	if res, err := c.sessions.CleanupStale(ctx, staleSessionTimeoutMillis); err != nil {
		log.Warn(log.CatSession, "stale cleanup failed", "err", err.Error())
	} else if res.SessionsRemoved > 0 {
		log.Info(log.CatSession, "reaped stale sessions", "count", res.SessionsRemoved)
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go runHeartbeat(heartbeatCtx, c, sess.ID)

	wf, err := c.workflows.Get(ctx, daemonWorkflowID, workflow.GetOptions{})
	if err != nil {
		return fmt.Errorf("loading workflow: %w", err)
	}

	command := agentCommand
	if command == "" {
		command = fileConfig.Agent.Runtime
	}
	if command == "" || command == "external" {
		return fmt.Errorf("no agent command configured: pass --agent-cmd or set agent.runtime in config")
	}
	spawn := spawner.New(command, agentArgs...)
	gitVCS := vcs.NewGitVCS()

	hook := cycle.New(cycle.Deps{
		Workflows: c.workflows, Workspaces: c.workspaces, Repos: c.repos,
		VCS: gitVCS, Rebase: spawn, FileConfig: c.fileConfig, Clock: c.clock,
		Tracer: c.tracer.Tracer(),
	})

	p := pool.New(pool.Deps{
		Workflows: c.workflows, Tasks: c.tasks, Scheduler: c.scheduler, Context: c.context,
		Workspaces: c.workspaces, Repos: c.repos, Checkpoints: c.checkpoints, Agents: c.agents,
		VCS: gitVCS, Spawner: spawn, Hook: hook, Clock: c.clock, Tracer: c.tracer.Tracer(),
	}, wf.MaxParallelTasks)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- p.Run(ctx, daemonWorkflowID, sess.ID) }()

	fmt.Printf("caw daemon running workflow %s (pid %d)\n", daemonWorkflowID, os.Getpid())

	select {
	case sig := <-sigCh:
		fmt.Printf("received %s, stopping pool and waiting for running agents...\n", sig)
		p.Stop()
		<-runErrCh
		return nil
	case err := <-runErrCh:
		if err != nil {
			return fmt.Errorf("pool run: %w", err)
		}
	}

	fmt.Println("workflow task set complete")
	return nil
}

func runHeartbeat(ctx context.Context, c *container, sessionID string) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sessions.Heartbeat(ctx, sessionID); err != nil {
				log.Warn(log.CatSession, "heartbeat failed", "session_id", sessionID, "err", err.Error())
			}
		}
	}
}
