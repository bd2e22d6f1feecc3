// Package spawner implements the agent runner pool's AgentSpawner capability
// (spec §4.10 step 3, §6) by shelling out to an external agent command and
// reading its progress as newline-delimited JSON on stdout — the same
// exec.CommandContext + stdout-pipe + parser-goroutine shape as the
// teacher's orchestration/client.SpawnBuilder, simplified to one opaque
// wire protocol instead of one parser per provider.
package spawner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/cawhq/caw/internal/log"
	"github.com/cawhq/caw/internal/pool"
)

// frame is one line of the agent process's stdout protocol: either a
// progress report or (exactly once, as the last line) a terminal result.
type frame struct {
	Type            string         `json:"type"` // "progress" | "result"
	Turn            int            `json:"turn"`
	LastToolCall    string         `json:"last_tool_call"`
	FilesTouched    []string       `json:"files_touched"`
	TurnCountBucket int            `json:"turn_count_bucket"`
	Outcome         string         `json:"outcome"`
	Error           string         `json:"error"`
	Artifacts       map[string]any `json:"artifacts"`
}

// Exec spawns the configured agent command for every task, passing the
// assembled context on stdin as JSON.
type Exec struct {
	Command string
	Args    []string
}

// New constructs an Exec spawner invoking command with args, followed by
// task-specific flags, for every Spawn call.
func New(command string, args ...string) *Exec {
	return &Exec{Command: command, Args: args}
}

// Spawn implements pool.AgentSpawner.
func (e *Exec) Spawn(ctx context.Context, in pool.SpawnInput) (<-chan pool.ProgressEvent, <-chan pool.SpawnOutcome, error) {
	payload, err := json.Marshal(in.Context)
	if err != nil {
		return nil, nil, fmt.Errorf("spawner: marshal context: %w", err)
	}

	args := append(append([]string{}, e.Args...), "--task-id", in.TaskID, "--agent-id", in.AgentID)
	cmd := exec.CommandContext(ctx, e.Command, args...) //nolint:gosec // args are built from config, not user input
	cmd.Dir = in.WorkspacePath
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("spawner: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("spawner: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("spawner: start %s: %w", e.Command, err)
	}
	log.Info(log.CatPool, "spawned agent process", "task_id", in.TaskID, "agent_id", in.AgentID, "pid", cmd.Process.Pid)

	if _, err := stdin.Write(payload); err != nil {
		log.Warn(log.CatPool, "spawner: writing context failed", "task_id", in.TaskID, "err", err.Error())
	}
	_ = stdin.Close()

	progress := make(chan pool.ProgressEvent, 16)
	result := make(chan pool.SpawnOutcome, 1)

	go e.pump(cmd, stdout, in.TaskID, progress, result)

	return progress, result, nil
}

func (e *Exec) pump(cmd *exec.Cmd, stdout io.Reader, taskID string, progress chan<- pool.ProgressEvent, result chan<- pool.SpawnOutcome) {
	defer close(progress)
	defer close(result)

	var last frame
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var f frame
		if err := json.Unmarshal(sc.Bytes(), &f); err != nil {
			log.Warn(log.CatPool, "spawner: malformed frame", "task_id", taskID, "err", err.Error())
			continue
		}
		if f.Type == "result" {
			last = f
			continue
		}
		progress <- pool.ProgressEvent{
			Turn: f.Turn, LastToolCall: f.LastToolCall, FilesTouched: f.FilesTouched, TurnCountBucket: f.TurnCountBucket,
		}
	}

	waitErr := cmd.Wait()
	switch {
	case last.Error != "":
		result <- pool.SpawnOutcome{Error: last.Error, Artifacts: last.Artifacts}
	case waitErr != nil:
		result <- pool.SpawnOutcome{Error: waitErr.Error()}
	case last.Outcome != "":
		result <- pool.SpawnOutcome{Outcome: last.Outcome, Artifacts: last.Artifacts}
	default:
		result <- pool.SpawnOutcome{Error: "agent process exited without reporting an outcome"}
	}
}

// SpawnRebaseAgent implements cycle.RebaseSpawner: a blocking, short-lived
// invocation of the same agent command targeted at conflict resolution.
func (e *Exec) SpawnRebaseAgent(ctx context.Context, workspacePath, instructions string) error {
	args := append(append([]string{}, e.Args...), "--rebase", "--instructions", instructions)
	cmd := exec.CommandContext(ctx, e.Command, args...) //nolint:gosec // args are built from config, not user input
	cmd.Dir = workspacePath
	cmd.Env = os.Environ()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rebase agent: %w", err)
	}
	return nil
}
