package spawner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/ctxassembler"
	"github.com/cawhq/caw/internal/pool"
	"github.com/cawhq/caw/internal/spawner"
)

func TestSpawn_ReportsProgressThenResult(t *testing.T) {
	script := `cat >/dev/null
printf '{"type":"progress","turn":1,"last_tool_call":"edit"}\n'
printf '{"type":"result","outcome":"implemented the thing"}\n'
`
	s := spawner.New("/bin/sh", "-c", script, "sh")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	progress, result, err := s.Spawn(ctx, pool.SpawnInput{
		TaskID: "tsk_1", AgentID: "agt_1", WorkspacePath: t.TempDir(), Context: &ctxassembler.Result{},
	})
	require.NoError(t, err)

	var events []pool.ProgressEvent
	for ev := range progress {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	require.Equal(t, "edit", events[0].LastToolCall)

	out := <-result
	require.Equal(t, "implemented the thing", out.Outcome)
	require.Empty(t, out.Error)
}

func TestSpawn_NonZeroExitWithoutResultReportsError(t *testing.T) {
	script := `cat >/dev/null
exit 1
`
	s := spawner.New("/bin/sh", "-c", script, "sh")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, result, err := s.Spawn(ctx, pool.SpawnInput{
		TaskID: "tsk_1", AgentID: "agt_1", WorkspacePath: t.TempDir(), Context: &ctxassembler.Result{},
	})
	require.NoError(t, err)

	out := <-result
	require.NotEmpty(t, out.Error)
}
