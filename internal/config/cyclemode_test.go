package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveCycleMode_CLITakesPrecedence(t *testing.T) {
	m := ResolveCycleMode("auto",
		map[string]any{"cycle": "hitl"},
		map[string]any{"cycle": "off"},
		Config{PR: PRConfig{Cycle: CycleOff}},
	)
	require.Equal(t, CycleAuto, m)
}

func TestResolveCycleMode_WorkspaceBeatsWorkflowAndFile(t *testing.T) {
	m := ResolveCycleMode("",
		map[string]any{"cycle": "hitl"},
		map[string]any{"cycle": "off"},
		Config{PR: PRConfig{Cycle: CycleOff}},
	)
	require.Equal(t, CycleHITL, m)
}

func TestResolveCycleMode_WorkflowBeatsFile(t *testing.T) {
	m := ResolveCycleMode("", nil,
		map[string]any{"pr": map[string]any{"cycle": "off"}},
		Config{PR: PRConfig{Cycle: CycleAuto}},
	)
	require.Equal(t, CycleOff, m)
}

func TestResolveCycleMode_FallsBackToFileThenDefault(t *testing.T) {
	require.Equal(t, CycleAuto, ResolveCycleMode("", nil, nil, Config{PR: PRConfig{Cycle: CycleAuto}}))
	require.Equal(t, CycleHITL, ResolveCycleMode("", nil, nil, Config{}))
}

func TestResolveCycleMode_InvalidValuesAreIgnored(t *testing.T) {
	m := ResolveCycleMode("bogus", map[string]any{"cycle": "also-bogus"}, nil, Config{PR: PRConfig{Cycle: CycleAuto}})
	require.Equal(t, CycleAuto, m)
}
