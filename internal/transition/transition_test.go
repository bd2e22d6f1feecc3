package transition

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/domain"
)

func TestIsValidWorkflowTransition(t *testing.T) {
	require.True(t, IsValidWorkflowTransition(domain.WorkflowPlanning, domain.WorkflowReady))
	require.True(t, IsValidWorkflowTransition(domain.WorkflowInProgress, domain.WorkflowAwaitingMerge))
	require.False(t, IsValidWorkflowTransition(domain.WorkflowPlanning, domain.WorkflowInProgress))
	require.False(t, IsValidWorkflowTransition(domain.WorkflowCompleted, domain.WorkflowInProgress))
}

func TestIsValidTaskTransition(t *testing.T) {
	require.True(t, IsValidTaskTransition(domain.TaskPending, domain.TaskPlanning))
	require.True(t, IsValidTaskTransition(domain.TaskFailed, domain.TaskSkipped))
	require.False(t, IsValidTaskTransition(domain.TaskPending, domain.TaskInProgress))
	require.False(t, IsValidTaskTransition(domain.TaskCompleted, domain.TaskPending))
}
