package transition_test

import (
	"slices"
	"testing"

	"pgregory.net/rapid"

	"github.com/cawhq/caw/internal/domain"
	"github.com/cawhq/caw/internal/transition"
)

var allTaskStatuses = []domain.TaskStatus{
	domain.TaskPending, domain.TaskPlanning, domain.TaskInProgress, domain.TaskPaused,
	domain.TaskCompleted, domain.TaskFailed, domain.TaskSkipped,
}

var allWorkflowStatuses = []domain.WorkflowStatus{
	domain.WorkflowPlanning, domain.WorkflowReady, domain.WorkflowInProgress, domain.WorkflowPaused,
	domain.WorkflowAwaitingMerge, domain.WorkflowCompleted, domain.WorkflowFailed, domain.WorkflowAbandoned,
}

func taskStatus(t *rapid.T, label string) domain.TaskStatus {
	return allTaskStatuses[rapid.IntRange(0, len(allTaskStatuses)-1).Draw(t, label)]
}

func workflowStatus(t *rapid.T, label string) domain.WorkflowStatus {
	return allWorkflowStatuses[rapid.IntRange(0, len(allWorkflowStatuses)-1).Draw(t, label)]
}

// TestIsValidTaskTransition_AgreesWithTable is a property-based test: for any
// pair of task statuses, IsValidTaskTransition must agree exactly with
// whether the pair appears in transition.TaskTransitions, and in particular
// a terminal status (absent as a key) is never a valid "from".
func TestIsValidTaskTransition_AgreesWithTable(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		from := taskStatus(rt, "from")
		to := taskStatus(rt, "to")

		want := slices.Contains(transition.TaskTransitions[from], to)
		if got := transition.IsValidTaskTransition(from, to); got != want {
			t.Fatalf("IsValidTaskTransition(%s, %s) = %v, want %v", from, to, got, want)
		}
	})
}

// TestIsValidWorkflowTransition_AgreesWithTable mirrors the task property
// for workflow statuses, and additionally checks that the two terminal
// statuses (completed, abandoned) accept no outgoing transition at all.
func TestIsValidWorkflowTransition_AgreesWithTable(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		from := workflowStatus(rt, "from")
		to := workflowStatus(rt, "to")

		want := slices.Contains(transition.WorkflowTransitions[from], to)
		if got := transition.IsValidWorkflowTransition(from, to); got != want {
			t.Fatalf("IsValidWorkflowTransition(%s, %s) = %v, want %v", from, to, got, want)
		}
	})

	for _, terminal := range []domain.WorkflowStatus{domain.WorkflowCompleted, domain.WorkflowAbandoned} {
		for _, to := range allWorkflowStatuses {
			if transition.IsValidWorkflowTransition(terminal, to) {
				t.Fatalf("terminal status %s should accept no transition, got one to %s", terminal, to)
			}
		}
	}
}
