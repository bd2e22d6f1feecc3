// Package transition holds the two static transition tables (C4) that are
// the only place workflow/task status changes are decided (spec §4.2).
// Grounded on perles/internal/orchestration/v2/handler/state_transition.go's
// ValidTransitions map + IsValidTransition predicate, generalized from a
// single process phase machine to the two entity machines spec §3 defines.
package transition

import (
	"slices"

	"github.com/cawhq/caw/internal/domain"
)

// WorkflowTransitions maps each workflow status to the statuses it may
// legally move to (spec §3).
var WorkflowTransitions = map[domain.WorkflowStatus][]domain.WorkflowStatus{
	domain.WorkflowPlanning:      {domain.WorkflowReady, domain.WorkflowAbandoned},
	domain.WorkflowReady:         {domain.WorkflowInProgress, domain.WorkflowAbandoned},
	domain.WorkflowInProgress:    {domain.WorkflowPaused, domain.WorkflowCompleted, domain.WorkflowFailed, domain.WorkflowAwaitingMerge, domain.WorkflowAbandoned},
	domain.WorkflowPaused:        {domain.WorkflowInProgress, domain.WorkflowAbandoned},
	domain.WorkflowFailed:        {domain.WorkflowInProgress, domain.WorkflowAbandoned},
	domain.WorkflowAwaitingMerge: {domain.WorkflowInProgress, domain.WorkflowCompleted, domain.WorkflowFailed},
	// Completed and Abandoned are terminal: no entry, so IsValidWorkflowTransition
	// always reports false for them.
}

// TaskTransitions maps each task status to the statuses it may legally move
// to (spec §3). Precondition checks beyond "is this edge in the table" (e.g.
// dependency completeness, non-empty outcome) are the task service's job,
// not this table's.
var TaskTransitions = map[domain.TaskStatus][]domain.TaskStatus{
	domain.TaskPending:    {domain.TaskPlanning},
	domain.TaskPlanning:   {domain.TaskInProgress, domain.TaskCompleted, domain.TaskPending},
	domain.TaskInProgress: {domain.TaskPaused, domain.TaskCompleted, domain.TaskFailed, domain.TaskPending},
	domain.TaskPaused:     {domain.TaskInProgress, domain.TaskFailed},
	domain.TaskFailed:     {domain.TaskPending, domain.TaskSkipped},
	// Completed and Skipped are terminal.
}

// IsValidWorkflowTransition reports whether from->to is a legal workflow
// state transition per spec §3. It is the only place this decision is made.
func IsValidWorkflowTransition(from, to domain.WorkflowStatus) bool {
	tos, ok := WorkflowTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(tos, to)
}

// IsValidTaskTransition reports whether from->to is a legal task state
// transition per spec §3. It is the only place this decision is made.
func IsValidTaskTransition(from, to domain.TaskStatus) bool {
	tos, ok := TaskTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(tos, to)
}
