// Package cawerr defines the error kinds the orchestrator core raises
// (spec §7). Conflict outcomes that are part of normal control flow (claim,
// lock) are never represented here — they are structured results returned
// by the owning service, matching the teacher's split between
// (*CommandResult, error) and plain struct returns in v2/handler.
package cawerr

import "errors"

// Sentinel errors for the five raised error kinds. Services wrap these with
// fmt.Errorf("...: %w", ...) to add context; callers compare with
// errors.Is.
var (
	// ErrNotFound indicates the entity id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates a transition forbidden by the C4
	// transition tables.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrPreconditionFailed indicates a required field was missing or the
	// entity was in the wrong status for the requested operation.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrInvalidPlan indicates a cycle, unknown name, or duplicate name in
	// setPlan.
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrStorageError indicates a store-level failure propagated to the
	// caller.
	ErrStorageError = errors.New("storage error")
)
