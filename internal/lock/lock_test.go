package lock_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/domain"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/lock"
	"github.com/cawhq/caw/internal/repository"
	"github.com/cawhq/caw/internal/store"
)

func newFixture(t *testing.T) (*lock.Service, *domain.Workflow) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	wfRepo := repository.NewWorkflowRepo(db.Connection())
	sessRepo := repository.NewSessionRepo(db.Connection())
	ctx := context.Background()

	wf := &domain.Workflow{
		ID: ids.New(ids.PrefixWorkflow), Name: "wf", SourceType: domain.SourcePrompt,
		Status: domain.WorkflowPlanning, MaxParallelTasks: 1, CreatedAt: 1, UpdatedAt: 1,
	}
	require.NoError(t, wfRepo.Create(ctx, nil, wf))

	return lock.New(db, wfRepo, sessRepo, ids.NewClock()), wf
}

func TestLock_AcquireAndConflict(t *testing.T) {
	svc, wf := newFixture(t)
	ctx := context.Background()

	result, err := svc.Lock(ctx, wf.ID, "session-a")
	require.NoError(t, err)
	require.True(t, result.Success)

	// Idempotent re-lock by the same session.
	result, err = svc.Lock(ctx, wf.ID, "session-a")
	require.NoError(t, err)
	require.True(t, result.Success)

	// A different session is refused.
	result, err = svc.Lock(ctx, wf.ID, "session-b")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "session-a", result.LockedBy)
}

func TestUnlock_ThenRelockByOther(t *testing.T) {
	svc, wf := newFixture(t)
	ctx := context.Background()

	_, err := svc.Lock(ctx, wf.ID, "session-a")
	require.NoError(t, err)

	// Unlock by the wrong session is a no-op.
	require.NoError(t, svc.Unlock(ctx, wf.ID, "session-b"))
	info, err := svc.GetLockInfo(ctx, wf.ID)
	require.NoError(t, err)
	require.True(t, info.Locked)

	require.NoError(t, svc.Unlock(ctx, wf.ID, "session-a"))
	info, err = svc.GetLockInfo(ctx, wf.ID)
	require.NoError(t, err)
	require.False(t, info.Locked)

	result, err := svc.Lock(ctx, wf.ID, "session-b")
	require.NoError(t, err)
	require.True(t, result.Success)
}
