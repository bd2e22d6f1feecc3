package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/domain"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/memory"
	"github.com/cawhq/caw/internal/repository"
	"github.com/cawhq/caw/internal/store"
)

func newFixture(t *testing.T) *memory.Service {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Connection().Exec(`INSERT INTO repositories (id, path, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		"rp_1", "/repo", 1, 1)
	require.NoError(t, err)

	return memory.New(repository.NewMemoryRepo(db.Connection()), ids.NewClock())
}

func TestCreate_DuplicateReinforcesInsteadOfDuplicating(t *testing.T) {
	svc := newFixture(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, memory.CreateInput{
		Topic: "migrations", Content: "always backfill before adding NOT NULL", RepositoryID: "rp_1", Confidence: 0.5,
	})
	require.NoError(t, err)
	require.Equal(t, 0, first.ReinforcementCount)

	second, err := svc.Create(ctx, memory.CreateInput{
		Topic: "migrations", Content: "always backfill before adding NOT NULL", RepositoryID: "rp_1",
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, second.ReinforcementCount)
	require.Greater(t, second.Confidence, first.Confidence)
}

func TestDecayedConfidence_ClampedToUnitRange(t *testing.T) {
	m := &domain.Memory{Confidence: 1.0, DecayRate: 0.5, LastReinforcedAt: 0}
	decayed := memory.DecayedConfidence(m, 1000*60*60*24*30) // 30 days later
	require.GreaterOrEqual(t, decayed, 0.0)
	require.LessOrEqual(t, decayed, 1.0)
	require.Less(t, decayed, 1.0)
}

func TestRecall_IncludesGlobalMemoriesForRepositoryFilter(t *testing.T) {
	svc := newFixture(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, memory.CreateInput{Topic: "style", Content: "prefer table-driven tests", RepositoryID: ""})
	require.NoError(t, err)
	_, err = svc.Create(ctx, memory.CreateInput{Topic: "style", Content: "this repo uses tabs", RepositoryID: "rp_1"})
	require.NoError(t, err)

	results, err := svc.Recall(ctx, memory.RecallInput{Topic: "style", RepositoryID: "rp_1"})
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestPrune_RemovesBelowThreshold(t *testing.T) {
	svc := newFixture(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, memory.CreateInput{
		Topic: "x", Content: "y", RepositoryID: "rp_1", Confidence: 0.05, DecayRate: 0,
	})
	require.NoError(t, err)
	_, err = svc.Create(ctx, memory.CreateInput{
		Topic: "a", Content: "b", RepositoryID: "rp_1", Confidence: 0.9, DecayRate: 0,
	})
	require.NoError(t, err)

	removed, err := svc.Prune(ctx, 0.1)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}
