// Package memory implements the repository-scoped memory store (spec
// §4.12, C12): durable, reinforceable facts an agent has learned about a
// repository, with exponential confidence decay on read. recall is
// read-through cached via cachemanager, grounded on the teacher's
// ReadThroughCache wrapper around a repeated lookup.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cawhq/caw/internal/cachemanager"
	"github.com/cawhq/caw/internal/domain"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/log"
	"github.com/cawhq/caw/internal/repository"
)

const (
	defaultConfidence = 1.0
	defaultDecayRate  = 0.05
	defaultRecallTTL  = 2 * time.Minute
	millisPerDay      = float64(24 * time.Hour / time.Millisecond)
)

// Service implements spec §4.12's memory operations.
type Service struct {
	memories *repository.MemoryRepo
	clock    *ids.Clock
	recall   *cachemanager.ReadThroughCache[string, []*domain.Memory, RecallInput]
}

// New constructs a memory Service, wiring recall through an in-memory
// read-through cache keyed by the serialized recall filter.
func New(memories *repository.MemoryRepo, clock *ids.Clock) *Service {
	s := &Service{memories: memories, clock: clock}
	cache := cachemanager.NewInMemoryCacheManager[string, []*domain.Memory]("memory-recall", defaultRecallTTL, defaultRecallTTL*3)
	s.recall = cachemanager.NewReadThroughCache[string, []*domain.Memory, RecallInput](cache, s.recallUncached, false)
	return s
}

// CreateInput is the argument to Create.
type CreateInput struct {
	Topic        string
	Content      string
	MemoryType   domain.MemoryType
	RepositoryID string
	Confidence   float64
	DecayRate    float64
	Metadata     map[string]any
}

// Create inserts a new memory, or reinforces an existing one with the same
// (topic, content, repository_id) instead of duplicating it.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Memory, error) {
	if in.MemoryType == "" {
		in.MemoryType = domain.MemoryLearning
	}
	if in.Confidence == 0 {
		in.Confidence = defaultConfidence
	}
	if in.DecayRate == 0 {
		in.DecayRate = defaultDecayRate
	}

	candidates, err := s.memories.ListByRepository(ctx, in.RepositoryID)
	if err != nil {
		return nil, err
	}
	for _, existing := range candidates {
		if existing.Topic == in.Topic && existing.Content == in.Content {
			return s.Reinforce(ctx, existing.ID)
		}
	}

	now := s.clock.NowMillis()
	m := &domain.Memory{
		ID: ids.New(ids.PrefixMemory), RepositoryID: in.RepositoryID, Topic: in.Topic, MemoryType: in.MemoryType,
		Content: in.Content, Confidence: in.Confidence, DecayRate: in.DecayRate, LastReinforcedAt: now,
		Metadata: in.Metadata, CreatedAt: now, UpdatedAt: now,
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	if err := s.memories.Create(ctx, m); err != nil {
		return nil, err
	}
	log.Info(log.CatMemory, "memory created", "memory_id", m.ID, "topic", m.Topic)
	return m, nil
}

// Reinforce bumps confidence toward 1.0 (confidence += (1-confidence)*0.5),
// increments reinforcement_count, and resets last_reinforced_at to now.
func (s *Service) Reinforce(ctx context.Context, id string) (*domain.Memory, error) {
	m, err := s.memories.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.NowMillis()
	m.Confidence = m.Confidence + (1-m.Confidence)*0.5
	m.ReinforcementCount++
	m.LastReinforcedAt = now
	m.UpdatedAt = now
	if err := s.memories.Update(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// RecallInput is the argument to Recall.
type RecallInput struct {
	Topic         string
	MemoryType    domain.MemoryType
	RepositoryID  string
	MinConfidence float64
	Limit         int
}

// cacheKey derives a stable string key for the read-through cache.
func (in RecallInput) cacheKey() string {
	return fmt.Sprintf("%s|%s|%s|%.4f|%d", in.RepositoryID, in.Topic, in.MemoryType, in.MinConfidence, in.Limit)
}

// Recall returns memories matching the filter, ranked by decayed confidence
// descending. A repository filter returns both repository-specific and
// repository-agnostic (null repository_id) memories.
func (s *Service) Recall(ctx context.Context, in RecallInput) ([]*domain.Memory, error) {
	return s.recall.Get(ctx, in.cacheKey(), in, defaultRecallTTL)
}

// recallUncached is the backing lookup the read-through cache wraps.
func (s *Service) recallUncached(ctx context.Context, in RecallInput) ([]*domain.Memory, error) {
	limit := in.Limit
	if limit == 0 {
		limit = 50
	}

	candidates, err := s.memories.ListByRepository(ctx, in.RepositoryID)
	if err != nil {
		return nil, err
	}
	if in.RepositoryID != "" {
		global, err := s.memories.ListByRepository(ctx, "")
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, global...)
	}

	now := s.clock.NowMillis()
	type scored struct {
		m         *domain.Memory
		effective float64
	}
	var matched []scored
	for _, m := range candidates {
		if in.Topic != "" && m.Topic != in.Topic {
			continue
		}
		if in.MemoryType != "" && m.MemoryType != in.MemoryType {
			continue
		}
		effective := DecayedConfidence(m, now)
		if effective < in.MinConfidence {
			continue
		}
		matched = append(matched, scored{m: m, effective: effective})
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].effective > matched[j].effective })
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*domain.Memory, len(matched))
	for i, sc := range matched {
		out[i] = sc.m
	}
	return out, nil
}

// DecayedConfidence applies exponential decay to m's stored confidence
// based on elapsed time since it was last reinforced, clamped to [0, 1]
// (spec §8's invariant 7).
func DecayedConfidence(m *domain.Memory, now int64) float64 {
	daysSince := float64(now-m.LastReinforcedAt) / millisPerDay
	if daysSince < 0 {
		daysSince = 0
	}
	effective := m.Confidence * math.Exp(-m.DecayRate*daysSince)
	if effective < 0 {
		return 0
	}
	if effective > 1 {
		return 1
	}
	return effective
}

// Prune deletes every memory whose decayed confidence falls below
// threshold, returning the count removed. It walks the table in batches
// keyed by id (keyset pagination) so deletions never shift the cursor.
func (s *Service) Prune(ctx context.Context, threshold float64) (int, error) {
	now := s.clock.NowMillis()
	removed := 0
	afterID := ""

	for {
		batch, err := s.memories.ListBatch(ctx, pruneBatchSize, afterID)
		if err != nil {
			return removed, err
		}
		if len(batch) == 0 {
			break
		}
		afterID = batch[len(batch)-1].ID

		for _, m := range batch {
			if DecayedConfidence(m, now) < threshold {
				if err := s.memories.Delete(ctx, m.ID); err != nil {
					return removed, err
				}
				removed++
			}
		}
		if len(batch) < pruneBatchSize {
			break
		}
	}

	if removed > 0 {
		log.Info(log.CatMemory, "pruned stale memories", "removed", removed, "threshold", threshold)
	}
	return removed, nil
}

const pruneBatchSize = 200
