package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cawhq/caw/internal/domain"
)

const memoryColumns = `id, repository_id, topic, memory_type, content, confidence, reinforcement_count,
	last_reinforced_at, decay_rate, metadata, created_at, updated_at`

// MemoryRepo persists domain.Memory rows (C12).
type MemoryRepo struct {
	db *sql.DB
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo(db *sql.DB) *MemoryRepo {
	return &MemoryRepo{db: db}
}

func scanMemory(scanner interface{ Scan(...any) error }) (*domain.Memory, error) {
	var m domain.Memory
	var repositoryID sql.NullString
	var metadataRaw string
	err := scanner.Scan(&m.ID, &repositoryID, &m.Topic, &m.MemoryType, &m.Content, &m.Confidence,
		&m.ReinforcementCount, &m.LastReinforcedAt, &m.DecayRate, &metadataRaw, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.RepositoryID = repositoryID.String
	m.Metadata = unmarshalJSONObject(metadataRaw)
	return &m, nil
}

// Create inserts a new memory row.
func (r *MemoryRepo) Create(ctx context.Context, m *domain.Memory) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO memories (id, repository_id, topic, memory_type, content, confidence, reinforcement_count,
			last_reinforced_at, decay_rate, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, nullString(m.RepositoryID), m.Topic, m.MemoryType, m.Content, m.Confidence, m.ReinforcementCount,
		m.LastReinforcedAt, m.DecayRate, marshalJSON(m.Metadata, "{}"), m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// Get looks up a memory by id.
func (r *MemoryRepo) Get(ctx context.Context, id string) (*domain.Memory, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("memory", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return m, nil
}

// FindByTopic returns one memory matching (repositoryID, topic, memoryType).
// The combination is not unique; when several rows match, which one is
// returned is not defined.
func (r *MemoryRepo) FindByTopic(ctx context.Context, repositoryID, topic string, memoryType domain.MemoryType) (*domain.Memory, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE repository_id IS ? AND topic = ? AND memory_type = ?`,
		nullString(repositoryID), topic, memoryType)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("memory", topic)
	}
	if err != nil {
		return nil, fmt.Errorf("find memory by topic: %w", err)
	}
	return m, nil
}

// ListByRepository returns every memory whose repository_id equals
// repositoryID (NULL when repositoryID is empty), highest confidence first.
// It applies no topic filter.
func (r *MemoryRepo) ListByRepository(ctx context.Context, repositoryID string) ([]*domain.Memory, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE repository_id IS ? ORDER BY confidence DESC`,
		nullString(repositoryID))
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []*domain.Memory
	for rows.Next() {
		m, scanErr := scanMemory(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan memory: %w", scanErr)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListBatch returns up to limit memories with id > afterID, ordered by id,
// for Prune's keyset-paginated sweep.
func (r *MemoryRepo) ListBatch(ctx context.Context, limit int, afterID string) ([]*domain.Memory, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memory batch: %w", err)
	}
	defer rows.Close()

	var out []*domain.Memory
	for rows.Next() {
		m, scanErr := scanMemory(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan memory: %w", scanErr)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Update persists every mutable field of m.
func (r *MemoryRepo) Update(ctx context.Context, m *domain.Memory) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE memories SET content = ?, confidence = ?, reinforcement_count = ?, last_reinforced_at = ?,
			decay_rate = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		m.Content, m.Confidence, m.ReinforcementCount, m.LastReinforcedAt, m.DecayRate,
		marshalJSON(m.Metadata, "{}"), m.UpdatedAt, m.ID,
	)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	return nil
}

// Delete removes a memory row (used by prune).
func (r *MemoryRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}
