package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cawhq/caw/internal/domain"
)

const checkpointColumns = `id, task_id, sequence, checkpoint_type, summary, detail, files_changed, created_at`

// CheckpointRepo persists domain.Checkpoint rows.
type CheckpointRepo struct {
	db *sql.DB
}

// NewCheckpointRepo constructs a CheckpointRepo.
func NewCheckpointRepo(db *sql.DB) *CheckpointRepo {
	return &CheckpointRepo{db: db}
}

func scanCheckpoint(scanner interface{ Scan(...any) error }) (*domain.Checkpoint, error) {
	var c domain.Checkpoint
	var detailRaw, filesRaw string
	if err := scanner.Scan(&c.ID, &c.TaskID, &c.Sequence, &c.CheckpointType, &c.Summary, &detailRaw, &filesRaw, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Detail = unmarshalJSONObject(detailRaw)
	c.FilesChanged = unmarshalJSONArray(filesRaw)
	return &c, nil
}

// NextSequence returns the next 1-based dense sequence number for taskID.
func (r *CheckpointRepo) NextSequence(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	q := txOrQueryable(tx, r.db)
	var max sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT MAX(sequence) FROM checkpoints WHERE task_id = ?`, taskID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max checkpoint sequence: %w", err)
	}
	return int(max.Int64) + 1, nil
}

// Create appends a checkpoint row.
func (r *CheckpointRepo) Create(ctx context.Context, tx *sql.Tx, c *domain.Checkpoint) error {
	exec := txOrDB(tx, r.db)
	_, err := exec.ExecContext(ctx,
		`INSERT INTO checkpoints (id, task_id, sequence, checkpoint_type, summary, detail, files_changed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TaskID, c.Sequence, c.CheckpointType, c.Summary, marshalJSON(c.Detail, "{}"),
		marshalJSON(c.FilesChanged, "[]"), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// ListByTask returns checkpoints for taskID in ascending sequence order;
// limit > 0 keeps only the last `limit` (most recent) entries.
func (r *CheckpointRepo) ListByTask(ctx context.Context, taskID string, limit int) ([]*domain.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE task_id = ? ORDER BY sequence DESC`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*domain.Checkpoint
	for rows.Next() {
		c, scanErr := scanCheckpoint(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", scanErr)
		}
		out = append(out, c)
	}
	// restore ascending sequence order for callers
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}
