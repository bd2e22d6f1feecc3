package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cawhq/caw/internal/domain"
)

// DependencyRepo persists domain.TaskDependency edges.
type DependencyRepo struct {
	db *sql.DB
}

// NewDependencyRepo constructs a DependencyRepo.
func NewDependencyRepo(db *sql.DB) *DependencyRepo {
	return &DependencyRepo{db: db}
}

// Create inserts a dependency edge.
func (r *DependencyRepo) Create(ctx context.Context, tx *sql.Tx, d domain.TaskDependency) error {
	exec := txOrDB(tx, r.db)
	_, err := exec.ExecContext(ctx,
		`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id, dependency_type) VALUES (?, ?, ?)`,
		d.TaskID, d.DependsOnID, d.DependencyType,
	)
	if err != nil {
		return fmt.Errorf("insert task dependency: %w", err)
	}
	return nil
}

// Delete removes a single dependency edge.
func (r *DependencyRepo) Delete(ctx context.Context, tx *sql.Tx, taskID, dependsOnID string) error {
	exec := txOrDB(tx, r.db)
	_, err := exec.ExecContext(ctx,
		`DELETE FROM task_dependencies WHERE task_id = ? AND depends_on_id = ?`, taskID, dependsOnID)
	if err != nil {
		return fmt.Errorf("delete task dependency: %w", err)
	}
	return nil
}

// DeleteIncidentTo removes every edge touching taskID, as either side.
func (r *DependencyRepo) DeleteIncidentTo(ctx context.Context, tx *sql.Tx, taskID string) error {
	exec := txOrDB(tx, r.db)
	_, err := exec.ExecContext(ctx,
		`DELETE FROM task_dependencies WHERE task_id = ? OR depends_on_id = ?`, taskID, taskID)
	if err != nil {
		return fmt.Errorf("delete incident task dependencies: %w", err)
	}
	return nil
}

// ListByWorkflow returns every dependency edge among tasks in workflowID.
func (r *DependencyRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]domain.TaskDependency, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT td.task_id, td.depends_on_id, td.dependency_type
		FROM task_dependencies td
		JOIN tasks t ON t.id = td.task_id
		WHERE t.workflow_id = ?`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list task dependencies: %w", err)
	}
	defer rows.Close()

	var out []domain.TaskDependency
	for rows.Next() {
		var d domain.TaskDependency
		if scanErr := rows.Scan(&d.TaskID, &d.DependsOnID, &d.DependencyType); scanErr != nil {
			return nil, fmt.Errorf("scan task dependency: %w", scanErr)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListDependents returns every edge where taskID is the dependency target
// (i.e. tasks that depend on taskID).
func (r *DependencyRepo) ListDependents(ctx context.Context, taskID string) ([]domain.TaskDependency, error) {
	return r.listByColumn(ctx, "depends_on_id", taskID)
}

// ListDependencies returns every edge where taskID is the dependent (i.e.
// the predecessors taskID depends on).
func (r *DependencyRepo) ListDependencies(ctx context.Context, taskID string) ([]domain.TaskDependency, error) {
	return r.listByColumn(ctx, "task_id", taskID)
}

func (r *DependencyRepo) listByColumn(ctx context.Context, column, id string) ([]domain.TaskDependency, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT task_id, depends_on_id, dependency_type FROM task_dependencies WHERE `+column+` = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("list task dependencies by %s: %w", column, err)
	}
	defer rows.Close()

	var out []domain.TaskDependency
	for rows.Next() {
		var d domain.TaskDependency
		if scanErr := rows.Scan(&d.TaskID, &d.DependsOnID, &d.DependencyType); scanErr != nil {
			return nil, fmt.Errorf("scan task dependency: %w", scanErr)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
