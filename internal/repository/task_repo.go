package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cawhq/caw/internal/domain"
)

const taskColumns = `id, workflow_id, name, description, status, sequence, parallel_group, plan, plan_summary,
	context, context_from, outcome, outcome_detail, workspace_id, repository_id, assigned_agent_id, claimed_at,
	created_at, updated_at`

// TaskRepo persists domain.Task rows.
type TaskRepo struct {
	db *sql.DB
}

// NewTaskRepo constructs a TaskRepo.
func NewTaskRepo(db *sql.DB) *TaskRepo {
	return &TaskRepo{db: db}
}

func scanTask(scanner interface{ Scan(...any) error }) (*domain.Task, error) {
	var t domain.Task
	var description, parallelGroup, plan, planSummary, outcome, outcomeDetail sql.NullString
	var workspaceID, repositoryID, assignedAgentID sql.NullString
	var claimedAt sql.NullInt64
	var contextRaw, contextFromRaw string

	err := scanner.Scan(
		&t.ID, &t.WorkflowID, &t.Name, &description, &t.Status, &t.Sequence, &parallelGroup,
		&plan, &planSummary, &contextRaw, &contextFromRaw, &outcome, &outcomeDetail,
		&workspaceID, &repositoryID, &assignedAgentID, &claimedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Description = description.String
	t.ParallelGroup = parallelGroup.String
	t.Plan = plan.String
	t.PlanSummary = planSummary.String
	t.Outcome = outcome.String
	t.OutcomeDetail = outcomeDetail.String
	t.WorkspaceID = workspaceID.String
	t.RepositoryID = repositoryID.String
	t.AssignedAgentID = assignedAgentID.String
	t.ClaimedAt = claimedAt.Int64
	t.Context = unmarshalJSONObject(contextRaw)
	t.ContextFrom = unmarshalJSONArray(contextFromRaw)
	return &t, nil
}

// Create inserts a new task row.
func (r *TaskRepo) Create(ctx context.Context, tx *sql.Tx, t *domain.Task) error {
	exec := txOrDB(tx, r.db)
	_, err := exec.ExecContext(ctx,
		`INSERT INTO tasks (id, workflow_id, name, description, status, sequence, parallel_group, plan,
			plan_summary, context, context_from, outcome, outcome_detail, workspace_id, repository_id,
			assigned_agent_id, claimed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowID, t.Name, nullString(t.Description), t.Status, t.Sequence, nullString(t.ParallelGroup),
		nullString(t.Plan), nullString(t.PlanSummary), marshalJSON(t.Context, "{}"), marshalJSON(t.ContextFrom, "[]"),
		nullString(t.Outcome), nullString(t.OutcomeDetail), nullString(t.WorkspaceID), nullString(t.RepositoryID),
		nullString(t.AssignedAgentID), nullInt64(t.ClaimedAt), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get looks up a task by id.
func (r *TaskRepo) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// GetTx is Get run against an explicit transaction, so services that must
// read-then-write the same row inside one tx avoid the gap between a plain
// read and the eventual write.
func (r *TaskRepo) GetTx(ctx context.Context, tx *sql.Tx, id string) (*domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListByWorkflow returns every task in workflowID ordered by sequence.
func (r *TaskRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]*domain.Task, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE workflow_id = ? ORDER BY sequence`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan task: %w", scanErr)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAll returns every task across every workflow, ordered by
// (workflow_id, sequence); used by task.Service.GetAvailable's all-workflows
// path when no workflow_id filter is given.
func (r *TaskRepo) ListAll(ctx context.Context) ([]*domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY workflow_id, sequence`)
	if err != nil {
		return nil, fmt.Errorf("list all tasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan task: %w", scanErr)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MaxSequence returns the highest sequence value used in workflowID, or 0 if
// the workflow has no tasks yet.
func (r *TaskRepo) MaxSequence(ctx context.Context, tx *sql.Tx, workflowID string) (int, error) {
	q := txOrQueryable(tx, r.db)
	var max sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT MAX(sequence) FROM tasks WHERE workflow_id = ?`, workflowID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max task sequence: %w", err)
	}
	return int(max.Int64), nil
}

// DeleteByWorkflow removes every task (and, via ON DELETE CASCADE, every
// task_dependency and checkpoint) belonging to workflowID. Used by setPlan
// to empty pre-existing tasks before re-inserting the new plan atomically.
func (r *TaskRepo) DeleteByWorkflow(ctx context.Context, tx *sql.Tx, workflowID string) error {
	exec := txOrDB(tx, r.db)
	_, err := exec.ExecContext(ctx, `DELETE FROM tasks WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	return nil
}

// Delete removes a single task by id.
func (r *TaskRepo) Delete(ctx context.Context, tx *sql.Tx, id string) error {
	exec := txOrDB(tx, r.db)
	_, err := exec.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// Update persists every mutable field of t.
func (r *TaskRepo) Update(ctx context.Context, tx *sql.Tx, t *domain.Task) error {
	exec := txOrDB(tx, r.db)
	_, err := exec.ExecContext(ctx,
		`UPDATE tasks SET name = ?, description = ?, status = ?, parallel_group = ?, plan = ?, plan_summary = ?,
			context = ?, context_from = ?, outcome = ?, outcome_detail = ?, workspace_id = ?, repository_id = ?,
			assigned_agent_id = ?, claimed_at = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, nullString(t.Description), t.Status, nullString(t.ParallelGroup), nullString(t.Plan),
		nullString(t.PlanSummary), marshalJSON(t.Context, "{}"), marshalJSON(t.ContextFrom, "[]"),
		nullString(t.Outcome), nullString(t.OutcomeDetail), nullString(t.WorkspaceID), nullString(t.RepositoryID),
		nullString(t.AssignedAgentID), nullInt64(t.ClaimedAt), t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// queryable is satisfied by both *sql.DB and *sql.Tx for read paths that may
// run inside an in-flight transaction (e.g. MaxSequence during setPlan).
type queryable interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func txOrQueryable(tx *sql.Tx, db *sql.DB) queryable {
	if tx != nil {
		return tx
	}
	return db
}
