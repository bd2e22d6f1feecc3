package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cawhq/caw/internal/domain"
)

const workflowColumns = `id, name, source_type, source_ref, source_content, status, initial_plan, plan_summary,
	max_parallel_tasks, auto_create_workspaces, config, locked_by_session_id, locked_at, created_at, updated_at`

// WorkflowRepo persists domain.Workflow rows and their workflow_repositories
// join rows.
type WorkflowRepo struct {
	db *sql.DB
}

// NewWorkflowRepo constructs a WorkflowRepo.
func NewWorkflowRepo(db *sql.DB) *WorkflowRepo {
	return &WorkflowRepo{db: db}
}

func scanWorkflow(scanner interface{ Scan(...any) error }) (*domain.Workflow, error) {
	var w domain.Workflow
	var sourceRef, sourceContent, initialPlan, planSummary, lockedBy sql.NullString
	var lockedAt sql.NullInt64
	var configRaw string
	var autoCreate int

	err := scanner.Scan(
		&w.ID, &w.Name, &w.SourceType, &sourceRef, &sourceContent, &w.Status,
		&initialPlan, &planSummary, &w.MaxParallelTasks, &autoCreate, &configRaw,
		&lockedBy, &lockedAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.SourceRef = sourceRef.String
	w.SourceContent = sourceContent.String
	w.InitialPlan = initialPlan.String
	w.PlanSummary = planSummary.String
	w.AutoCreateWorkspaces = autoCreate != 0
	w.Config = unmarshalJSONObject(configRaw)
	w.LockedBySessionID = lockedBy.String
	w.LockedAt = lockedAt.Int64
	return &w, nil
}

// Create inserts a new workflow row in status "planning".
func (r *WorkflowRepo) Create(ctx context.Context, tx *sql.Tx, w *domain.Workflow) error {
	exec := txOrDB(tx, r.db)
	_, err := exec.ExecContext(ctx,
		`INSERT INTO workflows (id, name, source_type, source_ref, source_content, status, initial_plan,
			plan_summary, max_parallel_tasks, auto_create_workspaces, config, locked_by_session_id, locked_at,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.SourceType, nullString(w.SourceRef), nullString(w.SourceContent), w.Status,
		nullString(w.InitialPlan), nullString(w.PlanSummary), w.MaxParallelTasks, boolToInt(w.AutoCreateWorkspaces),
		marshalJSON(w.Config, "{}"), nullString(w.LockedBySessionID), nullInt64(w.LockedAt),
		w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// AddRepository links repositoryID to workflowID via the join relation,
// tolerating a pre-existing link.
func (r *WorkflowRepo) AddRepository(ctx context.Context, tx *sql.Tx, workflowID, repositoryID string, now int64) error {
	exec := txOrDB(tx, r.db)
	_, err := exec.ExecContext(ctx,
		`INSERT OR IGNORE INTO workflow_repositories (workflow_id, repository_id, added_at) VALUES (?, ?, ?)`,
		workflowID, repositoryID, now,
	)
	if err != nil {
		return fmt.Errorf("link workflow repository: %w", err)
	}
	return nil
}

// Get looks up a workflow by id.
func (r *WorkflowRepo) Get(ctx context.Context, id string) (*domain.Workflow, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	w, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workflow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return w, nil
}

// ListFilter narrows List's results.
type ListFilter struct {
	Status       domain.WorkflowStatus
	RepositoryID string
	Limit        int
	Offset       int
}

// List returns workflow summaries ordered by updated_at desc (spec §4.3).
func (r *WorkflowRepo) List(ctx context.Context, f ListFilter) ([]*domain.Workflow, error) {
	query := `SELECT DISTINCT w.id, w.name, w.source_type, w.source_ref, w.source_content, w.status,
		w.initial_plan, w.plan_summary, w.max_parallel_tasks, w.auto_create_workspaces, w.config,
		w.locked_by_session_id, w.locked_at, w.created_at, w.updated_at
		FROM workflows w`
	var args []any
	var where []string

	if f.RepositoryID != "" {
		query += ` JOIN workflow_repositories wr ON wr.workflow_id = w.id`
		where = append(where, `wr.repository_id = ?`)
		args = append(args, f.RepositoryID)
	}
	if f.Status != "" {
		where = append(where, `w.status = ?`)
		args = append(args, f.Status)
	}
	if len(where) > 0 {
		query += ` WHERE `
		for i, cond := range where {
			if i > 0 {
				query += ` AND `
			}
			query += cond
		}
	}
	query += ` ORDER BY w.updated_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*domain.Workflow
	for rows.Next() {
		w, scanErr := scanWorkflow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan workflow: %w", scanErr)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Update persists every mutable field of w (full-row update, matching the
// teacher's Save-if-existing path).
func (r *WorkflowRepo) Update(ctx context.Context, tx *sql.Tx, w *domain.Workflow) error {
	exec := txOrDB(tx, r.db)
	_, err := exec.ExecContext(ctx,
		`UPDATE workflows SET name = ?, status = ?, initial_plan = ?, plan_summary = ?, max_parallel_tasks = ?,
			auto_create_workspaces = ?, config = ?, locked_by_session_id = ?, locked_at = ?, updated_at = ?
		WHERE id = ?`,
		w.Name, w.Status, nullString(w.InitialPlan), nullString(w.PlanSummary), w.MaxParallelTasks,
		boolToInt(w.AutoCreateWorkspaces), marshalJSON(w.Config, "{}"), nullString(w.LockedBySessionID),
		nullInt64(w.LockedAt), w.UpdatedAt, w.ID,
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	return nil
}

