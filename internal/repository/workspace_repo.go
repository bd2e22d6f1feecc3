package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cawhq/caw/internal/domain"
)

const workspaceColumns = `id, workflow_id, repository_id, path, branch, base_branch, status, merge_commit, pr_url,
	config, created_at, updated_at`

// WorkspaceRepo persists domain.Workspace rows.
type WorkspaceRepo struct {
	db *sql.DB
}

// NewWorkspaceRepo constructs a WorkspaceRepo.
func NewWorkspaceRepo(db *sql.DB) *WorkspaceRepo {
	return &WorkspaceRepo{db: db}
}

func scanWorkspace(scanner interface{ Scan(...any) error }) (*domain.Workspace, error) {
	var w domain.Workspace
	var repositoryID, baseBranch, mergeCommit, prURL sql.NullString
	var configRaw string
	err := scanner.Scan(&w.ID, &w.WorkflowID, &repositoryID, &w.Path, &w.Branch, &baseBranch, &w.Status,
		&mergeCommit, &prURL, &configRaw, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.RepositoryID = repositoryID.String
	w.BaseBranch = baseBranch.String
	w.MergeCommit = mergeCommit.String
	w.PRURL = prURL.String
	w.Config = unmarshalJSONObject(configRaw)
	return &w, nil
}

// Create inserts a new workspace row.
func (r *WorkspaceRepo) Create(ctx context.Context, tx *sql.Tx, w *domain.Workspace) error {
	exec := txOrDB(tx, r.db)
	_, err := exec.ExecContext(ctx,
		`INSERT INTO workspaces (id, workflow_id, repository_id, path, branch, base_branch, status, merge_commit,
			pr_url, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.WorkflowID, nullString(w.RepositoryID), w.Path, w.Branch, nullString(w.BaseBranch), w.Status,
		nullString(w.MergeCommit), nullString(w.PRURL), marshalJSON(w.Config, "{}"), w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

// Get looks up a workspace by id.
func (r *WorkspaceRepo) Get(ctx context.Context, id string) (*domain.Workspace, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`, id)
	w, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workspace", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return w, nil
}

// ListByWorkflow returns every workspace belonging to workflowID.
func (r *WorkspaceRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]*domain.Workspace, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE workflow_id = ? ORDER BY created_at`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*domain.Workspace
	for rows.Next() {
		w, scanErr := scanWorkspace(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan workspace: %w", scanErr)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Update persists every mutable field of w.
func (r *WorkspaceRepo) Update(ctx context.Context, tx *sql.Tx, w *domain.Workspace) error {
	exec := txOrDB(tx, r.db)
	_, err := exec.ExecContext(ctx,
		`UPDATE workspaces SET status = ?, merge_commit = ?, pr_url = ?, config = ?, updated_at = ? WHERE id = ?`,
		w.Status, nullString(w.MergeCommit), nullString(w.PRURL), marshalJSON(w.Config, "{}"), w.UpdatedAt, w.ID,
	)
	if err != nil {
		return fmt.Errorf("update workspace: %w", err)
	}
	return nil
}
