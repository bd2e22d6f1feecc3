package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cawhq/caw/internal/domain"
)

const agentColumns = `id, workflow_id, name, runtime, role, status, capabilities, current_task_id, workspace_path,
	last_heartbeat, metadata, created_at, updated_at`

// AgentRepo persists domain.Agent rows.
type AgentRepo struct {
	db *sql.DB
}

// NewAgentRepo constructs an AgentRepo.
func NewAgentRepo(db *sql.DB) *AgentRepo {
	return &AgentRepo{db: db}
}

func scanAgent(scanner interface{ Scan(...any) error }) (*domain.Agent, error) {
	var a domain.Agent
	var workflowID, currentTaskID, workspacePath sql.NullString
	var lastHeartbeat sql.NullInt64
	var capabilitiesRaw, metadataRaw string

	err := scanner.Scan(&a.ID, &workflowID, &a.Name, &a.Runtime, &a.Role, &a.Status, &capabilitiesRaw,
		&currentTaskID, &workspacePath, &lastHeartbeat, &metadataRaw, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.WorkflowID = workflowID.String
	a.CurrentTaskID = currentTaskID.String
	a.WorkspacePath = workspacePath.String
	a.LastHeartbeat = lastHeartbeat.Int64
	a.Capabilities = unmarshalJSONObject(capabilitiesRaw)
	a.Metadata = unmarshalJSONObject(metadataRaw)
	return &a, nil
}

// Create inserts a new agent row.
func (r *AgentRepo) Create(ctx context.Context, tx *sql.Tx, a *domain.Agent) error {
	exec := txOrDB(tx, r.db)
	_, err := exec.ExecContext(ctx,
		`INSERT INTO agents (id, workflow_id, name, runtime, role, status, capabilities, current_task_id,
			workspace_path, last_heartbeat, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, nullString(a.WorkflowID), a.Name, a.Runtime, a.Role, a.Status, marshalJSON(a.Capabilities, "{}"),
		nullString(a.CurrentTaskID), nullString(a.WorkspacePath), nullInt64(a.LastHeartbeat),
		marshalJSON(a.Metadata, "{}"), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// Get looks up an agent by id.
func (r *AgentRepo) Get(ctx context.Context, id string) (*domain.Agent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("agent", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// GetTx is Get run against an explicit transaction.
func (r *AgentRepo) GetTx(ctx context.Context, tx *sql.Tx, id string) (*domain.Agent, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("agent", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListByWorkflow returns every agent belonging to workflowID.
func (r *AgentRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]*domain.Agent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE workflow_id = ? ORDER BY created_at`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*domain.Agent
	for rows.Next() {
		a, scanErr := scanAgent(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan agent: %w", scanErr)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Update persists every mutable field of a.
func (r *AgentRepo) Update(ctx context.Context, tx *sql.Tx, a *domain.Agent) error {
	exec := txOrDB(tx, r.db)
	_, err := exec.ExecContext(ctx,
		`UPDATE agents SET status = ?, current_task_id = ?, workspace_path = ?, last_heartbeat = ?,
			metadata = ?, updated_at = ?
		WHERE id = ?`,
		a.Status, nullString(a.CurrentTaskID), nullString(a.WorkspacePath), nullInt64(a.LastHeartbeat),
		marshalJSON(a.Metadata, "{}"), a.UpdatedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return nil
}
