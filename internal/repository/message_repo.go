package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cawhq/caw/internal/domain"
)

const messageColumns = `id, sender_id, recipient_id, message_type, subject, body, priority, status, workflow_id,
	task_id, reply_to_id, thread_id, created_at, read_at, expires_at`

// MessageRepo persists domain.Message rows (the message bus's durable
// store, C9).
type MessageRepo struct {
	db *sql.DB
}

// NewMessageRepo constructs a MessageRepo.
func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

func scanMessage(scanner interface{ Scan(...any) error }) (*domain.Message, error) {
	var m domain.Message
	var senderID, subject, workflowID, taskID, replyToID sql.NullString
	var readAt, expiresAt sql.NullInt64

	err := scanner.Scan(&m.ID, &senderID, &m.RecipientID, &m.MessageType, &subject, &m.Body, &m.Priority,
		&m.Status, &workflowID, &taskID, &replyToID, &m.ThreadID, &m.CreatedAt, &readAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	m.SenderID = senderID.String
	m.Subject = subject.String
	m.WorkflowID = workflowID.String
	m.TaskID = taskID.String
	m.ReplyToID = replyToID.String
	m.ReadAt = readAt.Int64
	m.ExpiresAt = expiresAt.Int64
	return &m, nil
}

// Create inserts a new message row.
func (r *MessageRepo) Create(ctx context.Context, m *domain.Message) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender_id, recipient_id, message_type, subject, body, priority, status,
			workflow_id, task_id, reply_to_id, thread_id, created_at, read_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, nullString(m.SenderID), m.RecipientID, m.MessageType, nullString(m.Subject), m.Body, m.Priority,
		m.Status, nullString(m.WorkflowID), nullString(m.TaskID), nullString(m.ReplyToID), m.ThreadID,
		m.CreatedAt, nullInt64(m.ReadAt), nullInt64(m.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Get looks up a message by id.
func (r *MessageRepo) Get(ctx context.Context, id string) (*domain.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("message", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListForRecipient returns messages addressed to recipientID, optionally
// filtered to unread-only, ordered newest first.
func (r *MessageRepo) ListForRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE recipient_id = ?`
	args := []any{recipientID}
	if unreadOnly {
		query += ` AND status = ?`
		args = append(args, domain.MessageUnread)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.query(ctx, query, args...)
}

// ListAll returns every message in the system, newest first — the backing
// query for a live listener (e.g. a future TUI/MCP layer) tailing the bus.
func (r *MessageRepo) ListAll(ctx context.Context, limit int) ([]*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.query(ctx, query, args...)
}

// ListThread returns every message sharing threadID, oldest first.
func (r *MessageRepo) ListThread(ctx context.Context, threadID string) ([]*domain.Message, error) {
	return r.query(ctx, `SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY created_at`, threadID)
}

// CountUnread returns the number of unread messages addressed to recipientID.
func (r *MessageRepo) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE recipient_id = ? AND status = ?`, recipientID, domain.MessageUnread,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread messages: %w", err)
	}
	return count, nil
}

func (r *MessageRepo) query(ctx context.Context, query string, args ...any) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		m, scanErr := scanMessage(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan message: %w", scanErr)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateStatus sets status (and read_at when transitioning to read).
func (r *MessageRepo) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus, readAt int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE messages SET status = ?, read_at = ? WHERE id = ?`,
		status, nullInt64(readAt), id)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return nil
}
