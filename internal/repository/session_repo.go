package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cawhq/caw/internal/domain"
)

const sessionColumns = `id, pid, started_at, last_heartbeat, is_daemon, metadata`

// SessionRepo persists domain.Session rows.
type SessionRepo struct {
	db *sql.DB
}

// NewSessionRepo constructs a SessionRepo.
func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func scanSession(scanner interface{ Scan(...any) error }) (*domain.Session, error) {
	var s domain.Session
	var isDaemon int
	var metadataRaw string
	if err := scanner.Scan(&s.ID, &s.PID, &s.StartedAt, &s.LastHeartbeat, &isDaemon, &metadataRaw); err != nil {
		return nil, err
	}
	s.IsDaemon = isDaemon != 0
	s.Metadata = unmarshalJSONObject(metadataRaw)
	return &s, nil
}

// Create inserts a new session row.
func (r *SessionRepo) Create(ctx context.Context, s *domain.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, pid, started_at, last_heartbeat, is_daemon, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.PID, s.StartedAt, s.LastHeartbeat, boolToInt(s.IsDaemon), marshalJSON(s.Metadata, "{}"),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get looks up a session by id.
func (r *SessionRepo) Get(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// GetDaemon returns the single session with is_daemon=1, if any.
func (r *SessionRepo) GetDaemon(ctx context.Context) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE is_daemon = 1 LIMIT 1`)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("session", "daemon")
	}
	if err != nil {
		return nil, fmt.Errorf("get daemon session: %w", err)
	}
	return s, nil
}

// List returns every session.
func (r *SessionRepo) List(ctx context.Context) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		s, scanErr := scanSession(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan session: %w", scanErr)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListStale returns every session whose last_heartbeat is older than
// olderThan, for the reaper to sweep (spec §4.8).
func (r *SessionRepo) ListStale(ctx context.Context, olderThan int64) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE last_heartbeat < ?`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		s, scanErr := scanSession(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan session: %w", scanErr)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateHeartbeat bumps last_heartbeat for id.
func (r *SessionRepo) UpdateHeartbeat(ctx context.Context, id string, now int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET last_heartbeat = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("update session heartbeat: %w", err)
	}
	return nil
}

// SetDaemon flips is_daemon for id, within tx so the prior daemon's
// demotion and the new daemon's promotion are atomic (spec §3: "promoting a
// session demotes any prior daemon").
func (r *SessionRepo) SetDaemon(ctx context.Context, tx *sql.Tx, id string, isDaemon bool) error {
	exec := txOrDB(tx, r.db)
	_, err := exec.ExecContext(ctx, `UPDATE sessions SET is_daemon = ? WHERE id = ?`, boolToInt(isDaemon), id)
	if err != nil {
		return fmt.Errorf("set session daemon: %w", err)
	}
	return nil
}

// Delete removes a session row (used by deregister and the reaper).
func (r *SessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
