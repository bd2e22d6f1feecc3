// Package lock implements the workflow lock coordinator (spec §4.7, C7): a
// non-blocking compare-and-swap over workflows.locked_by_session_id. Callers
// decide whether and how to retry; the coordinator never blocks.
package lock

import (
	"context"
	"database/sql"

	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/log"
	"github.com/cawhq/caw/internal/repository"
	"github.com/cawhq/caw/internal/store"
)

// Service implements spec §4.7's lock operations.
type Service struct {
	db        *store.DB
	workflows *repository.WorkflowRepo
	sessions  *repository.SessionRepo
	clock     *ids.Clock
}

// New constructs a lock Service.
func New(db *store.DB, workflows *repository.WorkflowRepo, sessions *repository.SessionRepo, clock *ids.Clock) *Service {
	return &Service{db: db, workflows: workflows, sessions: sessions, clock: clock}
}

// LockResult reports lock's outcome. A conflict is not an error: it is the
// normal control-flow result for a held lock (spec §7).
type LockResult struct {
	Success  bool
	LockedBy string
}

// Lock attempts to acquire workflowID for sessionID. The CAS is atomic: the
// lock succeeds when locked_by_session_id is null or already equals
// sessionID (idempotent re-lock), and fails otherwise.
func (s *Service) Lock(ctx context.Context, workflowID, sessionID string) (*LockResult, error) {
	if _, err := s.workflows.Get(ctx, workflowID); err != nil {
		return nil, err
	}
	result := &LockResult{}
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		var holder sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT locked_by_session_id FROM workflows WHERE id = ?`, workflowID).Scan(&holder); err != nil {
			return err
		}
		if holder.String != "" && holder.String != sessionID {
			result.Success = false
			result.LockedBy = holder.String
			return nil
		}

		now := s.clock.NowMillis()
		if _, err := tx.ExecContext(ctx, `UPDATE workflows SET locked_by_session_id = ?, locked_at = ?, updated_at = ? WHERE id = ?`,
			sessionID, now, now, workflowID); err != nil {
			return err
		}
		result.Success = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Success {
		log.Info(log.CatLock, "workflow locked", "workflow_id", workflowID, "session_id", sessionID)
	}
	return result, nil
}

// Unlock clears workflowID's lock iff it is currently held by sessionID.
func (s *Service) Unlock(ctx context.Context, workflowID, sessionID string) error {
	if _, err := s.workflows.Get(ctx, workflowID); err != nil {
		return err
	}
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE workflows SET locked_by_session_id = NULL, locked_at = NULL, updated_at = ? WHERE id = ? AND locked_by_session_id = ?`,
			s.clock.NowMillis(), workflowID, sessionID)
		return err
	})
}

// Info is getLockInfo's return shape.
type Info struct {
	Locked     bool
	SessionID  string
	LockedAt   int64
	SessionPID int
}

// GetLockInfo reports workflowID's current lock holder, joined with the
// holder session's pid when present.
func (s *Service) GetLockInfo(ctx context.Context, workflowID string) (*Info, error) {
	w, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.LockedBySessionID == "" {
		return &Info{Locked: false}, nil
	}

	info := &Info{Locked: true, SessionID: w.LockedBySessionID, LockedAt: w.LockedAt}
	if session, sessErr := s.sessions.Get(ctx, w.LockedBySessionID); sessErr == nil {
		info.SessionPID = session.PID
	}
	return info, nil
}
