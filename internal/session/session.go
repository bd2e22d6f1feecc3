// Package session implements the session registry and stale-actor reaper
// (spec §4.8, C8). A session models one running caw process; at most one
// may hold is_daemon at a time. cleanupStale releases workflow locks and
// task claims left behind by sessions that stopped heartbeating without a
// clean deregister.
package session

import (
	"context"
	"database/sql"
	"errors"

	"github.com/cawhq/caw/internal/cawerr"
	"github.com/cawhq/caw/internal/domain"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/log"
	"github.com/cawhq/caw/internal/repository"
	"github.com/cawhq/caw/internal/store"
)

// Service implements spec §4.8's session registry and reaper.
type Service struct {
	db        *store.DB
	sessions  *repository.SessionRepo
	workflows *repository.WorkflowRepo
	tasks     *repository.TaskRepo
	agents    *repository.AgentRepo
	clock     *ids.Clock
}

// New constructs a session Service.
func New(db *store.DB, sessions *repository.SessionRepo, workflows *repository.WorkflowRepo, tasks *repository.TaskRepo, agents *repository.AgentRepo, clock *ids.Clock) *Service {
	return &Service{db: db, sessions: sessions, workflows: workflows, tasks: tasks, agents: agents, clock: clock}
}

// RegisterInput is the argument to Register.
type RegisterInput struct {
	PID      int
	IsDaemon bool
	Metadata map[string]any
}

// Register creates a new session row. Promoting to daemon goes through
// PromoteToDaemon so the demotion of any prior daemon stays atomic.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*domain.Session, error) {
	now := s.clock.NowMillis()
	sess := &domain.Session{
		ID:            ids.New(ids.PrefixSession),
		PID:           in.PID,
		StartedAt:     now,
		LastHeartbeat: now,
		Metadata:      in.Metadata,
	}
	if sess.Metadata == nil {
		sess.Metadata = map[string]any{}
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	if in.IsDaemon {
		if err := s.PromoteToDaemon(ctx, sess.ID); err != nil {
			return nil, err
		}
		sess.IsDaemon = true
	}
	log.Info(log.CatSession, "session registered", "session_id", sess.ID, "pid", sess.PID, "is_daemon", sess.IsDaemon)
	return sess, nil
}

// Heartbeat bumps id's last_heartbeat.
func (s *Service) Heartbeat(ctx context.Context, id string) error {
	return s.sessions.UpdateHeartbeat(ctx, id, s.clock.NowMillis())
}

// Deregister removes the session row for a clean shutdown. An unclean
// shutdown (no deregister call) is instead caught by CleanupStale on the
// reaper's next tick.
func (s *Service) Deregister(ctx context.Context, id string) error {
	if err := s.sessions.Delete(ctx, id); err != nil {
		return err
	}
	log.Info(log.CatSession, "session deregistered", "session_id", id)
	return nil
}

// List returns every known session.
func (s *Service) List(ctx context.Context) ([]*domain.Session, error) {
	return s.sessions.List(ctx)
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Session, error) {
	return s.sessions.Get(ctx, id)
}

// GetDaemon returns the single daemon session, if any.
func (s *Service) GetDaemon(ctx context.Context) (*domain.Session, error) {
	return s.sessions.GetDaemon(ctx)
}

// PromoteToDaemon demotes any existing daemon and promotes id, atomically
// (spec §8's invariant 5: at most one session has is_daemon=1).
func (s *Service) PromoteToDaemon(ctx context.Context, id string) error {
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET is_daemon = 0 WHERE is_daemon = 1 AND id != ?`, id); err != nil {
			return err
		}
		return s.sessions.SetDaemon(ctx, tx, id, true)
	})
}

// CleanupResult reports what CleanupStale reaped.
type CleanupResult struct {
	SessionsRemoved int
	LocksReleased   int
	ClaimsReleased  int
}

// CleanupStale is the stale-actor reaper. It deletes sessions whose
// last_heartbeat is older than now-timeoutMillis, releases any workflow
// locks those sessions held, and releases any task claims held by agents
// whose last_heartbeat is equally stale — clearing assigned_agent_id and
// claimed_at on non-terminal tasks and transitioning those agents offline.
func (s *Service) CleanupStale(ctx context.Context, timeoutMillis int64) (*CleanupResult, error) {
	now := s.clock.NowMillis()
	cutoff := now - timeoutMillis

	stale, err := s.sessions.ListStale(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	workflows, err := s.workflows.List(ctx, repository.ListFilter{})
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{}
	err = s.db.Tx(ctx, func(tx *sql.Tx) error {
		for _, sess := range stale {
			for _, w := range workflows {
				if w.LockedBySessionID != sess.ID {
					continue
				}
				w.LockedBySessionID = ""
				w.LockedAt = 0
				w.UpdatedAt = now
				if err := s.workflows.Update(ctx, tx, w); err != nil {
					return err
				}
				result.LocksReleased++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, sess := range stale {
		if err := s.sessions.Delete(ctx, sess.ID); err != nil {
			return nil, err
		}
		result.SessionsRemoved++
	}

	claimsReleased, err := s.releaseStaleClaims(ctx, cutoff, now)
	if err != nil {
		return nil, err
	}
	result.ClaimsReleased = claimsReleased

	if result.SessionsRemoved > 0 || result.ClaimsReleased > 0 {
		log.Warn(log.CatSession, "reaper swept stale actors",
			"sessions_removed", result.SessionsRemoved, "locks_released", result.LocksReleased,
			"claims_released", result.ClaimsReleased)
	}
	return result, nil
}

// releaseStaleClaims walks every workflow's agents, releasing the claim of
// any agent whose last_heartbeat predates cutoff.
func (s *Service) releaseStaleClaims(ctx context.Context, cutoff, now int64) (int, error) {
	workflows, err := s.workflows.List(ctx, repository.ListFilter{})
	if err != nil {
		return 0, err
	}

	released := 0
	for _, w := range workflows {
		agents, err := s.agents.ListByWorkflow(ctx, w.ID)
		if err != nil {
			return released, err
		}
		for _, agent := range agents {
			if agent.Status == domain.AgentOffline || agent.LastHeartbeat >= cutoff {
				continue
			}
			if err := s.db.Tx(ctx, func(tx *sql.Tx) error {
				if agent.CurrentTaskID != "" {
					t, tErr := s.tasks.GetTx(ctx, tx, agent.CurrentTaskID)
					if tErr != nil && !errors.Is(tErr, cawerr.ErrNotFound) {
						return tErr
					}
					if tErr == nil && t.Status != domain.TaskCompleted && t.Status != domain.TaskSkipped {
						t.AssignedAgentID = ""
						t.ClaimedAt = 0
						t.Status = domain.TaskPending
						t.UpdatedAt = now
						if err := s.tasks.Update(ctx, tx, t); err != nil {
							return err
						}
						released++
					}
				}
				agent.Status = domain.AgentOffline
				agent.CurrentTaskID = ""
				agent.UpdatedAt = now
				return s.agents.Update(ctx, tx, agent)
			}); err != nil {
				return released, err
			}
		}
	}
	return released, nil
}
