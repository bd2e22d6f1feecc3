package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cawhq/caw/internal/cawerr"
	"github.com/cawhq/caw/internal/domain"
	"github.com/cawhq/caw/internal/ids"
)

const repositoryColumns = `id, path, name, created_at, updated_at`

// RepositoryRepo persists domain.Repository rows.
type RepositoryRepo struct {
	db *sql.DB
}

// NewRepositoryRepo constructs a RepositoryRepo.
func NewRepositoryRepo(db *sql.DB) *RepositoryRepo {
	return &RepositoryRepo{db: db}
}

func scanRepository(scanner interface{ Scan(...any) error }) (*domain.Repository, error) {
	var r domain.Repository
	var name sql.NullString
	if err := scanner.Scan(&r.ID, &r.Path, &name, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Name = name.String
	return &r, nil
}

// GetOrCreateByPath returns the repository row for path, creating one if it
// does not yet exist. Used by workflow.create when registering unknown
// repositories on the fly (spec §4.3).
func (r *RepositoryRepo) GetOrCreateByPath(ctx context.Context, path string, now int64) (*domain.Repository, error) {
	existing, err := r.GetByPath(ctx, path)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, cawerr.ErrNotFound) {
		return nil, err
	}

	repo := &domain.Repository{
		ID:        ids.New(ids.PrefixRepository),
		Path:      path,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, execErr := r.db.ExecContext(ctx,
		`INSERT INTO repositories (id, path, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		repo.ID, repo.Path, nullString(repo.Name), repo.CreatedAt, repo.UpdatedAt,
	)
	if execErr != nil {
		return nil, fmt.Errorf("insert repository: %w", execErr)
	}
	return repo, nil
}

// GetByPath looks up a repository by its unique path.
func (r *RepositoryRepo) GetByPath(ctx context.Context, path string) (*domain.Repository, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE path = ?`, path)
	repo, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("repository", path)
	}
	if err != nil {
		return nil, fmt.Errorf("get repository by path: %w", err)
	}
	return repo, nil
}

// Get looks up a repository by id.
func (r *RepositoryRepo) Get(ctx context.Context, id string) (*domain.Repository, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id = ?`, id)
	repo, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("repository", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	return repo, nil
}

// List returns every known repository.
func (r *RepositoryRepo) List(ctx context.Context) ([]*domain.Repository, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+repositoryColumns+` FROM repositories ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var out []*domain.Repository
	for rows.Next() {
		repo, scanErr := scanRepository(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan repository: %w", scanErr)
		}
		out = append(out, repo)
	}
	return out, rows.Err()
}
