package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cawhq/caw/internal/domain"
)

const templateColumns = `id, name, description, template, created_at, updated_at`

// TemplateRepo persists domain.Template rows.
type TemplateRepo struct {
	db *sql.DB
}

// NewTemplateRepo constructs a TemplateRepo.
func NewTemplateRepo(db *sql.DB) *TemplateRepo {
	return &TemplateRepo{db: db}
}

func scanTemplate(scanner interface{ Scan(...any) error }) (*domain.Template, error) {
	var t domain.Template
	var description sql.NullString
	var templateRaw string
	if err := scanner.Scan(&t.ID, &t.Name, &description, &templateRaw, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Description = description.String
	t.Template = unmarshalJSONObject(templateRaw)
	return &t, nil
}

// Create inserts a new template row.
func (r *TemplateRepo) Create(ctx context.Context, t *domain.Template) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO templates (id, name, description, template, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, nullString(t.Description), marshalJSON(t.Template, "{}"), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// GetByName looks up a template by its unique name.
func (r *TemplateRepo) GetByName(ctx context.Context, name string) (*domain.Template, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE name = ?`, name)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("template", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get template by name: %w", err)
	}
	return t, nil
}

// List returns every template.
func (r *TemplateRepo) List(ctx context.Context) ([]*domain.Template, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []*domain.Template
	for rows.Next() {
		t, scanErr := scanTemplate(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan template: %w", scanErr)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
