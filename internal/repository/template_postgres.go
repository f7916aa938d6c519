package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mailroom/mailroom/internal/domain"
)

const templateColumns = `id, name, category, subject_template, body_template,
	is_active, version, created_at, updated_at, created_by`

// TemplateRepository implements domain.TemplateRepository on Postgres.
type TemplateRepository struct {
	db *sql.DB
}

// NewTemplateRepository creates a new TemplateRepository
func NewTemplateRepository(db *sql.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// GetActiveByID returns the active template with the given id
func (r *TemplateRepository) GetActiveByID(ctx context.Context, id int64) (*domain.Template, error) {
	query := fmt.Sprintf(`SELECT %s FROM email_templates WHERE id = $1 AND is_active`, templateColumns)
	return r.getOne(ctx, query, id)
}

// GetActiveByName returns the active template with the given name
func (r *TemplateRepository) GetActiveByName(ctx context.Context, name string) (*domain.Template, error) {
	query := fmt.Sprintf(`SELECT %s FROM email_templates WHERE name = $1 AND is_active`, templateColumns)
	return r.getOne(ctx, query, name)
}

func (r *TemplateRepository) getOne(ctx context.Context, query string, arg interface{}) (*domain.Template, error) {
	var t domain.Template
	var category sql.NullString

	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&t.ID, &t.Name, &category, &t.SubjectTemplate, &t.BodyTemplate,
		&t.IsActive, &t.Version, &t.CreatedAt, &t.UpdatedAt, &t.CreatedBy,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}

	if category.Valid {
		t.Category = category.String
	}

	return &t, nil
}

// Create inserts a template. The partial unique index on active names turns
// collisions into a constraint error.
func (r *TemplateRepository) Create(ctx context.Context, template *domain.Template) error {
	if err := template.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	template.CreatedAt = now
	template.UpdatedAt = now
	if template.Version == 0 {
		template.Version = 1
	}
	template.IsActive = true

	query := `
		INSERT INTO email_templates (name, category, subject_template, body_template, is_active, version, created_at, updated_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	err := r.db.QueryRowContext(ctx, query,
		template.Name, template.Category, template.SubjectTemplate, template.BodyTemplate,
		template.IsActive, template.Version, template.CreatedAt, template.UpdatedAt, template.CreatedBy,
	).Scan(&template.ID)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}

	return nil
}

// Deactivate soft-deletes a template
func (r *TemplateRepository) Deactivate(ctx context.Context, id int64) error {
	query := `UPDATE email_templates SET is_active = FALSE, updated_at = NOW() WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate template: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// CountActive returns the number of active templates
func (r *TemplateRepository) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM email_templates WHERE is_active`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count templates: %w", err)
	}
	return count, nil
}
