package domain

import (
	"context"
	"fmt"
	"time"
)

// Template is a reusable subject/body pair with placeholder syntax. Active
// templates have unique names; templates referenced by history are soft
// deleted by flipping IsActive rather than removed.
type Template struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Category        string    `json:"category,omitempty"`
	SubjectTemplate string    `json:"subject_template"`
	BodyTemplate    string    `json:"body_template"`
	IsActive        bool      `json:"is_active"`
	Version         int       `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	CreatedBy       string    `json:"created_by"`
}

// Validate checks the fields the worker relies on.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if t.SubjectTemplate == "" {
		return fmt.Errorf("subject template is required")
	}
	if t.BodyTemplate == "" {
		return fmt.Errorf("body template is required")
	}
	return nil
}

//go:generate mockgen -destination mocks/mock_template_repository.go -package mocks github.com/mailroom/mailroom/internal/domain TemplateRepository

// TemplateRepository is the persistence contract for templates.
type TemplateRepository interface {
	// GetActiveByID returns the template when it exists and is active,
	// otherwise ErrNotFound.
	GetActiveByID(ctx context.Context, id int64) (*Template, error)

	// GetActiveByName returns the active template with the given name.
	GetActiveByName(ctx context.Context, name string) (*Template, error)

	// Create inserts a template. Name collisions among active templates
	// surface as an error.
	Create(ctx context.Context, template *Template) error

	// Deactivate soft-deletes a template.
	Deactivate(ctx context.Context, id int64) error

	// CountActive returns the number of active templates.
	CountActive(ctx context.Context) (int64, error)
}
