package database

import (
	"database/sql"
	"fmt"

	"github.com/mailroom/mailroom/internal/database/schema"
)

// defaultTemplate is seeded on first run so a fresh install can send a
// templated email without any setup.
const (
	defaultTemplateName    = "welcome"
	defaultTemplateSubject = "Welcome {{UserName}}"
	defaultTemplateBody    = `<html><body>
<p>Hello {{UserName}},</p>
{{#if CompanyName}}<p>Thanks for joining {{CompanyName}}.</p>{{/if}}
<p>We are glad to have you on board.</p>
</body></html>`
)

// InitializeDatabase creates the worker tables and indexes if they don't
// exist and seeds the default template on an empty install.
func InitializeDatabase(db *sql.DB) error {
	for _, query := range schema.TableDefinitions {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	var count int64
	if err := db.QueryRow("SELECT COUNT(*) FROM email_templates").Scan(&count); err != nil {
		return fmt.Errorf("failed to count templates: %w", err)
	}

	if count == 0 {
		query := `
			INSERT INTO email_templates (name, category, subject_template, body_template, is_active, version, created_by)
			VALUES ($1, $2, $3, $4, TRUE, 1, 'system')
		`
		if _, err := db.Exec(query, defaultTemplateName, "onboarding", defaultTemplateSubject, defaultTemplateBody); err != nil {
			return fmt.Errorf("failed to seed default template: %w", err)
		}
	}

	return nil
}

// CleanDatabase drops all tables in reverse order. Used by tests.
func CleanDatabase(db *sql.DB) error {
	for i := len(schema.TableNames) - 1; i >= 0; i-- {
		query := fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", schema.TableNames[i])
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", schema.TableNames[i], err)
		}
	}
	return nil
}
