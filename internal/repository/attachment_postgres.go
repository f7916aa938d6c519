package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// AttachmentRepository manages the side table where the ingress API may park
// large attachment bodies. The worker only sweeps orphans; dispatch reads the
// JSON blob on the queue row itself.
type AttachmentRepository struct {
	db *sql.DB
}

// NewAttachmentRepository creates a new AttachmentRepository
func NewAttachmentRepository(db *sql.DB) *AttachmentRepository {
	return &AttachmentRepository{db: db}
}

// DeleteOrphaned removes attachment rows with no referencing queue item, in
// batches. Returns the number of rows removed.
func (r *AttachmentRepository) DeleteOrphaned(ctx context.Context, batchSize int) (int64, error) {
	query := `
		DELETE FROM email_attachments
		WHERE id IN (
			SELECT a.id FROM email_attachments a
			LEFT JOIN email_queue q ON q.queue_id = a.queue_id
			WHERE q.id IS NULL
			LIMIT $1
		)
	`

	var total int64
	for {
		result, err := r.db.ExecContext(ctx, query, batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to delete orphaned attachments: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get rows affected: %w", err)
		}
		total += affected
		if affected < int64(batchSize) {
			return total, nil
		}
	}
}
