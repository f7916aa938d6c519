package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mailroom/mailroom/internal/domain"
)

// ProcessingLogRepository implements domain.ProcessingLogRepository on Postgres.
type ProcessingLogRepository struct {
	db *sql.DB
}

// NewProcessingLogRepository creates a new ProcessingLogRepository
func NewProcessingLogRepository(db *sql.DB) *ProcessingLogRepository {
	return &ProcessingLogRepository{db: db}
}

// Insert appends a processing log row
func (r *ProcessingLogRepository) Insert(ctx context.Context, entry *domain.ProcessingLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO processing_logs (log_level, category, message, exception, queue_id,
			worker_id, processing_step, context_data, correlation_id, machine_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`

	err := r.db.QueryRowContext(ctx, query,
		entry.LogLevel, entry.Category, entry.Message, entry.Exception, entry.QueueID,
		entry.WorkerID, entry.ProcessingStep, entry.ContextData, entry.CorrelationID,
		entry.MachineName, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert processing log: %w", err)
	}

	return nil
}

// DeleteOlderThan removes rows created before the cutoff in batches
func (r *ProcessingLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	query := `
		DELETE FROM processing_logs
		WHERE id IN (
			SELECT id FROM processing_logs WHERE created_at < $1 LIMIT $2
		)
	`

	var total int64
	for {
		result, err := r.db.ExecContext(ctx, query, cutoff.UTC(), batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to delete old processing logs: %w", err)
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
