package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mailroom/mailroom/internal/domain"
)

const historyColumns = `id, queue_id, to_emails, cc_emails, bcc_emails, subject,
	final_body, status, sent_at, processing_time_ms, retry_count, template_id,
	template_used, attachment_count, error_details, processed_by, created_at`

// EmailHistoryRepository implements domain.EmailHistoryRepository on Postgres.
type EmailHistoryRepository struct {
	db *sql.DB
}

// NewEmailHistoryRepository creates a new EmailHistoryRepository
func NewEmailHistoryRepository(db *sql.DB) *EmailHistoryRepository {
	return &EmailHistoryRepository{db: db}
}

// Insert appends a history row
func (r *EmailHistoryRepository) Insert(ctx context.Context, history *domain.EmailHistory) error {
	if history.CreatedAt.IsZero() {
		history.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO email_history (queue_id, to_emails, cc_emails, bcc_emails, subject,
			final_body, status, sent_at, processing_time_ms, retry_count, template_id,
			template_used, attachment_count, error_details, processed_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`

	err := r.db.QueryRowContext(ctx, query,
		history.QueueID, history.ToEmails, history.CcEmails, history.BccEmails, history.Subject,
		history.FinalBody, history.Status, history.SentAt, history.ProcessingTimeMs, history.RetryCount,
		history.TemplateID, history.TemplateUsed, history.AttachmentCount, history.ErrorDetails,
		history.ProcessedBy, history.CreatedAt,
	).Scan(&history.ID)
	if err != nil {
		return fmt.Errorf("failed to insert history: %w", err)
	}

	return nil
}

// CountByStatusSince counts rows recorded at or after since
func (r *EmailHistoryRepository) CountByStatusSince(ctx context.Context, status domain.EmailStatus, since time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM email_history WHERE status = $1 AND created_at >= $2`

	var count int64
	if err := r.db.QueryRowContext(ctx, query, status, since.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return count, nil
}

// AverageProcessingTimeSince returns the mean processing time in milliseconds
func (r *EmailHistoryRepository) AverageProcessingTimeSince(ctx context.Context, since time.Time) (float64, error) {
	query := `SELECT COALESCE(AVG(processing_time_ms), 0) FROM email_history WHERE created_at >= $1`

	var avg float64
	if err := r.db.QueryRowContext(ctx, query, since.UTC()).Scan(&avg); err != nil {
		return 0, fmt.Errorf("failed to average processing time: %w", err)
	}
	return avg, nil
}

// FetchOlderThan returns up to limit rows created before the cutoff, oldest first
func (r *EmailHistoryRepository) FetchOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.EmailHistory, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM email_history
		WHERE created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, historyColumns)

	rows, err := r.db.QueryContext(ctx, query, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch old history: %w", err)
	}
	defer rows.Close()

	var entries []*domain.EmailHistory
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// DeleteByIDs removes the given rows after successful archival
func (r *EmailHistoryRepository) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	result, err := r.db.ExecContext(ctx, `DELETE FROM email_history WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete history rows: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}

// DeleteOlderThan removes rows created before the cutoff in batches
func (r *EmailHistoryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	query := `
		DELETE FROM email_history
		WHERE id IN (
			SELECT id FROM email_history WHERE created_at < $1 LIMIT $2
		)
	`

	var total int64
	for {
		result, err := r.db.ExecContext(ctx, query, cutoff.UTC(), batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to delete old history: %w", err)
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

func scanHistory(rows *sql.Rows) (*domain.EmailHistory, error) {
	var h domain.EmailHistory
	var ccEmails, bccEmails, templateUsed, errorDetails sql.NullString
	var sentAt sql.NullTime
	var templateID sql.NullInt64

	err := rows.Scan(
		&h.ID, &h.QueueID, &h.ToEmails, &ccEmails, &bccEmails, &h.Subject,
		&h.FinalBody, &h.Status, &sentAt, &h.ProcessingTimeMs, &h.RetryCount,
		&templateID, &templateUsed, &h.AttachmentCount, &errorDetails,
		&h.ProcessedBy, &h.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan history row: %w", err)
	}

	if ccEmails.Valid {
		h.CcEmails = ccEmails.String
	}
	if bccEmails.Valid {
		h.BccEmails = bccEmails.String
	}
	if sentAt.Valid {
		h.SentAt = &sentAt.Time
	}
	if templateID.Valid {
		h.TemplateID = &templateID.Int64
	}
	if templateUsed.Valid {
		h.TemplateUsed = &templateUsed.String
	}
	if errorDetails.Valid {
		h.ErrorDetails = &errorDetails.String
	}

	return &h, nil
}
