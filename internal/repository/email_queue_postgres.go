package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mailroom/mailroom/internal/domain"
)

// psql is a Squirrel StatementBuilder configured for PostgreSQL
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// queueColumns is the canonical column list for email_queue scans.
const queueColumns = `id, queue_id, priority, status, to_emails, cc_emails, bcc_emails,
	subject, body, is_html, template_id, template_data, requires_template_processing,
	attachments, has_embedded_images, retry_count, processing_started_at, processed_at,
	error_message, processed_by, next_retry_at, scheduled_for, is_scheduled,
	created_at, updated_at, created_by, request_source`

// EmailQueueRepository implements domain.EmailQueueRepository on Postgres.
type EmailQueueRepository struct {
	db *sql.DB
}

// NewEmailQueueRepository creates a new EmailQueueRepository
func NewEmailQueueRepository(db *sql.DB) *EmailQueueRepository {
	return &EmailQueueRepository{db: db}
}

// Insert adds a new queue row
func (r *EmailQueueRepository) Insert(ctx context.Context, item *domain.QueueItem) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := r.InsertTx(ctx, tx, item); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// InsertTx adds a new queue row within an existing transaction
func (r *EmailQueueRepository) InsertTx(ctx context.Context, tx *sql.Tx, item *domain.QueueItem) error {
	now := time.Now().UTC()

	if item.QueueID == "" {
		item.QueueID = uuid.New().String()
	}
	if item.Priority == 0 {
		item.Priority = domain.PriorityNormal
	}
	if item.CreatedBy == "" {
		item.CreatedBy = "api"
	}
	item.CreatedAt = now
	item.UpdatedAt = now

	query, args, err := psql.
		Insert("email_queue").
		Columns(
			"queue_id", "priority", "status", "to_emails", "cc_emails", "bcc_emails",
			"subject", "body", "is_html", "template_id", "template_data",
			"requires_template_processing", "attachments", "has_embedded_images",
			"retry_count", "scheduled_for", "is_scheduled",
			"created_at", "updated_at", "created_by", "request_source",
		).
		Values(
			item.QueueID, item.Priority, item.Status, item.ToEmails, item.CcEmails, item.BccEmails,
			item.Subject, item.Body, item.IsHTML, item.TemplateID, item.TemplateData,
			item.RequiresTemplateProcessing, item.Attachments, item.HasEmbeddedImages,
			item.RetryCount, item.ScheduledFor, item.IsScheduled,
			item.CreatedAt, item.UpdatedAt, item.CreatedBy, item.RequestSource,
		).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if err := tx.QueryRowContext(ctx, query, args...).Scan(&item.ID); err != nil {
		return fmt.Errorf("failed to insert queue item: %w", err)
	}

	return nil
}

// GetByQueueID returns the row for the given queue id
func (r *EmailQueueRepository) GetByQueueID(ctx context.Context, queueID string) (*domain.QueueItem, error) {
	query := fmt.Sprintf(`SELECT %s FROM email_queue WHERE queue_id = $1`, queueColumns)

	item, err := scanQueueItem(r.db.QueryRowContext(ctx, query, queueID))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}

	return item, nil
}

// ClaimBatch atomically claims up to batchSize eligible rows for workerID.
// The select uses FOR UPDATE SKIP LOCKED so concurrent claimers never block
// on or double-claim the same rows.
func (r *EmailQueueRepository) ClaimBatch(ctx context.Context, workerID string, batchSize int) ([]*domain.QueueItem, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `
		SELECT id FROM email_queue
		WHERE status = 0
		  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		  AND (is_scheduled = FALSE OR scheduled_for <= NOW())
		ORDER BY priority DESC, created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.QueryContext(ctx, selectQuery, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable rows: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan claim id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating claim ids: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit empty claim: %w", err)
		}
		return nil, nil
	}

	updateQuery := fmt.Sprintf(`
		UPDATE email_queue
		SET status = 1, processing_started_at = NOW(), processed_by = $1, updated_at = NOW()
		WHERE id = ANY($2)
		RETURNING %s
	`, queueColumns)

	claimed, err := tx.QueryContext(ctx, updateQuery, workerID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to claim rows: %w", err)
	}
	defer claimed.Close()

	var items []*domain.QueueItem
	for claimed.Next() {
		item, err := scanQueueItem(claimed)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed item: %w", err)
		}
		items = append(items, item)
	}
	if err := claimed.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	// The RETURNING order is unspecified; restore claim order.
	sortByClaimOrder(items, ids)

	return items, nil
}

// MarkSent transitions processing -> sent for the owning worker
func (r *EmailQueueRepository) MarkSent(ctx context.Context, queueID, workerID string, processedAt time.Time) error {
	query := `
		UPDATE email_queue
		SET status = 2, processed_at = $3, updated_at = NOW(), error_message = NULL
		WHERE queue_id = $1 AND status = 1 AND processed_by = $2
	`

	result, err := r.db.ExecContext(ctx, query, queueID, workerID, processedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark sent: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotOwner
	}

	return nil
}

// MarkFailed transitions the row to the terminal failed state
func (r *EmailQueueRepository) MarkFailed(ctx context.Context, queueID, errorMessage string) error {
	query := `
		UPDATE email_queue
		SET status = 3, processed_at = NOW(), updated_at = NOW(), error_message = $2
		WHERE queue_id = $1 AND status = 1
	`

	result, err := r.db.ExecContext(ctx, query, queueID, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotOwner
	}

	return nil
}

// Requeue returns a processing row to queued for a later retry attempt
func (r *EmailQueueRepository) Requeue(ctx context.Context, queueID, errorMessage string, nextRetryAt time.Time) error {
	query := `
		UPDATE email_queue
		SET status = 0, retry_count = retry_count + 1, error_message = $2,
		    next_retry_at = $3, processed_by = NULL, processing_started_at = NULL,
		    updated_at = NOW()
		WHERE queue_id = $1 AND status = 1
	`

	result, err := r.db.ExecContext(ctx, query, queueID, errorMessage, nextRetryAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to requeue: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotOwner
	}

	return nil
}

// Cancel transitions queued or processing rows to cancelled. No-op on rows
// already terminal.
func (r *EmailQueueRepository) Cancel(ctx context.Context, queueID string) error {
	query := `
		UPDATE email_queue
		SET status = 4, updated_at = NOW()
		WHERE queue_id = $1 AND status IN (0, 1)
	`

	result, err := r.db.ExecContext(ctx, query, queueID)
	if err != nil {
		return fmt.Errorf("failed to cancel: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Nothing updated: distinguish missing rows from already-terminal ones.
	if _, err := r.GetByQueueID(ctx, queueID); err != nil {
		return err
	}
	return nil
}

// GetStuck returns processing rows whose claim is older than the threshold
func (r *EmailQueueRepository) GetStuck(ctx context.Context, threshold time.Duration) ([]*domain.QueueItem, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM email_queue
		WHERE status = 1 AND processing_started_at < $1
		ORDER BY processing_started_at ASC
	`, queueColumns)

	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck rows: %w", err)
	}
	defer rows.Close()

	var items []*domain.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stuck item: %w", err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// ResetStuck requeues stuck processing rows without consuming a retry attempt
func (r *EmailQueueRepository) ResetStuck(ctx context.Context, threshold time.Duration) (int64, error) {
	query := `
		UPDATE email_queue
		SET status = 0, processed_by = NULL, processing_started_at = NULL, updated_at = NOW()
		WHERE status = 1 AND processing_started_at < $1
	`

	cutoff := time.Now().UTC().Add(-threshold)
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck rows: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

// GetStatistics returns per-status and per-priority counts plus queue age
func (r *EmailQueueRepository) GetStatistics(ctx context.Context) (*domain.QueueStatistics, error) {
	statusQuery := `
		SELECT
			COALESCE(SUM(CASE WHEN status = 0 THEN 1 ELSE 0 END), 0) AS queued,
			COALESCE(SUM(CASE WHEN status = 1 THEN 1 ELSE 0 END), 0) AS processing,
			COALESCE(SUM(CASE WHEN status = 2 THEN 1 ELSE 0 END), 0) AS sent,
			COALESCE(SUM(CASE WHEN status = 3 THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = 4 THEN 1 ELSE 0 END), 0) AS cancelled,
			COALESCE(SUM(CASE WHEN status = 5 THEN 1 ELSE 0 END), 0) AS scheduled,
			MIN(created_at) FILTER (WHERE status = 0) AS oldest_queued
		FROM email_queue
	`

	stats := &domain.QueueStatistics{
		ByPriority: make(map[domain.EmailPriority]int64),
	}
	var oldestQueued sql.NullTime
	err := r.db.QueryRowContext(ctx, statusQuery).Scan(
		&stats.Queued, &stats.Processing, &stats.Sent,
		&stats.Failed, &stats.Cancelled, &stats.Scheduled,
		&oldestQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue statistics: %w", err)
	}
	if oldestQueued.Valid {
		stats.OldestQueuedAge = time.Since(oldestQueued.Time)
	}

	priorityQuery := `
		SELECT priority, COUNT(*) FROM email_queue
		WHERE status = 0
		GROUP BY priority
	`
	rows, err := r.db.QueryContext(ctx, priorityQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to get priority breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var priority domain.EmailPriority
		var count int64
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, fmt.Errorf("failed to scan priority count: %w", err)
		}
		stats.ByPriority[priority] = count
	}

	return stats, rows.Err()
}

// DeleteByStatusOlderThan removes terminal rows older than the cutoff in batches
func (r *EmailQueueRepository) DeleteByStatusOlderThan(ctx context.Context, status domain.EmailStatus, cutoff time.Time, batchSize int) (int64, error) {
	query := `
		DELETE FROM email_queue
		WHERE id IN (
			SELECT id FROM email_queue
			WHERE status = $1 AND updated_at < $2
			LIMIT $3
		)
	`

	var total int64
	for {
		result, err := r.db.ExecContext(ctx, query, status, cutoff.UTC(), batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to delete old queue rows: %w", err)
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

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanQueueItem scans a row into a QueueItem
func scanQueueItem(row rowScanner) (*domain.QueueItem, error) {
	var item domain.QueueItem
	var ccEmails, bccEmails sql.NullString
	var templateID sql.NullInt64
	var templateData, attachments sql.NullString
	var processingStartedAt, processedAt, nextRetryAt, scheduledFor sql.NullTime
	var errorMessage, processedBy, requestSource sql.NullString

	err := row.Scan(
		&item.ID, &item.QueueID, &item.Priority, &item.Status,
		&item.ToEmails, &ccEmails, &bccEmails,
		&item.Subject, &item.Body, &item.IsHTML,
		&templateID, &templateData, &item.RequiresTemplateProcessing,
		&attachments, &item.HasEmbeddedImages,
		&item.RetryCount, &processingStartedAt, &processedAt,
		&errorMessage, &processedBy, &nextRetryAt, &scheduledFor, &item.IsScheduled,
		&item.CreatedAt, &item.UpdatedAt, &item.CreatedBy, &requestSource,
	)
	if err != nil {
		return nil, err
	}

	if ccEmails.Valid {
		item.CcEmails = ccEmails.String
	}
	if bccEmails.Valid {
		item.BccEmails = bccEmails.String
	}
	if templateID.Valid {
		item.TemplateID = &templateID.Int64
	}
	if templateData.Valid {
		item.TemplateData = &templateData.String
	}
	if attachments.Valid {
		item.Attachments = &attachments.String
	}
	if processingStartedAt.Valid {
		item.ProcessingStartedAt = &processingStartedAt.Time
	}
	if processedAt.Valid {
		item.ProcessedAt = &processedAt.Time
	}
	if errorMessage.Valid {
		item.ErrorMessage = &errorMessage.String
	}
	if processedBy.Valid {
		item.ProcessedBy = &processedBy.String
	}
	if nextRetryAt.Valid {
		item.NextRetryAt = &nextRetryAt.Time
	}
	if scheduledFor.Valid {
		item.ScheduledFor = &scheduledFor.Time
	}

	return &item, nil
}

// sortByClaimOrder reorders items to match the id order of the claim select.
func sortByClaimOrder(items []*domain.QueueItem, ids []int64) {
	position := make(map[int64]int, len(ids))
	for i, id := range ids {
		position[id] = i
	}
	for i := 0; i < len(items); i++ {
		for position[items[i].ID] != i {
			j := position[items[i].ID]
			items[i], items[j] = items[j], items[i]
		}
	}
}
