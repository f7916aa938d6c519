package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mailroom/mailroom/internal/domain"
)

const scheduledColumns = `id, schedule_id, next_run_time, cron_expression, interval_minutes,
	is_recurring, is_active, execution_count, max_executions, last_executed_at,
	to_emails, cc_emails, bcc_emails, subject, body, is_html, template_id,
	template_data, attachments, priority, created_at, updated_at, created_by`

// ScheduledEmailRepository implements domain.ScheduledEmailRepository on
// Postgres. Promotion of a due schedule into the queue is a single
// transaction per row.
type ScheduledEmailRepository struct {
	db        *sql.DB
	queueRepo *EmailQueueRepository
}

// NewScheduledEmailRepository creates a new ScheduledEmailRepository
func NewScheduledEmailRepository(db *sql.DB, queueRepo *EmailQueueRepository) *ScheduledEmailRepository {
	return &ScheduledEmailRepository{db: db, queueRepo: queueRepo}
}

// FetchDue returns active schedules whose next_run_time has passed. The rows
// are not locked; Promote's guarded update arbitrates between replicas that
// fetched the same schedule.
func (r *ScheduledEmailRepository) FetchDue(ctx context.Context, now time.Time, limit int) ([]*domain.ScheduledEmail, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM scheduled_emails
		WHERE is_active
		  AND next_run_time <= $1
		  AND (max_executions IS NULL OR execution_count < max_executions)
		ORDER BY next_run_time ASC
		LIMIT $2
	`, scheduledColumns)

	rows, err := r.db.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*domain.ScheduledEmail
	for rows.Next() {
		schedule, err := scanScheduledEmail(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}

	return schedules, rows.Err()
}

// Promote enqueues the item and records the execution on the schedule in a
// single transaction. A nil nextRun deactivates the schedule. The schedule
// update is guarded by the next_run_time seen at fetch, so a replica that
// lost the race matches zero rows and returns domain.ErrScheduleTaken without
// enqueueing a duplicate.
func (r *ScheduledEmailRepository) Promote(ctx context.Context, schedule *domain.ScheduledEmail, item *domain.QueueItem, nextRun *time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var query string
	var args []interface{}
	if nextRun != nil {
		query = `
			UPDATE scheduled_emails
			SET execution_count = execution_count + 1, last_executed_at = $2,
			    next_run_time = $3, updated_at = $2
			WHERE id = $1 AND is_active AND next_run_time = $4
		`
		args = []interface{}{schedule.ID, now, nextRun.UTC(), schedule.NextRunTime}
	} else {
		query = `
			UPDATE scheduled_emails
			SET execution_count = execution_count + 1, last_executed_at = $2,
			    is_active = FALSE, updated_at = $2
			WHERE id = $1 AND is_active AND next_run_time = $3
		`
		args = []interface{}{schedule.ID, now, schedule.NextRunTime}
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read schedule update result: %w", err)
	}
	if affected == 0 {
		return domain.ErrScheduleTaken
	}

	if err := r.queueRepo.InsertTx(ctx, tx, item); err != nil {
		return fmt.Errorf("failed to enqueue scheduled email: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit promotion: %w", err)
	}

	return nil
}

func scanScheduledEmail(rows *sql.Rows) (*domain.ScheduledEmail, error) {
	var s domain.ScheduledEmail
	var cronExpression sql.NullString
	var intervalMinutes, maxExecutions sql.NullInt64
	var lastExecutedAt sql.NullTime
	var ccEmails, bccEmails, templateData, attachments sql.NullString
	var templateID sql.NullInt64

	err := rows.Scan(
		&s.ID, &s.ScheduleID, &s.NextRunTime, &cronExpression, &intervalMinutes,
		&s.IsRecurring, &s.IsActive, &s.ExecutionCount, &maxExecutions, &lastExecutedAt,
		&s.ToEmails, &ccEmails, &bccEmails, &s.Subject, &s.Body, &s.IsHTML, &templateID,
		&templateData, &attachments, &s.Priority, &s.CreatedAt, &s.UpdatedAt, &s.CreatedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan scheduled email: %w", err)
	}

	if cronExpression.Valid {
		s.CronExpression = &cronExpression.String
	}
	if intervalMinutes.Valid {
		interval := int(intervalMinutes.Int64)
		s.IntervalMinutes = &interval
	}
	if maxExecutions.Valid {
		max := int(maxExecutions.Int64)
		s.MaxExecutions = &max
	}
	if lastExecutedAt.Valid {
		s.LastExecutedAt = &lastExecutedAt.Time
	}
	if ccEmails.Valid {
		s.CcEmails = ccEmails.String
	}
	if bccEmails.Valid {
		s.BccEmails = bccEmails.String
	}
	if templateID.Valid {
		s.TemplateID = &templateID.Int64
	}
	if templateData.Valid {
		s.TemplateData = &templateData.String
	}
	if attachments.Valid {
		s.Attachments = &attachments.String
	}

	return &s, nil
}
