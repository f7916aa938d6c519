package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduledEmail is a declarative future or recurring send. When due, the
// scheduler loop enqueues a fresh QueueItem carrying the payload below and
// advances or deactivates the schedule, atomically per row.
type ScheduledEmail struct {
	ID         int64  `json:"id"`
	ScheduleID string `json:"schedule_id"`

	NextRunTime     time.Time  `json:"next_run_time"`
	CronExpression  *string    `json:"cron_expression,omitempty"`
	IntervalMinutes *int       `json:"interval_minutes,omitempty"`
	IsRecurring     bool       `json:"is_recurring"`
	IsActive        bool       `json:"is_active"`
	ExecutionCount  int        `json:"execution_count"`
	MaxExecutions   *int       `json:"max_executions,omitempty"`
	LastExecutedAt  *time.Time `json:"last_executed_at,omitempty"`

	// Email payload copied into each promoted queue item.
	ToEmails     string        `json:"to_emails"`
	CcEmails     string        `json:"cc_emails,omitempty"`
	BccEmails    string        `json:"bcc_emails,omitempty"`
	Subject      string        `json:"subject"`
	Body         string        `json:"body"`
	IsHTML       bool          `json:"is_html"`
	TemplateID   *int64        `json:"template_id,omitempty"`
	TemplateData *string       `json:"template_data,omitempty"`
	Attachments  *string       `json:"attachments,omitempty"`
	Priority     EmailPriority `json:"priority"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy string    `json:"created_by"`
}

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ComputeNextRun returns the next run time after the given instant. The cron
// expression wins over interval_minutes when both are set.
func (s *ScheduledEmail) ComputeNextRun(after time.Time) (time.Time, error) {
	if s.CronExpression != nil && *s.CronExpression != "" {
		schedule, err := cronParser.Parse(*s.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", *s.CronExpression, err)
		}
		return schedule.Next(after.UTC()), nil
	}
	if s.IntervalMinutes != nil && *s.IntervalMinutes > 0 {
		return after.UTC().Add(time.Duration(*s.IntervalMinutes) * time.Minute), nil
	}
	return time.Time{}, fmt.Errorf("schedule %s is recurring but has no cron expression or interval", s.ScheduleID)
}

// ExecutionsRemaining reports whether the schedule may still fire.
func (s *ScheduledEmail) ExecutionsRemaining() bool {
	return s.MaxExecutions == nil || s.ExecutionCount < *s.MaxExecutions
}

// ToQueueItem builds the queue row for one execution of the schedule.
func (s *ScheduledEmail) ToQueueItem() *QueueItem {
	priority := s.Priority
	if priority == 0 {
		priority = PriorityNormal
	}
	return &QueueItem{
		Priority:                   priority,
		Status:                     StatusQueued,
		ToEmails:                   s.ToEmails,
		CcEmails:                   s.CcEmails,
		BccEmails:                  s.BccEmails,
		Subject:                    s.Subject,
		Body:                       s.Body,
		IsHTML:                     s.IsHTML,
		TemplateID:                 s.TemplateID,
		TemplateData:               s.TemplateData,
		RequiresTemplateProcessing: s.TemplateID != nil,
		Attachments:                s.Attachments,
		CreatedBy:                  "scheduler",
	}
}

//go:generate mockgen -destination mocks/mock_scheduled_email_repository.go -package mocks github.com/mailroom/mailroom/internal/domain ScheduledEmailRepository

// ScheduledEmailRepository is the persistence contract for schedules.
type ScheduledEmailRepository interface {
	// FetchDue returns active schedules whose next_run_time has passed and
	// which have executions remaining, locked against concurrent schedulers.
	FetchDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledEmail, error)

	// Promote enqueues the item and records the execution on the schedule in
	// a single transaction. A nil nextRun deactivates the schedule.
	Promote(ctx context.Context, schedule *ScheduledEmail, item *QueueItem, nextRun *time.Time) error
}
