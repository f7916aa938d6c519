package domain

import (
	"context"
	"time"
)

// EmailHistory is the append-only record of a processed attempt. Exactly one
// row is written per terminal transition (sent or permanently failed).
type EmailHistory struct {
	ID               int64       `json:"id"`
	QueueID          string      `json:"queue_id"`
	ToEmails         string      `json:"to_emails"`
	CcEmails         string      `json:"cc_emails,omitempty"`
	BccEmails        string      `json:"bcc_emails,omitempty"`
	Subject          string      `json:"subject"`
	FinalBody        string      `json:"final_body"`
	Status           EmailStatus `json:"status"`
	SentAt           *time.Time  `json:"sent_at,omitempty"`
	ProcessingTimeMs int64       `json:"processing_time_ms"`
	RetryCount       int         `json:"retry_count"`
	TemplateID       *int64      `json:"template_id,omitempty"`
	TemplateUsed     *string     `json:"template_used,omitempty"`
	AttachmentCount  int         `json:"attachment_count"`
	ErrorDetails     *string     `json:"error_details,omitempty"`
	ProcessedBy      string      `json:"processed_by"`
	CreatedAt        time.Time   `json:"created_at"`
}

//go:generate mockgen -destination mocks/mock_email_history_repository.go -package mocks github.com/mailroom/mailroom/internal/domain EmailHistoryRepository

// EmailHistoryRepository is the persistence contract for history rows.
type EmailHistoryRepository interface {
	Insert(ctx context.Context, history *EmailHistory) error

	// CountByStatusSince counts rows recorded at or after since.
	CountByStatusSince(ctx context.Context, status EmailStatus, since time.Time) (int64, error)

	// AverageProcessingTimeSince returns the mean processing time in
	// milliseconds for rows recorded since the given time; zero when empty.
	AverageProcessingTimeSince(ctx context.Context, since time.Time) (float64, error)

	// FetchOlderThan returns up to limit rows created before the cutoff,
	// oldest first. Used by the cleanup loop for archival.
	FetchOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*EmailHistory, error)

	// DeleteByIDs removes the given rows after successful archival.
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)

	// DeleteOlderThan removes rows created before the cutoff in batches.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}
