package domain

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// EmailStatus is the lifecycle state of a queue item. The numeric values are
// part of the wire contract with the ingress API and must not change.
type EmailStatus int

const (
	StatusQueued     EmailStatus = 0
	StatusProcessing EmailStatus = 1
	StatusSent       EmailStatus = 2
	StatusFailed     EmailStatus = 3
	StatusCancelled  EmailStatus = 4
	StatusScheduled  EmailStatus = 5
)

func (s EmailStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusScheduled:
		return "scheduled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s EmailStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// EmailPriority orders claims within the queue. Higher values are claimed first.
type EmailPriority int

const (
	PriorityLow      EmailPriority = 1
	PriorityNormal   EmailPriority = 2
	PriorityHigh     EmailPriority = 3
	PriorityCritical EmailPriority = 4
)

func (p EmailPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// QueueItem is a durable email send request. The row is owned by the worker
// recorded in ProcessedBy from claim until finalize or stuck reset.
type QueueItem struct {
	ID       int64         `json:"id"`
	QueueID  string        `json:"queue_id"`
	Priority EmailPriority `json:"priority"`
	Status   EmailStatus   `json:"status"`

	ToEmails  string `json:"to_emails"`
	CcEmails  string `json:"cc_emails,omitempty"`
	BccEmails string `json:"bcc_emails,omitempty"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	IsHTML    bool   `json:"is_html"`

	TemplateID                 *int64  `json:"template_id,omitempty"`
	TemplateData               *string `json:"template_data,omitempty"`
	RequiresTemplateProcessing bool    `json:"requires_template_processing"`

	// Attachments is a JSON-serialized []Attachment.
	Attachments       *string `json:"attachments,omitempty"`
	HasEmbeddedImages bool    `json:"has_embedded_images"`

	RetryCount          int        `json:"retry_count"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	ProcessedAt         *time.Time `json:"processed_at,omitempty"`
	ErrorMessage        *string    `json:"error_message,omitempty"`
	ProcessedBy         *string    `json:"processed_by,omitempty"`
	NextRetryAt         *time.Time `json:"next_retry_at,omitempty"`

	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	IsScheduled  bool       `json:"is_scheduled"`

	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	CreatedBy     string    `json:"created_by"`
	RequestSource *string   `json:"request_source,omitempty"`
}

// SplitAddressList splits a comma or semicolon separated address list,
// trimming whitespace and dropping empty entries.
func SplitAddressList(list string) []string {
	if list == "" {
		return nil
	}
	fields := strings.FieldsFunc(list, func(r rune) bool {
		return r == ',' || r == ';'
	})
	var out []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Recipients returns the parsed To list.
func (q *QueueItem) Recipients() []string {
	return SplitAddressList(q.ToEmails)
}

// QueueStatistics is an aggregate snapshot of the queue.
type QueueStatistics struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
	Scheduled  int64 `json:"scheduled"`

	ByPriority map[EmailPriority]int64 `json:"by_priority"`

	// OldestQueuedAge is zero when nothing is queued.
	OldestQueuedAge time.Duration `json:"oldest_queued_age"`
}

// Depth returns the number of items awaiting or undergoing processing.
func (s *QueueStatistics) Depth() int64 {
	return s.Queued + s.Processing
}

//go:generate mockgen -destination mocks/mock_email_queue_repository.go -package mocks github.com/mailroom/mailroom/internal/domain EmailQueueRepository

// EmailQueueRepository is the persistence contract for queue rows. The claim
// must be atomic against concurrent claimers; all finalize operations are
// ownership-checked against processed_by.
type EmailQueueRepository interface {
	// Insert adds a new queue row. A missing QueueID is generated.
	Insert(ctx context.Context, item *QueueItem) error

	// InsertTx adds a new queue row within an existing transaction.
	InsertTx(ctx context.Context, tx *sql.Tx, item *QueueItem) error

	// GetByQueueID returns the row for the given queue id, or ErrNotFound.
	GetByQueueID(ctx context.Context, queueID string) (*QueueItem, error)

	// ClaimBatch atomically selects up to batchSize eligible queued rows
	// ordered by priority DESC, created_at ASC, marks them processing and
	// stamps processed_by with workerID. Returns the claimed rows.
	ClaimBatch(ctx context.Context, workerID string, batchSize int) ([]*QueueItem, error)

	// MarkSent transitions processing -> sent for the owning worker.
	// Returns ErrNotOwner when the row is not processing under workerID.
	MarkSent(ctx context.Context, queueID, workerID string, processedAt time.Time) error

	// MarkFailed transitions the row to the terminal failed state.
	MarkFailed(ctx context.Context, queueID, errorMessage string) error

	// Requeue returns a processing row to queued for a later retry attempt,
	// incrementing retry_count and delaying eligibility until nextRetryAt.
	Requeue(ctx context.Context, queueID, errorMessage string, nextRetryAt time.Time) error

	// Cancel transitions queued or processing rows to cancelled. It is a
	// no-op on rows already in a terminal state.
	Cancel(ctx context.Context, queueID string) error

	// GetStuck returns processing rows whose processing_started_at is older
	// than the threshold.
	GetStuck(ctx context.Context, threshold time.Duration) ([]*QueueItem, error)

	// ResetStuck requeues stuck processing rows, clearing ownership without
	// consuming a retry attempt. Returns the number of rows reset.
	ResetStuck(ctx context.Context, threshold time.Duration) (int64, error)

	// GetStatistics returns per-status and per-priority counts plus the age
	// of the oldest queued row.
	GetStatistics(ctx context.Context) (*QueueStatistics, error)

	// DeleteByStatusOlderThan removes terminal rows older than the cutoff in
	// batches. Used by the cleanup loop.
	DeleteByStatusOlderThan(ctx context.Context, status EmailStatus, cutoff time.Time, batchSize int) (int64, error)
}

// CalculateNextRetryTime applies exponential backoff on top of the configured
// base delay: delay, 2*delay, 4*delay for attempts 1, 2, 3.
func CalculateNextRetryTime(attempts int, baseDelay time.Duration) time.Time {
	if attempts <= 0 {
		attempts = 1
	}
	backoff := baseDelay * time.Duration(1<<uint(attempts-1))
	return time.Now().UTC().Add(backoff)
}
