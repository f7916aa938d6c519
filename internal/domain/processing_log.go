package domain

import (
	"context"
	"time"
)

// Log levels for ProcessingLog rows.
const (
	LogLevelDebug   = "debug"
	LogLevelInfo    = "info"
	LogLevelWarning = "warning"
	LogLevelError   = "error"
)

// ProcessingLog is a structured event written alongside zerolog output so the
// trail survives in the database with the rows it describes.
type ProcessingLog struct {
	ID             int64     `json:"id"`
	LogLevel       string    `json:"log_level"`
	Category       string    `json:"category"`
	Message        string    `json:"message"`
	Exception      *string   `json:"exception,omitempty"`
	QueueID        *string   `json:"queue_id,omitempty"`
	WorkerID       *string   `json:"worker_id,omitempty"`
	ProcessingStep *string   `json:"processing_step,omitempty"`
	ContextData    *string   `json:"context_data,omitempty"`
	CorrelationID  *string   `json:"correlation_id,omitempty"`
	MachineName    string    `json:"machine_name"`
	CreatedAt      time.Time `json:"created_at"`
}

//go:generate mockgen -destination mocks/mock_processing_log_repository.go -package mocks github.com/mailroom/mailroom/internal/domain ProcessingLogRepository

// ProcessingLogRepository is the persistence contract for processing logs.
type ProcessingLogRepository interface {
	Insert(ctx context.Context, entry *ProcessingLog) error

	// DeleteOlderThan removes rows created before the cutoff in batches.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}
