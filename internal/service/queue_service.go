package service

import (
	"context"
	"fmt"
	"time"

	"github.com/mailroom/mailroom/config"
	"github.com/mailroom/mailroom/internal/domain"
	"github.com/mailroom/mailroom/pkg/logger"
)

// QueueService applies the retry and history policy on top of the queue
// repository. Repositories move rows; this layer decides which move to make.
type QueueService struct {
	queueRepo   domain.EmailQueueRepository
	historyRepo domain.EmailHistoryRepository
	cfg         config.ProcessingConfig
	logger      logger.Logger
}

// NewQueueService creates a new QueueService
func NewQueueService(
	queueRepo domain.EmailQueueRepository,
	historyRepo domain.EmailHistoryRepository,
	cfg config.ProcessingConfig,
	logger logger.Logger,
) *QueueService {
	return &QueueService{
		queueRepo:   queueRepo,
		historyRepo: historyRepo,
		cfg:         cfg,
		logger:      logger,
	}
}

// Enqueue inserts a new queue item.
func (s *QueueService) Enqueue(ctx context.Context, item *domain.QueueItem) error {
	return s.queueRepo.Insert(ctx, item)
}

// ClaimBatch claims up to batchSize eligible items for workerID.
func (s *QueueService) ClaimBatch(ctx context.Context, workerID string, batchSize int) ([]*domain.QueueItem, error) {
	return s.queueRepo.ClaimBatch(ctx, workerID, batchSize)
}

// Outcome captures what the pipeline produced for one item so the terminal
// history row can be written from final values, not the raw queue row.
type Outcome struct {
	FinalBody       string
	TemplateUsed    *string
	AttachmentCount int
	StartedAt       time.Time
}

// FinalizeSent marks the item sent and writes its history row.
func (s *QueueService) FinalizeSent(ctx context.Context, item *domain.QueueItem, workerID string, outcome *Outcome) error {
	processedAt := time.Now().UTC()
	if err := s.queueRepo.MarkSent(ctx, item.QueueID, workerID, processedAt); err != nil {
		return err
	}

	s.writeHistory(ctx, item, workerID, domain.StatusSent, &processedAt, nil, outcome)
	return nil
}

// FinalizeFailed applies the retry policy to a failed item. Transient failures
// with attempts remaining go back to queued with a backoff delay; everything
// else is terminal and gets a history row.
func (s *QueueService) FinalizeFailed(ctx context.Context, item *domain.QueueItem, workerID string, procErr error, outcome *Outcome) error {
	message := procErr.Error()

	if domain.IsTransient(procErr) && item.RetryCount < s.cfg.MaxRetryAttempts {
		nextRetry := domain.CalculateNextRetryTime(item.RetryCount+1, s.cfg.RetryDelay)
		if err := s.queueRepo.Requeue(ctx, item.QueueID, message, nextRetry); err != nil {
			return fmt.Errorf("failed to requeue item: %w", err)
		}
		s.logger.WithFields(map[string]interface{}{
			"queue_id":      item.QueueID,
			"retry_count":   item.RetryCount + 1,
			"next_retry_at": nextRetry,
		}).Warn("Email requeued for retry")
		return nil
	}

	if err := s.queueRepo.MarkFailed(ctx, item.QueueID, message); err != nil {
		return fmt.Errorf("failed to mark item failed: %w", err)
	}

	s.writeHistory(ctx, item, workerID, domain.StatusFailed, nil, &message, outcome)
	return nil
}

// Cancel cancels a queued or processing item by queue id.
func (s *QueueService) Cancel(ctx context.Context, queueID string) error {
	return s.queueRepo.Cancel(ctx, queueID)
}

// GetStuck lists items stuck in processing beyond the configured limit.
func (s *QueueService) GetStuck(ctx context.Context) ([]*domain.QueueItem, error) {
	return s.queueRepo.GetStuck(ctx, s.cfg.MaxProcessingTime)
}

// ResetStuck requeues items stuck in processing beyond the configured limit.
func (s *QueueService) ResetStuck(ctx context.Context) (int64, error) {
	reset, err := s.queueRepo.ResetStuck(ctx, s.cfg.MaxProcessingTime)
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		s.logger.WithField("count", reset).Warn("Reset stuck processing items")
	}
	return reset, nil
}

// GetStatistics returns the current queue aggregate snapshot.
func (s *QueueService) GetStatistics(ctx context.Context) (*domain.QueueStatistics, error) {
	return s.queueRepo.GetStatistics(ctx)
}

// writeHistory records the terminal transition. History is best-effort: a
// failed insert is logged, never propagated, so the status transition that
// already committed stays authoritative.
func (s *QueueService) writeHistory(ctx context.Context, item *domain.QueueItem, workerID string, status domain.EmailStatus, sentAt *time.Time, errorDetails *string, outcome *Outcome) {
	history := &domain.EmailHistory{
		QueueID:      item.QueueID,
		ToEmails:     item.ToEmails,
		CcEmails:     item.CcEmails,
		BccEmails:    item.BccEmails,
		Subject:      item.Subject,
		Status:       status,
		SentAt:       sentAt,
		RetryCount:   item.RetryCount,
		TemplateID:   item.TemplateID,
		ErrorDetails: errorDetails,
		ProcessedBy:  workerID,
	}
	if outcome != nil {
		history.FinalBody = outcome.FinalBody
		history.TemplateUsed = outcome.TemplateUsed
		history.AttachmentCount = outcome.AttachmentCount
		if !outcome.StartedAt.IsZero() {
			history.ProcessingTimeMs = time.Since(outcome.StartedAt).Milliseconds()
		}
	}
	if history.FinalBody == "" {
		history.FinalBody = item.Body
	}

	if err := s.historyRepo.Insert(ctx, history); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"queue_id": item.QueueID,
			"error":    err.Error(),
		}).Error("Failed to write email history")
	}
}
