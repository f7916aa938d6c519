package service

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mailroom/mailroom/config"
	"github.com/mailroom/mailroom/internal/domain"
	"github.com/mailroom/mailroom/internal/repository"
	"github.com/mailroom/mailroom/pkg/logger"
)

// archiveFetchLimit bounds one archival batch of history rows.
const archiveFetchLimit = 500

// CleanupLoop enforces retention across all tables once per cleanup interval,
// aligned to the configured wall-clock time. History rows are archived to disk
// before deletion when archival is enabled.
type CleanupLoop struct {
	queueRepo      domain.EmailQueueRepository
	historyRepo    domain.EmailHistoryRepository
	logRepo        domain.ProcessingLogRepository
	statusRepo     domain.ServiceStatusRepository
	attachmentRepo *repository.AttachmentRepository

	cfg    config.CleanupConfig
	logger logger.Logger

	// now is swappable for tests.
	now func() time.Time

	stopChan    chan struct{}
	stoppedChan chan struct{}
	mu          sync.Mutex
	running     bool
}

// NewCleanupLoop creates a new CleanupLoop
func NewCleanupLoop(
	queueRepo domain.EmailQueueRepository,
	historyRepo domain.EmailHistoryRepository,
	logRepo domain.ProcessingLogRepository,
	statusRepo domain.ServiceStatusRepository,
	attachmentRepo *repository.AttachmentRepository,
	cfg config.CleanupConfig,
	logger logger.Logger,
) *CleanupLoop {
	return &CleanupLoop{
		queueRepo:      queueRepo,
		historyRepo:    historyRepo,
		logRepo:        logRepo,
		statusRepo:     statusRepo,
		attachmentRepo: attachmentRepo,
		cfg:            cfg,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
		stopChan:       make(chan struct{}),
		stoppedChan:    make(chan struct{}),
	}
}

// Start begins waiting for the next aligned cleanup run.
func (l *CleanupLoop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return
	}
	l.running = true

	l.logger.WithFields(map[string]interface{}{
		"cleanup_time": l.cfg.Time,
		"interval":     l.cfg.Interval.String(),
	}).Info("Cleanup loop started")

	go l.run()
}

// Stop halts the loop and waits for any in-progress run to finish.
func (l *CleanupLoop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()

	close(l.stopChan)
	<-l.stoppedChan
	l.logger.Info("Cleanup loop stopped")
}

func (l *CleanupLoop) run() {
	defer close(l.stoppedChan)

	for {
		wait := time.Until(l.NextRunTime(l.now()))
		timer := time.NewTimer(wait)

		select {
		case <-l.stopChan:
			timer.Stop()
			return
		case <-timer.C:
			l.RunOnce(context.Background())
		}
	}
}

// NextRunTime returns the next wall-clock instant, in UTC, at which cleanup
// should run after the given time.
func (l *CleanupLoop) NextRunTime(after time.Time) time.Time {
	after = after.UTC()
	parsed, err := time.Parse("15:04", l.cfg.Time)
	if err != nil {
		// Config validation rejects malformed times; fall back to interval
		// pacing if one slips through.
		return after.Add(l.cfg.Interval)
	}

	next := time.Date(after.Year(), after.Month(), after.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, time.UTC)
	for !next.After(after) {
		next = next.Add(l.cfg.Interval)
	}
	return next
}

// RunOnce executes one full retention pass.
func (l *CleanupLoop) RunOnce(ctx context.Context) {
	started := l.now()
	l.logger.Info("Cleanup run started")

	retention := l.effectiveRetention()

	historyCutoff := started.AddDate(0, 0, -retention.historyDays)
	var archived, deletedHistory int64
	var err error
	if l.cfg.Archive.Enabled {
		archived, deletedHistory, err = l.archiveHistory(ctx, historyCutoff)
		if err != nil {
			l.logger.WithField("error", err.Error()).Error("History archival failed")
		}
	} else {
		deletedHistory, err = l.historyRepo.DeleteOlderThan(ctx, historyCutoff, l.cfg.BatchSize)
		if err != nil {
			l.logger.WithField("error", err.Error()).Error("Failed to delete old history")
		}
	}

	deletedLogs, err := l.logRepo.DeleteOlderThan(ctx, started.AddDate(0, 0, -retention.logDays), l.cfg.BatchSize)
	if err != nil {
		l.logger.WithField("error", err.Error()).Error("Failed to delete old processing logs")
	}

	deletedSent := l.deleteQueueRows(ctx, domain.StatusSent, started.AddDate(0, 0, -retention.sentDays))
	deletedFailed := l.deleteQueueRows(ctx, domain.StatusFailed, started.AddDate(0, 0, -retention.failedDays))
	deletedCancelled := l.deleteQueueRows(ctx, domain.StatusCancelled, started.AddDate(0, 0, -retention.failedDays))

	deletedAttachments, err := l.attachmentRepo.DeleteOrphaned(ctx, l.cfg.BatchSize)
	if err != nil {
		l.logger.WithField("error", err.Error()).Error("Failed to delete orphaned attachments")
	}

	deletedStatus, err := l.statusRepo.DeleteOlderThan(ctx, started.AddDate(0, 0, -l.cfg.ServiceStatusRetentionDays))
	if err != nil {
		l.logger.WithField("error", err.Error()).Error("Failed to delete stale service status rows")
	}

	l.logger.WithFields(map[string]interface{}{
		"archived":            archived,
		"deleted_history":     deletedHistory,
		"deleted_logs":        deletedLogs,
		"deleted_sent":        deletedSent,
		"deleted_failed":      deletedFailed,
		"deleted_cancelled":   deletedCancelled,
		"deleted_attachments": deletedAttachments,
		"deleted_status":      deletedStatus,
		"duration_ms":         time.Since(started).Milliseconds(),
	}).Info("Cleanup run finished")
}

type retentionDays struct {
	historyDays int
	logDays     int
	sentDays    int
	failedDays  int
}

// effectiveRetention halves the retention windows when the disk holding the
// archive path crosses the aggressive threshold.
func (l *CleanupLoop) effectiveRetention() retentionDays {
	r := retentionDays{
		historyDays: l.cfg.EmailHistoryRetentionDays,
		logDays:     l.cfg.ProcessingLogRetentionDays,
		sentDays:    l.cfg.SuccessfulEmailRetentionDays,
		failedDays:  l.cfg.FailedEmailRetentionDays,
	}

	path := l.cfg.Archive.Path
	if path == "" {
		path = "."
	}
	usage, err := diskUsagePercent(path)
	if err != nil {
		return r
	}

	if usage >= float64(l.cfg.AggressiveThresholdPercent) {
		l.logger.WithField("disk_usage_percent", usage).Warn("Disk usage high, halving retention windows")
		r.historyDays = halveDays(r.historyDays)
		r.logDays = halveDays(r.logDays)
		r.sentDays = halveDays(r.sentDays)
		r.failedDays = halveDays(r.failedDays)
	}
	return r
}

func halveDays(days int) int {
	if days <= 1 {
		return 1
	}
	return days / 2
}

func (l *CleanupLoop) deleteQueueRows(ctx context.Context, status domain.EmailStatus, cutoff time.Time) int64 {
	deleted, err := l.queueRepo.DeleteByStatusOlderThan(ctx, status, cutoff, l.cfg.BatchSize)
	if err != nil {
		l.logger.WithFields(map[string]interface{}{
			"status": status.String(),
			"error":  err.Error(),
		}).Error("Failed to delete old queue rows")
	}
	return deleted
}

// archiveHistory writes expiring history rows to the archive directory as JSON
// lines, then deletes the archived rows. Rows are only deleted after their
// batch is flushed to disk.
func (l *CleanupLoop) archiveHistory(ctx context.Context, cutoff time.Time) (archived, deleted int64, err error) {
	if err := os.MkdirAll(l.cfg.Archive.Path, 0o755); err != nil {
		return 0, 0, fmt.Errorf("failed to create archive directory: %w", err)
	}

	writer, err := newArchiveWriter(l.cfg.Archive, l.now())
	if err != nil {
		return 0, 0, err
	}
	defer writer.Close()

	for {
		batch, err := l.historyRepo.FetchOlderThan(ctx, cutoff, archiveFetchLimit)
		if err != nil {
			return archived, deleted, fmt.Errorf("failed to fetch history for archival: %w", err)
		}
		if len(batch) == 0 {
			return archived, deleted, nil
		}

		ids := make([]int64, 0, len(batch))
		for _, row := range batch {
			if err := writer.Write(row); err != nil {
				return archived, deleted, fmt.Errorf("failed to write archive: %w", err)
			}
			ids = append(ids, row.ID)
		}
		if err := writer.Flush(); err != nil {
			return archived, deleted, fmt.Errorf("failed to flush archive: %w", err)
		}
		archived += int64(len(batch))

		removed, err := l.historyRepo.DeleteByIDs(ctx, ids)
		if err != nil {
			return archived, deleted, fmt.Errorf("failed to delete archived history: %w", err)
		}
		deleted += removed

		if len(batch) < archiveFetchLimit {
			return archived, deleted, nil
		}
	}
}

// archiveWriter appends JSON lines to date-stamped files, rotating by size.
type archiveWriter struct {
	cfg      config.ArchiveConfig
	date     string
	sequence int

	file    *os.File
	gz      *gzip.Writer
	out     io.Writer
	written int64
}

func newArchiveWriter(cfg config.ArchiveConfig, now time.Time) (*archiveWriter, error) {
	w := &archiveWriter{cfg: cfg, date: now.Format("2006-01-02"), sequence: 1}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *archiveWriter) fileName() string {
	name := fmt.Sprintf("emailhistory-%s", w.date)
	if w.sequence > 1 {
		name = fmt.Sprintf("%s-%d", name, w.sequence)
	}
	name += ".json"
	if w.cfg.Compress {
		name += ".gz"
	}
	return filepath.Join(w.cfg.Path, name)
}

func (w *archiveWriter) open() error {
	file, err := os.OpenFile(w.fileName(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open archive file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat archive file: %w", err)
	}

	w.file = file
	w.written = info.Size()
	if w.cfg.Compress {
		w.gz = gzip.NewWriter(file)
		w.out = w.gz
	} else {
		w.out = file
	}
	return nil
}

func (w *archiveWriter) maxBytes() int64 {
	return int64(w.cfg.MaxFileSizeMB) * 1024 * 1024
}

// Write appends one row, rotating to the next numbered file when the current
// one crosses the size cap.
func (w *archiveWriter) Write(row *domain.EmailHistory) error {
	if w.written >= w.maxBytes() {
		if err := w.Close(); err != nil {
			return err
		}
		w.sequence++
		if err := w.open(); err != nil {
			return err
		}
	}

	line, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal history row: %w", err)
	}
	line = append(line, '\n')

	n, err := w.out.Write(line)
	w.written += int64(n)
	return err
}

func (w *archiveWriter) Flush() error {
	if w.gz != nil {
		if err := w.gz.Flush(); err != nil {
			return err
		}
	}
	return w.file.Sync()
}

func (w *archiveWriter) Close() error {
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			w.file.Close()
			return err
		}
		w.gz = nil
	}
	return w.file.Close()
}
