package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mailroom/mailroom/internal/domain"
)

// ServiceStatusRepository implements domain.ServiceStatusRepository on Postgres.
type ServiceStatusRepository struct {
	db *sql.DB
}

// NewServiceStatusRepository creates a new ServiceStatusRepository
func NewServiceStatusRepository(db *sql.DB) *ServiceStatusRepository {
	return &ServiceStatusRepository{db: db}
}

// Upsert inserts or replaces the heartbeat row keyed by (service_name, machine_name)
func (r *ServiceStatusRepository) Upsert(ctx context.Context, status *domain.ServiceStatus) error {
	query := `
		INSERT INTO service_status (service_name, machine_name, status, last_heartbeat,
			queue_depth, emails_per_hour, error_rate, avg_processing_ms,
			goroutine_count, memory_alloc_bytes, uptime_seconds, total_processed, total_failed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (service_name, machine_name) DO UPDATE SET
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			queue_depth = EXCLUDED.queue_depth,
			emails_per_hour = EXCLUDED.emails_per_hour,
			error_rate = EXCLUDED.error_rate,
			avg_processing_ms = EXCLUDED.avg_processing_ms,
			goroutine_count = EXCLUDED.goroutine_count,
			memory_alloc_bytes = EXCLUDED.memory_alloc_bytes,
			uptime_seconds = EXCLUDED.uptime_seconds,
			total_processed = EXCLUDED.total_processed,
			total_failed = EXCLUDED.total_failed
	`

	_, err := r.db.ExecContext(ctx, query,
		status.ServiceName, status.MachineName, status.Status, status.LastHeartbeat.UTC(),
		status.QueueDepth, status.EmailsPerHour, status.ErrorRate, status.AvgProcessingMs,
		status.GoroutineCount, status.MemoryAllocBytes, status.UptimeSeconds,
		status.TotalProcessed, status.TotalFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert service status: %w", err)
	}

	return nil
}

// DeleteOlderThan removes rows whose heartbeat predates the cutoff
func (r *ServiceStatusRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM service_status WHERE last_heartbeat < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old service status rows: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}
