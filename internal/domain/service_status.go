package domain

import (
	"context"
	"time"
)

// Service health states recorded in the status table.
const (
	ServiceStatusHealthy  = "healthy"
	ServiceStatusDegraded = "degraded"
	ServiceStatusDown     = "down"
)

// ServiceStatus is the per-(service, machine) heartbeat row upserted by the
// health loop every tick.
type ServiceStatus struct {
	ID          int64  `json:"id"`
	ServiceName string `json:"service_name"`
	MachineName string `json:"machine_name"`
	Status      string `json:"status"`

	LastHeartbeat   time.Time `json:"last_heartbeat"`
	QueueDepth      int64     `json:"queue_depth"`
	EmailsPerHour   int64     `json:"emails_per_hour"`
	ErrorRate       float64   `json:"error_rate"`
	AvgProcessingMs float64   `json:"avg_processing_ms"`

	GoroutineCount   int   `json:"goroutine_count"`
	MemoryAllocBytes int64 `json:"memory_alloc_bytes"`
	UptimeSeconds    int64 `json:"uptime_seconds"`
	TotalProcessed   int64 `json:"total_processed"`
	TotalFailed      int64 `json:"total_failed"`
}

//go:generate mockgen -destination mocks/mock_service_status_repository.go -package mocks github.com/mailroom/mailroom/internal/domain ServiceStatusRepository

// ServiceStatusRepository is the persistence contract for heartbeats.
type ServiceStatusRepository interface {
	// Upsert inserts or replaces the row keyed by (service_name, machine_name).
	Upsert(ctx context.Context, status *ServiceStatus) error

	// DeleteOlderThan removes rows whose heartbeat predates the cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
