package service

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/mailroom/mailroom/config"
	"github.com/mailroom/mailroom/internal/domain"
	"github.com/mailroom/mailroom/pkg/logger"
	"github.com/mailroom/mailroom/pkg/mailer"
)

// Alert thresholds. Depth and rate checks run every health tick.
const (
	queueDepthWarning     = 1000
	queueDepthCritical    = 5000
	failureRatePercentMax = 10.0
	lowThroughputPerHour  = 10
	lowThroughputMinDepth = 100

	// alertCooldown suppresses repeats of the same alert kind.
	alertCooldown = 1 * time.Hour

	healthProbeTimeout = 10 * time.Second
)

// HealthLoop is the worker's watchdog: it heartbeats to the status table,
// resets stuck items, and raises alerts on queue pathologies.
type HealthLoop struct {
	db           *sql.DB
	transport    mailer.Transport
	queueService *QueueService
	historyRepo  domain.EmailHistoryRepository
	statusRepo   domain.ServiceStatusRepository

	workerCfg   config.WorkerConfig
	smtpCfg     config.SMTPConfig
	machineName string
	startedAt   time.Time
	logger      logger.Logger

	httpClient *http.Client
	lastAlert  map[string]time.Time

	// diskPath and diskUsage are fields so tests can point the check at a
	// fake filesystem.
	diskPath  string
	diskUsage func(string) (float64, error)

	stopChan    chan struct{}
	stoppedChan chan struct{}
	mu          sync.Mutex
	running     bool
}

// NewHealthLoop creates a new HealthLoop
func NewHealthLoop(
	db *sql.DB,
	transport mailer.Transport,
	queueService *QueueService,
	historyRepo domain.EmailHistoryRepository,
	statusRepo domain.ServiceStatusRepository,
	workerCfg config.WorkerConfig,
	smtpCfg config.SMTPConfig,
	machineName string,
	logger logger.Logger,
) *HealthLoop {
	return &HealthLoop{
		db:           db,
		transport:    transport,
		queueService: queueService,
		historyRepo:  historyRepo,
		statusRepo:   statusRepo,
		workerCfg:    workerCfg,
		smtpCfg:      smtpCfg,
		machineName:  machineName,
		startedAt:    time.Now().UTC(),
		logger:       logger,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		lastAlert:    make(map[string]time.Time),
		diskPath:     "/",
		diskUsage:    diskUsagePercent,
		stopChan:     make(chan struct{}),
		stoppedChan:  make(chan struct{}),
	}
}

// Start begins the periodic health check.
func (l *HealthLoop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return
	}
	l.running = true

	l.logger.WithField("interval", l.workerCfg.HealthCheckInterval.String()).Info("Health loop started")
	go l.run()
}

// Stop halts the loop and waits for the current tick to finish.
func (l *HealthLoop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()

	close(l.stopChan)
	<-l.stoppedChan
	l.logger.Info("Health loop stopped")
}

func (l *HealthLoop) run() {
	defer close(l.stoppedChan)

	ticker := time.NewTicker(l.workerCfg.HealthCheckInterval)
	defer ticker.Stop()

	l.tick()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *HealthLoop) tick() {
	ctx := context.Background()

	if err := l.pingDatabase(ctx); err != nil {
		// Without the database there is nothing to heartbeat into; log and
		// wait for the next tick.
		l.logger.WithField("error", err.Error()).Error("Database health check failed")
		return
	}

	if _, err := l.queueService.ResetStuck(ctx); err != nil {
		l.logger.WithField("error", err.Error()).Error("Failed to reset stuck items")
	}

	status := l.collectStatus(ctx)

	if err := l.statusRepo.Upsert(ctx, status); err != nil {
		l.logger.WithField("error", err.Error()).Error("Failed to upsert service status")
	}

	l.evaluateAlerts(ctx, status)

	if status.Status != domain.ServiceStatusHealthy {
		l.sendStatusReport(ctx, status)
	}
}

// sendStatusReport mails the current heartbeat snapshot to the status report
// address when the service is not healthy. Shares the alert cooldown so a
// long degradation produces one report per window.
func (l *HealthLoop) sendStatusReport(ctx context.Context, status *domain.ServiceStatus) {
	if l.workerCfg.StatusReportEmail == "" {
		return
	}

	l.mu.Lock()
	if last, ok := l.lastAlert["status_report"]; ok && time.Since(last) < alertCooldown {
		l.mu.Unlock()
		return
	}
	l.lastAlert["status_report"] = time.Now().UTC()
	l.mu.Unlock()

	body := fmt.Sprintf(
		"Service %s on %s is %s.\n\nQueue depth: %d\nEmails last hour: %d\nError rate: %.1f%%\nAvg processing: %.0f ms\nUptime: %ds\n",
		status.ServiceName, status.MachineName, status.Status,
		status.QueueDepth, status.EmailsPerHour, status.ErrorRate,
		status.AvgProcessingMs, status.UptimeSeconds)

	envelope := &mailer.Envelope{
		FromEmail: l.smtpCfg.SenderEmail,
		FromName:  l.smtpCfg.SenderName,
		To:        []string{l.workerCfg.StatusReportEmail},
		Subject:   fmt.Sprintf("Status report: %s is %s on %s", status.ServiceName, status.Status, status.MachineName),
		Body:      body,
	}
	if _, err := l.transport.Send(ctx, envelope); err != nil {
		l.logger.WithField("error", err.Error()).Error("Failed to send status report")
	}
}

func (l *HealthLoop) pingDatabase(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	return l.db.PingContext(ctx)
}

// collectStatus gathers queue, history and runtime metrics into one heartbeat.
func (l *HealthLoop) collectStatus(ctx context.Context) *domain.ServiceStatus {
	now := time.Now().UTC()
	status := &domain.ServiceStatus{
		ServiceName:   l.workerCfg.ServiceName,
		MachineName:   l.machineName,
		Status:        domain.ServiceStatusHealthy,
		LastHeartbeat: now,
		UptimeSeconds: int64(now.Sub(l.startedAt).Seconds()),
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	status.GoroutineCount = runtime.NumGoroutine()
	status.MemoryAllocBytes = int64(memStats.Alloc)

	stats, err := l.queueService.GetStatistics(ctx)
	if err != nil {
		l.logger.WithField("error", err.Error()).Error("Failed to read queue statistics")
		status.Status = domain.ServiceStatusDegraded
	} else {
		status.QueueDepth = stats.Depth()
	}

	hourAgo := now.Add(-1 * time.Hour)
	sent, sentErr := l.historyRepo.CountByStatusSince(ctx, domain.StatusSent, hourAgo)
	failed, failedErr := l.historyRepo.CountByStatusSince(ctx, domain.StatusFailed, hourAgo)
	if sentErr == nil && failedErr == nil {
		status.EmailsPerHour = sent
		if total := sent + failed; total > 0 {
			status.ErrorRate = float64(failed) / float64(total) * 100
		}
	}

	if avg, err := l.historyRepo.AverageProcessingTimeSince(ctx, hourAgo); err == nil {
		status.AvgProcessingMs = avg
	}

	sinceStart := l.startedAt
	if processed, err := l.historyRepo.CountByStatusSince(ctx, domain.StatusSent, sinceStart); err == nil {
		status.TotalProcessed = processed
	}
	if failedTotal, err := l.historyRepo.CountByStatusSince(ctx, domain.StatusFailed, sinceStart); err == nil {
		status.TotalFailed = failedTotal
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	if err := l.transport.Probe(probeCtx); err != nil {
		l.logger.WithField("error", err.Error()).Warn("SMTP probe failed")
		status.Status = domain.ServiceStatusDegraded
	}

	if status.QueueDepth > queueDepthCritical || status.ErrorRate > failureRatePercentMax {
		status.Status = domain.ServiceStatusDegraded
	}

	return status
}

func (l *HealthLoop) evaluateAlerts(ctx context.Context, status *domain.ServiceStatus) {
	if status.QueueDepth > queueDepthCritical {
		l.raiseAlert(ctx, "queue_depth_critical", "critical",
			fmt.Sprintf("Queue depth %d exceeds critical threshold %d", status.QueueDepth, queueDepthCritical))
	} else if status.QueueDepth > queueDepthWarning {
		l.raiseAlert(ctx, "queue_depth_warning", "warning",
			fmt.Sprintf("Queue depth %d exceeds warning threshold %d", status.QueueDepth, queueDepthWarning))
	}

	if status.ErrorRate > failureRatePercentMax {
		l.raiseAlert(ctx, "failure_rate", "critical",
			fmt.Sprintf("Failure rate %.1f%% over the last hour exceeds %.0f%%", status.ErrorRate, failureRatePercentMax))
	}

	if status.QueueDepth > lowThroughputMinDepth && status.EmailsPerHour < lowThroughputPerHour {
		l.raiseAlert(ctx, "low_throughput", "warning",
			fmt.Sprintf("Throughput %d/hr with queue depth %d suggests a stalled pipeline",
				status.EmailsPerHour, status.QueueDepth))
	}

	if threshold := l.workerCfg.DiskAlertThresholdPercent; threshold > 0 {
		usage, err := l.diskUsage(l.diskPath)
		if err != nil {
			l.logger.WithField("error", err.Error()).Warn("Failed to read disk usage")
		} else if usage >= float64(threshold) {
			l.raiseAlert(ctx, "disk_usage", "critical",
				fmt.Sprintf("Disk usage %.1f%% on %s has reached the %d%% threshold", usage, l.diskPath, threshold))
		}
	}
}

// raiseAlert fans one alert out to the alert email and the webhook, with a
// per-kind cooldown so a sustained condition does not flood either channel.
func (l *HealthLoop) raiseAlert(ctx context.Context, kind, severity, message string) {
	l.mu.Lock()
	if last, ok := l.lastAlert[kind]; ok && time.Since(last) < alertCooldown {
		l.mu.Unlock()
		return
	}
	l.lastAlert[kind] = time.Now().UTC()
	l.mu.Unlock()

	l.logger.WithFields(map[string]interface{}{
		"kind":     kind,
		"severity": severity,
	}).Warn(message)

	if l.workerCfg.AlertEmail != "" {
		envelope := &mailer.Envelope{
			FromEmail: l.smtpCfg.SenderEmail,
			FromName:  l.smtpCfg.SenderName,
			To:        []string{l.workerCfg.AlertEmail},
			Subject:   fmt.Sprintf("[%s] %s alert on %s", severity, kind, l.machineName),
			Body:      message,
		}
		if _, err := l.transport.Send(ctx, envelope); err != nil {
			l.logger.WithField("error", err.Error()).Error("Failed to send alert email")
		}
	}

	if l.workerCfg.WebhookURL != "" {
		l.postWebhook(ctx, kind, severity, message)
	}
}

func (l *HealthLoop) postWebhook(ctx context.Context, kind, severity, message string) {
	payload, err := json.Marshal(map[string]interface{}{
		"service":   l.workerCfg.ServiceName,
		"machine":   l.machineName,
		"kind":      kind,
		"severity":  severity,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.workerCfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		l.logger.WithField("error", err.Error()).Error("Failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		l.logger.WithField("error", err.Error()).Error("Failed to post alert webhook")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		l.logger.WithField("status", resp.StatusCode).Warn("Alert webhook returned non-success status")
	}
}
