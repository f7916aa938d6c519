package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mailroom/mailroom/config"
	"github.com/mailroom/mailroom/internal/domain"
	"github.com/mailroom/mailroom/pkg/logger"
)

// DispatchLoop polls the queue and fans claimed items out to the processor
// under a concurrency cap. One loop instance owns one worker id.
type DispatchLoop struct {
	queueService *QueueService
	processor    *Processor
	cfg          config.ProcessingConfig
	workerID     string
	logger       logger.Logger

	sem *semaphore.Weighted

	stopChan    chan struct{}
	stoppedChan chan struct{}
	mu          sync.Mutex
	running     bool
}

// NewDispatchLoop creates a new DispatchLoop
func NewDispatchLoop(
	queueService *QueueService,
	processor *Processor,
	cfg config.ProcessingConfig,
	workerID string,
	logger logger.Logger,
) *DispatchLoop {
	return &DispatchLoop{
		queueService: queueService,
		processor:    processor,
		cfg:          cfg,
		workerID:     workerID,
		logger:       logger,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrentWorkers)),
		stopChan:     make(chan struct{}),
		stoppedChan:  make(chan struct{}),
	}
}

// Start begins polling. It returns immediately; polling runs in a goroutine.
func (l *DispatchLoop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return
	}
	l.running = true

	l.logger.WithFields(map[string]interface{}{
		"worker_id":        l.workerID,
		"polling_interval": l.cfg.PollingInterval.String(),
		"batch_size":       l.cfg.BatchSize,
		"max_concurrent":   l.cfg.MaxConcurrentWorkers,
	}).Info("Dispatch loop started")

	go l.run()
}

// Stop halts polling and waits for in-flight sends to finish.
func (l *DispatchLoop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()

	close(l.stopChan)
	<-l.stoppedChan
	l.logger.WithField("worker_id", l.workerID).Info("Dispatch loop stopped")
}

func (l *DispatchLoop) run() {
	defer close(l.stoppedChan)

	ticker := time.NewTicker(l.cfg.PollingInterval)
	defer ticker.Stop()

	// Drain once at startup rather than waiting a full interval.
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

// tick claims one batch and dispatches it. The batch finishes before the next
// claim so a slow batch backs off polling instead of stacking goroutines.
func (l *DispatchLoop) tick() {
	ctx := context.Background()

	items, err := l.queueService.ClaimBatch(ctx, l.workerID, l.cfg.BatchSize)
	if err != nil {
		l.logger.WithField("error", err.Error()).Error("Failed to claim batch")
		return
	}
	if len(items) == 0 {
		return
	}

	l.logger.WithFields(map[string]interface{}{
		"worker_id": l.workerID,
		"count":     len(items),
	}).Debug("Claimed batch")

	var wg sync.WaitGroup
	for _, item := range items {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			l.logger.WithField("error", err.Error()).Error("Failed to acquire dispatch slot")
			break
		}

		wg.Add(1)
		go func(item *domain.QueueItem) {
			defer wg.Done()
			defer l.sem.Release(1)

			if err := l.processor.Process(ctx, item, l.workerID); err != nil {
				l.logger.WithFields(map[string]interface{}{
					"queue_id": item.QueueID,
					"error":    err.Error(),
				}).Error("Failed to finalize queue item")
			}
		}(item)
	}
	wg.Wait()
}
