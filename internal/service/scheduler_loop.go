package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mailroom/mailroom/internal/domain"
	"github.com/mailroom/mailroom/pkg/logger"
)

// schedulerFetchLimit bounds how many due schedules one tick promotes.
const schedulerFetchLimit = 100

// SchedulerLoop promotes due scheduled emails into the queue. Multiple
// replicas may run concurrently; the guarded update inside Promote ensures
// each due schedule is enqueued once.
type SchedulerLoop struct {
	repo     domain.ScheduledEmailRepository
	interval time.Duration
	logger   logger.Logger

	stopChan    chan struct{}
	stoppedChan chan struct{}
	mu          sync.Mutex
	running     bool
}

// NewSchedulerLoop creates a new SchedulerLoop
func NewSchedulerLoop(repo domain.ScheduledEmailRepository, interval time.Duration, logger logger.Logger) *SchedulerLoop {
	return &SchedulerLoop{
		repo:        repo,
		interval:    interval,
		logger:      logger,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start begins the periodic due-schedule check.
func (l *SchedulerLoop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return
	}
	l.running = true

	l.logger.WithField("interval", l.interval.String()).Info("Scheduler loop started")
	go l.run()
}

// Stop halts the loop and waits for the current tick to finish.
func (l *SchedulerLoop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()

	close(l.stopChan)
	<-l.stoppedChan
	l.logger.Info("Scheduler loop stopped")
}

func (l *SchedulerLoop) run() {
	defer close(l.stoppedChan)

	ticker := time.NewTicker(l.interval)
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

// tick promotes every due schedule once. A schedule that fails to promote is
// left untouched and retried next tick.
func (l *SchedulerLoop) tick() {
	ctx := context.Background()
	now := time.Now().UTC()

	schedules, err := l.repo.FetchDue(ctx, now, schedulerFetchLimit)
	if err != nil {
		l.logger.WithField("error", err.Error()).Error("Failed to fetch due schedules")
		return
	}

	for _, schedule := range schedules {
		err := l.promote(ctx, schedule, now)
		if errors.Is(err, domain.ErrScheduleTaken) {
			l.logger.WithField("schedule_id", schedule.ScheduleID).
				Debug("Schedule promoted by another replica")
			continue
		}
		if err != nil {
			l.logger.WithFields(map[string]interface{}{
				"schedule_id": schedule.ScheduleID,
				"error":       err.Error(),
			}).Error("Failed to promote schedule")
		}
	}
}

func (l *SchedulerLoop) promote(ctx context.Context, schedule *domain.ScheduledEmail, now time.Time) error {
	item := schedule.ToQueueItem()

	// One-shot schedules and exhausted recurrences deactivate after this
	// execution. ExecutionCount is pre-increment here, hence the +1.
	var nextRun *time.Time
	if schedule.IsRecurring {
		stillActive := schedule.MaxExecutions == nil || schedule.ExecutionCount+1 < *schedule.MaxExecutions
		if stillActive {
			next, err := schedule.ComputeNextRun(now)
			if err != nil {
				return err
			}
			nextRun = &next
		}
	}

	if err := l.repo.Promote(ctx, schedule, item, nextRun); err != nil {
		return err
	}

	fields := map[string]interface{}{
		"schedule_id": schedule.ScheduleID,
		"queue_id":    item.QueueID,
	}
	if nextRun != nil {
		fields["next_run_time"] = nextRun.Format(time.RFC3339)
	} else {
		fields["deactivated"] = true
	}
	l.logger.WithFields(fields).Info("Scheduled email promoted")

	return nil
}
