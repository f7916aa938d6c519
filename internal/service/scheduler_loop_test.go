package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailroom/mailroom/internal/domain"
	"github.com/mailroom/mailroom/pkg/logger"
)

type promoteCall struct {
	schedule *domain.ScheduledEmail
	item     *domain.QueueItem
	nextRun  *time.Time
}

type fakeScheduledRepo struct {
	due         []*domain.ScheduledEmail
	promotes    []promoteCall
	fetchErr    error
	promoteErrs map[int64]error
}

func (f *fakeScheduledRepo) FetchDue(ctx context.Context, now time.Time, limit int) ([]*domain.ScheduledEmail, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.due, nil
}

func (f *fakeScheduledRepo) Promote(ctx context.Context, schedule *domain.ScheduledEmail, item *domain.QueueItem, nextRun *time.Time) error {
	if err := f.promoteErrs[schedule.ID]; err != nil {
		return err
	}
	f.promotes = append(f.promotes, promoteCall{schedule, item, nextRun})
	return nil
}

func TestSchedulerTickPromotesOneShot(t *testing.T) {
	repo := &fakeScheduledRepo{
		due: []*domain.ScheduledEmail{
			{ID: 1, ScheduleID: "once", IsRecurring: false, ToEmails: "a@example.com", Subject: "s", Body: "b"},
		},
	}
	loop := NewSchedulerLoop(repo, time.Minute, logger.NewMockLogger(t))

	loop.tick()

	require.Len(t, repo.promotes, 1)
	call := repo.promotes[0]
	assert.Nil(t, call.nextRun, "one-shot schedules deactivate")
	assert.Equal(t, "scheduler", call.item.CreatedBy)
	assert.Equal(t, domain.StatusQueued, call.item.Status)
}

func TestSchedulerTickAdvancesRecurring(t *testing.T) {
	interval := 30
	repo := &fakeScheduledRepo{
		due: []*domain.ScheduledEmail{
			{ID: 2, ScheduleID: "recurring", IsRecurring: true, IntervalMinutes: &interval,
				ToEmails: "a@example.com", Subject: "s", Body: "b"},
		},
	}
	loop := NewSchedulerLoop(repo, time.Minute, logger.NewMockLogger(t))

	before := time.Now().UTC()
	loop.tick()

	require.Len(t, repo.promotes, 1)
	nextRun := repo.promotes[0].nextRun
	require.NotNil(t, nextRun)
	assert.WithinDuration(t, before.Add(30*time.Minute), *nextRun, 5*time.Second)
}

func TestSchedulerTickDeactivatesOnFinalExecution(t *testing.T) {
	interval := 30
	max := 5
	repo := &fakeScheduledRepo{
		due: []*domain.ScheduledEmail{
			{ID: 3, ScheduleID: "last-run", IsRecurring: true, IntervalMinutes: &interval,
				ExecutionCount: 4, MaxExecutions: &max,
				ToEmails: "a@example.com", Subject: "s", Body: "b"},
		},
	}
	loop := NewSchedulerLoop(repo, time.Minute, logger.NewMockLogger(t))

	loop.tick()

	require.Len(t, repo.promotes, 1)
	assert.Nil(t, repo.promotes[0].nextRun, "fifth execution of five deactivates the schedule")
}

func TestSchedulerTickSkipsInvalidCron(t *testing.T) {
	bad := "not a cron"
	repo := &fakeScheduledRepo{
		due: []*domain.ScheduledEmail{
			{ID: 4, ScheduleID: "broken", IsRecurring: true, CronExpression: &bad,
				ToEmails: "a@example.com", Subject: "s", Body: "b"},
		},
	}
	loop := NewSchedulerLoop(repo, time.Minute, logger.NewMockLogger(t))

	loop.tick()
	assert.Empty(t, repo.promotes, "a schedule with no computable next run is not promoted")
}

func TestSchedulerTickContinuesPastTakenSchedule(t *testing.T) {
	repo := &fakeScheduledRepo{
		due: []*domain.ScheduledEmail{
			{ID: 5, ScheduleID: "raced", ToEmails: "a@example.com", Subject: "s", Body: "b"},
			{ID: 6, ScheduleID: "mine", ToEmails: "b@example.com", Subject: "s", Body: "b"},
		},
		promoteErrs: map[int64]error{5: domain.ErrScheduleTaken},
	}
	loop := NewSchedulerLoop(repo, time.Minute, logger.NewMockLogger(t))

	loop.tick()

	// The schedule another replica already promoted is skipped quietly; the
	// rest of the batch still goes through.
	require.Len(t, repo.promotes, 1)
	assert.Equal(t, "mine", repo.promotes[0].schedule.ScheduleID)
}

func TestSchedulerStartStop(t *testing.T) {
	repo := &fakeScheduledRepo{}
	loop := NewSchedulerLoop(repo, time.Hour, logger.NewMockLogger(t))

	loop.Start()
	loop.Stop()
	// Stop again is a no-op.
	loop.Stop()
}
