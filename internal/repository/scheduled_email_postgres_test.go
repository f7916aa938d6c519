package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailroom/mailroom/internal/domain"
	"github.com/mailroom/mailroom/internal/repository/testutil"
)

var scheduledRowColumns = []string{
	"id", "schedule_id", "next_run_time", "cron_expression", "interval_minutes",
	"is_recurring", "is_active", "execution_count", "max_executions", "last_executed_at",
	"to_emails", "cc_emails", "bcc_emails", "subject", "body", "is_html", "template_id",
	"template_data", "attachments", "priority", "created_at", "updated_at", "created_by",
}

func TestFetchDue(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	queueRepo := NewEmailQueueRepository(db)
	repo := NewScheduledEmailRepository(db, queueRepo)

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT (.+) FROM scheduled_emails").
		WithArgs(now, 100).
		WillReturnRows(sqlmock.NewRows(scheduledRowColumns).AddRow(
			int64(1), "sched-1", now.Add(-time.Minute), "*/5 * * * *", nil,
			true, true, 2, nil, nil,
			"to@example.com", nil, nil, "subject", "body", false, nil,
			nil, nil, int(domain.PriorityNormal), now, now, "api",
		))

	schedules, err := repo.FetchDue(context.Background(), now, 100)
	require.NoError(t, err)
	require.Len(t, schedules, 1)

	s := schedules[0]
	assert.Equal(t, "sched-1", s.ScheduleID)
	assert.True(t, s.IsRecurring)
	require.NotNil(t, s.CronExpression)
	assert.Equal(t, "*/5 * * * *", *s.CronExpression)
	assert.Nil(t, s.MaxExecutions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromoteRecurring(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	queueRepo := NewEmailQueueRepository(db)
	repo := NewScheduledEmailRepository(db, queueRepo)

	due := time.Now().UTC().Add(-time.Minute)
	schedule := &domain.ScheduledEmail{ID: 1, ScheduleID: "sched-1", NextRunTime: due}
	item := schedule.ToQueueItem()
	item.ToEmails = "to@example.com"
	nextRun := time.Now().UTC().Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE scheduled_emails").
		WithArgs(int64(1), sqlmock.AnyArg(), nextRun, due).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO email_queue").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectCommit()

	err := repo.Promote(context.Background(), schedule, item, &nextRun)
	require.NoError(t, err)
	assert.Equal(t, int64(9), item.ID)
	assert.NotEmpty(t, item.QueueID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromoteFinalExecutionDeactivates(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	queueRepo := NewEmailQueueRepository(db)
	repo := NewScheduledEmailRepository(db, queueRepo)

	due := time.Now().UTC().Add(-time.Minute)
	schedule := &domain.ScheduledEmail{ID: 2, ScheduleID: "sched-2", NextRunTime: due}
	item := schedule.ToQueueItem()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE scheduled_emails").
		WithArgs(int64(2), sqlmock.AnyArg(), due).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO email_queue").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
	mock.ExpectCommit()

	err := repo.Promote(context.Background(), schedule, item, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromoteSkipsWhenAnotherReplicaWon(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	queueRepo := NewEmailQueueRepository(db)
	repo := NewScheduledEmailRepository(db, queueRepo)

	due := time.Now().UTC().Add(-time.Minute)
	schedule := &domain.ScheduledEmail{ID: 3, ScheduleID: "sched-3", NextRunTime: due}
	item := schedule.ToQueueItem()

	// The guarded update matches nothing because a concurrent replica already
	// advanced next_run_time; no queue row may be inserted.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE scheduled_emails").
		WithArgs(int64(3), sqlmock.AnyArg(), due).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Promote(context.Background(), schedule, item, nil)
	assert.ErrorIs(t, err, domain.ErrScheduleTaken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromoteRollsBackOnScheduleUpdateFailure(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	queueRepo := NewEmailQueueRepository(db)
	repo := NewScheduledEmailRepository(db, queueRepo)

	schedule := &domain.ScheduledEmail{ID: 4, ScheduleID: "sched-4"}
	item := schedule.ToQueueItem()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE scheduled_emails").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := repo.Promote(context.Background(), schedule, item, nil)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
