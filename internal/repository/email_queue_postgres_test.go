package repository

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailroom/mailroom/internal/domain"
	"github.com/mailroom/mailroom/internal/repository/testutil"
)

var queueRowColumns = []string{
	"id", "queue_id", "priority", "status", "to_emails", "cc_emails", "bcc_emails",
	"subject", "body", "is_html", "template_id", "template_data", "requires_template_processing",
	"attachments", "has_embedded_images", "retry_count", "processing_started_at", "processed_at",
	"error_message", "processed_by", "next_retry_at", "scheduled_for", "is_scheduled",
	"created_at", "updated_at", "created_by", "request_source",
}

func claimedRow(id int64, queueID, workerID string, now time.Time) []driverValue {
	return []driverValue{
		id, queueID, int(domain.PriorityNormal), int(domain.StatusProcessing),
		"to@example.com", nil, nil,
		"subject", "body", false, nil, nil, false,
		nil, false, 0, now, nil,
		nil, workerID, nil, nil, false,
		now, now, "api", nil,
	}
}

type driverValue = driver.Value

func TestInsertDefaults(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewEmailQueueRepository(db)
	item := &domain.QueueItem{
		ToEmails: "to@example.com",
		Subject:  "hello",
		Body:     "world",
	}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO email_queue").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectCommit()

	err := repo.Insert(context.Background(), item)
	require.NoError(t, err)

	assert.Equal(t, int64(42), item.ID)
	assert.NotEmpty(t, item.QueueID)
	assert.Equal(t, domain.PriorityNormal, item.Priority)
	assert.Equal(t, "api", item.CreatedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatch(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewEmailQueueRepository(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM email_queue").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)).AddRow(int64(1)))

	// RETURNING comes back in a different order than the claim select.
	returned := sqlmock.NewRows(queueRowColumns).
		AddRow(claimedRow(1, "q-1", "worker-1", now)...).
		AddRow(claimedRow(2, "q-2", "worker-1", now)...)
	mock.ExpectQuery("UPDATE email_queue").
		WithArgs("worker-1", sqlmock.AnyArg()).
		WillReturnRows(returned)
	mock.ExpectCommit()

	items, err := repo.ClaimBatch(context.Background(), "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)

	// Claim order preserved: id 2 was selected first.
	assert.Equal(t, int64(2), items[0].ID)
	assert.Equal(t, int64(1), items[1].ID)
	assert.Equal(t, domain.StatusProcessing, items[0].Status)
	require.NotNil(t, items[0].ProcessedBy)
	assert.Equal(t, "worker-1", *items[0].ProcessedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchEmpty(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewEmailQueueRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM email_queue").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	items, err := repo.ClaimBatch(context.Background(), "worker-1", 10)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSent(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewEmailQueueRepository(db)
	processedAt := time.Now().UTC()

	t.Run("owned row", func(t *testing.T) {
		mock.ExpectExec("UPDATE email_queue").
			WithArgs("q-1", "worker-1", processedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.MarkSent(context.Background(), "q-1", "worker-1", processedAt)
		assert.NoError(t, err)
	})

	t.Run("not owned", func(t *testing.T) {
		mock.ExpectExec("UPDATE email_queue").
			WithArgs("q-1", "other-worker", processedAt).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.MarkSent(context.Background(), "q-1", "other-worker", processedAt)
		assert.ErrorIs(t, err, domain.ErrNotOwner)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeue(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewEmailQueueRepository(db)
	nextRetry := time.Now().UTC().Add(5 * time.Minute)

	mock.ExpectExec("UPDATE email_queue").
		WithArgs("q-1", "timeout", nextRetry).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Requeue(context.Background(), "q-1", "timeout", nextRetry)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancel(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewEmailQueueRepository(db)
	now := time.Now().UTC()

	t.Run("cancels queued row", func(t *testing.T) {
		mock.ExpectExec("UPDATE email_queue").
			WithArgs("q-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.Cancel(context.Background(), "q-1"))
	})

	t.Run("no-op on terminal row", func(t *testing.T) {
		mock.ExpectExec("UPDATE email_queue").
			WithArgs("q-2").
			WillReturnResult(sqlmock.NewResult(0, 0))

		row := claimedRow(2, "q-2", "worker-1", now)
		mock.ExpectQuery("SELECT (.+) FROM email_queue WHERE queue_id").
			WithArgs("q-2").
			WillReturnRows(sqlmock.NewRows(queueRowColumns).AddRow(row...))

		assert.NoError(t, repo.Cancel(context.Background(), "q-2"))
	})

	t.Run("missing row", func(t *testing.T) {
		mock.ExpectExec("UPDATE email_queue").
			WithArgs("q-3").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM email_queue WHERE queue_id").
			WithArgs("q-3").
			WillReturnRows(sqlmock.NewRows(queueRowColumns))

		err := repo.Cancel(context.Background(), "q-3")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetStuck(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewEmailQueueRepository(db)

	mock.ExpectExec("UPDATE email_queue").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	reset, err := repo.ResetStuck(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), reset)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStatistics(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewEmailQueueRepository(db)
	oldest := time.Now().UTC().Add(-30 * time.Minute)

	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{
			"queued", "processing", "sent", "failed", "cancelled", "scheduled", "oldest_queued",
		}).AddRow(int64(5), int64(2), int64(100), int64(3), int64(1), int64(4), oldest))

	mock.ExpectQuery("SELECT priority, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"priority", "count"}).
			AddRow(int(domain.PriorityNormal), int64(3)).
			AddRow(int(domain.PriorityCritical), int64(2)))

	stats, err := repo.GetStatistics(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(5), stats.Queued)
	assert.Equal(t, int64(2), stats.Processing)
	assert.Equal(t, int64(7), stats.Depth())
	assert.Equal(t, int64(3), stats.ByPriority[domain.PriorityNormal])
	assert.Equal(t, int64(2), stats.ByPriority[domain.PriorityCritical])
	assert.InDelta(t, 30*time.Minute, stats.OldestQueuedAge, float64(time.Minute))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteByStatusOlderThan(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewEmailQueueRepository(db)
	cutoff := time.Now().UTC().AddDate(0, 0, -7)

	// Two full batches, then a short one ending the loop.
	mock.ExpectExec("DELETE FROM email_queue").
		WithArgs(int(domain.StatusSent), cutoff, 100).
		WillReturnResult(sqlmock.NewResult(0, 100))
	mock.ExpectExec("DELETE FROM email_queue").
		WithArgs(int(domain.StatusSent), cutoff, 100).
		WillReturnResult(sqlmock.NewResult(0, 40))

	deleted, err := repo.DeleteByStatusOlderThan(context.Background(), domain.StatusSent, cutoff, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(140), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
