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

func TestHistoryInsert(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewEmailHistoryRepository(db)

	mock.ExpectQuery("INSERT INTO email_history").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))

	history := &domain.EmailHistory{
		QueueID:     "q-1",
		ToEmails:    "a@example.com",
		Subject:     "s",
		FinalBody:   "b",
		Status:      domain.StatusSent,
		ProcessedBy: "worker-1",
	}
	require.NoError(t, repo.Insert(context.Background(), history))

	assert.Equal(t, int64(5), history.ID)
	assert.False(t, history.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByStatusSince(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewEmailHistoryRepository(db)
	since := time.Now().UTC().Add(-time.Hour)

	mock.ExpectQuery("SELECT COUNT(.+) FROM email_history").
		WithArgs(int(domain.StatusSent), since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))

	count, err := repo.CountByStatusSince(context.Background(), domain.StatusSent, since)
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAverageProcessingTimeSince(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewEmailHistoryRepository(db)
	since := time.Now().UTC().Add(-time.Hour)

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"avg"}).AddRow(123.5))

	avg, err := repo.AverageProcessingTimeSince(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, 123.5, avg)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteByIDs(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewEmailHistoryRepository(db)

	t.Run("empty list short-circuits", func(t *testing.T) {
		deleted, err := repo.DeleteByIDs(context.Background(), nil)
		require.NoError(t, err)
		assert.Zero(t, deleted)
	})

	t.Run("deletes given rows", func(t *testing.T) {
		mock.ExpectExec("DELETE FROM email_history WHERE id").
			WithArgs(sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 3))

		deleted, err := repo.DeleteByIDs(context.Background(), []int64{1, 2, 3})
		require.NoError(t, err)
		assert.Equal(t, int64(3), deleted)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
