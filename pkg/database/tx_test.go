package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/campus-enroll-api/pkg/errors"
)

func newRunner(t *testing.T, retries int) (*TxRunner, sqlmock.Sqlmock, *[]string) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var retried []string
	runner := NewTxRunner(sqlx.NewDb(db, "postgres"), TxOptions{
		MaxRetries: retries,
		Backoff:    time.Millisecond,
		OnRetry:    func(op string) { retried = append(retried, op) },
	})
	runner.sleep = func(context.Context, time.Duration) error { return nil }
	return runner, mock, &retried
}

func TestWithinTxCommits(t *testing.T) {
	runner, mock, retried := newRunner(t, 3)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE courses").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := runner.WithinTx(context.Background(), "adjust", func(q sqlx.ExtContext) error {
		_, err := q.ExecContext(context.Background(), "UPDATE courses SET available_seats = available_seats - 1")
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, *retried)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxRollsBackOnDomainError(t *testing.T) {
	runner, mock, retried := newRunner(t, 3)
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := runner.WithinTx(context.Background(), "enroll", func(sqlx.ExtContext) error {
		return appErrors.ErrCourseFull
	})
	assert.ErrorIs(t, err, appErrors.ErrCourseFull)
	assert.Empty(t, *retried)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxRetriesDeadlockThenSucceeds(t *testing.T) {
	runner, mock, retried := newRunner(t, 3)
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	err := runner.WithinTx(context.Background(), "enroll", func(sqlx.ExtContext) error {
		calls++
		switch calls {
		case 1:
			return &pq.Error{Code: "40P01"}
		case 2:
			return &pq.Error{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []string{"enroll", "enroll"}, *retried)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxReturnsTransientAfterExhaustion(t *testing.T) {
	runner, mock, retried := newRunner(t, 2)
	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}

	err := runner.WithinTx(context.Background(), "decide", func(sqlx.ExtContext) error {
		return &pq.Error{Code: "55P03"}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrTransient)
	assert.True(t, appErrors.IsRetryable(err))
	assert.Len(t, *retried, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxStopsWhenContextCancelled(t *testing.T) {
	runner, mock, _ := newRunner(t, 3)
	runner.sleep = sleepContext
	mock.ExpectBegin()
	mock.ExpectRollback()

	ctx, cancel := context.WithCancel(context.Background())
	err := runner.WithinTx(ctx, "cancel", func(sqlx.ExtContext) error {
		cancel()
		return &pq.Error{Code: "40001"}
	})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsRetryable(&pq.Error{Code: "40001"}))
	assert.False(t, IsRetryable(&pq.Error{Code: "23505"}))
	assert.False(t, IsRetryable(errors.New("boom")))

	unique := &pq.Error{Code: "23505", Constraint: "enrollments_active_lineage_key"}
	assert.True(t, IsUniqueViolation(unique, "enrollments_active_lineage_key"))
	assert.True(t, IsUniqueViolation(unique, ""))
	assert.False(t, IsUniqueViolation(unique, "courses_pkey"))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "40001"}, ""))
}
