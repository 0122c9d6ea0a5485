package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-enroll-api/internal/models"
)

func TestEnrollmentRepositoryListScopesAndSorts(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewEnrollmentRepository(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM enrollments e JOIN courses c ON c.id = e.course_id JOIN users u ON u.id = e.student_id WHERE (e.student_id = $1 AND e.status = $2)")).
		WithArgs("stu-1", "approved").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`ORDER BY c\.name DESC, e\.id LIMIT 20 OFFSET 0`).
		WithArgs("stu-1", "approved").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "student_id", "course_id", "term", "status", "enrolled_at", "completed_at", "remarks", "grade", "created_at", "updated_at",
			"course_name", "credits", "instructor", "schedule", "student_name", "student_number",
		}).AddRow("enr-1", "stu-1", "CS101", "2025/1", "approved", now, nil, nil, nil, now, now,
			"Intro to Programming", 3, "Dr. Rahman", []byte("[]"), "Ayu Lestari", "STD20250001"))

	items, total, err := repo.List(context.Background(), models.EnrollmentFilter{
		StudentID: "stu-1",
		Status:    models.EnrollmentStatusApproved,
		SortBy:    "course_name",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, "Intro to Programming", items[0].CourseName)
	require.NotNil(t, items[0].StudentNumber)
	assert.Equal(t, "STD20250001", *items[0].StudentNumber)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryActiveLineageAndCreditLoad(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM enrollments WHERE student_id = $1 AND course_id = $2 AND term = $3 AND status = ANY($4) AND id::text <> $5)")).
		WithArgs("stu-1", "CS101", "2025/1", sqlmock.AnyArg(), "").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(c.credits), 0)")).
		WithArgs("stu-1", "2025/1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(21))

	exists, err := repo.ExistsActiveLineage(context.Background(), nil, "stu-1", "CS101", "2025/1", "")
	require.NoError(t, err)
	assert.True(t, exists)

	load, err := repo.CreditLoad(context.Background(), nil, "stu-1", "2025/1")
	require.NoError(t, err)
	assert.Equal(t, 21, load)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryCreateKeepsDriverError(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewEnrollmentRepository(db)
	violation := &pq.Error{Code: "23505", Constraint: ActiveLineageConstraint}

	mock.ExpectExec(`INSERT INTO enrollments`).WillReturnError(violation)

	enrollment := &models.Enrollment{StudentID: "stu-1", CourseID: "CS101", Term: "2025/1", Status: models.EnrollmentStatusPending}
	err := repo.Create(context.Background(), nil, enrollment)
	require.Error(t, err)
	var pqErr *pq.Error
	require.True(t, errors.As(err, &pqErr))
	assert.Equal(t, ActiveLineageConstraint, pqErr.Constraint)
	assert.NotEmpty(t, enrollment.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryDeleteMissingRow(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewEnrollmentRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM enrollments WHERE id = $1")).
		WithArgs("enr-404").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(context.Background(), nil, "enr-404")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryLockByIDTakesRowLockInTx(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewEnrollmentRepository(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + enrollmentColumns + " FROM enrollments WHERE id = $1 FOR UPDATE")).
		WithArgs("enr-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_id", "course_id", "term", "status", "enrolled_at", "completed_at", "remarks", "grade", "created_at", "updated_at"}).
			AddRow("enr-1", "user-1", "CS101", "2025/1", "approved", now, nil, nil, nil, now, now))
	mock.ExpectQuery(`FROM enrollments WHERE id = \$1 FOR UPDATE`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	tx, err := db.Beginx()
	require.NoError(t, err)
	enrollment, err := repo.LockByID(context.Background(), tx, "enr-1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusApproved, enrollment.Status)
	assert.Nil(t, enrollment.CompletedAt)

	_, err = repo.LockByID(context.Background(), tx, "missing")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}
