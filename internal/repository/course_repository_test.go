package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-enroll-api/internal/models"
)

func courseRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "credits", "category", "instructor", "instructor_id", "schedule", "description", "total_seats", "available_seats", "status", "created_at", "updated_at"})
}

func TestCourseRepositoryListAppliesFilters(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewCourseRepository(db)
	now := time.Now()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM courses WHERE \(status IN \(\$1,\$2\) AND \(name ILIKE \$3 OR instructor ILIKE \$4 OR id ILIKE \$5\)\)`).
		WithArgs("active", "full", "%intro%", "%intro%", "%intro%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(11))
	mock.ExpectQuery(`SELECT id, name, .* FROM courses WHERE .* ORDER BY name ASC LIMIT 10 OFFSET 10`).
		WithArgs("active", "full", "%intro%", "%intro%", "%intro%").
		WillReturnRows(courseRows().AddRow("CS101", "Intro to Programming", 3, "core", "Dr. Rahman", nil, []byte(`[{"day":"Mon","start":"08:00","end":"09:40"}]`), "", 40, 3, "active", now, now))

	courses, total, err := repo.List(context.Background(), models.CourseFilter{
		Statuses:  []models.CourseStatus{models.CourseStatusActive, models.CourseStatusFull},
		Search:    " intro ",
		Page:      2,
		PageSize:  10,
		SortBy:    "name",
		SortOrder: "asc",
	})
	require.NoError(t, err)
	assert.Equal(t, 11, total)
	require.Len(t, courses, 1)
	assert.Equal(t, models.Schedule{{Day: "Mon", Start: "08:00", End: "09:40"}}, courses[0].Schedule)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCourseRepositoryLockByIDPassesNoRows(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewCourseRepository(db)

	mock.ExpectQuery(`FROM courses WHERE id = \$1 FOR UPDATE`).
		WithArgs("NOPE1").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.LockByID(context.Background(), nil, "NOPE1")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCourseRepositoryAdjustSeatsReturnsCounter(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewCourseRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SET available_seats = LEAST(GREATEST(available_seats + $2, 0), total_seats)")).
		WithArgs("CS101", -1, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"available_seats"}).AddRow(0))

	available, err := repo.AdjustSeats(context.Background(), nil, "CS101", -1)
	require.NoError(t, err)
	assert.Equal(t, 0, available)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCourseRepositoryUpdateWritesOnlyPatchedColumns(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewCourseRepository(db)
	name := "Algorithms"

	mock.ExpectExec(regexp.QuoteMeta("UPDATE courses SET name = $1, updated_at = $2 WHERE id = $3")).
		WithArgs(name, sqlmock.AnyArg(), "CS201").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), nil, "CS201", models.CoursePatch{Name: &name})
	assert.True(t, errors.Is(err, sql.ErrNoRows))

	require.NoError(t, repo.Update(context.Background(), nil, "CS201", models.CoursePatch{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCourseRepositoryCreateUsesTransactionHandle(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewCourseRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO courses \(id, name, credits`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)
	course := &models.Course{ID: "CS202", Name: "Data Structures", Credits: 3, TotalSeats: 30, AvailableSeats: 30, Status: models.CourseStatusDraft}
	require.NoError(t, repo.Create(context.Background(), tx, course))
	require.NoError(t, tx.Commit())
	assert.False(t, course.CreatedAt.IsZero())
	assert.NotNil(t, course.Schedule)
	require.NoError(t, mock.ExpectationsWereMet())
}
