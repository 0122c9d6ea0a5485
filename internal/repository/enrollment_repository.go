package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/campus-enroll-api/internal/models"
)

// ActiveLineageConstraint is the partial unique index guarding one pending/approved
// enrollment per (student, course, term).
const ActiveLineageConstraint = "enrollments_active_lineage_key"

const enrollmentColumns = "id, student_id, course_id, term, status, enrolled_at, completed_at, remarks, grade, created_at, updated_at"

const enrollmentDetailColumns = `e.id, e.student_id, e.course_id, e.term, e.status, e.enrolled_at, e.completed_at, e.remarks, e.grade, e.created_at, e.updated_at,
c.name AS course_name, c.credits, c.instructor, c.schedule, u.full_name AS student_name, u.student_number`

const enrollmentDetailFrom = "enrollments e JOIN courses c ON c.id = e.course_id JOIN users u ON u.id = e.student_id"

var enrollmentSortColumns = map[string]string{
	"enrolled_at":  "e.enrolled_at",
	"status":       "e.status",
	"course_name":  "c.name",
	"student_name": "u.full_name",
	"term":         "e.term",
}

var activeLineageStatuses = []string{string(models.EnrollmentStatusPending), string(models.EnrollmentStatusApproved)}

// EnrollmentRepository handles persistence of enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	where := squirrel.And{}
	if filter.StudentID != "" {
		where = append(where, squirrel.Eq{"e.student_id": filter.StudentID})
	}
	if filter.CourseID != "" {
		where = append(where, squirrel.Eq{"e.course_id": filter.CourseID})
	}
	if filter.Term != "" {
		where = append(where, squirrel.Eq{"e.term": filter.Term})
	}
	if filter.Status != "" {
		where = append(where, squirrel.Eq{"e.status": string(filter.Status)})
	}
	if filter.Search != "" {
		pattern := likePattern(filter.Search)
		where = append(where, squirrel.Or{
			squirrel.ILike{"c.name": pattern},
			squirrel.ILike{"c.instructor": pattern},
			squirrel.ILike{"u.full_name": pattern},
		})
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From(enrollmentDetailFrom).Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build enrollment count: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, countSQL, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}

	sortCol, ok := enrollmentSortColumns[filter.SortBy]
	if !ok {
		sortCol = "e.enrolled_at"
	}
	limit, offset := pageBounds(filter.Page, filter.PageSize)
	listSQL, listArgs, err := psql.Select(enrollmentDetailColumns).From(enrollmentDetailFrom).Where(where).
		OrderBy(sortCol+" "+sortDirection(filter.SortOrder), "e.id").Limit(limit).Offset(offset).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build enrollment list: %w", err)
	}

	items := make([]models.EnrollmentDetail, 0)
	if err := r.db.SelectContext(ctx, &items, listSQL, listArgs...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}
	return items, total, nil
}

// FindDetailByID returns an enrollment joined with course and student data.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.EnrollmentDetail, error) {
	query := "SELECT " + enrollmentDetailColumns + " FROM " + enrollmentDetailFrom + " WHERE e.id = $1"
	var detail models.EnrollmentDetail
	if err := sqlx.GetContext(ctx, queryer(q, r.db), &detail, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find enrollment detail: %w", err)
	}
	return &detail, nil
}

// LockByID reads the enrollment row under FOR UPDATE.
func (r *EnrollmentRepository) LockByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.Enrollment, error) {
	query := "SELECT " + enrollmentColumns + " FROM enrollments WHERE id = $1 FOR UPDATE"
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, queryer(q, r.db), &enrollment, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("lock enrollment: %w", err)
	}
	return &enrollment, nil
}

// ExistsActiveLineage reports whether a pending or approved enrollment exists for the
// tuple, ignoring excludeID.
func (r *EnrollmentRepository) ExistsActiveLineage(ctx context.Context, q sqlx.ExtContext, studentID, courseID, term, excludeID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM enrollments WHERE student_id = $1 AND course_id = $2 AND term = $3 AND status = ANY($4) AND id::text <> $5)`
	var exists bool
	if err := sqlx.GetContext(ctx, queryer(q, r.db), &exists, query, studentID, courseID, term, pq.Array(activeLineageStatuses), excludeID); err != nil {
		return false, fmt.Errorf("check active enrollment: %w", err)
	}
	return exists, nil
}

// CreditLoad sums the credits of the student's pending and approved enrollments in term.
func (r *EnrollmentRepository) CreditLoad(ctx context.Context, q sqlx.ExtContext, studentID, term string) (int, error) {
	const query = `SELECT COALESCE(SUM(c.credits), 0) FROM enrollments e JOIN courses c ON c.id = e.course_id
WHERE e.student_id = $1 AND e.term = $2 AND e.status = ANY($3)`
	var load int
	if err := sqlx.GetContext(ctx, queryer(q, r.db), &load, query, studentID, term, pq.Array(activeLineageStatuses)); err != nil {
		return 0, fmt.Errorf("sum credit load: %w", err)
	}
	return load, nil
}

// ActiveSchedules returns the schedules of courses the student holds seats in for term.
func (r *EnrollmentRepository) ActiveSchedules(ctx context.Context, q sqlx.ExtContext, studentID, term string) ([]models.CourseSchedule, error) {
	const query = `SELECT c.id AS course_id, c.schedule FROM enrollments e JOIN courses c ON c.id = e.course_id
WHERE e.student_id = $1 AND e.term = $2 AND e.status = ANY($3)`
	items := make([]models.CourseSchedule, 0)
	if err := sqlx.SelectContext(ctx, queryer(q, r.db), &items, query, studentID, term, pq.Array(activeLineageStatuses)); err != nil {
		return nil, fmt.Errorf("list active schedules: %w", err)
	}
	return items, nil
}

// CountByCourse counts enrollments of the course whose status is in statuses.
func (r *EnrollmentRepository) CountByCourse(ctx context.Context, q sqlx.ExtContext, courseID string, statuses []models.EnrollmentStatus) (int, error) {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	var count int
	const query = `SELECT COUNT(*) FROM enrollments WHERE course_id = $1 AND status = ANY($2)`
	if err := sqlx.GetContext(ctx, queryer(q, r.db), &count, query, courseID, pq.Array(values)); err != nil {
		return 0, fmt.Errorf("count course enrollments: %w", err)
	}
	return count, nil
}

// Create inserts a new enrollment.
func (r *EnrollmentRepository) Create(ctx context.Context, q sqlx.ExtContext, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if enrollment.EnrolledAt.IsZero() {
		enrollment.EnrolledAt = now
	}
	enrollment.CreatedAt = now
	enrollment.UpdatedAt = now

	const query = `INSERT INTO enrollments (id, student_id, course_id, term, status, enrolled_at, completed_at, remarks, grade, created_at, updated_at)
VALUES (:id, :student_id, :course_id, :term, :status, :enrolled_at, :completed_at, :remarks, :grade, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, queryer(q, r.db), query, enrollment); err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// UpdateStatus persists the status, remarks, grade and completion stamp of enrollment.
func (r *EnrollmentRepository) UpdateStatus(ctx context.Context, q sqlx.ExtContext, enrollment *models.Enrollment) error {
	enrollment.UpdatedAt = time.Now().UTC()
	const query = `UPDATE enrollments SET status = :status, remarks = :remarks, grade = :grade, completed_at = :completed_at, updated_at = :updated_at WHERE id = :id`
	if _, err := sqlx.NamedExecContext(ctx, queryer(q, r.db), query, enrollment); err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}
	return nil
}

// Delete removes the enrollment row.
func (r *EnrollmentRepository) Delete(ctx context.Context, q sqlx.ExtContext, id string) error {
	res, err := queryer(q, r.db).ExecContext(ctx, "DELETE FROM enrollments WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete enrollment: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Roster lists a course's enrollments for export, optionally scoped to term.
func (r *EnrollmentRepository) Roster(ctx context.Context, courseID, term string) ([]models.EnrollmentDetail, error) {
	builder := psql.Select(enrollmentDetailColumns).From(enrollmentDetailFrom).Where(squirrel.Eq{"e.course_id": courseID})
	if term != "" {
		builder = builder.Where(squirrel.Eq{"e.term": term})
	}
	query, args, err := builder.OrderBy("u.student_number", "u.full_name").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build roster: %w", err)
	}
	items := make([]models.EnrollmentDetail, 0)
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("list roster: %w", err)
	}
	return items, nil
}
