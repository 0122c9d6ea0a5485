package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-enroll-api/internal/models"
)

const courseColumns = "id, name, credits, category, instructor, instructor_id, schedule, description, total_seats, available_seats, status, created_at, updated_at"

var courseSortColumns = map[string]string{
	"id":              "id",
	"name":            "name",
	"credits":         "credits",
	"available_seats": "available_seats",
	"created_at":      "created_at",
}

// CourseRepository persists catalog entries.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository constructs the repository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// List returns courses matching filter along with the unpaginated total.
func (r *CourseRepository) List(ctx context.Context, filter models.CourseFilter) ([]models.Course, int, error) {
	where := squirrel.And{}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, squirrel.Eq{"status": statuses})
	}
	if filter.Category != "" {
		where = append(where, squirrel.Eq{"category": filter.Category})
	}
	if filter.Instructor != "" {
		where = append(where, squirrel.ILike{"instructor": likePattern(filter.Instructor)})
	}
	if filter.Search != "" {
		pattern := likePattern(filter.Search)
		where = append(where, squirrel.Or{
			squirrel.ILike{"name": pattern},
			squirrel.ILike{"instructor": pattern},
			squirrel.ILike{"id": pattern},
		})
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From("courses").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build course count: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, countSQL, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("count courses: %w", err)
	}

	sortCol, ok := courseSortColumns[filter.SortBy]
	if !ok {
		sortCol = "id"
	}
	order := sortDirection(filter.SortOrder)
	if filter.SortBy == "" && filter.SortOrder == "" {
		order = "ASC"
	}
	limit, offset := pageBounds(filter.Page, filter.PageSize)

	listSQL, listArgs, err := psql.Select(courseColumns).From("courses").Where(where).
		OrderBy(sortCol + " " + order).Limit(limit).Offset(offset).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build course list: %w", err)
	}
	courses := make([]models.Course, 0)
	if err := r.db.SelectContext(ctx, &courses, listSQL, listArgs...); err != nil {
		return nil, 0, fmt.Errorf("list courses: %w", err)
	}
	return courses, total, nil
}

// FindByID returns a course or sql.ErrNoRows.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	query := "SELECT " + courseColumns + " FROM courses WHERE id = $1"
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find course: %w", err)
	}
	return &course, nil
}

// LockByID reads the course row under FOR UPDATE within q.
func (r *CourseRepository) LockByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.Course, error) {
	query := "SELECT " + courseColumns + " FROM courses WHERE id = $1 FOR UPDATE"
	var course models.Course
	if err := sqlx.GetContext(ctx, queryer(q, r.db), &course, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("lock course: %w", err)
	}
	return &course, nil
}

// Exists reports whether a course id is taken.
func (r *CourseRepository) Exists(ctx context.Context, q sqlx.ExtContext, id string) (bool, error) {
	var exists bool
	if err := sqlx.GetContext(ctx, queryer(q, r.db), &exists, "SELECT EXISTS(SELECT 1 FROM courses WHERE id = $1)", id); err != nil {
		return false, fmt.Errorf("check course exists: %w", err)
	}
	return exists, nil
}

// Create inserts a course.
func (r *CourseRepository) Create(ctx context.Context, q sqlx.ExtContext, course *models.Course) error {
	now := time.Now().UTC()
	course.CreatedAt = now
	course.UpdatedAt = now
	if course.Schedule == nil {
		course.Schedule = models.Schedule{}
	}
	const query = `INSERT INTO courses (id, name, credits, category, instructor, instructor_id, schedule, description, total_seats, available_seats, status, created_at, updated_at)
VALUES (:id, :name, :credits, :category, :instructor, :instructor_id, :schedule, :description, :total_seats, :available_seats, :status, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, queryer(q, r.db), query, course); err != nil {
		return fmt.Errorf("create course: %w", err)
	}
	return nil
}

// Update writes the supplied descriptive fields. Only columns named in the patch are touched;
// seat columns are never part of it.
func (r *CourseRepository) Update(ctx context.Context, q sqlx.ExtContext, id string, patch models.CoursePatch) error {
	set := map[string]interface{}{}
	if patch.Name != nil {
		set["name"] = *patch.Name
	}
	if patch.Credits != nil {
		set["credits"] = *patch.Credits
	}
	if patch.Category != nil {
		set["category"] = *patch.Category
	}
	if patch.Instructor != nil {
		set["instructor"] = *patch.Instructor
	}
	if patch.Schedule != nil {
		set["schedule"] = *patch.Schedule
	}
	if patch.Description != nil {
		set["description"] = *patch.Description
	}
	if patch.Status != nil {
		set["status"] = string(*patch.Status)
	}
	if len(set) == 0 {
		return nil
	}
	set["updated_at"] = time.Now().UTC()

	query, args, err := psql.Update("courses").SetMap(set).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build course update: %w", err)
	}
	res, err := queryer(q, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update course: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetTotalSeats writes the capacity column. Callers pair it with AdjustSeats so that
// available_seats stays consistent.
func (r *CourseRepository) SetTotalSeats(ctx context.Context, q sqlx.ExtContext, id string, total int) error {
	const query = `UPDATE courses SET total_seats = $2, updated_at = $3 WHERE id = $1`
	if _, err := queryer(q, r.db).ExecContext(ctx, query, id, total, time.Now().UTC()); err != nil {
		return fmt.Errorf("set total seats: %w", err)
	}
	return nil
}

// AdjustSeats applies delta to available_seats clamped to [0, total_seats] and flips the
// status between active and full as the counter reaches or leaves zero. It returns the new count.
func (r *CourseRepository) AdjustSeats(ctx context.Context, q sqlx.ExtContext, id string, delta int) (int, error) {
	const query = `UPDATE courses
SET available_seats = LEAST(GREATEST(available_seats + $2, 0), total_seats),
    status = CASE
        WHEN status = 'active' AND LEAST(GREATEST(available_seats + $2, 0), total_seats) = 0 THEN 'full'
        WHEN status = 'full' AND LEAST(GREATEST(available_seats + $2, 0), total_seats) > 0 THEN 'active'
        ELSE status
    END,
    updated_at = $3
WHERE id = $1
RETURNING available_seats`
	var available int
	if err := sqlx.GetContext(ctx, queryer(q, r.db), &available, query, id, delta, time.Now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		return 0, fmt.Errorf("adjust seats: %w", err)
	}
	return available, nil
}

// Delete removes a course row.
func (r *CourseRepository) Delete(ctx context.Context, q sqlx.ExtContext, id string) error {
	res, err := queryer(q, r.db).ExecContext(ctx, "DELETE FROM courses WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete course: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
