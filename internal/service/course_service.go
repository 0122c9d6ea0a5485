package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-enroll-api/internal/dto"
	"github.com/noah-isme/campus-enroll-api/internal/models"
	"github.com/noah-isme/campus-enroll-api/pkg/database"
	appErrors "github.com/noah-isme/campus-enroll-api/pkg/errors"
	"github.com/noah-isme/campus-enroll-api/pkg/export"
)

const defaultTotalSeats = 30

var courseIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{2,20}$`)

var occupyingStatuses = []models.EnrollmentStatus{
	models.EnrollmentStatusPending,
	models.EnrollmentStatusApproved,
	models.EnrollmentStatusCompleted,
}

var activeLineageStatuses = []models.EnrollmentStatus{
	models.EnrollmentStatusPending,
	models.EnrollmentStatusApproved,
}

type courseRepository interface {
	List(ctx context.Context, filter models.CourseFilter) ([]models.Course, int, error)
	FindByID(ctx context.Context, id string) (*models.Course, error)
	LockByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.Course, error)
	Exists(ctx context.Context, q sqlx.ExtContext, id string) (bool, error)
	Create(ctx context.Context, q sqlx.ExtContext, course *models.Course) error
	Update(ctx context.Context, q sqlx.ExtContext, id string, patch models.CoursePatch) error
	SetTotalSeats(ctx context.Context, q sqlx.ExtContext, id string, total int) error
	AdjustSeats(ctx context.Context, q sqlx.ExtContext, id string, delta int) (int, error)
	Delete(ctx context.Context, q sqlx.ExtContext, id string) error
}

type courseEnrollmentReader interface {
	CountByCourse(ctx context.Context, q sqlx.ExtContext, courseID string, statuses []models.EnrollmentStatus) (int, error)
	Roster(ctx context.Context, courseID, term string) ([]models.EnrollmentDetail, error)
}

// CourseConfig tunes catalog behaviour.
type CourseConfig struct {
	MaxPageSize         int
	AlmostFullThreshold int
}

// CourseService is the course registry: catalog CRUD plus the seat counter primitive.
type CourseService struct {
	repo        courseRepository
	enrollments courseEnrollmentReader
	tx          txRunner
	cache       *CacheService
	notifier    catalogNotifier
	validator   *validator.Validate
	cfg         CourseConfig
	logger      *zap.Logger
}

// NewCourseService constructs CourseService.
func NewCourseService(repo courseRepository, enrollments courseEnrollmentReader, tx txRunner, cache *CacheService, notifier catalogNotifier, validate *validator.Validate, cfg CourseConfig, logger *zap.Logger) *CourseService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 50
	}
	return &CourseService{
		repo:        repo,
		enrollments: enrollments,
		tx:          tx,
		cache:       cache,
		notifier:    notifier,
		validator:   validate,
		cfg:         cfg,
		logger:      logger,
	}
}

type cachedCatalogPage struct {
	Items []models.CourseListItem `json:"items"`
	Total int                     `json:"total"`
}

// List returns a catalog page. The boolean reports whether it was served from cache.
func (s *CourseService) List(ctx context.Context, actor models.Actor, query dto.CourseQuery) ([]models.CourseListItem, *models.Pagination, bool, error) {
	page, size := normalizePage(query.Page, query.Limit, s.cfg.MaxPageSize)
	statuses, visible := visibleCourseStatuses(actor, models.CourseStatus(strings.ToLower(strings.TrimSpace(query.Status))))
	if !visible {
		return []models.CourseListItem{}, models.NewPagination(page, size, 0), false, nil
	}

	filter := models.CourseFilter{
		Statuses:   statuses,
		Category:   strings.TrimSpace(query.Category),
		Instructor: strings.TrimSpace(query.Instructor),
		Search:     strings.TrimSpace(query.Search),
		Page:       page,
		PageSize:   size,
		SortBy:     query.Sort,
		SortOrder:  query.Order,
	}

	scope := "public"
	if canManageCourses(actor) {
		scope = "admin"
	}
	key := catalogKey(scope, filter)
	var cached cachedCatalogPage
	if s.cache.Get(ctx, key, &cached) {
		return cached.Items, models.NewPagination(page, size, cached.Total), true, nil
	}

	generation := s.cache.CatalogGeneration()
	courses, total, err := s.repo.List(ctx, filter)
	if err != nil {
		s.logger.Error("list courses failed", zap.Error(err))
		return nil, nil, false, appErrors.Internal(err, "failed to list courses")
	}

	items := make([]models.CourseListItem, len(courses))
	for i, course := range courses {
		items[i] = models.CourseListItem{Course: course, AlmostFull: s.almostFull(course)}
	}
	s.cache.SetCatalogPage(ctx, key, cachedCatalogPage{Items: items, Total: total}, generation)
	return items, models.NewPagination(page, size, total), false, nil
}

func (s *CourseService) almostFull(course models.Course) bool {
	return course.AvailableSeats > 0 && course.AvailableSeats <= s.cfg.AlmostFullThreshold
}

// Get returns a course. Drafts are visible to administrators only.
func (s *CourseService) Get(ctx context.Context, actor models.Actor, id string) (*models.Course, error) {
	course, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		s.logger.Error("get course failed", zap.String("course_id", id), zap.Error(err))
		return nil, appErrors.Internal(err, "failed to load course")
	}
	if course.Status == models.CourseStatusDraft && !canManageCourses(actor) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
	}
	return course, nil
}

// Create registers a course with every seat available.
func (s *CourseService) Create(ctx context.Context, actor models.Actor, req dto.CreateCourseRequest) (*models.Course, error) {
	if !canManageCourses(actor) {
		return nil, appErrors.ErrForbidden
	}
	req.ID = strings.TrimSpace(req.ID)
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}
	if !courseIDPattern.MatchString(req.ID) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "course id must be 2-20 letters, digits, '-' or '_'")
	}
	if err := s.validateSchedule(req.Schedule); err != nil {
		return nil, err
	}

	total := defaultTotalSeats
	if req.TotalSeats != nil {
		total = *req.TotalSeats
	}
	status := req.Status
	if status == "" {
		status = models.CourseStatusDraft
	}
	course := &models.Course{
		ID:             req.ID,
		Name:           req.Name,
		Credits:        req.Credits,
		Category:       strings.TrimSpace(req.Category),
		Instructor:     strings.TrimSpace(req.Instructor),
		InstructorID:   req.InstructorID,
		Schedule:       req.Schedule,
		Description:    req.Description,
		TotalSeats:     total,
		AvailableSeats: total,
		Status:         status,
	}

	err := s.tx.WithinTx(ctx, "course.create", func(q sqlx.ExtContext) error {
		exists, err := s.repo.Exists(ctx, q, course.ID)
		if err != nil {
			return err
		}
		if exists {
			return appErrors.Clone(appErrors.ErrDuplicateID, fmt.Sprintf("course %s already exists", course.ID))
		}
		if err := s.repo.Create(ctx, q, course); err != nil {
			if database.IsUniqueViolation(err, "courses_pkey") {
				return appErrors.Clone(appErrors.ErrDuplicateID, fmt.Sprintf("course %s already exists", course.ID))
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, s.failure("create course", course.ID, err)
	}

	s.notifier.CatalogChanged()
	return course, nil
}

// Update applies the allow-listed fields of req. Changing total seats re-derives the
// available count from the occupied seats inside the same transaction.
func (s *CourseService) Update(ctx context.Context, actor models.Actor, id string, req dto.UpdateCourseRequest) (*models.Course, error) {
	if !canManageCourses(actor) {
		return nil, appErrors.ErrForbidden
	}
	if req.ID != nil && *req.ID != id {
		return nil, appErrors.Clone(appErrors.ErrImmutableField, "course id cannot be changed")
	}
	if req.Empty() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "no updatable fields supplied")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}
	if req.Schedule != nil {
		if err := s.validateSchedule(*req.Schedule); err != nil {
			return nil, err
		}
	}

	patch := models.CoursePatch{
		Name:        trimmed(req.Name),
		Credits:     req.Credits,
		Category:    trimmed(req.Category),
		Instructor:  trimmed(req.Instructor),
		Schedule:    req.Schedule,
		Description: req.Description,
		Status:      req.Status,
	}

	var updated *models.Course
	err := s.tx.WithinTx(ctx, "course.update", func(q sqlx.ExtContext) error {
		course, err := s.repo.LockByID(ctx, q, id)
		if err != nil {
			return err
		}
		if err := s.repo.Update(ctx, q, id, patch); err != nil {
			return err
		}
		if req.TotalSeats != nil && *req.TotalSeats != course.TotalSeats {
			if err := s.resize(ctx, q, course, *req.TotalSeats); err != nil {
				return err
			}
		}
		// re-derive active/full after a status or capacity change
		if req.Status != nil || req.TotalSeats != nil {
			if _, err := s.repo.AdjustSeats(ctx, q, id, 0); err != nil {
				return err
			}
		}
		updated, err = s.repo.LockByID(ctx, q, id)
		return err
	})
	if err != nil {
		return nil, s.failure("update course", id, err)
	}

	s.notifier.CatalogChanged()
	return updated, nil
}

func (s *CourseService) resize(ctx context.Context, q sqlx.ExtContext, course *models.Course, total int) error {
	occupied, err := s.enrollments.CountByCourse(ctx, q, course.ID, occupyingStatuses)
	if err != nil {
		return err
	}
	if total < occupied {
		return appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("total seats cannot be lower than the %d occupied seats", occupied))
	}
	delta := total - course.TotalSeats
	// shrink the counter before the capacity and grow it after, so available never exceeds total
	if delta < 0 {
		if _, err := s.repo.AdjustSeats(ctx, q, course.ID, delta); err != nil {
			return err
		}
		return s.repo.SetTotalSeats(ctx, q, course.ID, total)
	}
	if err := s.repo.SetTotalSeats(ctx, q, course.ID, total); err != nil {
		return err
	}
	_, err = s.repo.AdjustSeats(ctx, q, course.ID, delta)
	return err
}

// Delete removes a course that no pending or approved enrollment references.
func (s *CourseService) Delete(ctx context.Context, actor models.Actor, id string) error {
	if !canManageCourses(actor) {
		return appErrors.ErrForbidden
	}
	err := s.tx.WithinTx(ctx, "course.delete", func(q sqlx.ExtContext) error {
		if _, err := s.repo.LockByID(ctx, q, id); err != nil {
			return err
		}
		active, err := s.enrollments.CountByCourse(ctx, q, id, activeLineageStatuses)
		if err != nil {
			return err
		}
		if active > 0 {
			return appErrors.Clone(appErrors.ErrHasActiveEnrollments, fmt.Sprintf("course has %d pending or approved enrollments", active))
		}
		return s.repo.Delete(ctx, q, id)
	})
	if err != nil {
		return s.failure("delete course", id, err)
	}
	s.notifier.CatalogChanged()
	return nil
}

// AdjustSeats moves the available seat counter by delta within q, clamped to [0, total].
// It is the only path that writes available seats.
func (s *CourseService) AdjustSeats(ctx context.Context, q sqlx.ExtContext, id string, delta int) (int, error) {
	available, err := s.repo.AdjustSeats(ctx, q, id, delta)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return 0, err
	}
	return available, nil
}

// Roster renders a course's enrollments as CSV or PDF.
func (s *CourseService) Roster(ctx context.Context, actor models.Actor, id string, query dto.RosterQuery) (*RosterFile, error) {
	if !canManageCourses(actor) {
		return nil, appErrors.ErrForbidden
	}
	format, err := export.ParseFormat(strings.ToLower(query.Format))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "format must be csv or pdf")
	}
	course, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	term := strings.TrimSpace(query.Term)
	rows, err := s.enrollments.Roster(ctx, id, term)
	if err != nil {
		s.logger.Error("load roster failed", zap.String("course_id", id), zap.Error(err))
		return nil, appErrors.Internal(err, "failed to load roster")
	}

	table := rosterTable(course, term, rows)
	renderer := export.RendererFor(format)
	payload, err := renderer.Render(table)
	if err != nil {
		s.logger.Error("render roster failed", zap.String("course_id", id), zap.String("format", string(format)), zap.Error(err))
		return nil, appErrors.Internal(err, "failed to render roster")
	}

	name := "roster_" + course.ID
	if term != "" {
		name += "_" + strings.NewReplacer("/", "-", " ", "_").Replace(term)
	}
	return &RosterFile{
		Filename:    name + "." + renderer.Extension(),
		ContentType: renderer.ContentType(),
		Content:     payload,
	}, nil
}

// RosterFile is a rendered roster export.
type RosterFile struct {
	Filename    string
	ContentType string
	Content     []byte
}

func rosterTable(course *models.Course, term string, rows []models.EnrollmentDetail) export.Table {
	subtitle := []string{
		fmt.Sprintf("Instructor: %s", course.Instructor),
		fmt.Sprintf("Seats: %d of %d available", course.AvailableSeats, course.TotalSeats),
	}
	if term != "" {
		subtitle = append([]string{"Term: " + term}, subtitle...)
	}
	table := export.Table{
		Title:    fmt.Sprintf("%s %s", course.ID, course.Name),
		Subtitle: subtitle,
		Columns: []export.Column{
			{Key: "student_number", Label: "Student No", Width: 1.2},
			{Key: "student_name", Label: "Name", Width: 2.5},
			{Key: "term", Label: "Term", Width: 0.8},
			{Key: "status", Label: "Status", Width: 1},
			{Key: "enrolled_at", Label: "Enrolled At", Width: 1.5},
			{Key: "grade", Label: "Grade", Width: 0.6},
		},
		Rows: make([]map[string]string, 0, len(rows)),
	}
	for _, row := range rows {
		table.Rows = append(table.Rows, map[string]string{
			"student_number": deref(row.StudentNumber),
			"student_name":   row.StudentName,
			"term":           row.Term,
			"status":         string(row.Status),
			"enrolled_at":    row.EnrolledAt.UTC().Format(time.RFC3339),
			"grade":          deref(row.Grade),
		})
	}
	return table
}

func (s *CourseService) validateSchedule(schedule models.Schedule) error {
	for i, slot := range schedule {
		if err := s.validator.Struct(slot); err != nil {
			return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, fmt.Sprintf("schedule slot %d is invalid", i))
		}
		start, end, err := slot.Minutes()
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, fmt.Sprintf("schedule slot %d is invalid", i))
		}
		if start >= end {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("schedule slot %d must start before it ends", i))
		}
	}
	return nil
}

// failure maps a transaction error for course operations.
func (s *CourseService) failure(op, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, "course not found")
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	s.logger.Error(op+" failed", zap.String("course_id", id), zap.Error(err))
	return appErrors.Internal(err, "failed to "+op)
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	return &t
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
