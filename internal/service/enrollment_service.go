package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-enroll-api/internal/dto"
	"github.com/noah-isme/campus-enroll-api/internal/models"
	"github.com/noah-isme/campus-enroll-api/internal/repository"
	"github.com/noah-isme/campus-enroll-api/pkg/database"
	appErrors "github.com/noah-isme/campus-enroll-api/pkg/errors"
)

type enrollmentRepository interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	FindDetailByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.EnrollmentDetail, error)
	LockByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.Enrollment, error)
	ExistsActiveLineage(ctx context.Context, q sqlx.ExtContext, studentID, courseID, term, excludeID string) (bool, error)
	CreditLoad(ctx context.Context, q sqlx.ExtContext, studentID, term string) (int, error)
	ActiveSchedules(ctx context.Context, q sqlx.ExtContext, studentID, term string) ([]models.CourseSchedule, error)
	Create(ctx context.Context, q sqlx.ExtContext, enrollment *models.Enrollment) error
	UpdateStatus(ctx context.Context, q sqlx.ExtContext, enrollment *models.Enrollment) error
	Delete(ctx context.Context, q sqlx.ExtContext, id string) error
}

type studentRepository interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	LockByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.User, error)
}

type courseLocker interface {
	LockByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.Course, error)
}

type seatAdjuster interface {
	AdjustSeats(ctx context.Context, q sqlx.ExtContext, id string, delta int) (int, error)
}

type notificationEmitter interface {
	Emit(ctx context.Context, q sqlx.ExtContext, userID, message, category string) (*models.Notification, error)
}

// EnrollmentConfig tunes the engine.
type EnrollmentConfig struct {
	ActiveTerm               string
	DefaultMaxCredits        int
	MaxPageSize              int
	EnforceScheduleConflicts bool
}

// EnrollmentService is the enrollment engine. Every mutation runs in one transaction that
// locks the rows it reads, moves the seat counter through the course registry and writes the
// student's notification, so either all of it commits or none of it does.
type EnrollmentService struct {
	repo          enrollmentRepository
	students      studentRepository
	courses       courseLocker
	seats         seatAdjuster
	notifications notificationEmitter
	tx            txRunner
	notifier      enrollmentNotifier
	metrics       *MetricsService
	validator     *validator.Validate
	cfg           EnrollmentConfig
	logger        *zap.Logger
	now           func() time.Time
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(
	repo enrollmentRepository,
	students studentRepository,
	courses courseLocker,
	seats seatAdjuster,
	notifications notificationEmitter,
	tx txRunner,
	notifier enrollmentNotifier,
	metrics *MetricsService,
	validate *validator.Validate,
	cfg EnrollmentConfig,
	logger *zap.Logger,
) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultMaxCredits <= 0 {
		cfg.DefaultMaxCredits = 24
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 50
	}
	return &EnrollmentService{
		repo:          repo,
		students:      students,
		courses:       courses,
		seats:         seats,
		notifications: notifications,
		tx:            tx,
		notifier:      notifier,
		metrics:       metrics,
		validator:     validate,
		cfg:           cfg,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// RequestEnrollment creates a pending enrollment for the calling student and holds a seat.
func (s *EnrollmentService) RequestEnrollment(ctx context.Context, actor models.Actor, req dto.EnrollRequest) (*models.EnrollmentDetail, error) {
	detail, err := s.requestEnrollment(ctx, actor, req)
	if err != nil {
		s.metrics.RecordEnrollmentRequest(appErrors.FromError(err).Code)
		return nil, err
	}
	s.metrics.RecordEnrollmentRequest("created")
	return detail, nil
}

func (s *EnrollmentService) requestEnrollment(ctx context.Context, actor models.Actor, req dto.EnrollRequest) (*models.EnrollmentDetail, error) {
	if !canRequest(actor) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only students can request enrollment")
	}
	req.CourseID = strings.TrimSpace(req.CourseID)
	req.Term = strings.TrimSpace(req.Term)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	term := req.Term
	if term == "" {
		term = s.cfg.ActiveTerm
	}

	var (
		detail *models.EnrollmentDetail
		notice *models.Notification
	)
	err := s.tx.WithinTx(ctx, "enrollment.request", func(q sqlx.ExtContext) error {
		student, err := s.students.LockByID(ctx, q, actor.UserID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.ErrStudentNotFound
			}
			return err
		}
		if !student.IsStudent() {
			return appErrors.ErrStudentNotFound
		}

		course, err := s.courses.LockByID(ctx, q, req.CourseID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, "course not found")
			}
			return err
		}
		if err := checkOpenForEnrollment(course); err != nil {
			return err
		}

		duplicate, err := s.repo.ExistsActiveLineage(ctx, q, student.ID, course.ID, term, "")
		if err != nil {
			return err
		}
		if duplicate {
			return appErrors.Clone(appErrors.ErrDuplicateEnrollment, fmt.Sprintf("already enrolled in %s for term %s", course.ID, term))
		}

		if err := s.checkCreditLimit(ctx, q, student, course, term); err != nil {
			return err
		}
		if s.cfg.EnforceScheduleConflicts {
			if err := s.checkScheduleConflict(ctx, q, student.ID, course, term); err != nil {
				return err
			}
		}

		enrollment := &models.Enrollment{
			StudentID:  student.ID,
			CourseID:   course.ID,
			Term:       term,
			Status:     models.EnrollmentStatusPending,
			EnrolledAt: s.now(),
		}
		if err := s.repo.Create(ctx, q, enrollment); err != nil {
			if database.IsUniqueViolation(err, repository.ActiveLineageConstraint) {
				return appErrors.Clone(appErrors.ErrDuplicateEnrollment, fmt.Sprintf("already enrolled in %s for term %s", course.ID, term))
			}
			return err
		}
		available, err := s.seats.AdjustSeats(ctx, q, course.ID, -1)
		if err != nil {
			return err
		}

		notice, err = s.notifications.Emit(ctx, q, student.ID,
			fmt.Sprintf("Your enrollment request for %s (%s) in term %s is pending approval.", course.Name, course.ID, term),
			models.NotificationCategoryEnrollment)
		if err != nil {
			return err
		}

		course.AvailableSeats = available
		detail = buildDetail(enrollment, course, student)
		return nil
	})
	if err != nil {
		return nil, s.failure("request enrollment", err,
			zap.String("student_id", actor.UserID), zap.String("course_id", req.CourseID), zap.String("term", term))
	}

	s.metrics.RecordTransition("none", string(models.EnrollmentStatusPending))
	s.afterCommit(notice, true)
	return detail, nil
}

func checkOpenForEnrollment(course *models.Course) error {
	switch {
	case course.Status == models.CourseStatusFull:
		return appErrors.Clone(appErrors.ErrCourseFull, fmt.Sprintf("course %s is full", course.ID))
	case course.Status != models.CourseStatusActive:
		return appErrors.Clone(appErrors.ErrCourseNotActive, fmt.Sprintf("course %s is not open for enrollment", course.ID))
	case course.AvailableSeats <= 0:
		return appErrors.Clone(appErrors.ErrCourseFull, fmt.Sprintf("course %s is full", course.ID))
	}
	return nil
}

func (s *EnrollmentService) checkCreditLimit(ctx context.Context, q sqlx.ExtContext, student *models.User, course *models.Course, term string) error {
	load, err := s.repo.CreditLoad(ctx, q, student.ID, term)
	if err != nil {
		return err
	}
	max := s.maxCredits(student)
	if load+course.Credits > max {
		return appErrors.Clone(appErrors.ErrCreditLimitExceeded,
			fmt.Sprintf("credit limit exceeded: %d enrolled + %d requested exceeds maximum %d", load, course.Credits, max))
	}
	return nil
}

func (s *EnrollmentService) checkScheduleConflict(ctx context.Context, q sqlx.ExtContext, studentID string, course *models.Course, term string) error {
	if len(course.Schedule) == 0 {
		return nil
	}
	held, err := s.repo.ActiveSchedules(ctx, q, studentID, term)
	if err != nil {
		return err
	}
	for _, other := range held {
		if slot, clash := course.Schedule.ConflictsWith(other.Schedule); clash {
			return appErrors.Clone(appErrors.ErrScheduleConflict,
				fmt.Sprintf("%s on %s %s-%s overlaps %s", course.ID, slot.Day, slot.Start, slot.End, other.CourseID))
		}
	}
	return nil
}

func (s *EnrollmentService) maxCredits(student *models.User) int {
	if student.MaxCredits > 0 {
		return student.MaxCredits
	}
	return s.cfg.DefaultMaxCredits
}

// Decide moves an enrollment to approved, rejected or completed on behalf of an admin.
func (s *EnrollmentService) Decide(ctx context.Context, actor models.Actor, id string, req dto.DecideEnrollmentRequest) (*models.EnrollmentDetail, error) {
	if !canDecide(actor) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only administrators can decide enrollments")
	}
	target := models.EnrollmentStatus(strings.ToLower(strings.TrimSpace(string(req.Status))))
	if _, ok := decidableStatuses[target]; !ok {
		return nil, appErrors.Clone(appErrors.ErrInvalidStatus, "status must be one of approved, rejected, completed")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid decision payload")
	}
	if req.Grade != nil && target != models.EnrollmentStatusCompleted {
		return nil, appErrors.Clone(appErrors.ErrValidation, "grade can only be recorded when completing an enrollment")
	}
	if !isUUID(id) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
	}

	var (
		detail *models.EnrollmentDetail
		notice *models.Notification
		from   models.EnrollmentStatus
		moved  bool
	)
	err := s.tx.WithinTx(ctx, "enrollment.decide", func(q sqlx.ExtContext) error {
		enrollment, err := s.repo.LockByID(ctx, q, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
			}
			return err
		}
		course, err := s.courses.LockByID(ctx, q, enrollment.CourseID)
		if err != nil {
			return err
		}

		from = enrollment.Status
		step, ok := lookupTransition(from, target)
		if !ok {
			return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("cannot move enrollment from %s to %s", from, target))
		}
		if step.reholds {
			if course.AvailableSeats <= 0 {
				return appErrors.Clone(appErrors.ErrCourseFull, fmt.Sprintf("course %s is full", course.ID))
			}
			duplicate, err := s.repo.ExistsActiveLineage(ctx, q, enrollment.StudentID, enrollment.CourseID, enrollment.Term, enrollment.ID)
			if err != nil {
				return err
			}
			if duplicate {
				return appErrors.Clone(appErrors.ErrDuplicateEnrollment, "student already holds another enrollment for this course and term")
			}
		}
		if step.seatDelta != 0 {
			if _, err := s.seats.AdjustSeats(ctx, q, course.ID, step.seatDelta); err != nil {
				return err
			}
			moved = true
		}

		enrollment.Status = target
		if req.Remarks != nil {
			remarks := strings.TrimSpace(*req.Remarks)
			enrollment.Remarks = &remarks
		}
		if target == models.EnrollmentStatusCompleted {
			completedAt := s.now()
			enrollment.CompletedAt = &completedAt
			if req.Grade != nil {
				grade := strings.ToUpper(strings.TrimSpace(*req.Grade))
				enrollment.Grade = &grade
			}
		}
		if err := s.repo.UpdateStatus(ctx, q, enrollment); err != nil {
			if database.IsUniqueViolation(err, repository.ActiveLineageConstraint) {
				return appErrors.Clone(appErrors.ErrDuplicateEnrollment, "student already holds another enrollment for this course and term")
			}
			return err
		}

		notice, err = s.notifications.Emit(ctx, q, enrollment.StudentID, decisionMessage(course, target, enrollment.Remarks),
			models.NotificationCategoryEnrollmentUpdate)
		if err != nil {
			return err
		}

		detail, err = s.repo.FindDetailByID(ctx, q, enrollment.ID)
		return err
	})
	if err != nil {
		return nil, s.failure("decide enrollment", err, zap.String("enrollment_id", id), zap.String("status", string(target)))
	}

	s.metrics.RecordTransition(string(from), string(target))
	s.afterCommit(notice, moved)
	return detail, nil
}

func decisionMessage(course *models.Course, status models.EnrollmentStatus, remarks *string) string {
	var msg string
	switch status {
	case models.EnrollmentStatusApproved:
		msg = fmt.Sprintf("Your enrollment in %s (%s) has been approved.", course.Name, course.ID)
	case models.EnrollmentStatusRejected:
		msg = fmt.Sprintf("Your enrollment in %s (%s) has been rejected.", course.Name, course.ID)
	default:
		msg = fmt.Sprintf("Your enrollment in %s (%s) has been marked as completed.", course.Name, course.ID)
	}
	if remarks != nil && *remarks != "" {
		msg += " Remarks: " + *remarks
	}
	return msg
}

// Cancel deletes an enrollment and releases its seat. Students may withdraw their own pending
// requests; admins may remove any enrollment.
func (s *EnrollmentService) Cancel(ctx context.Context, actor models.Actor, id string) (*models.Enrollment, error) {
	if actor.Anonymous() {
		return nil, appErrors.ErrUnauthorized
	}
	if !isUUID(id) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
	}

	var (
		cancelled *models.Enrollment
		released  bool
	)
	err := s.tx.WithinTx(ctx, "enrollment.cancel", func(q sqlx.ExtContext) error {
		released = false
		enrollment, err := s.repo.LockByID(ctx, q, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
			}
			return err
		}
		if !canCancel(actor, enrollment) {
			return appErrors.Clone(appErrors.ErrForbidden, "you cannot cancel this enrollment")
		}
		if !canCancelInState(actor, enrollment) {
			return appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("only pending enrollments can be cancelled, this one is %s", enrollment.Status))
		}

		if err := s.repo.Delete(ctx, q, enrollment.ID); err != nil {
			return err
		}
		if delta := cancellationSeatDelta(enrollment.Status); delta != 0 {
			if _, err := s.seats.AdjustSeats(ctx, q, enrollment.CourseID, delta); err != nil {
				return err
			}
			released = true
		}
		cancelled = enrollment
		return nil
	})
	if err != nil {
		return nil, s.failure("cancel enrollment", err, zap.String("enrollment_id", id), zap.String("actor_id", actor.UserID))
	}

	s.metrics.RecordTransition(string(cancelled.Status), string(models.EnrollmentStatusCancelled))
	cancelled.Status = models.EnrollmentStatusCancelled
	cancelled.UpdatedAt = s.now()
	s.afterCommit(nil, released)
	return cancelled, nil
}

// Get returns one enrollment. Students asking for someone else's record get NotFound.
func (s *EnrollmentService) Get(ctx context.Context, actor models.Actor, id string) (*models.EnrollmentDetail, error) {
	if actor.Anonymous() {
		return nil, appErrors.ErrUnauthorized
	}
	if !isUUID(id) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
	}
	detail, err := s.repo.FindDetailByID(ctx, nil, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		s.logger.Error("get enrollment failed", zap.String("enrollment_id", id), zap.Error(err))
		return nil, appErrors.Internal(err, "failed to load enrollment")
	}
	if !canView(actor, &detail.Enrollment) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
	}
	return detail, nil
}

// List returns enrollments visible to the caller.
func (s *EnrollmentService) List(ctx context.Context, actor models.Actor, query dto.EnrollmentQuery) ([]models.EnrollmentDetail, *models.Pagination, error) {
	if actor.Anonymous() {
		return nil, nil, appErrors.ErrUnauthorized
	}
	status := models.EnrollmentStatus(strings.ToLower(strings.TrimSpace(query.Status)))
	if status != "" && !isStoredStatus(status) {
		return nil, nil, appErrors.Clone(appErrors.ErrInvalidStatus, "status must be one of pending, approved, rejected, completed")
	}
	page, size := normalizePage(query.Page, query.Limit, s.cfg.MaxPageSize)
	filter := models.EnrollmentFilter{
		StudentID: strings.TrimSpace(query.StudentID),
		CourseID:  strings.TrimSpace(query.CourseID),
		Term:      strings.TrimSpace(query.Term),
		Status:    status,
		Search:    strings.TrimSpace(query.Search),
		Page:      page,
		PageSize:  size,
		SortBy:    query.Sort,
		SortOrder: query.Order,
	}
	scopeEnrollmentFilter(actor, &filter)

	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		s.logger.Error("list enrollments failed", zap.String("actor_id", actor.UserID), zap.Error(err))
		return nil, nil, appErrors.Internal(err, "failed to list enrollments")
	}
	return items, models.NewPagination(page, size, total), nil
}

// CreditSummary reports a student's credit load for term. Admins may query any student.
func (s *EnrollmentService) CreditSummary(ctx context.Context, actor models.Actor, studentID, term string) (*models.CreditSummary, error) {
	if actor.Anonymous() {
		return nil, appErrors.ErrUnauthorized
	}
	studentID = strings.TrimSpace(studentID)
	if studentID == "" || !actor.IsAdmin() {
		studentID = actor.UserID
	}
	term = strings.TrimSpace(term)
	if term == "" {
		term = s.cfg.ActiveTerm
	}
	if !isUUID(studentID) {
		return nil, appErrors.ErrStudentNotFound
	}

	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrStudentNotFound
		}
		s.logger.Error("load student failed", zap.String("student_id", studentID), zap.Error(err))
		return nil, appErrors.Internal(err, "failed to load student")
	}
	if student.Role != models.RoleStudent {
		return nil, appErrors.ErrStudentNotFound
	}
	load, err := s.repo.CreditLoad(ctx, nil, studentID, term)
	if err != nil {
		s.logger.Error("credit load failed", zap.String("student_id", studentID), zap.String("term", term), zap.Error(err))
		return nil, appErrors.Internal(err, "failed to compute credit load")
	}
	max := s.maxCredits(student)
	remaining := max - load
	if remaining < 0 {
		remaining = 0
	}
	return &models.CreditSummary{
		StudentID:        studentID,
		Term:             term,
		EnrolledCredits:  load,
		MaxCredits:       max,
		RemainingCredits: remaining,
	}, nil
}

func (s *EnrollmentService) afterCommit(notice *models.Notification, seatsChanged bool) {
	if s.notifier == nil {
		return
	}
	if notice != nil {
		s.notifier.NotificationsCommitted(*notice)
	}
	if seatsChanged {
		s.notifier.CatalogChanged()
	}
}

// failure passes typed errors through and logs anything else as a server error.
func (s *EnrollmentService) failure(op string, err error, fields ...zap.Field) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		if appErr.Status >= 500 {
			s.logger.Error(op+" failed", append(fields, zap.Error(err))...)
		}
		return appErr
	}
	s.logger.Error(op+" failed", append(fields, zap.Error(err))...)
	return appErrors.Internal(err, "failed to "+op)
}

func isStoredStatus(status models.EnrollmentStatus) bool {
	switch status {
	case models.EnrollmentStatusPending, models.EnrollmentStatusApproved, models.EnrollmentStatusRejected, models.EnrollmentStatusCompleted:
		return true
	default:
		return false
	}
}

func buildDetail(enrollment *models.Enrollment, course *models.Course, student *models.User) *models.EnrollmentDetail {
	return &models.EnrollmentDetail{
		Enrollment:    *enrollment,
		CourseName:    course.Name,
		Credits:       course.Credits,
		Instructor:    course.Instructor,
		Schedule:      course.Schedule,
		StudentName:   student.FullName,
		StudentNumber: student.StudentNumber,
	}
}
