package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-enroll-api/internal/models"
	"github.com/noah-isme/campus-enroll-api/internal/repository"
)

// memState is the whole in-memory database. The fake transaction runner snapshots it before
// each transaction and restores it when the transaction fails.
type memState struct {
	users         map[string]models.User
	courses       map[string]models.Course
	enrollments   map[string]models.Enrollment
	notifications []models.Notification
	studentSeq    int
}

func (s memState) clone() memState {
	out := memState{
		users:         make(map[string]models.User, len(s.users)),
		courses:       make(map[string]models.Course, len(s.courses)),
		enrollments:   make(map[string]models.Enrollment, len(s.enrollments)),
		notifications: append([]models.Notification(nil), s.notifications...),
		studentSeq:    s.studentSeq,
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.courses {
		out.courses[k] = v
	}
	for k, v := range s.enrollments {
		out.enrollments[k] = v
	}
	return out
}

type memStore struct {
	mu    sync.Mutex
	state memState
	// fail injects an error into the named repository call
	fail map[string]error
	ops  []string
}

func newMemStore() *memStore {
	return &memStore{
		state: memState{
			users:       map[string]models.User{},
			courses:     map[string]models.Course{},
			enrollments: map[string]models.Enrollment{},
		},
		fail: map[string]error{},
	}
}

func (s *memStore) injected(call string) error {
	return s.fail[call]
}

// WithinTx serialises transactions and rolls state back when fn fails.
func (s *memStore) WithinTx(ctx context.Context, op string, fn func(q sqlx.ExtContext) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	if err := ctx.Err(); err != nil {
		return err
	}
	saved := s.state.clone()
	if err := fn(nil); err != nil {
		s.state = saved
		return err
	}
	return nil
}

func (s *memStore) addStudent(t *testing.T, name string, maxCredits int) models.User {
	t.Helper()
	s.state.studentSeq++
	number := fmt.Sprintf("STD2025%04d", s.state.studentSeq)
	user := models.User{
		ID:            uuid.NewString(),
		Username:      strings.ToLower(strings.ReplaceAll(name, " ", "")),
		Email:         strings.ToLower(strings.ReplaceAll(name, " ", "")) + "@campus.test",
		FullName:      name,
		Role:          models.RoleStudent,
		StudentNumber: &number,
		Semester:      1,
		MaxCredits:    maxCredits,
		Active:        true,
	}
	s.state.users[user.ID] = user
	return user
}

func (s *memStore) addAdmin(t *testing.T) models.User {
	t.Helper()
	user := models.User{ID: uuid.NewString(), Username: "registrar", Email: "registrar@campus.test", FullName: "Registrar", Role: models.RoleAdmin, Active: true}
	s.state.users[user.ID] = user
	return user
}

func (s *memStore) addCourse(t *testing.T, id string, credits, seats int, status models.CourseStatus) models.Course {
	t.Helper()
	course := models.Course{
		ID:             id,
		Name:           "Course " + id,
		Credits:        credits,
		Category:       "core",
		Instructor:     "Dr. Rahman",
		TotalSeats:     seats,
		AvailableSeats: seats,
		Status:         status,
		Schedule:       models.Schedule{},
	}
	s.state.courses[id] = course
	return course
}

func (s *memStore) addEnrollment(t *testing.T, studentID, courseID, term string, status models.EnrollmentStatus) models.Enrollment {
	t.Helper()
	e := models.Enrollment{ID: uuid.NewString(), StudentID: studentID, CourseID: courseID, Term: term, Status: status, EnrolledAt: time.Now().UTC()}
	s.state.enrollments[e.ID] = e
	if status.OccupiesSeat() {
		c := s.state.courses[courseID]
		c.AvailableSeats--
		if c.AvailableSeats == 0 && c.Status == models.CourseStatusActive {
			c.Status = models.CourseStatusFull
		}
		s.state.courses[courseID] = c
	}
	return e
}

func (s *memStore) course(id string) models.Course {
	return s.state.courses[id]
}

func (s *memStore) enrollmentCount() int {
	return len(s.state.enrollments)
}

func (s *memStore) notificationsFor(userID string) []models.Notification {
	var out []models.Notification
	for _, n := range s.state.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// requireSeatInvariant checks available = total - occupied seats for every course.
func (s *memStore) requireSeatInvariant(t *testing.T) {
	t.Helper()
	for id, course := range s.state.courses {
		occupied := 0
		for _, e := range s.state.enrollments {
			if e.CourseID == id && e.Status.OccupiesSeat() {
				occupied++
			}
		}
		require.Equalf(t, course.TotalSeats-occupied, course.AvailableSeats, "seat counter drifted for %s", id)
	}
}

func uniqueViolation(constraint string) error {
	return &pq.Error{Code: "23505", Constraint: constraint}
}

// memCourses implements the course repository.
type memCourses struct{ s *memStore }

func (r memCourses) List(ctx context.Context, filter models.CourseFilter) ([]models.Course, int, error) {
	if err := r.s.injected("courses.List"); err != nil {
		return nil, 0, err
	}
	var out []models.Course
	for _, c := range r.s.state.courses {
		if len(filter.Statuses) > 0 && !containsCourseStatus(filter.Statuses, c.Status) {
			continue
		}
		if filter.Category != "" && c.Category != filter.Category {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(c.Name+" "+c.Instructor+" "+c.ID), strings.ToLower(filter.Search)) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func containsCourseStatus(statuses []models.CourseStatus, status models.CourseStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (r memCourses) FindByID(ctx context.Context, id string) (*models.Course, error) {
	c, ok := r.s.state.courses[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &c, nil
}

func (r memCourses) LockByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.Course, error) {
	return r.FindByID(ctx, id)
}

func (r memCourses) Exists(ctx context.Context, q sqlx.ExtContext, id string) (bool, error) {
	_, ok := r.s.state.courses[id]
	return ok, nil
}

func (r memCourses) Create(ctx context.Context, q sqlx.ExtContext, course *models.Course) error {
	if _, ok := r.s.state.courses[course.ID]; ok {
		return uniqueViolation("courses_pkey")
	}
	now := time.Now().UTC()
	course.CreatedAt, course.UpdatedAt = now, now
	r.s.state.courses[course.ID] = *course
	return nil
}

func (r memCourses) Update(ctx context.Context, q sqlx.ExtContext, id string, patch models.CoursePatch) error {
	c, ok := r.s.state.courses[id]
	if !ok {
		return sql.ErrNoRows
	}
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.Credits != nil {
		c.Credits = *patch.Credits
	}
	if patch.Category != nil {
		c.Category = *patch.Category
	}
	if patch.Instructor != nil {
		c.Instructor = *patch.Instructor
	}
	if patch.Schedule != nil {
		c.Schedule = *patch.Schedule
	}
	if patch.Description != nil {
		c.Description = *patch.Description
	}
	if patch.Status != nil {
		c.Status = *patch.Status
	}
	r.s.state.courses[id] = c
	return nil
}

func (r memCourses) SetTotalSeats(ctx context.Context, q sqlx.ExtContext, id string, total int) error {
	c, ok := r.s.state.courses[id]
	if !ok {
		return sql.ErrNoRows
	}
	if c.AvailableSeats > total {
		return &pq.Error{Code: "23514", Constraint: "courses_available_seats_range"}
	}
	c.TotalSeats = total
	r.s.state.courses[id] = c
	return nil
}

func (r memCourses) AdjustSeats(ctx context.Context, q sqlx.ExtContext, id string, delta int) (int, error) {
	if err := r.s.injected("courses.AdjustSeats"); err != nil {
		return 0, err
	}
	c, ok := r.s.state.courses[id]
	if !ok {
		return 0, sql.ErrNoRows
	}
	next := c.AvailableSeats + delta
	if next < 0 {
		next = 0
	}
	if next > c.TotalSeats {
		next = c.TotalSeats
	}
	switch {
	case c.Status == models.CourseStatusActive && next == 0:
		c.Status = models.CourseStatusFull
	case c.Status == models.CourseStatusFull && next > 0:
		c.Status = models.CourseStatusActive
	}
	c.AvailableSeats = next
	r.s.state.courses[id] = c
	return next, nil
}

func (r memCourses) Delete(ctx context.Context, q sqlx.ExtContext, id string) error {
	if _, ok := r.s.state.courses[id]; !ok {
		return sql.ErrNoRows
	}
	delete(r.s.state.courses, id)
	for eid, e := range r.s.state.enrollments {
		if e.CourseID == id {
			delete(r.s.state.enrollments, eid)
		}
	}
	return nil
}

// memEnrollments implements the enrollment repository.
type memEnrollments struct{ s *memStore }

func (r memEnrollments) detail(e models.Enrollment) models.EnrollmentDetail {
	c := r.s.state.courses[e.CourseID]
	u := r.s.state.users[e.StudentID]
	return models.EnrollmentDetail{
		Enrollment:    e,
		CourseName:    c.Name,
		Credits:       c.Credits,
		Instructor:    c.Instructor,
		Schedule:      c.Schedule,
		StudentName:   u.FullName,
		StudentNumber: u.StudentNumber,
	}
}

func (r memEnrollments) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	var out []models.EnrollmentDetail
	for _, e := range r.s.state.enrollments {
		if filter.StudentID != "" && e.StudentID != filter.StudentID {
			continue
		}
		if filter.CourseID != "" && e.CourseID != filter.CourseID {
			continue
		}
		if filter.Term != "" && e.Term != filter.Term {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, r.detail(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CourseID < out[j].CourseID })
	return out, len(out), nil
}

func (r memEnrollments) FindDetailByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.EnrollmentDetail, error) {
	e, ok := r.s.state.enrollments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	d := r.detail(e)
	return &d, nil
}

func (r memEnrollments) LockByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.Enrollment, error) {
	e, ok := r.s.state.enrollments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &e, nil
}

func (r memEnrollments) activeLineage(studentID, courseID, term, excludeID string) bool {
	for _, e := range r.s.state.enrollments {
		if e.ID != excludeID && e.StudentID == studentID && e.CourseID == courseID && e.Term == term && e.Status.ActiveLineage() {
			return true
		}
	}
	return false
}

func (r memEnrollments) ExistsActiveLineage(ctx context.Context, q sqlx.ExtContext, studentID, courseID, term, excludeID string) (bool, error) {
	return r.activeLineage(studentID, courseID, term, excludeID), nil
}

func (r memEnrollments) CreditLoad(ctx context.Context, q sqlx.ExtContext, studentID, term string) (int, error) {
	load := 0
	for _, e := range r.s.state.enrollments {
		if e.StudentID == studentID && e.Term == term && e.Status.ActiveLineage() {
			load += r.s.state.courses[e.CourseID].Credits
		}
	}
	return load, nil
}

func (r memEnrollments) ActiveSchedules(ctx context.Context, q sqlx.ExtContext, studentID, term string) ([]models.CourseSchedule, error) {
	var out []models.CourseSchedule
	for _, e := range r.s.state.enrollments {
		if e.StudentID == studentID && e.Term == term && e.Status.ActiveLineage() {
			out = append(out, models.CourseSchedule{CourseID: e.CourseID, Schedule: r.s.state.courses[e.CourseID].Schedule})
		}
	}
	return out, nil
}

func (r memEnrollments) CountByCourse(ctx context.Context, q sqlx.ExtContext, courseID string, statuses []models.EnrollmentStatus) (int, error) {
	count := 0
	for _, e := range r.s.state.enrollments {
		if e.CourseID != courseID {
			continue
		}
		for _, status := range statuses {
			if e.Status == status {
				count++
				break
			}
		}
	}
	return count, nil
}

func (r memEnrollments) Create(ctx context.Context, q sqlx.ExtContext, enrollment *models.Enrollment) error {
	if err := r.s.injected("enrollments.Create"); err != nil {
		return err
	}
	if enrollment.Status.ActiveLineage() && r.activeLineage(enrollment.StudentID, enrollment.CourseID, enrollment.Term, "") {
		return uniqueViolation(repository.ActiveLineageConstraint)
	}
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	enrollment.CreatedAt, enrollment.UpdatedAt = now, now
	r.s.state.enrollments[enrollment.ID] = *enrollment
	return nil
}

func (r memEnrollments) UpdateStatus(ctx context.Context, q sqlx.ExtContext, enrollment *models.Enrollment) error {
	if enrollment.Status.ActiveLineage() && r.activeLineage(enrollment.StudentID, enrollment.CourseID, enrollment.Term, enrollment.ID) {
		return uniqueViolation(repository.ActiveLineageConstraint)
	}
	enrollment.UpdatedAt = time.Now().UTC()
	r.s.state.enrollments[enrollment.ID] = *enrollment
	return nil
}

func (r memEnrollments) Delete(ctx context.Context, q sqlx.ExtContext, id string) error {
	if _, ok := r.s.state.enrollments[id]; !ok {
		return sql.ErrNoRows
	}
	delete(r.s.state.enrollments, id)
	return nil
}

func (r memEnrollments) Roster(ctx context.Context, courseID, term string) ([]models.EnrollmentDetail, error) {
	items, _, err := r.List(ctx, models.EnrollmentFilter{CourseID: courseID, Term: term})
	return items, err
}

// memUsers implements the user repositories used by the engine, auth and profile services.
type memUsers struct{ s *memStore }

func (r memUsers) FindByID(ctx context.Context, id string) (*models.User, error) {
	u, ok := r.s.state.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &u, nil
}

func (r memUsers) LockByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.User, error) {
	return r.FindByID(ctx, id)
}

func (r memUsers) FindByLogin(ctx context.Context, identifier string) (*models.User, error) {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	for _, u := range r.s.state.users {
		if strings.ToLower(u.Username) == identifier || strings.ToLower(u.Email) == identifier {
			return &u, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r memUsers) ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error) {
	for _, u := range r.s.state.users {
		if strings.EqualFold(u.Username, username) || strings.EqualFold(u.Email, email) {
			return true, nil
		}
	}
	return false, nil
}

func (r memUsers) NextStudentNumber(ctx context.Context, year int) (string, error) {
	r.s.state.studentSeq++
	return fmt.Sprintf("STD%d%04d", year, r.s.state.studentSeq), nil
}

func (r memUsers) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	r.s.state.users[user.ID] = *user
	return nil
}

func (r memUsers) UpdateProfile(ctx context.Context, user *models.User) error {
	for id, u := range r.s.state.users {
		if id != user.ID && strings.EqualFold(u.Email, user.Email) {
			return uniqueViolation("users_email_key")
		}
	}
	r.s.state.users[user.ID] = *user
	return nil
}

// memNotifications implements the notification repository.
type memNotifications struct{ s *memStore }

func (r memNotifications) Create(ctx context.Context, q sqlx.ExtContext, n *models.Notification) error {
	if err := r.s.injected("notifications.Create"); err != nil {
		return err
	}
	n.ID = uuid.NewString()
	n.CreatedAt = time.Now().UTC()
	r.s.state.notifications = append(r.s.state.notifications, *n)
	return nil
}

func (r memNotifications) matches(n models.Notification, filter models.NotificationFilter) bool {
	if n.UserID != filter.UserID {
		return false
	}
	if filter.IsRead != nil && n.IsRead != *filter.IsRead {
		return false
	}
	return filter.Category == "" || n.Category == filter.Category
}

func (r memNotifications) List(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, int, error) {
	var out []models.Notification
	for _, n := range r.s.state.notifications {
		if r.matches(n, filter) {
			out = append(out, n)
		}
	}
	return out, len(out), nil
}

func (r memNotifications) CountUnread(ctx context.Context, userID string) (int, error) {
	count := 0
	for _, n := range r.s.state.notifications {
		if n.UserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (r memNotifications) MarkRead(ctx context.Context, userID, id string) (int64, error) {
	var affected int64
	for i, n := range r.s.state.notifications {
		if n.UserID == userID && ((id == "" && !n.IsRead) || n.ID == id) {
			r.s.state.notifications[i].IsRead = true
			affected++
		}
	}
	return affected, nil
}

func (r memNotifications) Delete(ctx context.Context, userID, id string) (int64, error) {
	kept := r.s.state.notifications[:0]
	var affected int64
	for _, n := range r.s.state.notifications {
		if n.UserID == userID && (id == "" || n.ID == id) {
			affected++
			continue
		}
		kept = append(kept, n)
	}
	r.s.state.notifications = kept
	return affected, nil
}

// recordingNotifier captures post-commit fan-out.
type recordingNotifier struct {
	mu             sync.Mutex
	committed      []models.Notification
	catalogChanges int
}

func (n *recordingNotifier) NotificationsCommitted(notifications ...models.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.committed = append(n.committed, notifications...)
}

func (n *recordingNotifier) CatalogChanged() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.catalogChanges++
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.committed), n.catalogChanges
}

var errInjected = errors.New("injected failure")
