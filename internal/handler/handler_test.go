package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-enroll-api/internal/dto"
	"github.com/noah-isme/campus-enroll-api/internal/middleware"
	"github.com/noah-isme/campus-enroll-api/internal/models"
	"github.com/noah-isme/campus-enroll-api/internal/service"
	appErrors "github.com/noah-isme/campus-enroll-api/pkg/errors"
)

type responseEnvelope struct {
	Success    bool                   `json:"success"`
	Message    string                 `json:"message"`
	Data       json.RawMessage        `json:"data"`
	Error      *appErrors.Error       `json:"error"`
	Pagination *models.Pagination     `json:"pagination"`
	Meta       map[string]interface{} `json:"meta"`
}

func withClaims(claims *models.JWTClaims) gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims != nil {
			c.Set(middleware.ContextUserKey, claims)
		}
		c.Next()
	}
}

func newRouter(claims *models.JWTClaims) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.WithResponseMeta(), withClaims(claims))
	return router
}

func perform(t *testing.T, router *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, responseEnvelope) {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var envelope responseEnvelope
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	}
	return rec, envelope
}

var (
	studentClaims = &models.JWTClaims{UserID: "9a3f7c1e-1111-4a2b-9c3d-000000000001", Role: models.RoleStudent}
	adminClaims   = &models.JWTClaims{UserID: "9a3f7c1e-1111-4a2b-9c3d-0000000000aa", Role: models.RoleAdmin}
)

type fakeEnrollmentService struct {
	actor     models.Actor
	request   dto.EnrollRequest
	decision  dto.DecideEnrollmentRequest
	id        string
	studentID string
	term      string
	query     dto.EnrollmentQuery
	detail    *models.EnrollmentDetail
	err       error
}

func (f *fakeEnrollmentService) RequestEnrollment(_ context.Context, actor models.Actor, req dto.EnrollRequest) (*models.EnrollmentDetail, error) {
	f.actor, f.request = actor, req
	return f.detail, f.err
}

func (f *fakeEnrollmentService) Decide(_ context.Context, actor models.Actor, id string, req dto.DecideEnrollmentRequest) (*models.EnrollmentDetail, error) {
	f.actor, f.id, f.decision = actor, id, req
	return f.detail, f.err
}

func (f *fakeEnrollmentService) Cancel(_ context.Context, actor models.Actor, id string) (*models.Enrollment, error) {
	f.actor, f.id = actor, id
	if f.err != nil {
		return nil, f.err
	}
	return &models.Enrollment{ID: id, Status: models.EnrollmentStatusCancelled}, nil
}

func (f *fakeEnrollmentService) Get(_ context.Context, actor models.Actor, id string) (*models.EnrollmentDetail, error) {
	f.actor, f.id = actor, id
	return f.detail, f.err
}

func (f *fakeEnrollmentService) List(_ context.Context, actor models.Actor, query dto.EnrollmentQuery) ([]models.EnrollmentDetail, *models.Pagination, error) {
	f.actor, f.query = actor, query
	if f.err != nil {
		return nil, nil, f.err
	}
	return []models.EnrollmentDetail{*f.detail}, models.NewPagination(1, 20, 1), nil
}

func (f *fakeEnrollmentService) CreditSummary(_ context.Context, actor models.Actor, studentID, term string) (*models.CreditSummary, error) {
	f.actor, f.studentID, f.term = actor, studentID, term
	return &models.CreditSummary{StudentID: actor.UserID, Term: "2025/1", EnrolledCredits: 6, MaxCredits: 24, RemainingCredits: 18}, f.err
}

func enrollmentRoutes(router *gin.Engine, h *EnrollmentHandler) {
	router.POST("/enroll", h.Create)
	router.GET("/enroll", h.List)
	router.GET("/enroll/credits", h.Credits)
	router.GET("/enroll/:id", h.Get)
	router.PUT("/enroll/:id", h.Decide)
	router.DELETE("/enroll/:id", h.Cancel)
}

func TestEnrollmentCreateReturnsCreated(t *testing.T) {
	svc := &fakeEnrollmentService{detail: &models.EnrollmentDetail{
		Enrollment: models.Enrollment{ID: "e-1", CourseID: "CS101", Status: models.EnrollmentStatusPending},
		CourseName: "Intro to Programming",
	}}
	router := newRouter(studentClaims)
	enrollmentRoutes(router, NewEnrollmentHandler(svc))

	rec, envelope := perform(t, router, http.MethodPost, "/enroll", map[string]string{"courseId": "CS101", "term": "2025/1"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, envelope.Success)
	assert.Contains(t, string(envelope.Data), `"status":"pending"`)
	assert.Equal(t, studentClaims.UserID, svc.actor.UserID)
	assert.Equal(t, dto.EnrollRequest{CourseID: "CS101", Term: "2025/1"}, svc.request)
}

func TestEnrollmentErrorsMapToStatusCodes(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{name: "course full", err: appErrors.ErrCourseFull, status: http.StatusConflict, code: "COURSE_FULL"},
		{name: "credit limit", err: appErrors.ErrCreditLimitExceeded, status: http.StatusConflict, code: "CREDIT_LIMIT_EXCEEDED"},
		{name: "student missing", err: appErrors.ErrStudentNotFound, status: http.StatusNotFound, code: "STUDENT_NOT_FOUND"},
		{name: "transient", err: appErrors.Transient(errors.New("serialization failure")), status: http.StatusServiceUnavailable, code: "TRANSIENT_ERROR", retryAfter: "1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newRouter(studentClaims)
			enrollmentRoutes(router, NewEnrollmentHandler(&fakeEnrollmentService{err: tc.err}))

			rec, envelope := perform(t, router, http.MethodPost, "/enroll", map[string]string{"courseId": "CS101"})

			assert.Equal(t, tc.status, rec.Code)
			assert.False(t, envelope.Success)
			require.NotNil(t, envelope.Error)
			assert.Equal(t, tc.code, envelope.Error.Code)
			assert.Equal(t, tc.retryAfter, rec.Header().Get("Retry-After"))
		})
	}
}

func TestEnrollmentCancelOutsidePendingIsNotFound(t *testing.T) {
	for _, err := range []error{appErrors.ErrNotFound, appErrors.Clone(appErrors.ErrInvalidState, "only pending enrollments can be cancelled, this one is approved")} {
		svc := &fakeEnrollmentService{err: err}
		router := newRouter(studentClaims)
		enrollmentRoutes(router, NewEnrollmentHandler(svc))

		rec, envelope := perform(t, router, http.MethodDelete, "/enroll/e-7", nil)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		require.NotNil(t, envelope.Error)
		assert.Equal(t, err.(*appErrors.Error).Code, envelope.Error.Code)
		assert.Equal(t, "e-7", svc.id)
	}
}

func TestEnrollmentCreateRejectsMalformedBody(t *testing.T) {
	svc := &fakeEnrollmentService{}
	router := newRouter(studentClaims)
	enrollmentRoutes(router, NewEnrollmentHandler(svc))

	rec, envelope := perform(t, router, http.MethodPost, "/enroll", "{not json")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", envelope.Error.Code)
	assert.Empty(t, svc.actor.UserID)
}

func TestEnrollmentRoutesPassPathAndQuery(t *testing.T) {
	svc := &fakeEnrollmentService{detail: &models.EnrollmentDetail{Enrollment: models.Enrollment{ID: "e-1"}}}
	router := newRouter(adminClaims)
	enrollmentRoutes(router, NewEnrollmentHandler(svc))

	rec, envelope := perform(t, router, http.MethodGet, "/enroll/credits?studentId=s-1&term=2025/2", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s-1", svc.studentID)
	assert.Equal(t, "2025/2", svc.term)
	assert.Contains(t, string(envelope.Data), `"remaining_credits":18`)

	rec, _ = perform(t, router, http.MethodPut, "/enroll/e-7", map[string]string{"status": "approved", "remarks": "welcome"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "e-7", svc.id)
	assert.Equal(t, models.EnrollmentStatusApproved, svc.decision.Status)
	require.NotNil(t, svc.decision.Remarks)
	assert.Equal(t, "welcome", *svc.decision.Remarks)

	rec, envelope = perform(t, router, http.MethodGet, "/enroll?status=pending&courseId=CS101&page=2&limit=5", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, dto.EnrollmentQuery{Status: "pending", CourseID: "CS101", Page: 2, Limit: 5}, svc.query)
	require.NotNil(t, envelope.Pagination)
	assert.Equal(t, 1, envelope.Pagination.TotalCount)

	rec, envelope = perform(t, router, http.MethodDelete, "/enroll/e-9", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "e-9", svc.id)
	assert.Contains(t, string(envelope.Data), `"status":"cancelled"`)
}

type fakeCourseService struct {
	actor    models.Actor
	cacheHit bool
	err      error
}

func (f *fakeCourseService) List(_ context.Context, actor models.Actor, _ dto.CourseQuery) ([]models.CourseListItem, *models.Pagination, bool, error) {
	f.actor = actor
	return []models.CourseListItem{{Course: models.Course{ID: "CS101", AvailableSeats: 2}, AlmostFull: true}}, models.NewPagination(1, 20, 1), f.cacheHit, f.err
}

func (f *fakeCourseService) Get(_ context.Context, actor models.Actor, id string) (*models.Course, error) {
	f.actor = actor
	return &models.Course{ID: id}, f.err
}

func (f *fakeCourseService) Create(_ context.Context, actor models.Actor, req dto.CreateCourseRequest) (*models.Course, error) {
	f.actor = actor
	return &models.Course{ID: req.ID, Name: req.Name}, f.err
}

func (f *fakeCourseService) Update(_ context.Context, actor models.Actor, id string, _ dto.UpdateCourseRequest) (*models.Course, error) {
	f.actor = actor
	return &models.Course{ID: id}, f.err
}

func (f *fakeCourseService) Delete(_ context.Context, actor models.Actor, _ string) error {
	f.actor = actor
	return f.err
}

func (f *fakeCourseService) Roster(_ context.Context, actor models.Actor, id string, _ dto.RosterQuery) (*service.RosterFile, error) {
	f.actor = actor
	if f.err != nil {
		return nil, f.err
	}
	return &service.RosterFile{Filename: "roster_" + id + "_2025-1.csv", ContentType: "text/csv", Content: []byte("Student No\n")}, nil
}

func TestCourseListReportsCacheHit(t *testing.T) {
	svc := &fakeCourseService{cacheHit: true}
	router := newRouter(nil)
	router.GET("/courses", NewCourseHandler(svc).List)

	rec, envelope := perform(t, router, http.MethodGet, "/courses?search=intro", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, envelope.Meta["cache_hit"])
	assert.Contains(t, string(envelope.Data), `"almost_full":true`)
	assert.True(t, svc.actor.Anonymous())
}

func TestCourseCreateAndDelete(t *testing.T) {
	svc := &fakeCourseService{}
	router := newRouter(adminClaims)
	h := NewCourseHandler(svc)
	router.POST("/courses", h.Create)
	router.DELETE("/courses/:id", h.Delete)

	rec, envelope := perform(t, router, http.MethodPost, "/courses", map[string]interface{}{"id": "CS202", "name": "Data Structures", "credits": 3})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, string(envelope.Data), `"id":"CS202"`)
	assert.True(t, svc.actor.IsAdmin())

	svc.err = appErrors.ErrHasActiveEnrollments
	rec, envelope = perform(t, router, http.MethodDelete, "/courses/CS202", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "HAS_ACTIVE_ENROLLMENTS", envelope.Error.Code)
}

func TestCourseRosterDownload(t *testing.T) {
	router := newRouter(adminClaims)
	router.GET("/courses/:id/roster", NewCourseHandler(&fakeCourseService{}).Roster)

	rec, _ := perform(t, router, http.MethodGet, "/courses/CS101/roster?format=csv", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="roster_CS101_2025-1.csv"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "Student No\n", rec.Body.String())
}

type fakeNotificationService struct {
	action dto.NotificationAction
	query  dto.NotificationQuery
}

func (f *fakeNotificationService) List(_ context.Context, _ models.Actor, query dto.NotificationQuery) ([]models.Notification, *models.Pagination, int, error) {
	f.query = query
	return []models.Notification{{ID: "n-1", Message: "approved"}}, models.NewPagination(1, 20, 1), 4, nil
}

func (f *fakeNotificationService) MarkRead(_ context.Context, _ models.Actor, action dto.NotificationAction) (int64, error) {
	f.action = action
	return 3, nil
}

func (f *fakeNotificationService) Delete(_ context.Context, _ models.Actor, action dto.NotificationAction) (int64, error) {
	f.action = action
	if !action.All && action.ID == "" {
		return 0, appErrors.ErrValidation
	}
	return 1, nil
}

func TestNotificationHandler(t *testing.T) {
	svc := &fakeNotificationService{}
	router := newRouter(studentClaims)
	h := NewNotificationHandler(svc)
	router.GET("/notifications", h.List)
	router.PATCH("/notifications", h.MarkRead)
	router.DELETE("/notifications", h.Delete)

	rec, envelope := perform(t, router, http.MethodGet, "/notifications?isRead=false", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 4, envelope.Meta["unread_count"])
	require.NotNil(t, svc.query.IsRead)
	assert.False(t, *svc.query.IsRead)

	rec, envelope = perform(t, router, http.MethodPatch, "/notifications", map[string]bool{"all": true})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.action.All)
	assert.JSONEq(t, `{"affected":3}`, string(envelope.Data))

	rec, _ = perform(t, router, http.MethodDelete, "/notifications", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeAuthService struct {
	register models.RegisterRequest
	err      error
}

func (f *fakeAuthService) Register(_ context.Context, req models.RegisterRequest) (*models.LoginResponse, error) {
	f.register = req
	if f.err != nil {
		return nil, f.err
	}
	return &models.LoginResponse{AccessToken: "token", TokenType: "Bearer"}, nil
}

func (f *fakeAuthService) Login(_ context.Context, _ models.LoginRequest) (*models.LoginResponse, error) {
	return nil, f.err
}

func TestAuthHandler(t *testing.T) {
	svc := &fakeAuthService{}
	router := newRouter(nil)
	h := NewAuthHandler(svc)
	router.POST("/auth/register", h.Register)
	router.POST("/auth/login", h.Login)

	rec, envelope := perform(t, router, http.MethodPost, "/auth/register", map[string]string{
		"username": "ayu", "email": "ayu@campus.test", "password": "secret123", "full_name": "Ayu Lestari",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, string(envelope.Data), `"token_type":"Bearer"`)
	assert.Equal(t, "Ayu Lestari", svc.register.FullName)

	svc.err = appErrors.ErrInvalidCredentials
	rec, envelope = perform(t, router, http.MethodPost, "/auth/login", map[string]string{"username": "ayu", "password": "bad"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", envelope.Error.Code)
}

func TestReadyReportsFailingDependency(t *testing.T) {
	h := NewMetricsHandler(nil, map[string]ReadinessCheck{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	router := newRouter(nil)
	router.GET("/ready", h.Ready)
	router.GET("/metrics", h.Prometheus)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unavailable","checks":{"database":"ok","redis":"connection refused"}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
