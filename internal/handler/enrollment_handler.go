package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/campus-enroll-api/internal/dto"
	"github.com/noah-isme/campus-enroll-api/internal/models"
	"github.com/noah-isme/campus-enroll-api/pkg/response"
)

type enrollmentService interface {
	RequestEnrollment(ctx context.Context, actor models.Actor, req dto.EnrollRequest) (*models.EnrollmentDetail, error)
	Decide(ctx context.Context, actor models.Actor, id string, req dto.DecideEnrollmentRequest) (*models.EnrollmentDetail, error)
	Cancel(ctx context.Context, actor models.Actor, id string) (*models.Enrollment, error)
	Get(ctx context.Context, actor models.Actor, id string) (*models.EnrollmentDetail, error)
	List(ctx context.Context, actor models.Actor, query dto.EnrollmentQuery) ([]models.EnrollmentDetail, *models.Pagination, error)
	CreditSummary(ctx context.Context, actor models.Actor, studentID, term string) (*models.CreditSummary, error)
}

// EnrollmentHandler exposes enrollment endpoints.
type EnrollmentHandler struct {
	enrollments enrollmentService
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(enrollments enrollmentService) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments}
}

// Create godoc
// @Summary Request enrollment
// @Description Reserves a seat and creates a pending enrollment for the calling student.
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body dto.EnrollRequest true "Enrollment payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /enroll [post]
func (h *EnrollmentHandler) Create(c *gin.Context) {
	var req dto.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, invalidPayload(err, "invalid enrollment payload"))
		return
	}
	enrollment, err := h.enrollments.RequestEnrollment(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, enrollment)
}

// List godoc
// @Summary List enrollments
// @Description Students only see their own enrollments.
// @Tags Enrollments
// @Produce json
// @Param status query string false "pending, approved, rejected or completed"
// @Param term query string false "Term"
// @Param studentId query string false "Student (admin only)"
// @Param courseId query string false "Course"
// @Param search query string false "Matches course name, instructor or student name"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Param sort query string false "enrolled_at, status, course_name, student_name or term"
// @Param order query string false "asc or desc"
// @Success 200 {object} response.Envelope
// @Router /enroll [get]
func (h *EnrollmentHandler) List(c *gin.Context) {
	var query dto.EnrollmentQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, invalidPayload(err, "invalid query parameters"))
		return
	}
	enrollments, pagination, err := h.enrollments.List(c.Request.Context(), actorFromContext(c), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, pagination)
}

// Get godoc
// @Summary Get enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /enroll/{id} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	enrollment, err := h.enrollments.Get(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// Credits godoc
// @Summary Credit load for a term
// @Tags Enrollments
// @Produce json
// @Param term query string false "Term, defaults to the active term"
// @Param studentId query string false "Student (admin only)"
// @Success 200 {object} response.Envelope
// @Router /enroll/credits [get]
func (h *EnrollmentHandler) Credits(c *gin.Context) {
	summary, err := h.enrollments.CreditSummary(c.Request.Context(), actorFromContext(c), c.Query("studentId"), c.Query("term"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}

// Decide godoc
// @Summary Decide enrollment
// @Description Approve, reject or complete an enrollment. Admin only.
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body dto.DecideEnrollmentRequest true "Decision"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enroll/{id} [put]
func (h *EnrollmentHandler) Decide(c *gin.Context) {
	var req dto.DecideEnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, invalidPayload(err, "invalid decision payload"))
		return
	}
	enrollment, err := h.enrollments.Decide(c.Request.Context(), actorFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// Cancel godoc
// @Summary Cancel enrollment
// @Description Students may cancel their own pending enrollments; admins may cancel any.
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /enroll/{id} [delete]
func (h *EnrollmentHandler) Cancel(c *gin.Context) {
	enrollment, err := h.enrollments.Cancel(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}
