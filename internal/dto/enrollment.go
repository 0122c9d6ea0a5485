package dto

import "github.com/noah-isme/campus-enroll-api/internal/models"

// EnrollRequest is submitted by a student to request a seat.
type EnrollRequest struct {
	CourseID string `json:"courseId" validate:"required"`
	Term     string `json:"term" validate:"omitempty,max=20"`
}

// DecideEnrollmentRequest is submitted by an admin to move an enrollment.
type DecideEnrollmentRequest struct {
	Status  models.EnrollmentStatus `json:"status" validate:"required"`
	Remarks *string                 `json:"remarks" validate:"omitempty,max=500"`
	Grade   *string                 `json:"grade" validate:"omitempty,max=2"`
}

// EnrollmentQuery is bound from enrollment list query parameters.
type EnrollmentQuery struct {
	Status    string `form:"status"`
	Term      string `form:"term"`
	StudentID string `form:"studentId"`
	CourseID  string `form:"courseId"`
	Search    string `form:"search"`
	Page      int    `form:"page"`
	Limit     int    `form:"limit"`
	Sort      string `form:"sort"`
	Order     string `form:"order"`
}
