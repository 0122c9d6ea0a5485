package dto

import "github.com/noah-isme/campus-enroll-api/internal/models"

// CreateCourseRequest defines payload for creating a course.
type CreateCourseRequest struct {
	ID           string              `json:"id" validate:"required,min=2,max=20"`
	Name         string              `json:"name" validate:"required,max=100"`
	Credits      int                 `json:"credits" validate:"required,gt=0,lte=12"`
	Category     string              `json:"category" validate:"required,max=50"`
	Instructor   string              `json:"instructor" validate:"required,max=100"`
	InstructorID *string             `json:"instructorId" validate:"omitempty,uuid"`
	Schedule     models.Schedule     `json:"schedule" validate:"-"`
	Description  string              `json:"description"`
	TotalSeats   *int                `json:"totalSeats" validate:"omitnil,gt=0,lte=1000"`
	Status       models.CourseStatus `json:"status" validate:"omitempty,oneof=draft active archived"`
}

// UpdateCourseRequest carries the allow-listed mutable fields. ID is accepted only to detect
// attempts to change it.
type UpdateCourseRequest struct {
	ID          *string              `json:"id"`
	Name        *string              `json:"name" validate:"omitnil,min=1,max=100"`
	Credits     *int                 `json:"credits" validate:"omitnil,gt=0,lte=12"`
	Category    *string              `json:"category" validate:"omitnil,min=1,max=50"`
	Instructor  *string              `json:"instructor" validate:"omitnil,min=1,max=100"`
	Schedule    *models.Schedule     `json:"schedule" validate:"-"`
	Description *string              `json:"description"`
	Status      *models.CourseStatus `json:"status" validate:"omitnil,oneof=draft active archived"`
	TotalSeats  *int                 `json:"totalSeats" validate:"omitnil,gt=0,lte=1000"`
}

// Empty reports whether no mutable field was supplied.
func (r UpdateCourseRequest) Empty() bool {
	return r.Name == nil && r.Credits == nil && r.Category == nil && r.Instructor == nil &&
		r.Schedule == nil && r.Description == nil && r.Status == nil && r.TotalSeats == nil
}

// CourseQuery is bound from catalog query parameters.
type CourseQuery struct {
	Status     string `form:"status"`
	Category   string `form:"category"`
	Instructor string `form:"instructor"`
	Search     string `form:"search"`
	Page       int    `form:"page"`
	Limit      int    `form:"limit"`
	Sort       string `form:"sort"`
	Order      string `form:"order"`
}

// RosterQuery selects the roster export format and term.
type RosterQuery struct {
	Format string `form:"format"`
	Term   string `form:"term"`
}
